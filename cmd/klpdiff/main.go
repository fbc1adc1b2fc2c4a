// Command klpdiff is the CLI front end for the object-surgery core:
// a thin shell that parses flags, opens ELF files, calls into the
// core packages, and formats one-line-per-result output (spec §6.1).
// No decision logic lives here.
package main

func main() {
	Execute()
}
