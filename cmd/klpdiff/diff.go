package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/kpatch-tools/klpdiff/internal/diffengine"
	"github.com/spf13/cobra"
)

var (
	diffOldPath string
	diffNewPath string
)

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Diff two cross-compiled objects, one verdict line per changed symbol",
	RunE:  runDiff,
}

func init() {
	diffCmd.Flags().StringVarP(&diffOldPath, "old", "a", "", "old object (required)")
	diffCmd.Flags().StringVarP(&diffNewPath, "new", "b", "", "new object (required)")
	diffCmd.MarkFlagRequired("old")
	diffCmd.MarkFlagRequired("new")
	rootCmd.AddCommand(diffCmd)
}

var verdictColor = map[diffengine.Verdict]*color.Color{
	diffengine.ModifiedFunction: color.New(color.FgYellow),
	diffengine.NewFunction:      color.New(color.FgGreen),
	diffengine.ModifiedVariable: color.New(color.FgYellow),
	diffengine.NewVariable:      color.New(color.FgGreen),
}

func runDiff(cmd *cobra.Command, args []string) error {
	oldFile, err := openObject(diffOldPath)
	if err != nil {
		return err
	}
	newFile, err := openObject(diffNewPath)
	if err != nil {
		return err
	}

	entries, err := diffengine.Diff(oldFile, newFile)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Verdict == diffengine.NoDiff {
			continue
		}
		line := fmt.Sprintf("%s: %s", e.Verdict, e.Name)
		if c, ok := verdictColor[e.Verdict]; ok && isTerminal() {
			c.Fprintln(os.Stdout, line)
			continue
		}
		fmt.Fprintln(os.Stdout, line)
	}
	return nil
}

func isTerminal() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
