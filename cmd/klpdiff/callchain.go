package main

import (
	"fmt"
	"os"

	"github.com/kpatch-tools/klpdiff/internal/callgraph"
	"github.com/spf13/cobra"
)

var callchainPath string

var callchainCmd = &cobra.Command{
	Use:   "callchain",
	Short: "Print every root-to-leaf call path, leaf-to-root, one per line",
	RunE:  runCallchain,
}

func init() {
	callchainCmd.Flags().StringVarP(&callchainPath, "file", "f", "", "object file (required)")
	callchainCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(callchainCmd)
}

func runCallchain(cmd *cobra.Command, args []string) error {
	f, err := openObject(callchainPath)
	if err != nil {
		return err
	}
	for _, line := range callgraph.CallChain(f) {
		fmt.Fprintln(os.Stdout, line)
	}
	return nil
}
