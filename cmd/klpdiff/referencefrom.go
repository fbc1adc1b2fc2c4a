package main

import (
	"fmt"
	"os"

	"github.com/kpatch-tools/klpdiff/internal/callgraph"
	"github.com/spf13/cobra"
)

var (
	referenceFromPath   string
	referenceFromSymbol string
)

var referenceFromCmd = &cobra.Command{
	Use:   "referenceFrom",
	Short: "List every symbol that refers to a given target symbol",
	RunE:  runReferenceFrom,
}

func init() {
	referenceFromCmd.Flags().StringVarP(&referenceFromPath, "file", "f", "", "object file (required)")
	referenceFromCmd.Flags().StringVarP(&referenceFromSymbol, "symbol", "s", "", "target symbol (required)")
	referenceFromCmd.MarkFlagRequired("file")
	referenceFromCmd.MarkFlagRequired("symbol")
	rootCmd.AddCommand(referenceFromCmd)
}

func runReferenceFrom(cmd *cobra.Command, args []string) error {
	f, err := openObject(referenceFromPath)
	if err != nil {
		return err
	}
	refs, err := callgraph.ReferencesTo(f, referenceFromSymbol)
	if err != nil {
		return err
	}
	for _, r := range refs {
		prefix := "v:"
		if r.Function {
			prefix = "f:"
		}
		fmt.Fprintln(os.Stdout, prefix+r.Name)
	}
	return nil
}
