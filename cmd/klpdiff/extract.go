package main

import (
	"strings"

	"github.com/kpatch-tools/klpdiff/internal/extract"
	"github.com/kpatch-tools/klpdiff/internal/toolerr"
	"github.com/spf13/cobra"
)

var (
	extractInPath  string
	extractOutPath string
	extractSymbols []string
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract the symbol closure rooted at one or more symbols into a new object",
	RunE:  runExtract,
}

func init() {
	extractCmd.Flags().StringVarP(&extractInPath, "file", "f", "", "input object (required)")
	extractCmd.Flags().StringVarP(&extractOutPath, "out", "o", "", "output object (required)")
	extractCmd.Flags().StringArrayVarP(&extractSymbols, "symbol", "s", nil, "symbol to extract (repeatable, or comma-joined)")
	extractCmd.MarkFlagRequired("file")
	extractCmd.MarkFlagRequired("out")
	extractCmd.MarkFlagRequired("symbol")
	rootCmd.AddCommand(extractCmd)
}

func runExtract(cmd *cobra.Command, args []string) error {
	var names []string
	for _, s := range extractSymbols {
		names = append(names, strings.Split(s, ",")...)
	}
	if len(names) == 0 {
		return toolerr.New(toolerr.Usage, "--extract requires at least one -s symbol")
	}

	src, err := openObject(extractInPath)
	if err != nil {
		return err
	}
	out, err := extract.Extract(src, names)
	if err != nil {
		return err
	}
	return writeObject(extractOutPath, out)
}
