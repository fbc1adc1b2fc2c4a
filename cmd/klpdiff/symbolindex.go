package main

import (
	"fmt"
	"os"

	"github.com/kpatch-tools/klpdiff/internal/symbolindex"
	"github.com/kpatch-tools/klpdiff/internal/toolerr"
	"github.com/spf13/cobra"
)

var (
	symbolindexObj     string
	symbolindexArchive string
	symbolindexSrc     string
	symbolindexKind    string
)

var symbolindexCmd = &cobra.Command{
	Use:   "symbolindex <NAME>",
	Short: "Print the 1-based address rank of the first NAME symbol of the given kind among the same-named symbols of the -o object",
	Args:  cobra.ExactArgs(1),
	RunE:  runSymbolindex,
}

func init() {
	symbolindexCmd.Flags().StringVarP(&symbolindexObj, "obj", "o", "", "object file whose same-named symbols are ranked; its first match is the chosen address (required)")
	symbolindexCmd.Flags().StringVarP(&symbolindexArchive, "archive", "a", "", "archive whose index must name the source file; it is not otherwise read (required)")
	symbolindexCmd.Flags().StringVarP(&symbolindexSrc, "src", "f", "", "source file that must appear as <src>.o/ in the archive index; only its presence is checked (required)")
	symbolindexCmd.Flags().StringVarP(&symbolindexKind, "type", "t", "", "symbol kind: f (function) or v (variable) (required)")
	symbolindexCmd.MarkFlagRequired("obj")
	symbolindexCmd.MarkFlagRequired("archive")
	symbolindexCmd.MarkFlagRequired("src")
	symbolindexCmd.MarkFlagRequired("type")
	rootCmd.AddCommand(symbolindexCmd)
}

func runSymbolindex(cmd *cobra.Command, args []string) error {
	name := args[0]
	if symbolindexKind != "f" && symbolindexKind != "v" {
		return toolerr.New(toolerr.Usage, "-t must be f or v, got %q", symbolindexKind)
	}

	archiveIndex, err := os.ReadFile(symbolindexArchive)
	if err != nil {
		return toolerr.Wrap(toolerr.IO, err, "reading %s", symbolindexArchive)
	}
	if _, _, err := symbolindex.FindOccurrence(archiveIndex, symbolindexSrc, 1); err != nil {
		return toolerr.Wrap(toolerr.Unresolved, err, "locating %s in %s", symbolindexSrc, symbolindexArchive)
	}

	f, err := openObject(symbolindexObj)
	if err != nil {
		return err
	}

	var candidates []uint64
	var chosen *uint64
	for _, s := range f.Symbols {
		if s.Name != name {
			continue
		}
		isFunc := symbolindexKind == "f" && s.IsFunction()
		isVar := symbolindexKind == "v" && s.IsVariable()
		if !isFunc && !isVar {
			continue
		}
		candidates = append(candidates, s.Value)
		if chosen == nil {
			v := s.Value
			chosen = &v
		}
	}
	if chosen == nil {
		return toolerr.New(toolerr.Unresolved, "no %s symbol named %q found", symbolindexKind, name)
	}

	fmt.Fprintln(os.Stdout, symbolindex.Rank(candidates, *chosen))
	return nil
}
