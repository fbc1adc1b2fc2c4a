package main

import (
	"path/filepath"
	"strings"

	"github.com/kpatch-tools/klpdiff/internal/livepatch"
	"github.com/kpatch-tools/klpdiff/internal/toolerr"
	"github.com/spf13/cobra"
)

var (
	livepatchSymbols   []string
	livepatchRelocates []string
)

var livepatchCmd = &cobra.Command{
	Use:   "livepatch <MODULE.ko>",
	Short: "Convert a finished object into a kernel live-patch module, in place",
	Args:  cobra.ExactArgs(1),
	RunE:  runLivepatch,
}

func init() {
	livepatchCmd.Flags().StringArrayVarP(&livepatchSymbols, "symbol", "s", nil, "OBJ.FUN to convert (repeatable)")
	livepatchCmd.Flags().StringArrayVarP(&livepatchRelocates, "relocate", "r", nil, "OBJ.FUN,IDX to relocate (repeatable)")
	rootCmd.AddCommand(livepatchCmd)
}

func runLivepatch(cmd *cobra.Command, args []string) error {
	modulePath := args[0]
	if len(livepatchSymbols) == 0 && len(livepatchRelocates) == 0 {
		return toolerr.New(toolerr.Usage, "livepatch requires at least one -s or -r target")
	}

	var targets []livepatch.Target
	for _, s := range livepatchSymbols {
		t, err := parseLivepatchSymbolFlag(s)
		if err != nil {
			return err
		}
		targets = append(targets, t)
	}
	for _, s := range livepatchRelocates {
		t, err := livepatch.ParseTarget(s)
		if err != nil {
			return err
		}
		targets = append(targets, t)
	}

	f, err := openObject(modulePath)
	if err != nil {
		return err
	}

	objName := strings.TrimSuffix(filepath.Base(modulePath), filepath.Ext(modulePath))
	if err := livepatch.Convert(f, objName, targets); err != nil {
		return err
	}
	return writeObject(modulePath, f)
}

// parseLivepatchSymbolFlag parses a bare "-s OBJ.FUN" target (no
// explicit position; defaults to position 1, the first occurrence)
// by delegating to ParseTarget with a synthesized ",1" suffix.
func parseLivepatchSymbolFlag(s string) (livepatch.Target, error) {
	return livepatch.ParseTarget(s + ",1")
}
