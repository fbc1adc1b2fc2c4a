package main

import (
	"github.com/kpatch-tools/klpdiff/internal/callgraph"
	"github.com/spf13/cobra"
)

var (
	changeCallSymbolFrom string
	changeCallSymbolTo   string
)

var changeCallSymbolCmd = &cobra.Command{
	Use:   "changeCallSymbol <MODULE>",
	Short: "Rewrite every relocation referencing symbol FROM to reference symbol TO",
	Args:  cobra.ExactArgs(1),
	RunE:  runChangeCallSymbol,
}

func init() {
	changeCallSymbolCmd.Flags().StringVarP(&changeCallSymbolFrom, "src", "s", "", "symbol to replace (required)")
	changeCallSymbolCmd.Flags().StringVarP(&changeCallSymbolTo, "dst", "d", "", "replacement symbol (required)")
	changeCallSymbolCmd.MarkFlagRequired("src")
	changeCallSymbolCmd.MarkFlagRequired("dst")
	rootCmd.AddCommand(changeCallSymbolCmd)
}

func runChangeCallSymbol(cmd *cobra.Command, args []string) error {
	modulePath := args[0]
	f, err := openObject(modulePath)
	if err != nil {
		return err
	}
	if err := callgraph.ChangeCallSymbol(f, changeCallSymbolFrom, changeCallSymbolTo); err != nil {
		return err
	}
	return writeObject(modulePath, f)
}
