package main

import (
	"fmt"
	"os"

	"github.com/kpatch-tools/klpdiff/internal/disasm"
	"github.com/kpatch-tools/klpdiff/internal/toolerr"
	"github.com/spf13/cobra"
)

var (
	disassemblePath   string
	disassembleSymbol string
	disassembleRaw    bool
)

var disassembleCmd = &cobra.Command{
	Use:   "disassemble",
	Short: "Print the symbolic disassembly of a function",
	RunE:  runDisassemble,
}

func init() {
	disassembleCmd.Flags().StringVarP(&disassemblePath, "file", "f", "", "object file (required)")
	disassembleCmd.Flags().StringVarP(&disassembleSymbol, "symbol", "s", "", "function symbol (required)")
	disassembleCmd.Flags().BoolVarP(&disassembleRaw, "raw", "r", false, "also print each instruction's raw byte length")
	disassembleCmd.MarkFlagRequired("file")
	disassembleCmd.MarkFlagRequired("symbol")
	rootCmd.AddCommand(disassembleCmd)
}

func runDisassemble(cmd *cobra.Command, args []string) error {
	f, err := openObject(disassemblePath)
	if err != nil {
		return err
	}
	ctx := newContext(f)
	sym := ctx.Idx.ByName(disassembleSymbol)
	if sym == nil {
		return toolerr.New(toolerr.Unresolved, "symbol %q not found", disassembleSymbol)
	}
	sec := sym.Section()
	if sec == nil {
		return toolerr.New(toolerr.Malformed, "symbol %q has no defining section", disassembleSymbol)
	}

	ctx.Logger.Debug("disassembling", "symbol", disassembleSymbol, "section", sec.Name)
	bridge := disasm.New(f, ctx.Idx)
	insts, err := bridge.Decode(sec, 0)
	if err != nil {
		return err
	}
	for _, inst := range insts {
		if inst.PC < sym.Value {
			continue
		}
		if inst.PC >= sym.Value+sym.Size {
			break
		}
		if disassembleRaw {
			fmt.Fprintf(os.Stdout, "%#x [%d]: %s\n", inst.PC, inst.Len, inst.Text)
			continue
		}
		fmt.Fprintf(os.Stdout, "%#x: %s\n", inst.PC, inst.Text)
	}
	return nil
}
