package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/kpatch-tools/klpdiff/internal/dekuctx"
	"github.com/kpatch-tools/klpdiff/internal/toolerr"
	"github.com/kpatch-tools/klpdiff/obj"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var verbosity int

// rootCmd is the base command; every §6.1 verb is a child subcommand.
var rootCmd = &cobra.Command{
	Use:   "klpdiff",
	Short: "Kernel object-surgery toolchain: diff, extract, live-patch convert",
	Long: `klpdiff operates on relocatable ELF x86-64 objects to support kernel
live-patch generation: cross-compilation diffing, symbol-closure
extraction, relocation promotion, and the .klp.* live-patch conversion.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity (repeatable)")
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	viper.SetEnvPrefix("KLPDIFF")
	viper.AutomaticEnv()
	if viper.IsSet("verbose") && verbosity == 0 {
		verbosity = viper.GetInt("verbose")
	}
}

// Execute runs the root command and maps any returned *toolerr.Error
// to its process exit code; this is the only place in the driver that
// calls os.Exit (spec §7: "all errors are fatal at the outermost
// scope").
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "klpdiff:", err)
		kind, ok := toolerr.KindOf(err)
		if !ok {
			os.Exit(2)
		}
		os.Exit(kind.ExitCode())
	}
}

func newContext(f *obj.File) *dekuctx.Context {
	return dekuctx.New(f, dekuctx.NewLogger(verbosity))
}

func openObject(path string) (*obj.File, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.IO, err, "reading %s", path)
	}
	return obj.Open(bytes.NewReader(buf))
}

func writeObject(path string, f *obj.File) error {
	w, err := os.Create(path)
	if err != nil {
		return toolerr.Wrap(toolerr.IO, err, "creating %s", path)
	}
	defer w.Close()
	if err := f.FinalizeAndWrite(w); err != nil {
		return toolerr.Wrap(toolerr.Malformed, err, "writing %s", path)
	}
	return nil
}
