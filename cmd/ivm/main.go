// Command ivm loads an already-linked bytecode file in the persisted
// text format (internal/asmtext) and runs it to completion on a fresh
// vm.Machine. It is the thinnest possible host around internal/vm: it
// owns no compilation logic of its own, only wiring (file I/O, the
// native-function table, and the optional disassembly/timing switches).
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/katrho/regvm/internal/asmtext"
	"github.com/katrho/regvm/internal/stdlib"
	"github.com/katrho/regvm/internal/vm"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var debugMode bool
	var timeMode bool

	cmd := &cobra.Command{
		Use:   "ivm <bytecode-file>",
		Short: "Run a linked register-VM bytecode file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0], debugMode, timeMode)
		},
		SilenceUsage: true,
	}

	cmd.Flags().BoolVar(&debugMode, "debug", false, "print a disassembly listing before running")
	cmd.Flags().BoolVar(&timeMode, "time", false, "print wall-clock execution time after running")
	return cmd
}

// nativeTable is the fixed native-function vocabulary every ivm-run
// executable links against. Index 0 is println_i64; CALL_NATIVE_UI64
// operands in a persisted bytecode file index into this table.
func nativeTable(out *os.File) []vm.NativeFunc {
	return []vm.NativeFunc{
		stdlib.PrintlnI64(out),
	}
}

func run(cmd *cobra.Command, path string, debugMode, timeMode bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("ivm: %w", err)
	}
	defer f.Close()

	code, err := asmtext.Parse(f)
	if err != nil {
		return fmt.Errorf("ivm: %w", err)
	}

	if debugMode {
		if err := asmtext.Print(cmd.OutOrStdout(), code); err != nil {
			return fmt.Errorf("ivm: disassembly: %w", err)
		}
	}

	exe := &vm.Executable{Code: code, Natives: nativeTable(os.Stdout)}
	te, err := vm.Preprocess(exe)
	if err != nil {
		return fmt.Errorf("ivm: %w", err)
	}

	start := time.Now()
	m, runErr := vm.Run(te, vm.DefaultStackSize)
	elapsed := time.Since(start)

	if timeMode {
		fmt.Fprintf(cmd.OutOrStdout(), "ivm: execution took %s\n", elapsed)
	}

	if runErr != nil && !errors.Is(runErr, vm.ErrProgramFinished) {
		return fmt.Errorf("ivm: %w", runErr)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%d\n", m.Registers[vm.RegRet])
	return nil
}
