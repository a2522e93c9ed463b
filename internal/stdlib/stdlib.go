// Package stdlib supplies the small set of native functions this repo
// wires into the native-call ABI: host-provided callbacks a bytecode
// program reaches through CALL_NATIVE_UI64 and the linked native table.
// It is deliberately minimal - there is no dynamic loading of natives
// from shared libraries, only functions registered into the table at
// link time.
package stdlib

import (
	"fmt"
	"io"

	"github.com/katrho/regvm/internal/vm"
)

// PrintlnI64 returns a native function that reads a single i64 argument
// from the current frame and writes it, newline-terminated, to w. The
// io.Writer is captured explicitly per native instead of living in a
// package-level variable, so there is no global mutable state to thread
// through the VM.
func PrintlnI64(w io.Writer) vm.NativeFunc {
	return func(registers *[64]uint64, frame []byte) error {
		args := vm.NativeArgs(frame, 8)
		if args == nil {
			return fmt.Errorf("println_i64: frame too small for one i64 argument")
		}
		v := vm.ArgI64(args, 0)
		if _, err := fmt.Fprintf(w, "%d\n", v); err != nil {
			return err
		}
		vm.SetReturn(registers, 0)
		return nil
	}
}
