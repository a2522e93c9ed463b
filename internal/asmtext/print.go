package asmtext

import (
	"bufio"
	"fmt"
	"io"

	"github.com/katrho/regvm/internal/vm"
)

// Print writes code to w in the persisted bytecode text format - the
// inverse of Parse. Every instruction becomes one line: its mnemonic
// followed by its operand bytes as whitespace-separated decimal numbers.
func Print(w io.Writer, code *vm.Bytecode) error {
	bw := bufio.NewWriter(w)
	data := code.Bytes()

	err := code.Walk(func(offset int, op vm.Opcode) error {
		size := vm.MustSize(op)
		fmt.Fprint(bw, op.String())
		for i := 1; i < int(size); i++ {
			fmt.Fprintf(bw, " %d", data[offset+i])
		}
		fmt.Fprint(bw, "\n")
		return nil
	})
	if err != nil {
		return err
	}
	return bw.Flush()
}
