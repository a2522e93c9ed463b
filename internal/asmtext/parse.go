// Package asmtext reads and writes the persisted bytecode text format: a
// line-oriented textual assembler for already-linked executables. Each
// line is "MNEMONIC operand…" where every operand byte - including the
// individual bytes of a multi-byte immediate - is written as a
// whitespace-separated unsigned decimal number, least-significant byte
// first. Operand bytes are parsed one uint8 at a time regardless of the
// field's true width, so the format needs no per-opcode knowledge beyond
// the size table.
package asmtext

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/katrho/regvm/internal/vm"
)

// Parse reads a persisted bytecode file from r and returns the decoded
// instruction stream. Blank lines are skipped. LBL_UI32 is rejected -
// labels are a lowering-only pseudo-instruction and never appear in an
// already-linked executable.
func Parse(r io.Reader) (*vm.Bytecode, error) {
	bc := vm.NewBytecode()
	scanner := bufio.NewScanner(r)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := parseLine(bc, line); err != nil {
			return nil, fmt.Errorf("asmtext: line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("asmtext: %w", err)
	}
	return bc, nil
}

func parseLine(bc *vm.Bytecode, line string) error {
	fields := strings.Fields(line)
	mnemonic := fields[0]

	op, ok := vm.OpcodeByName(mnemonic)
	if !ok {
		return fmt.Errorf("unknown mnemonic %q", mnemonic)
	}
	if op == vm.LblUi32 {
		return fmt.Errorf("LBL_UI32 should not appear in an already-linked executable")
	}

	size, ok := vm.Size(op)
	if !ok {
		return fmt.Errorf("opcode %q has no registered size", mnemonic)
	}
	wantOperands := int(size) - 1

	operandFields := fields[1:]
	if len(operandFields) != wantOperands {
		return fmt.Errorf("%s expects %d operand bytes, got %d", mnemonic, wantOperands, len(operandFields))
	}

	instr := make([]byte, size)
	instr[0] = byte(op)
	for i, f := range operandFields {
		n, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			return fmt.Errorf("%s: operand %d: %w", mnemonic, i, err)
		}
		instr[1+i] = byte(n)
	}

	bc.Append(instr)
	return nil
}
