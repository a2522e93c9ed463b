package vm

import "encoding/binary"

// HandlerIndexSize is the width, in bytes, of the handler index that
// Preprocess writes in place of each opcode byte.
const HandlerIndexSize = 2

// ThreadedExecutable is an Executable rewritten for direct-threaded
// dispatch: each opcode byte has been replaced by a little-endian 2-byte
// index into a handler table, and every jump/call displacement has been
// adjusted by the number of extra bytes that rewrite inserted before its
// target. Go has no computed-goto, so "handler offset"
// here is a table index rather than a literal code address; Run's
// dispatch loop indexes the package-level handler table, which init
// builds once.
type ThreadedExecutable struct {
	Code    *Bytecode
	Natives []NativeFunc
}

// handlerIndex maps an opcode to its slot in the handler table. The table
// is simply indexed by the opcode's own byte value - a 256-entry table
// costs nothing, so no renumbering pass is needed.
func handlerIndex(op Opcode) uint16 {
	return uint16(op)
}

// countInstructionsBetween counts the number of instructions whose start
// offset lies in [lo, hi) within the original, unthreaded buffer. Since
// every instruction grows by exactly one byte under threading (its 1-byte
// opcode becomes a 2-byte handler index; operand bytes are untouched),
// this count is exactly the number of bytes that rewrite inserts between
// offsets lo and hi - which is what both relative-jump deltas and absolute call
// targets need added (or, for a negative jump delta, subtracted) to stay
// correct in the rewritten buffer.
func countInstructionsBetween(code *Bytecode, lo, hi int) (int, error) {
	if hi < lo {
		lo, hi = hi, lo
	}
	count := 0
	err := code.Walk(func(off int, op Opcode) error {
		if off >= lo && off < hi {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Preprocess rewrites a linked Executable into direct-threaded form. It
// does not mutate e; it returns a new ThreadedExecutable with its own
// Bytecode buffer.
//
// Relative jumps (JMPR_I32/JRNZ_REG_I32/JRZ_REG_I32) are adjusted by the
// signed count of instructions their displacement crosses. CALL_UI64
// holds an absolute byte offset into the same buffer that threading just
// grew, so it needs the equivalent adjustment: the count of instructions
// between the start of the buffer and the (pre-threading) target. A jump
// or call whose target is not an instruction boundary fails with
// ErrMisalignedTarget.
func Preprocess(e *Executable) (*ThreadedExecutable, error) {
	src := e.Code
	out := NewBytecode()

	err := src.Walk(func(off int, op Opcode) error {
		size := MustSize(op)
		data := src.Bytes()[off : off+int(size)]

		idx := handlerIndex(op)
		idxBytes := make([]byte, HandlerIndexSize)
		binary.LittleEndian.PutUint16(idxBytes, idx)
		out.Append(idxBytes)

		operands := append([]byte(nil), data[1:]...)

		switch op {
		case JmprI32:
			delta := DecodeJmpR(data)
			target := off + int(delta)
			if !src.HasInstruction(target) {
				return ErrMisalignedTarget
			}
			adj, err := countInstructionsBetween(src, min(off, target), max(off, target))
			if err != nil {
				return err
			}
			if delta > 0 {
				delta += int32(adj)
			} else {
				delta -= int32(adj)
			}
			binary.LittleEndian.PutUint32(operands[0:4], uint32(delta))

		case JrnzRegI32, JrzRegI32:
			_, delta := DecodeJrCond(data)
			target := off + int(delta)
			if !src.HasInstruction(target) {
				return ErrMisalignedTarget
			}
			adj, err := countInstructionsBetween(src, min(off, target), max(off, target))
			if err != nil {
				return err
			}
			if delta > 0 {
				delta += int32(adj)
			} else {
				delta -= int32(adj)
			}
			binary.LittleEndian.PutUint32(operands[1:5], uint32(delta))

		case CallUi64:
			target := int(DecodeCall(data))
			if !src.HasInstruction(target) {
				return ErrMisalignedTarget
			}
			adj, err := countInstructionsBetween(src, 0, target)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint64(operands[0:8], uint64(target+adj))
		}

		out.Append(operands)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &ThreadedExecutable{Code: out, Natives: e.Natives}, nil
}
