package vm

import "fmt"

// Bytecode is an append-only byte buffer holding one function's encoded
// instruction stream. It never decodes operands itself - that is left to
// the linker, the threading preprocessor and the machine - but it knows
// enough about the opcode table to step from one instruction to the next.
type Bytecode struct {
	data []byte
}

// NewBytecode returns an empty instruction stream.
func NewBytecode() *Bytecode {
	return &Bytecode{}
}

// Len returns the number of encoded bytes.
func (b *Bytecode) Len() int {
	return len(b.data)
}

// Bytes exposes the underlying buffer. Callers that mutate the returned
// slice (the linker's label and fixup sweeps) are expected to only ever
// overwrite existing bytes in place, never resize.
func (b *Bytecode) Bytes() []byte {
	return b.data
}

// Append adds a single already-encoded instruction and returns the byte
// offset at which it was written.
func (b *Bytecode) Append(instr []byte) int {
	at := len(b.data)
	b.data = append(b.data, instr...)
	return at
}

// AppendMany appends a sequence of instructions in order.
func (b *Bytecode) AppendMany(instrs ...[]byte) {
	for _, in := range instrs {
		b.Append(in)
	}
}

// Patch overwrites len(replacement) bytes starting at offset. Used by the
// linker to rewrite jump/call operands and to erase resolved LBL_UI32
// pseudo-instructions down to NOPs, without changing the stream's length.
func (b *Bytecode) Patch(offset int, replacement []byte) {
	copy(b.data[offset:offset+len(replacement)], replacement)
}

// At returns the opcode at offset.
func (b *Bytecode) At(offset int) Opcode {
	return Opcode(b.data[offset])
}

// InstructionSize returns the encoded size of the instruction at offset,
// including the opcode byte.
func (b *Bytecode) InstructionSize(offset int) (uint8, error) {
	op := b.At(offset)
	n, ok := Size(op)
	if !ok {
		return 0, fmt.Errorf("vm: unknown opcode 0x%02x at offset %d", byte(op), offset)
	}
	return n, nil
}

// HasInstruction reports whether offset lands exactly on the start of an
// instruction, by walking the stream from the beginning. Offsets recorded
// by the lowering pass (label targets, branch targets) must never point
// into the middle of an encoded instruction.
func (b *Bytecode) HasInstruction(offset int) bool {
	pos := 0
	for pos < len(b.data) {
		if pos == offset {
			return true
		}
		n, ok := Size(Opcode(b.data[pos]))
		if !ok {
			return false
		}
		pos += int(n)
	}
	return false
}

// Walk calls fn once per instruction in the stream, in order, passing the
// instruction's start offset and its opcode. It stops and returns an error
// if an unknown opcode byte is encountered.
func (b *Bytecode) Walk(fn func(offset int, op Opcode) error) error {
	pos := 0
	for pos < len(b.data) {
		op := Opcode(b.data[pos])
		n, ok := Size(op)
		if !ok {
			return fmt.Errorf("vm: unknown opcode 0x%02x at offset %d", byte(op), pos)
		}
		if err := fn(pos, op); err != nil {
			return err
		}
		pos += int(n)
	}
	return nil
}

// InsertPadding appends n NOP instructions.
func (b *Bytecode) InsertPadding(n int) {
	for i := 0; i < n; i++ {
		b.Append(EncodeSimple(Nop))
	}
}

// Read returns n bytes starting at offset. Bytes past the end of the
// stream read back as ERR, so a fixed-width "fetch up to the longest
// instruction" probe near the end of a buffer is always safe and any
// decode of the over-read bytes fails loudly.
func (b *Bytecode) Read(offset, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		if offset+i < len(b.data) {
			out[i] = b.data[offset+i]
		} else {
			out[i] = byte(Err)
		}
	}
	return out
}
