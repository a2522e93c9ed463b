package vm

import (
	"encoding/binary"
	"runtime/debug"
)

// Register indices with dedicated meaning. sp, fp and ip are not
// separate Machine fields - they are simply fixed slots of the same
// 64-wide register file, so instructions that take a register operand
// can name them like any other register.
const (
	RegRet = 60 // conventional return-value slot
	RegSP  = 61 // stack pointer: byte index into Machine.Stack
	RegFP  = 62 // frame pointer: byte index into Machine.Stack
	RegIP  = 63 // instruction pointer: byte offset into the threaded code
)

// DefaultStackSize is the data stack's capacity when a Machine is
// constructed with NewMachine(0).
const DefaultStackSize = 8 * 1024

// Machine is the runtime state of one execution: a register file and a
// fixed-capacity byte stack. It has no heap - all data lives in registers
// or stack frames. A Machine is created empty for a single
// execution of a ThreadedExecutable and discarded afterward; an
// Executable/ThreadedExecutable is read-only and may be shared across
// many Machines running on separate goroutines.
type Machine struct {
	Registers [64]uint64
	Stack     []byte
}

// NewMachine allocates a Machine with the given stack capacity. A
// capacity of 0 selects DefaultStackSize.
func NewMachine(stackSize int) *Machine {
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	return &Machine{Stack: make([]byte, stackSize)}
}

func (m *Machine) push8(v uint8) error {
	sp := m.Registers[RegSP]
	if sp+1 > uint64(len(m.Stack)) {
		return ErrStackOverflow
	}
	m.Stack[sp] = v
	m.Registers[RegSP] = sp + 1
	return nil
}

func (m *Machine) push16(v uint16) error {
	sp := m.Registers[RegSP]
	if sp+2 > uint64(len(m.Stack)) {
		return ErrStackOverflow
	}
	binary.LittleEndian.PutUint16(m.Stack[sp:], v)
	m.Registers[RegSP] = sp + 2
	return nil
}

func (m *Machine) push32(v uint32) error {
	sp := m.Registers[RegSP]
	if sp+4 > uint64(len(m.Stack)) {
		return ErrStackOverflow
	}
	binary.LittleEndian.PutUint32(m.Stack[sp:], v)
	m.Registers[RegSP] = sp + 4
	return nil
}

func (m *Machine) push64(v uint64) error {
	sp := m.Registers[RegSP]
	if sp+8 > uint64(len(m.Stack)) {
		return ErrStackOverflow
	}
	binary.LittleEndian.PutUint64(m.Stack[sp:], v)
	m.Registers[RegSP] = sp + 8
	return nil
}

func (m *Machine) pop8() (uint8, error) {
	sp := m.Registers[RegSP]
	if sp < 1 {
		return 0, ErrStackUnderflow
	}
	sp--
	m.Registers[RegSP] = sp
	return m.Stack[sp], nil
}

func (m *Machine) pop16() (uint16, error) {
	sp := m.Registers[RegSP]
	if sp < 2 {
		return 0, ErrStackUnderflow
	}
	sp -= 2
	m.Registers[RegSP] = sp
	return binary.LittleEndian.Uint16(m.Stack[sp:]), nil
}

func (m *Machine) pop32() (uint32, error) {
	sp := m.Registers[RegSP]
	if sp < 4 {
		return 0, ErrStackUnderflow
	}
	sp -= 4
	m.Registers[RegSP] = sp
	return binary.LittleEndian.Uint32(m.Stack[sp:]), nil
}

func (m *Machine) pop64() (uint64, error) {
	sp := m.Registers[RegSP]
	if sp < 8 {
		return 0, ErrStackUnderflow
	}
	sp -= 8
	m.Registers[RegSP] = sp
	return binary.LittleEndian.Uint64(m.Stack[sp:]), nil
}

// ret implements the RET_UI8 return sequence:
// sp := fp; ip := pop64(); fp := pop64(); sp -= in_size.
func (m *Machine) ret(inSize uint8) error {
	m.Registers[RegSP] = m.Registers[RegFP]
	ip, err := m.pop64()
	if err != nil {
		return err
	}
	fp, err := m.pop64()
	if err != nil {
		return err
	}
	m.Registers[RegIP] = ip
	m.Registers[RegFP] = fp
	if m.Registers[RegSP] < uint64(inSize) {
		return ErrStackUnderflow
	}
	m.Registers[RegSP] -= uint64(inSize)
	return nil
}

// Run executes te to completion on a fresh Machine, starting at offset 0
// (the first function in FunctionId order) with sp = fp = 0. It returns
// ErrProgramFinished on a normal EXIT, or any other sentinel/wrapped error
// on a fatal condition. The final Machine is always returned so a caller
// can inspect Registers[RegRet] regardless of outcome.
//
// The VM allocates nothing on the heap during dispatch (the register file
// and stack are both pre-allocated arrays), so the GC is disabled for the
// duration of execution.
func Run(te *ThreadedExecutable, stackSize int) (*Machine, error) {
	m := NewMachine(stackSize)

	oldGC := debug.SetGCPercent(-1)
	defer debug.SetGCPercent(oldGC)

	err := dispatch(m, te)
	return m, err
}
