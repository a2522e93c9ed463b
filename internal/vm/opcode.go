// Package vm implements the register-based bytecode instruction set, the
// linker that resolves symbolic labels and cross-function calls, the
// direct-threading preprocessor, and the virtual machine that executes the
// result.
package vm

import "fmt"

// Opcode is a tagged kind drawn from the closed instruction set. Every
// opcode has a fixed total encoded size (opcode byte plus operand
// bytes); the (opcode -> size) table is a pure function of the opcode
// and is exposed through Size.
type Opcode byte

const (
	Nop Opcode = 0x00

	AddRegRegReg Opcode = 0x10
	AddRegRegUi8 Opcode = 0x11
	SubRegRegReg Opcode = 0x12
	SubRegRegUi8 Opcode = 0x13
	MulRegRegReg Opcode = 0x14
	DivRegRegReg Opcode = 0x15
	ModRegRegReg Opcode = 0x16

	GtRegRegReg  Opcode = 0x20
	GteRegRegReg Opcode = 0x21
	LtRegRegReg  Opcode = 0x22
	LteRegRegReg Opcode = 0x23
	EqRegRegReg  Opcode = 0x24
	NeqRegRegReg Opcode = 0x25
	AndRegRegReg Opcode = 0x26
	AndRegRegUi8 Opcode = 0x27
	OrRegRegReg  Opcode = 0x28

	MvRegSp Opcode = 0x30
	MvRegIp Opcode = 0x31

	MvRegUi8  Opcode = 0x32
	MvRegUi16 Opcode = 0x33
	MvRegUi32 Opcode = 0x34
	MvRegUi64 Opcode = 0x35
	MvRegI8   Opcode = 0x36
	MvRegI16  Opcode = 0x37
	MvRegI32  Opcode = 0x38
	MvRegI64  Opcode = 0x39

	Mv8RegReg  Opcode = 0x40
	Mv16RegReg Opcode = 0x41
	Mv32RegReg Opcode = 0x42
	Mv64RegReg Opcode = 0x43

	Mv8LocReg  Opcode = 0x44
	Mv16LocReg Opcode = 0x45
	Mv32LocReg Opcode = 0x46
	Mv64LocReg Opcode = 0x47

	Mv8RegLoc  Opcode = 0x48
	Mv16RegLoc Opcode = 0x49
	Mv32RegLoc Opcode = 0x4A
	Mv64RegLoc Opcode = 0x4B

	Push8Reg  Opcode = 0x50
	Push16Reg Opcode = 0x51
	Push32Reg Opcode = 0x52
	Push64Reg Opcode = 0x53
	Pop8Reg   Opcode = 0x54
	Pop16Reg  Opcode = 0x55
	Pop32Reg  Opcode = 0x56
	Pop64Reg  Opcode = 0x57

	JmprI32    Opcode = 0x60
	JrnzRegI32 Opcode = 0x61
	JrzRegI32  Opcode = 0x62

	CallUi64       Opcode = 0x68
	CallNativeUi64 Opcode = 0x69
	RetUi8         Opcode = 0x6A

	LblUi32 Opcode = 0x70

	SallocRegUi8 Opcode = 0x78
	SdeallocUi8  Opcode = 0x79

	Exit Opcode = 0xFE
	Err  Opcode = 0xFF
)

// opSizes is the (opcode -> encoded size in bytes, including the opcode
// byte) table. It is consulted by the bytecode container, the linker, and
// the direct-threading preprocessor to step over instructions without
// decoding their operands.
var opSizes = map[Opcode]uint8{
	Nop: 1,

	AddRegRegReg: 4,
	AddRegRegUi8: 4,
	SubRegRegReg: 4,
	SubRegRegUi8: 4,
	MulRegRegReg: 4,
	DivRegRegReg: 4,
	ModRegRegReg: 4,

	GtRegRegReg:  4,
	GteRegRegReg: 4,
	LtRegRegReg:  4,
	LteRegRegReg: 4,
	EqRegRegReg:  4,
	NeqRegRegReg: 4,
	AndRegRegReg: 4,
	AndRegRegUi8: 4,
	OrRegRegReg:  4,

	MvRegSp: 2,
	MvRegIp: 2,

	MvRegUi8:  3,
	MvRegUi16: 4,
	MvRegUi32: 6,
	MvRegUi64: 10,
	MvRegI8:   3,
	MvRegI16:  4,
	MvRegI32:  6,
	MvRegI64:  10,

	Mv8RegReg:  3,
	Mv16RegReg: 3,
	Mv32RegReg: 3,
	Mv64RegReg: 3,

	Mv8LocReg:  3,
	Mv16LocReg: 3,
	Mv32LocReg: 3,
	Mv64LocReg: 3,

	Mv8RegLoc:  3,
	Mv16RegLoc: 3,
	Mv32RegLoc: 3,
	Mv64RegLoc: 3,

	Push8Reg:  2,
	Push16Reg: 2,
	Push32Reg: 2,
	Push64Reg: 2,
	Pop8Reg:   2,
	Pop16Reg:  2,
	Pop32Reg:  2,
	Pop64Reg:  2,

	JmprI32:    5,
	JrnzRegI32: 6,
	JrzRegI32:  6,

	CallUi64:       9,
	CallNativeUi64: 9,
	RetUi8:         2,

	LblUi32: 5,

	SallocRegUi8: 3,
	SdeallocUi8:  2,

	Exit: 1,
	Err:  1,
}

var opNames map[Opcode]string
var namesToOp map[string]Opcode

func init() {
	opNames = map[Opcode]string{
		Nop:            "nop",
		AddRegRegReg:   "add",
		AddRegRegUi8:   "addi",
		SubRegRegReg:   "sub",
		SubRegRegUi8:   "subi",
		MulRegRegReg:   "mul",
		DivRegRegReg:   "div",
		ModRegRegReg:   "mod",
		GtRegRegReg:    "gt",
		GteRegRegReg:   "gte",
		LtRegRegReg:    "lt",
		LteRegRegReg:   "lte",
		EqRegRegReg:    "eq",
		NeqRegRegReg:   "neq",
		AndRegRegReg:   "and",
		AndRegRegUi8:   "andi",
		OrRegRegReg:    "or",
		MvRegSp:        "mv_reg_sp",
		MvRegIp:        "mv_reg_ip",
		MvRegUi8:       "mv_reg_ui8",
		MvRegUi16:      "mv_reg_ui16",
		MvRegUi32:      "mv_reg_ui32",
		MvRegUi64:      "mv_reg_ui64",
		MvRegI8:        "mv_reg_i8",
		MvRegI16:       "mv_reg_i16",
		MvRegI32:       "mv_reg_i32",
		MvRegI64:       "mv_reg_i64",
		Mv8RegReg:      "mv8_reg_reg",
		Mv16RegReg:     "mv16_reg_reg",
		Mv32RegReg:     "mv32_reg_reg",
		Mv64RegReg:     "mv64_reg_reg",
		Mv8LocReg:      "mv8_loc_reg",
		Mv16LocReg:     "mv16_loc_reg",
		Mv32LocReg:     "mv32_loc_reg",
		Mv64LocReg:     "mv64_loc_reg",
		Mv8RegLoc:      "mv8_reg_loc",
		Mv16RegLoc:     "mv16_reg_loc",
		Mv32RegLoc:     "mv32_reg_loc",
		Mv64RegLoc:     "mv64_reg_loc",
		Push8Reg:       "push8",
		Push16Reg:      "push16",
		Push32Reg:      "push32",
		Push64Reg:      "push64",
		Pop8Reg:        "pop8",
		Pop16Reg:       "pop16",
		Pop32Reg:       "pop32",
		Pop64Reg:       "pop64",
		JmprI32:        "jmpr",
		JrnzRegI32:     "jrnz",
		JrzRegI32:      "jrz",
		CallUi64:       "call",
		CallNativeUi64: "call_native",
		RetUi8:         "ret",
		LblUi32:        "lbl",
		SallocRegUi8:   "salloc",
		SdeallocUi8:    "sdealloc",
		Exit:           "exit",
		Err:            "err",
	}

	namesToOp = make(map[string]Opcode, len(opNames))
	for op, name := range opNames {
		namesToOp[name] = op
	}
}

// OpcodeByName is the inverse of String: it looks up an opcode by its
// mnemonic, as used by the persisted bytecode text format.
func OpcodeByName(name string) (Opcode, bool) {
	op, ok := namesToOp[name]
	return op, ok
}

// Size returns the total encoded size of op, opcode byte included. It
// returns (0, false) for an unrecognized opcode byte - callers treat this
// as a fatal decode error (the opcode byte is read back as Err).
func Size(op Opcode) (uint8, bool) {
	n, ok := opSizes[op]
	return n, ok
}

// MustSize is Size but panics on an unknown opcode. It is only safe to call
// with opcodes already known to be valid (e.g. while walking a buffer this
// package itself produced).
func MustSize(op Opcode) uint8 {
	n, ok := opSizes[op]
	if !ok {
		panic(fmt.Sprintf("vm: no size registered for opcode 0x%02x", byte(op)))
	}
	return n
}

func (op Opcode) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}
	return fmt.Sprintf("?unknown(0x%02x)?", byte(op))
}

// IsJump reports whether op carries a relative in-function displacement
// that the linker and the direct-threading preprocessor must rewrite.
func (op Opcode) IsJump() bool {
	return op == JmprI32 || op == JrnzRegI32 || op == JrzRegI32
}
