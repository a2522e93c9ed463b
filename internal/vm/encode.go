package vm

import "encoding/binary"

// Reg is a logical register index into the fixed 64-slot register file.
type Reg = byte

// Every multi-byte immediate in the instruction set is little-endian.
// The helpers below are grouped by operand shape rather than by opcode
// name, since most opcodes in the table share exactly one of a handful
// of shapes.

// EncodeSimple encodes an opcode with no operands (NOP, EXIT, ERR).
func EncodeSimple(op Opcode) []byte {
	return []byte{byte(op)}
}

// EncodeR encodes [op, r] - used for MV_REG_SP, MV_REG_IP, PUSH*_REG and
// POP*_REG.
func EncodeR(op Opcode, r Reg) []byte {
	return []byte{byte(op), r}
}

// DecodeR is the inverse of EncodeR.
func DecodeR(b []byte) Reg {
	return b[1]
}

// EncodeRR encodes [op, a, b] - used for MV{8,16,32,64}_REG_REG,
// MV{8,16,32,64}_LOC_REG and MV{8,16,32,64}_REG_LOC. The operand meanings
// differ per opcode (documented at each call site in lower.go and
// dispatch.go) but the wire shape is identical.
func EncodeRR(op Opcode, a, b Reg) []byte {
	return []byte{byte(op), a, b}
}

// DecodeRR is the inverse of EncodeRR.
func DecodeRR(b []byte) (a, c Reg) {
	return b[1], b[2]
}

// EncodeRRR encodes [op, dst, a, b] - the three-register arithmetic,
// comparison and logic family.
func EncodeRRR(op Opcode, dst, a, b Reg) []byte {
	return []byte{byte(op), dst, a, b}
}

// DecodeRRR is the inverse of EncodeRRR.
func DecodeRRR(b []byte) (dst, a, c Reg) {
	return b[1], b[2], b[3]
}

// EncodeRRImm8 encodes [op, dst, a, imm8] - the immediate fast-path forms
// of ADD/SUB/AND.
func EncodeRRImm8(op Opcode, dst, a Reg, imm uint8) []byte {
	return []byte{byte(op), dst, a, imm}
}

// DecodeRRImm8 is the inverse of EncodeRRImm8.
func DecodeRRImm8(b []byte) (dst, a Reg, imm uint8) {
	return b[1], b[2], b[3]
}

// EncodeRegUi8 encodes [op, dst, imm8] for MV_REG_UI8.
func EncodeRegUi8(dst Reg, imm uint8) []byte {
	return []byte{byte(MvRegUi8), dst, imm}
}

// EncodeRegI8 encodes [op, dst, imm8] for MV_REG_I8.
func EncodeRegI8(dst Reg, imm int8) []byte {
	return []byte{byte(MvRegI8), dst, byte(imm)}
}

// EncodeRegUi16 encodes [op, dst, imm16 LE] for MV_REG_UI16.
func EncodeRegUi16(dst Reg, imm uint16) []byte {
	b := make([]byte, 4)
	b[0], b[1] = byte(MvRegUi16), dst
	binary.LittleEndian.PutUint16(b[2:], imm)
	return b
}

// EncodeRegI16 encodes [op, dst, imm16 LE] for MV_REG_I16.
func EncodeRegI16(dst Reg, imm int16) []byte {
	return EncodeRegUi16WithOp(MvRegI16, dst, uint16(imm))
}

// EncodeRegUi16WithOp is a helper shared by the UI16/I16 family since they
// differ only in the opcode tag, not the wire layout.
func EncodeRegUi16WithOp(op Opcode, dst Reg, imm uint16) []byte {
	b := make([]byte, 4)
	b[0], b[1] = byte(op), dst
	binary.LittleEndian.PutUint16(b[2:], imm)
	return b
}

// EncodeRegUi32 encodes [op, dst, imm32 LE] for MV_REG_UI32.
func EncodeRegUi32(dst Reg, imm uint32) []byte {
	return EncodeRegUi32WithOp(MvRegUi32, dst, imm)
}

// EncodeRegI32 encodes [op, dst, imm32 LE] for MV_REG_I32.
func EncodeRegI32(dst Reg, imm int32) []byte {
	return EncodeRegUi32WithOp(MvRegI32, dst, uint32(imm))
}

func EncodeRegUi32WithOp(op Opcode, dst Reg, imm uint32) []byte {
	b := make([]byte, 6)
	b[0], b[1] = byte(op), dst
	binary.LittleEndian.PutUint32(b[2:], imm)
	return b
}

// EncodeRegUi64 encodes [op, dst, imm64 LE] for MV_REG_UI64.
func EncodeRegUi64(dst Reg, imm uint64) []byte {
	return EncodeRegUi64WithOp(MvRegUi64, dst, imm)
}

// EncodeRegI64 encodes [op, dst, imm64 LE] for MV_REG_I64.
func EncodeRegI64(dst Reg, imm int64) []byte {
	return EncodeRegUi64WithOp(MvRegI64, dst, uint64(imm))
}

func EncodeRegUi64WithOp(op Opcode, dst Reg, imm uint64) []byte {
	b := make([]byte, 10)
	b[0], b[1] = byte(op), dst
	binary.LittleEndian.PutUint64(b[2:], imm)
	return b
}

// DecodeRegImm reads back the (dst, immediate-bytes) pair shared by every
// MV_REG_{UI,I}{8,16,32,64} form; callers reinterpret the trailing bytes
// with the width appropriate to the opcode.
func DecodeRegImm(b []byte) (dst Reg, imm []byte) {
	return b[1], b[2:]
}

// EncodeJmpR encodes [op, off32 LE] for JMPR_I32.
func EncodeJmpR(offset int32) []byte {
	b := make([]byte, 5)
	b[0] = byte(JmprI32)
	binary.LittleEndian.PutUint32(b[1:], uint32(offset))
	return b
}

// DecodeJmpR is the inverse of EncodeJmpR.
func DecodeJmpR(b []byte) int32 {
	return int32(binary.LittleEndian.Uint32(b[1:5]))
}

// PatchJmpR overwrites the offset operand of an already-encoded JMPR_I32
// instruction in place.
func PatchJmpR(b []byte, offset int32) {
	binary.LittleEndian.PutUint32(b[1:5], uint32(offset))
}

// EncodeJrCond encodes [op, r, off32 LE] for JRNZ_REG_I32 / JRZ_REG_I32.
func EncodeJrCond(op Opcode, r Reg, offset int32) []byte {
	b := make([]byte, 6)
	b[0], b[1] = byte(op), r
	binary.LittleEndian.PutUint32(b[2:], uint32(offset))
	return b
}

// DecodeJrCond is the inverse of EncodeJrCond.
func DecodeJrCond(b []byte) (r Reg, offset int32) {
	return b[1], int32(binary.LittleEndian.Uint32(b[2:6]))
}

// PatchJrCond overwrites the offset operand (at byte index 2, after the
// opcode and register bytes) of an already-encoded JRNZ/JRZ instruction
// in place.
func PatchJrCond(b []byte, offset int32) {
	binary.LittleEndian.PutUint32(b[2:6], uint32(offset))
}

// EncodeCall encodes [op, addr64 LE] for CALL_UI64 / CALL_NATIVE_UI64. The
// operand starts life as a call-site id (assigned during lowering) and is
// rewritten by the linker to either an absolute code offset or a
// native-table index.
func EncodeCall(op Opcode, operand uint64) []byte {
	b := make([]byte, 9)
	b[0] = byte(op)
	binary.LittleEndian.PutUint64(b[1:], operand)
	return b
}

// DecodeCall is the inverse of EncodeCall.
func DecodeCall(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b[1:9])
}

// PatchCall overwrites the operand of an already-encoded CALL_UI64 /
// CALL_NATIVE_UI64 instruction in place.
func PatchCall(b []byte, operand uint64) {
	binary.LittleEndian.PutUint64(b[1:9], operand)
}

// EncodeRet encodes [op, in_size] for RET_UI8.
func EncodeRet(inSize uint8) []byte {
	return []byte{byte(RetUi8), inSize}
}

// DecodeRet is the inverse of EncodeRet.
func DecodeRet(b []byte) uint8 {
	return b[1]
}

// EncodeLbl encodes [op, id32 LE] for the lowering-only LBL_UI32
// pseudo-instruction.
func EncodeLbl(id uint32) []byte {
	b := make([]byte, 5)
	b[0] = byte(LblUi32)
	binary.LittleEndian.PutUint32(b[1:], id)
	return b
}

// DecodeLbl is the inverse of EncodeLbl.
func DecodeLbl(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b[1:5])
}

// EncodeSalloc encodes [op, r_dst, n] for SALLOC_REG_UI8.
func EncodeSalloc(dst Reg, n uint8) []byte {
	return []byte{byte(SallocRegUi8), dst, n}
}

// DecodeSalloc is the inverse of EncodeSalloc.
func DecodeSalloc(b []byte) (dst Reg, n uint8) {
	return b[1], b[2]
}

// EncodeSdealloc encodes [op, n] for SDEALLOC_UI8.
func EncodeSdealloc(n uint8) []byte {
	return []byte{byte(SdeallocUi8), n}
}

// DecodeSdealloc is the inverse of EncodeSdealloc.
func DecodeSdealloc(b []byte) uint8 {
	return b[1]
}
