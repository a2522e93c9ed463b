package vm

import (
	"encoding/binary"
	"fmt"
)

// opHandler executes one instruction starting at ip (the offset of its
// 2-byte handler index in the threaded code buffer) and returns the ip of
// the next instruction to execute.
type opHandler func(m *Machine, te *ThreadedExecutable, code []byte, ip uint64) (uint64, error)

var handlers [256]opHandler

// rewrittenSize is the size, in bytes, that op occupies in a
// ThreadedExecutable's code buffer: the 2-byte handler index plus the
// same operand bytes the unthreaded form carried (MustSize(op) - 1 of
// them), i.e. MustSize(op) + 1.
func rewrittenSize(op Opcode) uint64 {
	return uint64(MustSize(op)) + 1
}

func init() {
	reg3 := func(op Opcode, fn func(a, b uint64) uint64) opHandler {
		return func(m *Machine, te *ThreadedExecutable, code []byte, ip uint64) (uint64, error) {
			dst, a, b := code[ip+2], code[ip+3], code[ip+4]
			m.Registers[dst] = fn(m.Registers[a], m.Registers[b])
			return ip + rewrittenSize(op), nil
		}
	}
	reg3err := func(op Opcode, fn func(a, b uint64) (uint64, error)) opHandler {
		return func(m *Machine, te *ThreadedExecutable, code []byte, ip uint64) (uint64, error) {
			dst, a, b := code[ip+2], code[ip+3], code[ip+4]
			v, err := fn(m.Registers[a], m.Registers[b])
			if err != nil {
				return 0, err
			}
			m.Registers[dst] = v
			return ip + rewrittenSize(op), nil
		}
	}
	regImm8 := func(op Opcode, fn func(a uint64, imm uint8) uint64) opHandler {
		return func(m *Machine, te *ThreadedExecutable, code []byte, ip uint64) (uint64, error) {
			dst, a, imm := code[ip+2], code[ip+3], code[ip+4]
			m.Registers[dst] = fn(m.Registers[a], imm)
			return ip + rewrittenSize(op), nil
		}
	}

	handlers[Nop] = func(m *Machine, te *ThreadedExecutable, code []byte, ip uint64) (uint64, error) {
		return ip + rewrittenSize(Nop), nil
	}

	handlers[AddRegRegReg] = reg3(AddRegRegReg, func(a, b uint64) uint64 { return a + b })
	handlers[SubRegRegReg] = reg3(SubRegRegReg, func(a, b uint64) uint64 { return a - b })
	handlers[MulRegRegReg] = reg3(MulRegRegReg, func(a, b uint64) uint64 { return uint64(int64(a) * int64(b)) })
	handlers[DivRegRegReg] = reg3err(DivRegRegReg, func(a, b uint64) (uint64, error) {
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		if int64(a) == -1<<63 && int64(b) == -1 {
			return 0, fmt.Errorf("%w: quotient overflow", ErrIllegalInstruction)
		}
		return uint64(int64(a) / int64(b)), nil
	})
	handlers[ModRegRegReg] = reg3err(ModRegRegReg, func(a, b uint64) (uint64, error) {
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		return a % b, nil
	})

	handlers[AddRegRegUi8] = regImm8(AddRegRegUi8, func(a uint64, imm uint8) uint64 { return a + uint64(imm) })
	handlers[SubRegRegUi8] = regImm8(SubRegRegUi8, func(a uint64, imm uint8) uint64 { return a - uint64(imm) })
	handlers[AndRegRegUi8] = regImm8(AndRegRegUi8, func(a uint64, imm uint8) uint64 { return a & uint64(imm) })

	handlers[AndRegRegReg] = reg3(AndRegRegReg, func(a, b uint64) uint64 { return a & b })
	handlers[OrRegRegReg] = reg3(OrRegRegReg, func(a, b uint64) uint64 { return a | b })

	boolReg := func(v bool) uint64 {
		if v {
			return 1
		}
		return 0
	}
	handlers[GtRegRegReg] = reg3(GtRegRegReg, func(a, b uint64) uint64 { return boolReg(int64(a) > int64(b)) })
	handlers[GteRegRegReg] = reg3(GteRegRegReg, func(a, b uint64) uint64 { return boolReg(int64(a) >= int64(b)) })
	handlers[LtRegRegReg] = reg3(LtRegRegReg, func(a, b uint64) uint64 { return boolReg(int64(a) < int64(b)) })
	handlers[LteRegRegReg] = reg3(LteRegRegReg, func(a, b uint64) uint64 { return boolReg(int64(a) <= int64(b)) })
	handlers[EqRegRegReg] = reg3(EqRegRegReg, func(a, b uint64) uint64 { return boolReg(a == b) })
	handlers[NeqRegRegReg] = reg3(NeqRegRegReg, func(a, b uint64) uint64 { return boolReg(a != b) })

	handlers[MvRegSp] = func(m *Machine, te *ThreadedExecutable, code []byte, ip uint64) (uint64, error) {
		dst := code[ip+2]
		m.Registers[dst] = m.Registers[RegSP]
		return ip + rewrittenSize(MvRegSp), nil
	}
	handlers[MvRegIp] = func(m *Machine, te *ThreadedExecutable, code []byte, ip uint64) (uint64, error) {
		dst := code[ip+2]
		m.Registers[dst] = ip
		return ip + rewrittenSize(MvRegIp), nil
	}

	loadImm := func(op Opcode, width int, signExtend bool) opHandler {
		return func(m *Machine, te *ThreadedExecutable, code []byte, ip uint64) (uint64, error) {
			dst := code[ip+2]
			raw := code[ip+3 : ip+3+uint64(width)]
			var v uint64
			switch width {
			case 1:
				v = uint64(raw[0])
				if signExtend {
					v = uint64(int64(int8(raw[0])))
				}
			case 2:
				u := binary.LittleEndian.Uint16(raw)
				v = uint64(u)
				if signExtend {
					v = uint64(int64(int16(u)))
				}
			case 4:
				u := binary.LittleEndian.Uint32(raw)
				v = uint64(u)
				if signExtend {
					v = uint64(int64(int32(u)))
				}
			case 8:
				v = binary.LittleEndian.Uint64(raw)
			}
			m.Registers[dst] = v
			return ip + rewrittenSize(op), nil
		}
	}
	handlers[MvRegUi8] = loadImm(MvRegUi8, 1, false)
	handlers[MvRegI8] = loadImm(MvRegI8, 1, true)
	handlers[MvRegUi16] = loadImm(MvRegUi16, 2, false)
	handlers[MvRegI16] = loadImm(MvRegI16, 2, true)
	handlers[MvRegUi32] = loadImm(MvRegUi32, 4, false)
	handlers[MvRegI32] = loadImm(MvRegI32, 4, true)
	handlers[MvRegUi64] = loadImm(MvRegUi64, 8, false)
	handlers[MvRegI64] = loadImm(MvRegI64, 8, true)

	movRegReg := func(op Opcode, width int) opHandler {
		return func(m *Machine, te *ThreadedExecutable, code []byte, ip uint64) (uint64, error) {
			dst, src := code[ip+2], code[ip+3]
			mask := uint64(1)<<(uint(width)*8) - 1
			if width == 8 {
				mask = ^uint64(0)
			}
			m.Registers[dst] = m.Registers[src] & mask
			return ip + rewrittenSize(op), nil
		}
	}
	handlers[Mv8RegReg] = movRegReg(Mv8RegReg, 1)
	handlers[Mv16RegReg] = movRegReg(Mv16RegReg, 2)
	handlers[Mv32RegReg] = movRegReg(Mv32RegReg, 4)
	handlers[Mv64RegReg] = movRegReg(Mv64RegReg, 8)

	storeLocReg := func(op Opcode, width int) opHandler {
		return func(m *Machine, te *ThreadedExecutable, code []byte, ip uint64) (uint64, error) {
			addrReg, srcReg := code[ip+2], code[ip+3]
			addr := m.Registers[addrReg]
			if addr+uint64(width) > uint64(len(m.Stack)) {
				return 0, ErrStackOverflow
			}
			v := m.Registers[srcReg]
			switch width {
			case 1:
				m.Stack[addr] = byte(v)
			case 2:
				binary.LittleEndian.PutUint16(m.Stack[addr:], uint16(v))
			case 4:
				binary.LittleEndian.PutUint32(m.Stack[addr:], uint32(v))
			case 8:
				binary.LittleEndian.PutUint64(m.Stack[addr:], v)
			}
			return ip + rewrittenSize(op), nil
		}
	}
	handlers[Mv8LocReg] = storeLocReg(Mv8LocReg, 1)
	handlers[Mv16LocReg] = storeLocReg(Mv16LocReg, 2)
	handlers[Mv32LocReg] = storeLocReg(Mv32LocReg, 4)
	handlers[Mv64LocReg] = storeLocReg(Mv64LocReg, 8)

	loadRegLoc := func(op Opcode, width int) opHandler {
		return func(m *Machine, te *ThreadedExecutable, code []byte, ip uint64) (uint64, error) {
			dstReg, addrReg := code[ip+2], code[ip+3]
			addr := m.Registers[addrReg]
			if addr+uint64(width) > uint64(len(m.Stack)) {
				return 0, ErrStackOverflow
			}
			var v uint64
			switch width {
			case 1:
				v = uint64(m.Stack[addr])
			case 2:
				v = uint64(binary.LittleEndian.Uint16(m.Stack[addr:]))
			case 4:
				v = uint64(binary.LittleEndian.Uint32(m.Stack[addr:]))
			case 8:
				v = binary.LittleEndian.Uint64(m.Stack[addr:])
			}
			m.Registers[dstReg] = v
			return ip + rewrittenSize(op), nil
		}
	}
	handlers[Mv8RegLoc] = loadRegLoc(Mv8RegLoc, 1)
	handlers[Mv16RegLoc] = loadRegLoc(Mv16RegLoc, 2)
	handlers[Mv32RegLoc] = loadRegLoc(Mv32RegLoc, 4)
	handlers[Mv64RegLoc] = loadRegLoc(Mv64RegLoc, 8)

	pushReg := func(op Opcode, width int) opHandler {
		return func(m *Machine, te *ThreadedExecutable, code []byte, ip uint64) (uint64, error) {
			src := code[ip+2]
			v := m.Registers[src]
			var err error
			switch width {
			case 1:
				err = m.push8(uint8(v))
			case 2:
				err = m.push16(uint16(v))
			case 4:
				err = m.push32(uint32(v))
			case 8:
				err = m.push64(v)
			}
			if err != nil {
				return 0, err
			}
			return ip + rewrittenSize(op), nil
		}
	}
	handlers[Push8Reg] = pushReg(Push8Reg, 1)
	handlers[Push16Reg] = pushReg(Push16Reg, 2)
	handlers[Push32Reg] = pushReg(Push32Reg, 4)
	handlers[Push64Reg] = pushReg(Push64Reg, 8)

	popReg := func(op Opcode, width int) opHandler {
		return func(m *Machine, te *ThreadedExecutable, code []byte, ip uint64) (uint64, error) {
			dst := code[ip+2]
			var v uint64
			var err error
			switch width {
			case 1:
				var b uint8
				b, err = m.pop8()
				v = uint64(b)
			case 2:
				var b uint16
				b, err = m.pop16()
				v = uint64(b)
			case 4:
				var b uint32
				b, err = m.pop32()
				v = uint64(b)
			case 8:
				v, err = m.pop64()
			}
			if err != nil {
				return 0, err
			}
			m.Registers[dst] = v
			return ip + rewrittenSize(op), nil
		}
	}
	handlers[Pop8Reg] = popReg(Pop8Reg, 1)
	handlers[Pop16Reg] = popReg(Pop16Reg, 2)
	handlers[Pop32Reg] = popReg(Pop32Reg, 4)
	handlers[Pop64Reg] = popReg(Pop64Reg, 8)

	handlers[JmprI32] = func(m *Machine, te *ThreadedExecutable, code []byte, ip uint64) (uint64, error) {
		off := int32(binary.LittleEndian.Uint32(code[ip+2 : ip+6]))
		return uint64(int64(ip) + int64(off)), nil
	}
	handlers[JrnzRegI32] = func(m *Machine, te *ThreadedExecutable, code []byte, ip uint64) (uint64, error) {
		r := code[ip+2]
		off := int32(binary.LittleEndian.Uint32(code[ip+3 : ip+7]))
		if m.Registers[r] != 0 {
			return uint64(int64(ip) + int64(off)), nil
		}
		return ip + rewrittenSize(JrnzRegI32), nil
	}
	handlers[JrzRegI32] = func(m *Machine, te *ThreadedExecutable, code []byte, ip uint64) (uint64, error) {
		r := code[ip+2]
		off := int32(binary.LittleEndian.Uint32(code[ip+3 : ip+7]))
		if m.Registers[r] == 0 {
			return uint64(int64(ip) + int64(off)), nil
		}
		return ip + rewrittenSize(JrzRegI32), nil
	}

	handlers[CallUi64] = func(m *Machine, te *ThreadedExecutable, code []byte, ip uint64) (uint64, error) {
		target := binary.LittleEndian.Uint64(code[ip+2 : ip+10])
		retIP := ip + rewrittenSize(CallUi64)
		if err := m.push64(m.Registers[RegFP]); err != nil {
			return 0, err
		}
		if err := m.push64(retIP); err != nil {
			return 0, err
		}
		m.Registers[RegFP] = m.Registers[RegSP]
		return target, nil
	}

	handlers[CallNativeUi64] = func(m *Machine, te *ThreadedExecutable, code []byte, ip uint64) (uint64, error) {
		idx := binary.LittleEndian.Uint64(code[ip+2 : ip+10])
		if idx >= uint64(len(te.Natives)) {
			return 0, ErrInvalidNative
		}
		fn := te.Natives[idx]
		frame := m.Stack[:m.Registers[RegSP]]
		if err := fn(&m.Registers, frame); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrNativeFailed, err)
		}
		return ip + rewrittenSize(CallNativeUi64), nil
	}

	handlers[RetUi8] = func(m *Machine, te *ThreadedExecutable, code []byte, ip uint64) (uint64, error) {
		inSize := code[ip+2]
		if err := m.ret(inSize); err != nil {
			return 0, err
		}
		return m.Registers[RegIP], nil
	}

	handlers[LblUi32] = func(m *Machine, te *ThreadedExecutable, code []byte, ip uint64) (uint64, error) {
		return 0, fmt.Errorf("%w: unresolved LBL_UI32 reached dispatch", ErrIllegalInstruction)
	}

	handlers[SallocRegUi8] = func(m *Machine, te *ThreadedExecutable, code []byte, ip uint64) (uint64, error) {
		dst, n := code[ip+2], code[ip+3]
		m.Registers[dst] = m.Registers[RegSP]
		if m.Registers[RegSP]+uint64(n) > uint64(len(m.Stack)) {
			return 0, ErrStackOverflow
		}
		m.Registers[RegSP] += uint64(n)
		return ip + rewrittenSize(SallocRegUi8), nil
	}
	handlers[SdeallocUi8] = func(m *Machine, te *ThreadedExecutable, code []byte, ip uint64) (uint64, error) {
		n := code[ip+2]
		if m.Registers[RegSP] < uint64(n) {
			return 0, ErrStackUnderflow
		}
		m.Registers[RegSP] -= uint64(n)
		return ip + rewrittenSize(SdeallocUi8), nil
	}

	handlers[Exit] = func(m *Machine, te *ThreadedExecutable, code []byte, ip uint64) (uint64, error) {
		return 0, ErrProgramFinished
	}
	handlers[Err] = func(m *Machine, te *ThreadedExecutable, code []byte, ip uint64) (uint64, error) {
		return 0, ErrIllegalInstruction
	}
}

// dispatch runs the direct-threaded fetch/execute loop until a handler
// returns an error - ErrProgramFinished on a normal EXIT, some other
// sentinel or wrapped error otherwise.
func dispatch(m *Machine, te *ThreadedExecutable) error {
	code := te.Code.Bytes()
	for {
		ip := m.Registers[RegIP]
		if ip+2 > uint64(len(code)) {
			return fmt.Errorf("%w: ip %d out of range", ErrUnknownOpcode, ip)
		}
		idx := binary.LittleEndian.Uint16(code[ip:])
		if idx >= uint16(len(handlers)) || handlers[idx] == nil {
			return fmt.Errorf("%w: handler index 0x%04x", ErrUnknownOpcode, idx)
		}
		h := handlers[idx]
		next, err := h(m, te, code, ip)
		if err != nil {
			return err
		}
		m.Registers[RegIP] = next
	}
}
