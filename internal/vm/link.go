package vm

import "fmt"

// Executable is the result of linking a Program: a single Bytecode buffer
// formed by concatenating every function's instructions in FunctionId
// order, plus the native functions collected along the way, indexed by
// the native-table index baked into CALL_NATIVE_UI64 operands.
//
// Per spec, after linking: every JMPR/JRZ/JRNZ operand is a signed byte
// delta valid inside Code; every CALL_UI64 operand is the absolute byte
// offset of the callee's first instruction; every CALL_NATIVE_UI64
// operand is a valid index into Natives; no LBL_UI32 opcode remains.
type Executable struct {
	Code    *Bytecode
	Natives []NativeFunc

	// FunctionStart maps each bytecode function's id to its absolute byte
	// offset in Code. Native functions have no entry here.
	FunctionStart map[FunctionId]int
}

// farLbl describes a label location as a function id plus an offset
// local to that function. Link does not use it: its label sweep records
// label offsets in one map per function.
type farLbl struct {
	functionID FunctionId
	localOff   int
}

// Link resolves every symbolic label and cross-function call in p and
// concatenates the result into a single Executable. Link is deterministic:
// given the same Program it always produces the same Executable,
// byte-for-byte.
//
// The algorithm is a per-function label sweep followed by a per-function
// fixup sweep: labels resolve to offsets local to their own function
// first, and CALL_UI64 operands are promoted to absolute byte offsets in
// the final concatenated buffer, since all functions execute from one
// contiguous code stream.
func Link(p *Program) (*Executable, error) {
	funcs := p.Functions()

	// Pass 1: compute each function's eventual absolute start offset by
	// walking them in FunctionId order. The label sweep below does not
	// change any function's length (LBL_UI32 is overwritten with NOPs of
	// equal total size), so these offsets are final before that sweep
	// even runs.
	functionStart := make(map[FunctionId]int, len(funcs))
	var natives []NativeFunc
	nativeIndex := make(map[FunctionId]int)
	offset := 0
	for i, fn := range funcs {
		id := FunctionId(i)
		if fn.IsNative() {
			nativeIndex[id] = len(natives)
			natives = append(natives, fn.Native)
			continue
		}
		functionStart[id] = offset
		offset += fn.Code.Len()
	}

	// Pass 2: per-function label sweep. Label ids are only meaningful
	// within the function that defines them.
	labelLocations := make(map[FunctionId]map[uint32]int, len(funcs))
	for i, fn := range funcs {
		if fn.IsNative() {
			continue
		}
		id := FunctionId(i)
		locs := map[uint32]int{}
		data := fn.Code.Bytes()
		err := fn.Code.Walk(func(off int, op Opcode) error {
			if op != LblUi32 {
				return nil
			}
			labelID := DecodeLbl(data[off:])
			locs[labelID] = off
			for k := 0; k < int(MustSize(LblUi32)); k++ {
				data[off+k] = byte(Nop)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("vm: link: function %q: %w", fn.Name, err)
		}
		labelLocations[id] = locs
	}

	// Pass 3: per-function fixup sweep - jumps become relative deltas to
	// the now-known local label offset; calls become absolute offsets (or
	// native-table indices).
	for i, fn := range funcs {
		if fn.IsNative() {
			continue
		}
		id := FunctionId(i)
		data := fn.Code.Bytes()
		locs := labelLocations[id]

		err := fn.Code.Walk(func(off int, op Opcode) error {
			switch op {
			case JmprI32:
				labelID := uint32(DecodeJmpR(data[off:]))
				target, ok := locs[labelID]
				if !ok {
					return fmt.Errorf("%w: function %q label %d", ErrUnresolvedLabel, fn.Name, labelID)
				}
				PatchJmpR(data[off:], int32(target-off))

			case JrnzRegI32, JrzRegI32:
				_, labelID := DecodeJrCond(data[off:])
				target, ok := locs[uint32(labelID)]
				if !ok {
					return fmt.Errorf("%w: function %q label %d", ErrUnresolvedLabel, fn.Name, labelID)
				}
				PatchJrCond(data[off:], int32(target-off))

			case CallUi64:
				callSite := DecodeCall(data[off:])
				name, ok := fn.Symbols[uint32(callSite)]
				if !ok {
					return fmt.Errorf("%w: function %q call site %d", ErrUndefinedSymbol, fn.Name, callSite)
				}
				_, calleeID, ok := p.FunctionByName(name)
				if !ok {
					return fmt.Errorf("%w: function %q calls undefined %q", ErrUndefinedSymbol, fn.Name, name)
				}
				callee := p.Function(calleeID)
				if callee.IsNative() {
					return fmt.Errorf("vm: link: function %q: %q is native, use CALL_NATIVE_UI64", fn.Name, name)
				}
				PatchCall(data[off:], uint64(functionStart[calleeID]))

			case CallNativeUi64:
				callSite := DecodeCall(data[off:])
				name, ok := fn.Symbols[uint32(callSite)]
				if !ok {
					return fmt.Errorf("%w: function %q call site %d", ErrUndefinedSymbol, fn.Name, callSite)
				}
				_, calleeID, ok := p.FunctionByName(name)
				if !ok {
					return fmt.Errorf("%w: function %q calls undefined %q", ErrUndefinedSymbol, fn.Name, name)
				}
				callee := p.Function(calleeID)
				if !callee.IsNative() {
					return fmt.Errorf("vm: link: function %q: %q is bytecode, use CALL_UI64", fn.Name, name)
				}
				PatchCall(data[off:], uint64(nativeIndex[calleeID]))
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	// Pass 4: concatenate in FunctionId order.
	code := NewBytecode()
	for i, fn := range funcs {
		if fn.IsNative() {
			continue
		}
		id := FunctionId(i)
		at := code.Append(fn.Code.Bytes())
		if at != functionStart[id] {
			return nil, fmt.Errorf("vm: link: internal error: function %q landed at %d, expected %d", fn.Name, at, functionStart[id])
		}
	}

	return &Executable{Code: code, Natives: natives, FunctionStart: functionStart}, nil
}
