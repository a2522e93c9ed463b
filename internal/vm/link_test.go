package vm

import "testing"

// buildCallProgram returns a two-function program: "caller" calls
// "callee" via a fresh call-site id, then EXIT; "callee" loads a constant
// into r0 and returns immediately. It is deliberately built without any
// stack-frame arguments, to exercise call resolution in isolation from
// the lowering pass (not yet written at the time this was authored).
func buildCallProgram(t *testing.T) *Program {
	t.Helper()

	p := NewProgram()

	caller := NewBytecodeFunction("caller", NewBytecode())
	callSite := caller.AddCallSite(0, "callee")
	caller.Code.Append(EncodeCall(CallUi64, uint64(callSite)))
	caller.Code.Append(EncodeSimple(Exit))
	p.AddFunction(caller)

	callee := NewBytecodeFunction("callee", NewBytecode())
	callee.Code.Append(EncodeRegUi64(0, 777))
	callee.Code.Append(EncodeRet(0))
	p.AddFunction(callee)

	return p
}

func TestLinkIsDeterministic(t *testing.T) {
	e1, err := Link(buildCallProgram(t))
	assert(t, err == nil, "unexpected link error: %v", err)
	e2, err := Link(buildCallProgram(t))
	assert(t, err == nil, "unexpected link error: %v", err)

	b1, b2 := e1.Code.Bytes(), e2.Code.Bytes()
	assert(t, len(b1) == len(b2), "linked output length differs: %d vs %d", len(b1), len(b2))
	for i := range b1 {
		assert(t, b1[i] == b2[i], "linked output differs at byte %d: %02x vs %02x", i, b1[i], b2[i])
	}
}

func TestLinkResolvesCallToFunctionStart(t *testing.T) {
	p := buildCallProgram(t)
	e, err := Link(p)
	assert(t, err == nil, "unexpected link error: %v", err)

	_, calleeID, ok := p.FunctionByName("callee")
	assert(t, ok, "callee not found")
	wantTarget := e.FunctionStart[calleeID]

	// The caller's CALL_UI64 is the first instruction in the linked
	// buffer, since "caller" is FunctionId 0.
	gotTarget := DecodeCall(e.Code.Bytes()[0:])
	assert(t, uint64(wantTarget) == gotTarget, "CALL_UI64 target = %d, want %d", gotTarget, wantTarget)

	assert(t, e.Code.At(wantTarget) == MvRegUi64, "callee's first instruction is not where CALL_UI64 points")
}

func TestLinkErasesLabels(t *testing.T) {
	p := NewProgram()
	fn := NewBytecodeFunction("f", NewBytecode())
	fn.Code.Append(EncodeJmpR(1)) // operand holds label id 1 until linked
	fn.Code.Append(EncodeLbl(1))
	fn.Code.Append(EncodeSimple(Exit))
	p.AddFunction(fn)

	e, err := Link(p)
	assert(t, err == nil, "unexpected link error: %v", err)

	err = e.Code.Walk(func(offset int, op Opcode) error {
		assert(t, op != LblUi32, "LBL_UI32 survived linking at offset %d", offset)
		return nil
	})
	assert(t, err == nil, "unexpected walk error: %v", err)
}

func TestLinkJumpLandsOnInstructionBoundary(t *testing.T) {
	p := NewProgram()
	fn := NewBytecodeFunction("f", NewBytecode())
	fn.Code.Append(EncodeJmpR(1)) // operand holds label id 1 until linked
	fn.Code.Append(EncodeLbl(1))
	fn.Code.Append(EncodeSimple(Exit))
	p.AddFunction(fn)

	e, err := Link(p)
	assert(t, err == nil, "unexpected link error: %v", err)

	delta := DecodeJmpR(e.Code.Bytes()[0:])
	target := 0 + int(delta)
	assert(t, e.Code.HasInstruction(target), "JMPR_I32 target %d is not an instruction boundary", target)
}

func TestLinkUndefinedSymbolFails(t *testing.T) {
	p := NewProgram()
	fn := NewBytecodeFunction("f", NewBytecode())
	site := fn.AddCallSite(0, "does_not_exist")
	fn.Code.Append(EncodeCall(CallUi64, uint64(site)))
	p.AddFunction(fn)

	_, err := Link(p)
	assert(t, err != nil, "expected an error linking a call to an undefined function")
}
