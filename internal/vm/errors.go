package vm

import "errors"

// Sentinel errors returned by the linker, the direct-threading preprocessor
// and the machine's dispatch loop. Callers compare against these with
// errors.Is.
var (
	// ErrProgramFinished is returned by Run when EXIT executes normally. It
	// is not itself a failure - callers that only care about fatal errors
	// should treat this one specially.
	ErrProgramFinished = errors.New("vm: program finished")

	// ErrStackOverflow is returned when a push or a call frame would grow
	// the stack past its fixed capacity.
	ErrStackOverflow = errors.New("vm: stack overflow")

	// ErrStackUnderflow is returned when a pop, a return or SDEALLOC_UI8
	// would move the stack pointer below zero. Pops are not checked
	// against the current frame's base.
	ErrStackUnderflow = errors.New("vm: stack underflow")

	// ErrIllegalInstruction is returned when ERR executes, when an
	// LBL_UI32 left unresolved reaches dispatch, or when DIV_REG_REG_REG's
	// signed quotient overflows. Register operands are not range-checked:
	// an index of 64 or more panics instead of returning this error.
	ErrIllegalInstruction = errors.New("vm: illegal instruction")

	// ErrUnknownOpcode is returned when the dispatch loop reads an opcode
	// byte with no registered size or handler.
	ErrUnknownOpcode = errors.New("vm: unknown opcode")

	// ErrDivisionByZero is returned by DIV_REG_REG_REG and
	// MOD_REG_REG_REG when the divisor register holds zero.
	ErrDivisionByZero = errors.New("vm: division by zero")

	// ErrInvalidNative is returned when CALL_NATIVE_UI64 names a
	// native-table index outside the linked executable's native slice.
	ErrInvalidNative = errors.New("vm: invalid native function index")

	// ErrNativeFailed wraps an error returned by a NativeFunc.
	ErrNativeFailed = errors.New("vm: native function failed")

	// ErrUndefinedSymbol is returned by Link when a call site names a
	// function with no matching entry in the program.
	ErrUndefinedSymbol = errors.New("vm: undefined symbol")

	// ErrUnresolvedLabel is returned by Link when a jump or branch targets
	// a label id with no matching LBL_UI32 in the same function.
	ErrUnresolvedLabel = errors.New("vm: unresolved label")

	// ErrMisalignedTarget is returned by Preprocess when a jump or call
	// target in the linked code does not land on an instruction boundary.
	// Link places every target on a boundary by construction and does not
	// return it.
	ErrMisalignedTarget = errors.New("vm: jump or call target is not an instruction boundary")
)
