package lower

import "errors"

// Sentinel errors wrapped with position/symbol context via fmt.Errorf's
// %w, mirroring the vm package's own sentinel-error convention. Lowering
// fails only on internal invariant violations - nothing here is
// recoverable, so every caller treats a non-nil error as fatal to the
// compilation unit.
var (
	// ErrUnsupportedNode is returned when a node reaches lowering in a
	// shape the instruction set cannot express - a tuple anywhere other
	// than the right-hand side of a Set or the source of a destructuring
	// let, a string literal (no heap, no sized
	// representation), or an unrecognized NodeKind/operator.
	ErrUnsupportedNode = errors.New("lower: unsupported ast node")

	// ErrUnresolvedBinding is returned when an Identifier or a
	// reassigning (non-declaring) Set names a BindingID lowering never assigned a
	// frame location to - the external checker was supposed to guarantee
	// every binding is declared before use.
	ErrUnresolvedBinding = errors.New("lower: unresolved binding")

	// ErrOperandTooWide is returned when a byte count that must fit an
	// 8-bit instruction operand (SALLOC_REG_UI8, SDEALLOC_UI8, RET_UI8)
	// does not.
	ErrOperandTooWide = errors.New("lower: value exceeds 8-bit instruction operand")
)
