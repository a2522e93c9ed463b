// Package lower walks a typed, scope-resolved ast.Module and emits one
// vm.Function per source function. It is the bridge between the
// frontend's contract ("produces a typed AST") and the bytecode
// container, program and symbol-table machinery in internal/vm.
//
// Every cross-function reference lowering emits is symbolic: intra-
// function control flow uses LBL_UI32 pseudo-labels, inter-function
// calls use a per-function call-site id recorded in the calling
// function's symbol table (vm.Function.Symbols). Link resolves both; lowering itself never
// computes a final byte offset.
package lower

import (
	"fmt"

	"github.com/katrho/regvm/ast"
	"github.com/katrho/regvm/internal/vm"
)

// EntryFunctionName is the source function lowered first, so that it
// lands at FunctionId 0 and therefore at byte offset 0 of the linked
// Executable - the offset vm.Run starts dispatch from. It is the only
// function whose body ends in EXIT rather than RET_UI8, since it has no
// caller frame to return into.
const EntryFunctionName = "main"

// Lower emits a vm.Program holding one bytecode vm.Function per function
// in mod, with EntryFunctionName (if present) reordered first. The
// caller is responsible for adding any native functions referenced by
// Native call sites to the returned Program before Link - lowering only
// knows the name a native call targets, never its implementation.
func Lower(mod *ast.Module) (*vm.Program, error) {
	p := vm.NewProgram()

	for _, fn := range orderWithEntryFirst(mod.Functions) {
		vfn, err := lowerFunction(mod.Arena, fn)
		if err != nil {
			return nil, err
		}
		p.AddFunction(vfn)
	}
	return p, nil
}

func orderWithEntryFirst(fns []ast.Function) []ast.Function {
	entryIdx := -1
	for i, fn := range fns {
		if fn.Name == EntryFunctionName {
			entryIdx = i
			break
		}
	}
	if entryIdx <= 0 {
		return fns
	}
	out := make([]ast.Function, 0, len(fns))
	out = append(out, fns[entryIdx])
	out = append(out, fns[:entryIdx]...)
	out = append(out, fns[entryIdx+1:]...)
	return out
}

// location is where a binding's value lives: size*N bytes at baseReg+offset
// on the data stack. baseReg is a block's SALLOC base for a local, or
// vm.RegFP (read directly as an ordinary register - sp/fp/ip are just
// conventionally-numbered slots in the same register file) for a
// parameter, addressed by a negative offset.
type location struct {
	baseReg byte
	offset  int
}

// scope is one lexical block's reserved locals region: size bytes
// starting at baseReg, handed out to declarations in left-to-right
// encounter order via next.
type scope struct {
	baseReg byte
	size    int
	next    int
}

// regAllocator hands out scratch registers 0..maxScratchReg. It is a pure
// stack: alloc always returns the next free index, release only retracts
// the high-water mark when the freed register is the current top. Every
// lowerX helper in this package is written to leave exactly one register
// allocated (its result) after it returns reg, true, nil - so a caller
// that releases that result once it is no longer needed always hits the
// top of the stack. A Block with a value is the exception: its SALLOC
// base register sits beneath its result register and so stays allocated
// as well, and an enclosing node that evaluates such a block (a Branch
// arm, for instance) ends with more than one register allocated.
// Deliberately trivial: it never reuses a register two live values could
// alias, at the cost of not reclaiming registers a subexpression's caller
// chooses to keep around (e.g. a block's result, held until its value is
// copied into the return register).
type regAllocator struct {
	next byte
}

// maxScratchReg is the highest scratch register index lowering may hand
// out. 60-63 are RegRet/RegSP/RegFP/RegIP.
const maxScratchReg = 59

func (a *regAllocator) alloc() (byte, error) {
	if a.next > maxScratchReg {
		return 0, fmt.Errorf("lower: out of registers (function needs more than %d live scratch values at once)", maxScratchReg+1)
	}
	r := a.next
	a.next++
	return r, nil
}

func (a *regAllocator) release(r byte) {
	if a.next > 0 && r == a.next-1 {
		a.next--
	}
}

// funcCtx is the per-function emit context threaded through every lowerX
// helper: the bytecode being built, the fresh-register and label
// allocators, the active function's input size (for RET_UI8's operand),
// whether this is the entry function (EXIT instead of RET_UI8), the open
// lexical scopes (for SDEALLOC on an early Return) and the binding ->
// frame-location map built up as declarations are lowered.
type funcCtx struct {
	code      *vm.Bytecode
	fn        *vm.Function
	arena     *ast.Arena
	regs      regAllocator
	labelID   uint32
	callSite  uint32
	isEntry   bool
	inSize    int
	scopes    []*scope
	locations map[ast.BindingID]location
}

func (c *funcCtx) newLabel() uint32 {
	c.labelID++
	return c.labelID
}

func (c *funcCtx) newCallSite() uint32 {
	id := c.callSite
	c.callSite++
	return id
}

// declare assigns binding the next free offset in the innermost open
// scope and records it in locations.
func (c *funcCtx) declare(binding ast.BindingID, size int) location {
	s := c.scopes[len(c.scopes)-1]
	loc := location{baseReg: s.baseReg, offset: s.next}
	s.next += size
	c.locations[binding] = loc
	return loc
}

// addrOf materializes loc's absolute address into a freshly allocated
// register, by adding (or subtracting) its offset from its base
// register. The immediate _UI8 forms of ADD/SUB are used when the offset
// fits in a byte (true for every scenario this language's frame layout
// produces in practice); a large offset falls back to loading it as a
// 32-bit immediate and adding in full register width.
func (c *funcCtx) addrOf(loc location) (byte, error) {
	dst, err := c.regs.alloc()
	if err != nil {
		return 0, err
	}
	switch {
	case loc.offset == 0:
		c.code.Append(vm.EncodeRR(vm.Mv64RegReg, dst, loc.baseReg))
	case loc.offset > 0 && loc.offset <= 255:
		c.code.Append(vm.EncodeRRImm8(vm.AddRegRegUi8, dst, loc.baseReg, uint8(loc.offset)))
	case loc.offset < 0 && loc.offset >= -255:
		c.code.Append(vm.EncodeRRImm8(vm.SubRegRegUi8, dst, loc.baseReg, uint8(-loc.offset)))
	default:
		c.code.Append(vm.EncodeRegI32(dst, int32(loc.offset)))
		c.code.Append(vm.EncodeRRR(vm.AddRegRegReg, dst, loc.baseReg, dst))
	}
	return dst, nil
}

func loadOpcode(size int) (vm.Opcode, error) {
	switch size {
	case 1:
		return vm.Mv8RegLoc, nil
	case 2:
		return vm.Mv16RegLoc, nil
	case 4:
		return vm.Mv32RegLoc, nil
	case 8:
		return vm.Mv64RegLoc, nil
	default:
		return 0, fmt.Errorf("%w: no load width for a %d-byte value", ErrUnsupportedNode, size)
	}
}

func storeOpcode(size int) (vm.Opcode, error) {
	switch size {
	case 1:
		return vm.Mv8LocReg, nil
	case 2:
		return vm.Mv16LocReg, nil
	case 4:
		return vm.Mv32LocReg, nil
	case 8:
		return vm.Mv64LocReg, nil
	default:
		return 0, fmt.Errorf("%w: no store width for a %d-byte value", ErrUnsupportedNode, size)
	}
}

func pushOpcode(size int) (vm.Opcode, error) {
	switch size {
	case 1:
		return vm.Push8Reg, nil
	case 2:
		return vm.Push16Reg, nil
	case 4:
		return vm.Push32Reg, nil
	case 8:
		return vm.Push64Reg, nil
	default:
		return 0, fmt.Errorf("%w: no push width for a %d-byte argument", ErrUnsupportedNode, size)
	}
}

// lowerFunction emits fn's body and its closing RET_UI8/EXIT.
func lowerFunction(arena *ast.Arena, fn ast.Function) (*vm.Function, error) {
	vfn := vm.NewBytecodeFunction(fn.Name, vm.NewBytecode())

	inSize := 0
	for _, prm := range fn.Params {
		inSize += prm.Type.Size()
	}
	if inSize > 255 {
		return nil, fmt.Errorf("%w: function %q: total argument size %d", ErrOperandTooWide, fn.Name, inSize)
	}

	ctx := &funcCtx{
		code:      vfn.Code,
		fn:        vfn,
		arena:     arena,
		isEntry:   fn.Name == EntryFunctionName,
		inSize:    inSize,
		locations: map[ast.BindingID]location{},
	}

	// Parameters sit below fp in the caller's frame: a fresh call-site's
	// argument region spans [fp-16-inSize, fp-16), in push order (left to
	// right, lowest address first).
	prefix := 0
	for _, prm := range fn.Params {
		ctx.locations[prm.Binding] = location{baseReg: vm.RegFP, offset: -(16 + inSize) + prefix}
		prefix += prm.Type.Size()
	}

	body := arena.Get(fn.Body)
	if body.Kind != ast.Block {
		return nil, fmt.Errorf("%w: function %q body is not a block", ErrUnsupportedNode, fn.Name)
	}
	if _, _, err := lowerBlock(ctx, body); err != nil {
		return nil, fmt.Errorf("lower: function %q: %w", fn.Name, err)
	}

	if ctx.isEntry {
		ctx.code.Append(vm.EncodeSimple(vm.Exit))
	} else {
		ctx.code.Append(vm.EncodeRet(uint8(inSize)))
	}
	return vfn, nil
}

// lowerExpr dispatches on n's Kind and returns the register holding its
// value. hasValue is false for node kinds that exist purely for effect
// (WhileLoop, Return, TupleDestructure, and a Block or Branch that yields
// no value) - callers must not read reg in that case, since no register
// was reserved for it.
func lowerExpr(ctx *funcCtx, id ast.NodeID) (reg byte, hasValue bool, err error) {
	n := ctx.arena.Get(id)
	switch n.Kind {
	case ast.Number:
		reg, err = lowerNumber(ctx, n)
		return reg, true, err
	case ast.Boolean:
		reg, err = lowerBoolean(ctx, n)
		return reg, true, err
	case ast.StringLit:
		return 0, false, fmt.Errorf("%w: string literals have no bytecode representation (instruction set has no heap or sized string type)", ErrUnsupportedNode)
	case ast.Identifier:
		reg, err = lowerIdentifier(ctx, n)
		return reg, true, err
	case ast.BinaryOp:
		reg, err = lowerBinaryOp(ctx, n)
		return reg, true, err
	case ast.UnaryOp:
		reg, err = lowerUnaryOp(ctx, n)
		return reg, true, err
	case ast.Set:
		reg, err = lowerSet(ctx, n)
		return reg, true, err
	case ast.Tuple:
		return 0, false, fmt.Errorf("%w: a bare tuple expression is only meaningful as the right-hand side of a Set or the source of a destructuring let", ErrUnsupportedNode)
	case ast.TupleDestructure:
		err = lowerTupleDestructure(ctx, n)
		return 0, false, err
	case ast.Block:
		return lowerBlock(ctx, n)
	case ast.FunctionCall:
		reg, err = lowerCall(ctx, n)
		return reg, true, err
	case ast.Branch:
		return lowerBranch(ctx, n)
	case ast.WhileLoop:
		err = lowerWhile(ctx, n)
		return 0, false, err
	case ast.Return:
		err = lowerReturn(ctx, n)
		return 0, false, err
	default:
		return 0, false, fmt.Errorf("%w: unrecognized node kind %d", ErrUnsupportedNode, n.Kind)
	}
}

func lowerNumber(ctx *funcCtx, n *ast.Node) (byte, error) {
	dst, err := ctx.regs.alloc()
	if err != nil {
		return 0, err
	}
	switch n.Type.Kind {
	case ast.KindU8:
		ctx.code.Append(vm.EncodeRegUi8(dst, uint8(n.UintValue)))
	case ast.KindU16:
		ctx.code.Append(vm.EncodeRegUi16(dst, uint16(n.UintValue)))
	case ast.KindU32:
		ctx.code.Append(vm.EncodeRegUi32(dst, uint32(n.UintValue)))
	case ast.KindU64:
		ctx.code.Append(vm.EncodeRegUi64(dst, n.UintValue))
	case ast.KindI8:
		ctx.code.Append(vm.EncodeRegI8(dst, int8(n.IntValue)))
	case ast.KindI16:
		ctx.code.Append(vm.EncodeRegI16(dst, int16(n.IntValue)))
	case ast.KindI32:
		ctx.code.Append(vm.EncodeRegI32(dst, int32(n.IntValue)))
	case ast.KindI64:
		ctx.code.Append(vm.EncodeRegI64(dst, n.IntValue))
	default:
		return 0, fmt.Errorf("%w: numeric literal has non-numeric type %v", ErrUnsupportedNode, n.Type.Kind)
	}
	return dst, nil
}

func lowerBoolean(ctx *funcCtx, n *ast.Node) (byte, error) {
	dst, err := ctx.regs.alloc()
	if err != nil {
		return 0, err
	}
	var v uint8
	if n.BoolValue {
		v = 1
	}
	ctx.code.Append(vm.EncodeRegUi8(dst, v))
	return dst, nil
}

func lowerIdentifier(ctx *funcCtx, n *ast.Node) (byte, error) {
	if n.IsExternal {
		return 0, fmt.Errorf("%w: external identifier %q must be called, not read as a value", ErrUnsupportedNode, n.ExternalName)
	}
	loc, ok := ctx.locations[n.Binding]
	if !ok {
		return 0, fmt.Errorf("%w: binding %d", ErrUnresolvedBinding, n.Binding)
	}
	addr, err := ctx.addrOf(loc)
	if err != nil {
		return 0, err
	}
	op, err := loadOpcode(n.Type.Size())
	if err != nil {
		return 0, err
	}
	ctx.code.Append(vm.EncodeRR(op, addr, addr))
	return addr, nil
}

// binOpcodes is the register-register-register family every
// BinaryOperator lowers to when its right-hand side is not a small
// immediate.
var binOpcodes = map[ast.BinaryOperator]vm.Opcode{
	ast.OpAdd: vm.AddRegRegReg,
	ast.OpSub: vm.SubRegRegReg,
	ast.OpMul: vm.MulRegRegReg,
	ast.OpDiv: vm.DivRegRegReg,
	ast.OpMod: vm.ModRegRegReg,
	ast.OpGt:  vm.GtRegRegReg,
	ast.OpGte: vm.GteRegRegReg,
	ast.OpLt:  vm.LtRegRegReg,
	ast.OpLte: vm.LteRegRegReg,
	ast.OpEq:  vm.EqRegRegReg,
	ast.OpNeq: vm.NeqRegRegReg,
	ast.OpAnd: vm.AndRegRegReg,
	ast.OpOr:  vm.OrRegRegReg,
}

// immOpcodes is the subset of binOpcodes with an 8-bit-immediate fast
// path: an in-range integer literal on the right-hand side of ADD, SUB
// or AND folds into the _REG_REG_UI8 form instead of first being
// materialized into a register.
var immOpcodes = map[ast.BinaryOperator]vm.Opcode{
	ast.OpAdd: vm.AddRegRegUi8,
	ast.OpSub: vm.SubRegRegUi8,
	ast.OpAnd: vm.AndRegRegUi8,
}

// immediateOperand reports whether id is an in-range unsigned-8-bit
// integer literal, for the ADD/SUB/AND immediate fast path.
func immediateOperand(arena *ast.Arena, id ast.NodeID) (uint8, bool) {
	n := arena.Get(id)
	if n.Kind != ast.Number {
		return 0, false
	}
	if n.Type.Signed() {
		if n.IntValue < 0 || n.IntValue > 255 {
			return 0, false
		}
		return uint8(n.IntValue), true
	}
	if n.UintValue > 255 {
		return 0, false
	}
	return uint8(n.UintValue), true
}

// lowerBinaryOp reuses the left operand's register as the destination,
// so the usual case (no immediate fast path) grows the allocator by
// exactly one register: lhs and rhs are allocated in order, the result
// overwrites lhs, and rhs is released - leaving lhs (now holding the
// result) on top.
func lowerBinaryOp(ctx *funcCtx, n *ast.Node) (byte, error) {
	op, ok := binOpcodes[n.BinOp]
	if !ok {
		return 0, fmt.Errorf("%w: unknown binary operator %d", ErrUnsupportedNode, n.BinOp)
	}

	if immOp, ok := immOpcodes[n.BinOp]; ok {
		if imm, ok := immediateOperand(ctx.arena, n.Right); ok {
			lhs, _, err := lowerExpr(ctx, n.Left)
			if err != nil {
				return 0, err
			}
			ctx.code.Append(vm.EncodeRRImm8(immOp, lhs, lhs, imm))
			return lhs, nil
		}
	}

	lhs, _, err := lowerExpr(ctx, n.Left)
	if err != nil {
		return 0, err
	}
	rhs, _, err := lowerExpr(ctx, n.Right)
	if err != nil {
		return 0, err
	}
	ctx.code.Append(vm.EncodeRRR(op, lhs, lhs, rhs))
	ctx.regs.release(rhs)
	return lhs, nil
}

// lowerUnaryOp lowers both operators against a freshly loaded zero
// constant, per ast.go's documented desugaring (OpNeg: 0 - x, OpNot: x ==
// 0), reusing the operand's register as the destination the same way
// lowerBinaryOp does.
func lowerUnaryOp(ctx *funcCtx, n *ast.Node) (byte, error) {
	operand, _, err := lowerExpr(ctx, n.Operand)
	if err != nil {
		return 0, err
	}
	zero, err := ctx.regs.alloc()
	if err != nil {
		return 0, err
	}
	ctx.code.Append(vm.EncodeRegI64(zero, 0))

	switch n.UnOp {
	case ast.OpNeg:
		ctx.code.Append(vm.EncodeRRR(vm.SubRegRegReg, operand, zero, operand))
	case ast.OpNot:
		ctx.code.Append(vm.EncodeRRR(vm.EqRegRegReg, operand, operand, zero))
	default:
		return 0, fmt.Errorf("%w: unknown unary operator %d", ErrUnsupportedNode, n.UnOp)
	}
	ctx.regs.release(zero)
	return operand, nil
}

func (c *funcCtx) resolveSetLocation(n *ast.Node) (location, error) {
	if n.IsDeclaration {
		return c.declare(n.Binding, n.Type.Size()), nil
	}
	loc, ok := c.locations[n.Binding]
	if !ok {
		return location{}, fmt.Errorf("%w: assignment to binding %d with no prior declaration", ErrUnresolvedBinding, n.Binding)
	}
	return loc, nil
}

// lowerSet implements both a declaring `let` and a plain reassignment -
// the two differ only in whether the frame slot is allocated here or
// looked up. A tuple-typed right-hand side is
// flattened across consecutive frame offsets in left-to-right order; any
// other expression is evaluated once and stored at the single assigned
// offset.
func lowerSet(ctx *funcCtx, n *ast.Node) (byte, error) {
	value := ctx.arena.Get(n.Value)
	if value.Kind == ast.Tuple {
		loc, err := ctx.resolveSetLocation(n)
		if err != nil {
			return 0, err
		}
		if err := lowerTupleInto(ctx, value, loc); err != nil {
			return 0, err
		}
		return ctx.addrOf(loc)
	}

	valReg, hasValue, err := lowerExpr(ctx, n.Value)
	if err != nil {
		return 0, err
	}
	if !hasValue {
		return 0, fmt.Errorf("%w: assignment right-hand side produced no value", ErrUnsupportedNode)
	}
	loc, err := ctx.resolveSetLocation(n)
	if err != nil {
		return 0, err
	}
	addr, err := ctx.addrOf(loc)
	if err != nil {
		return 0, err
	}
	op, err := storeOpcode(n.Type.Size())
	if err != nil {
		return 0, err
	}
	ctx.code.Append(vm.EncodeRR(op, addr, valReg))
	ctx.regs.release(addr)
	return valReg, nil
}

// lowerTupleInto flattens tuple's elements, in left-to-right declaration
// order, into consecutive frame offsets starting at loc - used by a plain
// `let tup = (1, 2, 3)` (lowerSet). lowerTupleDestructure does not call
// it: it walks tuple.Elements the same way but writes each element to its
// own binding's location instead of consecutive offsets of one binding.
func lowerTupleInto(ctx *funcCtx, tuple *ast.Node, loc location) error {
	offset := loc.offset
	for _, elemID := range tuple.Elements {
		elem := ctx.arena.Get(elemID)
		valReg, hasValue, err := lowerExpr(ctx, elemID)
		if err != nil {
			return err
		}
		if !hasValue {
			return fmt.Errorf("%w: tuple element produced no value", ErrUnsupportedNode)
		}
		addr, err := ctx.addrOf(location{baseReg: loc.baseReg, offset: offset})
		if err != nil {
			return err
		}
		op, err := storeOpcode(elem.Type.Size())
		if err != nil {
			return err
		}
		ctx.code.Append(vm.EncodeRR(op, addr, valReg))
		ctx.regs.release(addr)
		ctx.regs.release(valReg)
		offset += elem.Type.Size()
	}
	return nil
}

// lowerTupleDestructure implements `let (a, b, _, d) = (1, 2, 3, 4)`:
// each non-discarded target gets its own fresh frame slot, flattened
// strictly left to right in the declaration order of the product type;
// a discarded target's element is still evaluated (for side effects)
// but never stored.
func lowerTupleDestructure(ctx *funcCtx, n *ast.Node) error {
	src := ctx.arena.Get(n.Source)
	if src.Kind != ast.Tuple {
		return fmt.Errorf("%w: tuple destructuring source must be a tuple literal", ErrUnsupportedNode)
	}
	if len(src.Elements) != len(n.DestructureTargets) {
		return fmt.Errorf("lower: destructure arity mismatch: %d targets, %d elements", len(n.DestructureTargets), len(src.Elements))
	}

	for i, elemID := range src.Elements {
		elem := ctx.arena.Get(elemID)
		valReg, hasValue, err := lowerExpr(ctx, elemID)
		if err != nil {
			return err
		}
		if !hasValue {
			return fmt.Errorf("%w: tuple element produced no value", ErrUnsupportedNode)
		}
		target := n.DestructureTargets[i]
		if target.Discard {
			ctx.regs.release(valReg)
			continue
		}
		loc := ctx.declare(target.Binding, elem.Type.Size())
		addr, err := ctx.addrOf(loc)
		if err != nil {
			return err
		}
		op, err := storeOpcode(elem.Type.Size())
		if err != nil {
			return err
		}
		ctx.code.Append(vm.EncodeRR(op, addr, valReg))
		ctx.regs.release(addr)
		ctx.regs.release(valReg)
	}
	return nil
}

// lowerCall evaluates the argument list left to right, spills the
// caller's live scratch registers (a callee allocates its own scratch
// registers from index 0, so anything live across the call would be
// clobbered), then pushes each argument (also left to right, so the
// first argument lands at the lowest address - the callee addresses it
// via the most negative fp-relative offset) before emitting a symbolic
// CALL_UI64/CALL_NATIVE_UI64 against a fresh call-site id. The spills
// sit below the argument region, so a bytecode callee's RET_UI8 (which
// pops exactly the arguments) leaves sp pointing at them for the
// restore pops; a native leaves the arguments in place, so the caller
// deallocates them itself first. The callee's
// result, by convention, is always in RegRet; lowerCall copies it out
// into a fresh register so later uses of the call's value are
// unaffected by a subsequent call overwriting RegRet.
func lowerCall(ctx *funcCtx, n *ast.Node) (byte, error) {
	liveBase := ctx.regs.next

	argRegs := make([]byte, len(n.Arguments))
	argSizes := make([]int, len(n.Arguments))
	inSize := 0
	for i, argID := range n.Arguments {
		argNode := ctx.arena.Get(argID)
		reg, hasValue, err := lowerExpr(ctx, argID)
		if err != nil {
			return 0, err
		}
		if !hasValue {
			return 0, fmt.Errorf("%w: call argument %d produced no value", ErrUnsupportedNode, i)
		}
		argRegs[i] = reg
		argSizes[i] = argNode.Type.Size()
		inSize += argSizes[i]
	}
	if inSize > 255 {
		return 0, fmt.Errorf("%w: call to %q passes %d argument bytes", ErrOperandTooWide, n.Callee, inSize)
	}

	for r := byte(0); r < liveBase; r++ {
		ctx.code.Append(vm.EncodeR(vm.Push64Reg, r))
	}

	for i, reg := range argRegs {
		op, err := pushOpcode(argSizes[i])
		if err != nil {
			return 0, err
		}
		ctx.code.Append(vm.EncodeR(op, reg))
	}
	for i := len(argRegs) - 1; i >= 0; i-- {
		ctx.regs.release(argRegs[i])
	}

	site := ctx.newCallSite()
	ctx.fn.AddCallSite(site, n.Callee)
	if n.Native {
		ctx.code.Append(vm.EncodeCall(vm.CallNativeUi64, uint64(site)))
		if inSize > 0 {
			ctx.code.Append(vm.EncodeSdealloc(uint8(inSize)))
		}
	} else {
		ctx.code.Append(vm.EncodeCall(vm.CallUi64, uint64(site)))
	}

	for r := int(liveBase) - 1; r >= 0; r-- {
		ctx.code.Append(vm.EncodeR(vm.Pop64Reg, byte(r)))
	}

	dst, err := ctx.regs.alloc()
	if err != nil {
		return 0, err
	}
	ctx.code.Append(vm.EncodeRR(vm.Mv64RegReg, dst, vm.RegRet))
	return dst, nil
}

// lowerBranch lowers `if cond { then } [else { else }]` as a linear
// chain: test, JRZ to the else/end label,
// then-arm, an unconditional jump past the else-arm, the else label,
// else-arm. Both arms' values are merged into the then-arm's register:
// the else-arm, when present, ends with a move into that same register,
// so whichever arm dispatch actually took leaves the branch's value in
// one consistent place.
func lowerBranch(ctx *funcCtx, n *ast.Node) (byte, bool, error) {
	condReg, _, err := lowerExpr(ctx, n.Cond)
	if err != nil {
		return 0, false, err
	}
	lElse := ctx.newLabel()
	ctx.code.Append(vm.EncodeJrCond(vm.JrzRegI32, condReg, int32(lElse)))
	ctx.regs.release(condReg)

	thenReg, thenHasValue, err := lowerExpr(ctx, n.Then)
	if err != nil {
		return 0, false, err
	}

	hasElse := n.Else != ast.NoNode
	var lEnd uint32
	if hasElse {
		lEnd = ctx.newLabel()
		ctx.code.Append(vm.EncodeJmpR(int32(lEnd)))
	}
	ctx.code.Append(vm.EncodeLbl(lElse))

	if !hasElse {
		if !thenHasValue {
			return 0, false, nil
		}
		return thenReg, true, nil
	}

	elseReg, elseHasValue, err := lowerExpr(ctx, n.Else)
	if err != nil {
		return 0, false, err
	}
	if thenHasValue != elseHasValue {
		return 0, false, fmt.Errorf("%w: branch arms disagree on whether they produce a value", ErrUnsupportedNode)
	}
	if thenHasValue && elseReg != thenReg {
		ctx.code.Append(vm.EncodeRR(vm.Mv64RegReg, thenReg, elseReg))
		ctx.regs.release(elseReg)
	}
	ctx.code.Append(vm.EncodeLbl(lEnd))

	if !thenHasValue {
		return 0, false, nil
	}
	return thenReg, true, nil
}

// lowerWhile lowers `while cond { body }` as `Ltop: test -> JRZ Lend;
// body; JMPR Ltop; Lend:`. A while loop has no value.
func lowerWhile(ctx *funcCtx, n *ast.Node) error {
	lTop := ctx.newLabel()
	lEnd := ctx.newLabel()

	ctx.code.Append(vm.EncodeLbl(lTop))
	condReg, _, err := lowerExpr(ctx, n.Cond)
	if err != nil {
		return err
	}
	ctx.code.Append(vm.EncodeJrCond(vm.JrzRegI32, condReg, int32(lEnd)))
	ctx.regs.release(condReg)

	bodyReg, bodyHasValue, err := lowerExpr(ctx, n.Then)
	if err != nil {
		return err
	}
	if bodyHasValue {
		ctx.regs.release(bodyReg)
	}

	ctx.code.Append(vm.EncodeJmpR(int32(lTop)))
	ctx.code.Append(vm.EncodeLbl(lEnd))
	return nil
}

// lowerReturn implements an explicit `return`, including an early return
// from inside nested blocks: it deallocates every block scope still open
// in this function (innermost first) before emitting RET_UI8/EXIT, since
// those blocks' own closing SDEALLOC is never reached on this path.
func lowerReturn(ctx *funcCtx, n *ast.Node) error {
	if n.Value != ast.NoNode {
		valReg, hasValue, err := lowerExpr(ctx, n.Value)
		if err != nil {
			return err
		}
		if !hasValue {
			return fmt.Errorf("%w: return value produced no value", ErrUnsupportedNode)
		}
		ctx.code.Append(vm.EncodeRR(vm.Mv64RegReg, vm.RegRet, valReg))
		ctx.regs.release(valReg)
	}

	for i := len(ctx.scopes) - 1; i >= 0; i-- {
		ctx.code.Append(vm.EncodeSdealloc(uint8(ctx.scopes[i].size)))
	}

	if ctx.isEntry {
		ctx.code.Append(vm.EncodeSimple(vm.Exit))
	} else {
		ctx.code.Append(vm.EncodeRet(uint8(ctx.inSize)))
	}
	return nil
}

// blockLocalsSize sums the byte size of every declaration made directly
// in block (not inside a nested Block, which reserves and releases its
// own region) - the n the block's SALLOC_REG_UI8/SDEALLOC_UI8 pair must
// carry.
func blockLocalsSize(arena *ast.Arena, block *ast.Node) (int, error) {
	total := 0
	for _, stmtID := range block.Statements {
		stmt := arena.Get(stmtID)
		switch stmt.Kind {
		case ast.Set:
			if stmt.IsDeclaration {
				total += stmt.Type.Size()
			}
		case ast.TupleDestructure:
			src := arena.Get(stmt.Source)
			if len(src.Type.Elements) != len(stmt.DestructureTargets) {
				return 0, fmt.Errorf("lower: destructure arity mismatch: %d targets, %d elements", len(stmt.DestructureTargets), len(src.Type.Elements))
			}
			for i, tgt := range stmt.DestructureTargets {
				if tgt.Discard {
					continue
				}
				total += src.Type.Elements[i].Size()
			}
		}
	}
	return total, nil
}

// lowerBlock allocates the
// block's locals region on entry, emits its statements in order, releases
// the region on exit. The block's value, if it has one, is whichever
// statement n.Result indexes, moved into the conventional return
// register before the block's own SDEALLOC runs (SDEALLOC only retracts
// sp; it does not disturb registers, so the order relative to it does
// not matter).
func lowerBlock(ctx *funcCtx, n *ast.Node) (byte, bool, error) {
	size, err := blockLocalsSize(ctx.arena, n)
	if err != nil {
		return 0, false, err
	}
	if size > 255 {
		return 0, false, fmt.Errorf("%w: block locals region of %d bytes", ErrOperandTooWide, size)
	}

	baseReg, err := ctx.regs.alloc()
	if err != nil {
		return 0, false, err
	}
	ctx.code.Append(vm.EncodeSalloc(baseReg, uint8(size)))
	ctx.scopes = append(ctx.scopes, &scope{baseReg: baseReg, size: size})

	var resultReg byte
	haveResult := false
	for i, stmtID := range n.Statements {
		reg, hasValue, err := lowerExpr(ctx, stmtID)
		if err != nil {
			return 0, false, err
		}
		isResult := n.Result != ast.NoNode && i == int(n.Result)
		switch {
		case isResult && hasValue:
			resultReg, haveResult = reg, true
		case hasValue:
			ctx.regs.release(reg)
		}
	}

	ctx.scopes = ctx.scopes[:len(ctx.scopes)-1]
	if haveResult {
		ctx.code.Append(vm.EncodeRR(vm.Mv64RegReg, vm.RegRet, resultReg))
	}
	ctx.code.Append(vm.EncodeSdealloc(uint8(size)))
	ctx.regs.release(baseReg)

	if !haveResult {
		return 0, false, nil
	}
	return resultReg, true, nil
}
