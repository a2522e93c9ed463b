package lower

import (
	"bytes"
	"errors"
	"testing"

	"github.com/katrho/regvm/ast"
	"github.com/katrho/regvm/internal/stdlib"
	"github.com/katrho/regvm/internal/vm"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

// --- ast construction helpers, mirroring what the external checker would
// hand lowering: fully typed nodes with bindings already resolved. ---

func numLit(a *ast.Arena, kind ast.TypeKind, v int64) ast.NodeID {
	n := ast.Node{Kind: ast.Number, Type: ast.Type{Kind: kind}}
	typ := ast.Type{Kind: kind}
	if typ.Signed() {
		n.IntValue = v
	} else {
		n.UintValue = uint64(v)
	}
	return a.Add(n)
}

func boolLit(a *ast.Arena, v bool) ast.NodeID {
	return a.Add(ast.Node{Kind: ast.Boolean, Type: ast.Type{Kind: ast.KindBool}, BoolValue: v})
}

func ident(a *ast.Arena, binding ast.BindingID, kind ast.TypeKind) ast.NodeID {
	return a.Add(ast.Node{Kind: ast.Identifier, Type: ast.Type{Kind: kind}, Binding: binding})
}

func binOp(a *ast.Arena, op ast.BinaryOperator, kind ast.TypeKind, l, r ast.NodeID) ast.NodeID {
	return a.Add(ast.Node{Kind: ast.BinaryOp, Type: ast.Type{Kind: kind}, BinOp: op, Left: l, Right: r})
}

func letDecl(a *ast.Arena, binding ast.BindingID, kind ast.TypeKind, value ast.NodeID) ast.NodeID {
	return a.Add(ast.Node{Kind: ast.Set, Type: ast.Type{Kind: kind}, IsDeclaration: true, Binding: binding, Value: value})
}

func assign(a *ast.Arena, binding ast.BindingID, kind ast.TypeKind, value ast.NodeID) ast.NodeID {
	return a.Add(ast.Node{Kind: ast.Set, Type: ast.Type{Kind: kind}, IsDeclaration: false, Binding: binding, Value: value})
}

func block(a *ast.Arena, stmts []ast.NodeID, resultIdx int) ast.NodeID {
	n := ast.Node{Kind: ast.Block, Statements: stmts, Result: ast.NoNode}
	if resultIdx >= 0 {
		n.Result = ast.NodeID(resultIdx)
	}
	return a.Add(n)
}

func branch(a *ast.Arena, kind ast.TypeKind, cond, then, els ast.NodeID) ast.NodeID {
	return a.Add(ast.Node{Kind: ast.Branch, Type: ast.Type{Kind: kind}, Cond: cond, Then: then, Else: els})
}

func whileLoop(a *ast.Arena, cond, body ast.NodeID) ast.NodeID {
	return a.Add(ast.Node{Kind: ast.WhileLoop, Cond: cond, Then: body})
}

func unaryOp(a *ast.Arena, op ast.UnaryOperator, kind ast.TypeKind, operand ast.NodeID) ast.NodeID {
	return a.Add(ast.Node{Kind: ast.UnaryOp, Type: ast.Type{Kind: kind}, UnOp: op, Operand: operand})
}

func returnStmt(a *ast.Arena, value ast.NodeID) ast.NodeID {
	return a.Add(ast.Node{Kind: ast.Return, Value: value})
}

func call(a *ast.Arena, kind ast.TypeKind, callee string, args []ast.NodeID, native bool) ast.NodeID {
	return a.Add(ast.Node{Kind: ast.FunctionCall, Type: ast.Type{Kind: kind}, Callee: callee, Arguments: args, Native: native})
}

func tupleLit(a *ast.Arena, elemKinds []ast.TypeKind, elems []ast.NodeID) ast.NodeID {
	elemTypes := make([]ast.Type, len(elemKinds))
	for i, k := range elemKinds {
		elemTypes[i] = ast.Type{Kind: k}
	}
	return a.Add(ast.Node{Kind: ast.Tuple, Type: ast.Type{Kind: ast.KindTuple, Elements: elemTypes}, Elements: elems})
}

func destructure(a *ast.Arena, source ast.NodeID, targets []ast.DestructureTarget) ast.NodeID {
	return a.Add(ast.Node{Kind: ast.TupleDestructure, Source: source, DestructureTargets: targets})
}

// runProgram links, direct-thread-preprocesses and runs p to completion.
func runProgram(t *testing.T, p *vm.Program) (*vm.Machine, error) {
	t.Helper()
	e, err := vm.Link(p)
	assert(t, err == nil, "link error: %v", err)
	te, err := vm.Preprocess(e)
	assert(t, err == nil, "preprocess error: %v", err)
	return vm.Run(te, 0)
}

func singleFuncModule(arena *ast.Arena, body ast.NodeID) *ast.Module {
	return &ast.Module{Arena: arena, Functions: []ast.Function{{Name: EntryFunctionName, Body: body}}}
}

func TestLowerConstantReturn(t *testing.T) {
	arena := &ast.Arena{}
	lit := numLit(arena, ast.KindI64, 42)
	body := block(arena, []ast.NodeID{lit}, 0)
	mod := singleFuncModule(arena, body)

	p, err := Lower(mod)
	assert(t, err == nil, "lower error: %v", err)

	m, err := runProgram(t, p)
	assert(t, errors.Is(err, vm.ErrProgramFinished), "expected ErrProgramFinished, got %v", err)
	assert(t, m.Registers[vm.RegRet] == 42, "expected 42, got %d", m.Registers[vm.RegRet])
}

func TestLowerArithmeticWithLocals(t *testing.T) {
	// let x = 3; let y = 4; x * y + 2
	arena := &ast.Arena{}
	xDecl := letDecl(arena, 1, ast.KindI64, numLit(arena, ast.KindI64, 3))
	yDecl := letDecl(arena, 2, ast.KindI64, numLit(arena, ast.KindI64, 4))
	mul := binOp(arena, ast.OpMul, ast.KindI64, ident(arena, 1, ast.KindI64), ident(arena, 2, ast.KindI64))
	sum := binOp(arena, ast.OpAdd, ast.KindI64, mul, numLit(arena, ast.KindI64, 2))
	body := block(arena, []ast.NodeID{xDecl, yDecl, sum}, 2)
	mod := singleFuncModule(arena, body)

	p, err := Lower(mod)
	assert(t, err == nil, "lower error: %v", err)

	m, err := runProgram(t, p)
	assert(t, errors.Is(err, vm.ErrProgramFinished), "expected ErrProgramFinished, got %v", err)
	assert(t, m.Registers[vm.RegRet] == 14, "expected 14, got %d", m.Registers[vm.RegRet])
}

func TestLowerBranching(t *testing.T) {
	// if (5 > 3) { 1 } else { 0 }
	arena := &ast.Arena{}
	cond := binOp(arena, ast.OpGt, ast.KindBool, numLit(arena, ast.KindI64, 5), numLit(arena, ast.KindI64, 3))
	br := branch(arena, ast.KindI64, cond, numLit(arena, ast.KindI64, 1), numLit(arena, ast.KindI64, 0))
	body := block(arena, []ast.NodeID{br}, 0)
	mod := singleFuncModule(arena, body)

	p, err := Lower(mod)
	assert(t, err == nil, "lower error: %v", err)

	m, err := runProgram(t, p)
	assert(t, errors.Is(err, vm.ErrProgramFinished), "expected ErrProgramFinished, got %v", err)
	assert(t, m.Registers[vm.RegRet] == 1, "expected 1, got %d", m.Registers[vm.RegRet])
}

func TestLowerBranchNoElse(t *testing.T) {
	// if (false) { 1 }; 7
	arena := &ast.Arena{}
	br := branch(arena, ast.KindI64, boolLit(arena, false), numLit(arena, ast.KindI64, 1), ast.NoNode)
	tail := numLit(arena, ast.KindI64, 7)
	body := block(arena, []ast.NodeID{br, tail}, 1)
	mod := singleFuncModule(arena, body)

	p, err := Lower(mod)
	assert(t, err == nil, "lower error: %v", err)

	m, err := runProgram(t, p)
	assert(t, errors.Is(err, vm.ErrProgramFinished), "expected ErrProgramFinished, got %v", err)
	assert(t, m.Registers[vm.RegRet] == 7, "expected 7, got %d", m.Registers[vm.RegRet])
}

func TestLowerWhileLoop(t *testing.T) {
	// let x = 6; while (x > 3) { x = x - 1; } x
	arena := &ast.Arena{}
	xDecl := letDecl(arena, 1, ast.KindI64, numLit(arena, ast.KindI64, 6))
	cond := binOp(arena, ast.OpGt, ast.KindBool, ident(arena, 1, ast.KindI64), numLit(arena, ast.KindI64, 3))
	dec := binOp(arena, ast.OpSub, ast.KindI64, ident(arena, 1, ast.KindI64), numLit(arena, ast.KindI64, 1))
	assignStmt := assign(arena, 1, ast.KindI64, dec)
	loopBody := block(arena, []ast.NodeID{assignStmt}, -1)
	loop := whileLoop(arena, cond, loopBody)
	tail := ident(arena, 1, ast.KindI64)
	body := block(arena, []ast.NodeID{xDecl, loop, tail}, 2)
	mod := singleFuncModule(arena, body)

	p, err := Lower(mod)
	assert(t, err == nil, "lower error: %v", err)

	m, err := runProgram(t, p)
	assert(t, errors.Is(err, vm.ErrProgramFinished), "expected ErrProgramFinished, got %v", err)
	assert(t, m.Registers[vm.RegRet] == 3, "expected 3, got %d", m.Registers[vm.RegRet])
}

func TestLowerCrossFunctionCall(t *testing.T) {
	// add(x, y) = x + y; main() { add(7, 8) }
	arena := &ast.Arena{}

	sum := binOp(arena, ast.OpAdd, ast.KindI64, ident(arena, 10, ast.KindI64), ident(arena, 11, ast.KindI64))
	addBody := block(arena, []ast.NodeID{sum}, 0)
	addFn := ast.Function{
		Name: "add",
		Params: []ast.Param{
			{Name: "x", Type: ast.Type{Kind: ast.KindI64}, Binding: 10},
			{Name: "y", Type: ast.Type{Kind: ast.KindI64}, Binding: 11},
		},
		ReturnType: ast.Type{Kind: ast.KindI64},
		Body:       addBody,
	}

	callNode := call(arena, ast.KindI64, "add", []ast.NodeID{
		numLit(arena, ast.KindI64, 7),
		numLit(arena, ast.KindI64, 8),
	}, false)
	mainBody := block(arena, []ast.NodeID{callNode}, 0)
	mainFn := ast.Function{Name: EntryFunctionName, Body: mainBody}

	mod := &ast.Module{Arena: arena, Functions: []ast.Function{addFn, mainFn}}

	p, err := Lower(mod)
	assert(t, err == nil, "lower error: %v", err)

	m, err := runProgram(t, p)
	assert(t, errors.Is(err, vm.ErrProgramFinished), "expected ErrProgramFinished, got %v", err)
	assert(t, m.Registers[vm.RegRet] == 15, "expected 15, got %d", m.Registers[vm.RegRet])
}

func TestLowerTupleDestructure(t *testing.T) {
	// let (a, b) = (1, 2); a + b
	arena := &ast.Arena{}
	tup := tupleLit(arena, []ast.TypeKind{ast.KindI64, ast.KindI64}, []ast.NodeID{
		numLit(arena, ast.KindI64, 1),
		numLit(arena, ast.KindI64, 2),
	})
	destr := destructure(arena, tup, []ast.DestructureTarget{{Binding: 20}, {Binding: 21}})
	sum := binOp(arena, ast.OpAdd, ast.KindI64, ident(arena, 20, ast.KindI64), ident(arena, 21, ast.KindI64))
	body := block(arena, []ast.NodeID{destr, sum}, 1)
	mod := singleFuncModule(arena, body)

	p, err := Lower(mod)
	assert(t, err == nil, "lower error: %v", err)

	m, err := runProgram(t, p)
	assert(t, errors.Is(err, vm.ErrProgramFinished), "expected ErrProgramFinished, got %v", err)
	assert(t, m.Registers[vm.RegRet] == 3, "expected 3, got %d", m.Registers[vm.RegRet])
}

func TestLowerTupleDestructureWithDiscard(t *testing.T) {
	// let (_, b) = (1, 2); b
	arena := &ast.Arena{}
	tup := tupleLit(arena, []ast.TypeKind{ast.KindI64, ast.KindI64}, []ast.NodeID{
		numLit(arena, ast.KindI64, 1),
		numLit(arena, ast.KindI64, 2),
	})
	destr := destructure(arena, tup, []ast.DestructureTarget{{Discard: true}, {Binding: 21}})
	tail := ident(arena, 21, ast.KindI64)
	body := block(arena, []ast.NodeID{destr, tail}, 1)
	mod := singleFuncModule(arena, body)

	p, err := Lower(mod)
	assert(t, err == nil, "lower error: %v", err)

	m, err := runProgram(t, p)
	assert(t, errors.Is(err, vm.ErrProgramFinished), "expected ErrProgramFinished, got %v", err)
	assert(t, m.Registers[vm.RegRet] == 2, "expected 2, got %d", m.Registers[vm.RegRet])
}

func TestLowerNativeCall(t *testing.T) {
	// main() { println_i64(42); 0 }
	arena := &ast.Arena{}
	callNode := call(arena, ast.KindI64, "println_i64", []ast.NodeID{numLit(arena, ast.KindI64, 42)}, true)
	tail := numLit(arena, ast.KindI64, 0)
	body := block(arena, []ast.NodeID{callNode, tail}, 1)
	mod := singleFuncModule(arena, body)

	p, err := Lower(mod)
	assert(t, err == nil, "lower error: %v", err)

	var out bytes.Buffer
	p.AddFunction(vm.NewNativeFunction("println_i64", stdlib.PrintlnI64(&out)))

	m, err := runProgram(t, p)
	assert(t, errors.Is(err, vm.ErrProgramFinished), "expected ErrProgramFinished, got %v", err)
	assert(t, m.Registers[vm.RegRet] == 0, "expected 0, got %d", m.Registers[vm.RegRet])
	assert(t, out.String() == "42\n", "expected native call to print \"42\\n\", got %q", out.String())
}

func TestLowerUnaryOperators(t *testing.T) {
	// -(5) == -5
	arena := &ast.Arena{}
	neg := unaryOp(arena, ast.OpNeg, ast.KindI64, numLit(arena, ast.KindI64, 5))
	body := block(arena, []ast.NodeID{neg}, 0)

	p, err := Lower(singleFuncModule(arena, body))
	assert(t, err == nil, "lower error: %v", err)

	m, err := runProgram(t, p)
	assert(t, errors.Is(err, vm.ErrProgramFinished), "expected ErrProgramFinished, got %v", err)
	assert(t, int64(m.Registers[vm.RegRet]) == -5, "expected -5, got %d", int64(m.Registers[vm.RegRet]))

	// !false == 1
	arena = &ast.Arena{}
	not := unaryOp(arena, ast.OpNot, ast.KindBool, boolLit(arena, false))
	body = block(arena, []ast.NodeID{not}, 0)

	p, err = Lower(singleFuncModule(arena, body))
	assert(t, err == nil, "lower error: %v", err)

	m, err = runProgram(t, p)
	assert(t, errors.Is(err, vm.ErrProgramFinished), "expected ErrProgramFinished, got %v", err)
	assert(t, m.Registers[vm.RegRet] == 1, "expected 1, got %d", m.Registers[vm.RegRet])
}

func TestLowerNestedBlocks(t *testing.T) {
	// let x = 1; { let y = 2; x + y }
	arena := &ast.Arena{}
	xDecl := letDecl(arena, 1, ast.KindI64, numLit(arena, ast.KindI64, 1))
	yDecl := letDecl(arena, 2, ast.KindI64, numLit(arena, ast.KindI64, 2))
	sum := binOp(arena, ast.OpAdd, ast.KindI64, ident(arena, 1, ast.KindI64), ident(arena, 2, ast.KindI64))
	inner := block(arena, []ast.NodeID{yDecl, sum}, 1)
	body := block(arena, []ast.NodeID{xDecl, inner}, 1)

	p, err := Lower(singleFuncModule(arena, body))
	assert(t, err == nil, "lower error: %v", err)

	m, err := runProgram(t, p)
	assert(t, errors.Is(err, vm.ErrProgramFinished), "expected ErrProgramFinished, got %v", err)
	assert(t, m.Registers[vm.RegRet] == 3, "expected 3, got %d", m.Registers[vm.RegRet])
}

func TestLowerExplicitReturn(t *testing.T) {
	// { let x = 9; return x; }
	arena := &ast.Arena{}
	xDecl := letDecl(arena, 1, ast.KindI64, numLit(arena, ast.KindI64, 9))
	ret := returnStmt(arena, ident(arena, 1, ast.KindI64))
	body := block(arena, []ast.NodeID{xDecl, ret}, -1)

	p, err := Lower(singleFuncModule(arena, body))
	assert(t, err == nil, "lower error: %v", err)

	m, err := runProgram(t, p)
	assert(t, errors.Is(err, vm.ErrProgramFinished), "expected ErrProgramFinished, got %v", err)
	assert(t, m.Registers[vm.RegRet] == 9, "expected 9, got %d", m.Registers[vm.RegRet])
}

func TestLowerLocalSurvivesCall(t *testing.T) {
	// add(x, y) = x + y; main() { let a = 5; let b = add(7, 8); a + b }
	// The callee allocates its own scratch registers from index 0, so a's
	// address base register only survives the call because call sites spill
	// and restore the caller's live registers.
	arena := &ast.Arena{}

	sum := binOp(arena, ast.OpAdd, ast.KindI64, ident(arena, 10, ast.KindI64), ident(arena, 11, ast.KindI64))
	addBody := block(arena, []ast.NodeID{sum}, 0)
	addFn := ast.Function{
		Name: "add",
		Params: []ast.Param{
			{Name: "x", Type: ast.Type{Kind: ast.KindI64}, Binding: 10},
			{Name: "y", Type: ast.Type{Kind: ast.KindI64}, Binding: 11},
		},
		ReturnType: ast.Type{Kind: ast.KindI64},
		Body:       addBody,
	}

	aDecl := letDecl(arena, 1, ast.KindI64, numLit(arena, ast.KindI64, 5))
	callNode := call(arena, ast.KindI64, "add", []ast.NodeID{
		numLit(arena, ast.KindI64, 7),
		numLit(arena, ast.KindI64, 8),
	}, false)
	bDecl := letDecl(arena, 2, ast.KindI64, callNode)
	tail := binOp(arena, ast.OpAdd, ast.KindI64, ident(arena, 1, ast.KindI64), ident(arena, 2, ast.KindI64))
	mainBody := block(arena, []ast.NodeID{aDecl, bDecl, tail}, 2)
	mainFn := ast.Function{Name: EntryFunctionName, Body: mainBody}

	mod := &ast.Module{Arena: arena, Functions: []ast.Function{mainFn, addFn}}

	p, err := Lower(mod)
	assert(t, err == nil, "lower error: %v", err)

	m, err := runProgram(t, p)
	assert(t, errors.Is(err, vm.ErrProgramFinished), "expected ErrProgramFinished, got %v", err)
	assert(t, m.Registers[vm.RegRet] == 20, "expected 20, got %d", m.Registers[vm.RegRet])
}

func TestLowerUnsupportedStringLiteral(t *testing.T) {
	arena := &ast.Arena{}
	lit := arena.Add(ast.Node{Kind: ast.StringLit, StringValue: "hi"})
	body := block(arena, []ast.NodeID{lit}, 0)
	mod := singleFuncModule(arena, body)

	_, err := Lower(mod)
	assert(t, errors.Is(err, ErrUnsupportedNode), "expected ErrUnsupportedNode, got %v", err)
}
