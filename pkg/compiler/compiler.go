// Package compiler lowers a parsed target's AST to a bytecode.Chunk
// (spec.md §4.5), handling lvalue/rvalue factset semantics, selectors,
// partial update, and short-circuit boolean evaluation.
package compiler

import (
	"github.com/pkg/errors"

	"github.com/opendres/dres/pkg/ast"
	"github.com/opendres/dres/pkg/bytecode"
	"github.com/opendres/dres/pkg/method"
	"github.com/opendres/dres/pkg/vars"
)

// Error is a compile error for one target, terminal unless a fallback
// handler is installed (spec.md §7).
type Error struct {
	Target string
	Err    error
}

func (e *Error) Error() string { return "compile " + e.Target + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Compiler lowers target bodies into bytecode against a shared variable
// table and method registry.
type Compiler struct {
	vars    *vars.Tables
	methods *method.Registry
}

// New returns a Compiler that appends a DRES-variable to tables for each
// call-local binding it compiles and assigns stable method ids via methods.
func New(tables *vars.Tables, methods *method.Registry) *Compiler {
	return &Compiler{vars: tables, methods: methods}
}

// Compile lowers one target's statement list into a chunk terminated by
// HALT (spec.md §4.5).
func (c *Compiler) Compile(t *ast.Target) (*bytecode.Chunk, error) {
	chunk := bytecode.New()
	fc := &funcCompiler{Compiler: c, chunk: chunk}
	if err := fc.compileStatements(t.Statements); err != nil {
		return nil, &Error{Target: t.Name, Err: err}
	}
	chunk.EmitHalt()
	return chunk, nil
}

// funcCompiler holds the per-target emission state; Compiler itself stays
// stateless so it can compile every target in a policy without resetting
// anything between calls.
type funcCompiler struct {
	*Compiler
	chunk *bytecode.Chunk
}

func (fc *funcCompiler) compileStatements(stmts []ast.Statement) error {
	for _, s := range stmts {
		if err := fc.compileStatement(s); err != nil {
			return err
		}
	}
	return nil
}

func (fc *funcCompiler) compileStatement(s ast.Statement) error {
	switch st := s.(type) {
	case *ast.AssignStmt:
		return fc.compileAssign(st)
	case *ast.CallStmt:
		if _, err := fc.compileCall(st.Call); err != nil {
			return err
		}
		fc.chunk.EmitPopDiscard()
		return nil
	case *ast.IfStmt:
		return fc.compileIf(st)
	default:
		return errors.Errorf("compiler: unknown statement type %T", s)
	}
}

// compileAssign implements spec.md §4.5's two assignment statement forms.
func (fc *funcCompiler) compileAssign(a *ast.AssignStmt) error {
	if a.Target.Field != "" && len(updateSelectors(a.Target.Selectors)) > 0 {
		return errors.New("compiler: an update lvalue must not carry a trailing field")
	}
	if a.Partial && len(updateSelectors(a.Target.Selectors)) == 0 {
		return errors.New("compiler: partial assignment requires at least one update-field selector")
	}

	if err := fc.compileExpr(a.Value); err != nil {
		return err
	}
	fc.chunk.EmitPushGlobal(a.Target.Name)

	k, err := fc.emitSelectors(a.Target.Selectors)
	if err != nil {
		return err
	}

	updates := updateSelectors(a.Target.Selectors)
	switch {
	case len(updates) > 0:
		fc.chunk.EmitFilter(k)
		for _, sel := range updates {
			fc.chunk.EmitPushString(sel.Field)
		}
		fc.chunk.EmitUpdate(len(updates), a.Partial)
	case a.Target.Field != "":
		if k > 0 {
			fc.chunk.EmitFilter(k)
		}
		fc.chunk.EmitPushString(a.Target.Field)
		fc.chunk.EmitSetField()
	default:
		if k > 0 {
			fc.chunk.EmitFilter(k)
		}
		fc.chunk.EmitSet()
	}
	return nil
}

// emitSelectors emits the (value, op, field-name) triples for every
// value-bearing selector and returns how many were emitted (spec.md §4.5);
// update-only selectors are excluded — UPDATE consumes those separately.
func (fc *funcCompiler) emitSelectors(sels []ast.Selector) (int, error) {
	n := 0
	for _, sel := range sels {
		if sel.UpdateOnly {
			continue
		}
		if err := fc.compileExpr(sel.Value); err != nil {
			return 0, err
		}
		fc.chunk.EmitPushInteger(int64(relOpToCmp(sel.Op)))
		fc.chunk.EmitPushString(sel.Field)
		n++
	}
	return n, nil
}

func updateSelectors(sels []ast.Selector) []ast.Selector {
	var out []ast.Selector
	for _, s := range sels {
		if s.UpdateOnly {
			out = append(out, s)
		}
	}
	return out
}

func relOpToCmp(op ast.RelOp) bytecode.CmpOp {
	switch op {
	case ast.OpEQ:
		return bytecode.CmpEQ
	case ast.OpNE:
		return bytecode.CmpNE
	case ast.OpLT:
		return bytecode.CmpLT
	case ast.OpLE:
		return bytecode.CmpLE
	case ast.OpGT:
		return bytecode.CmpGT
	case ast.OpGE:
		return bytecode.CmpGE
	default:
		return bytecode.CmpEQ
	}
}

// compileIf implements spec.md §4.5's if-then-else lowering: branch on the
// condition's falsity, backpatching once the then/else blocks are laid out.
func (fc *funcCompiler) compileIf(st *ast.IfStmt) error {
	if err := fc.compileExpr(st.Cond); err != nil {
		return err
	}
	branchToElse := fc.chunk.EmitBranch(bytecode.BranchEQ, 0)

	if err := fc.compileStatements(st.Then); err != nil {
		return err
	}

	if len(st.Else) == 0 {
		fc.patchHere(branchToElse)
		return nil
	}

	branchToEnd := fc.chunk.EmitBranch(bytecode.BranchAlways, 0)
	fc.patchHere(branchToElse)
	if err := fc.compileStatements(st.Else); err != nil {
		return err
	}
	fc.patchHere(branchToEnd)
	return nil
}

func (fc *funcCompiler) patchHere(branchIdx int) {
	target := fc.chunk.Here()
	fc.chunk.PatchBranch(branchIdx, target-(branchIdx+1))
}

// compileExpr lowers e to code leaving exactly one value on the stack
// (spec.md §4.5).
func (fc *funcCompiler) compileExpr(e ast.Expression) error {
	switch ex := e.(type) {
	case *ast.IntegerLiteral:
		fc.chunk.EmitPushInteger(ex.Value)
		return nil
	case *ast.FloatLiteral:
		fc.chunk.EmitPushDouble(ex.Value)
		return nil
	case *ast.StringLiteral:
		fc.chunk.EmitPushString(ex.Value)
		return nil
	case *ast.NilLiteral:
		fc.chunk.EmitPushNil()
		return nil
	case *ast.LocalRef:
		return errors.New("compiler: bare local references require a known scope slot; use a call's local binding")
	case *ast.Identifier:
		return fc.compileIdentifier(ex)
	case *ast.BinaryExpr:
		return fc.compileBinary(ex)
	case *ast.CallExpr:
		_, err := fc.compileCall(ex)
		return err
	default:
		return errors.Errorf("compiler: unknown expression type %T", e)
	}
}

func (fc *funcCompiler) compileIdentifier(id *ast.Identifier) error {
	fc.chunk.EmitPushGlobal(id.Name)
	k, err := fc.emitSelectors(id.Selectors)
	if err != nil {
		return err
	}
	if k > 0 {
		fc.chunk.EmitFilter(k)
	}
	if id.Field != "" {
		fc.chunk.EmitPushString(id.Field)
		fc.chunk.EmitGetField()
	}
	return nil
}

// compileBinary implements spec.md §4.5's relational and short-circuit
// boolean lowering.
func (fc *funcCompiler) compileBinary(b *ast.BinaryExpr) error {
	switch b.Op {
	case ast.BinOr:
		return fc.compileOr(b)
	case ast.BinAnd:
		return fc.compileAnd(b)
	default:
		if err := fc.compileExpr(b.Right); err != nil {
			return err
		}
		if err := fc.compileExpr(b.Left); err != nil {
			return err
		}
		fc.chunk.EmitCmp(relOpFromBin(b.Op))
		return nil
	}
}

func relOpFromBin(op ast.BinOp) bytecode.CmpOp {
	switch op {
	case ast.BinEQ:
		return bytecode.CmpEQ
	case ast.BinNE:
		return bytecode.CmpNE
	case ast.BinLT:
		return bytecode.CmpLT
	case ast.BinLE:
		return bytecode.CmpLE
	case ast.BinGT:
		return bytecode.CmpGT
	case ast.BinGE:
		return bytecode.CmpGE
	default:
		return bytecode.CmpEQ
	}
}

// compileOr lowers `a || b`: evaluate a, short-circuit to "push 1" if true;
// else evaluate b, short-circuit to "push 1" if true; else push 0.
func (fc *funcCompiler) compileOr(b *ast.BinaryExpr) error {
	if err := fc.compileExpr(b.Left); err != nil {
		return err
	}
	toTrue1 := fc.chunk.EmitBranch(bytecode.BranchNE, 0)
	if err := fc.compileExpr(b.Right); err != nil {
		return err
	}
	toTrue2 := fc.chunk.EmitBranch(bytecode.BranchNE, 0)
	fc.chunk.EmitPushInteger(0)
	toEnd := fc.chunk.EmitBranch(bytecode.BranchAlways, 0)

	fc.patchHere(toTrue1)
	fc.patchHere(toTrue2)
	fc.chunk.EmitPushInteger(1)

	fc.patchHere(toEnd)
	return nil
}

// compileAnd lowers `a && b`: short-circuit to "push 0" if either arg is
// false; else push 1.
func (fc *funcCompiler) compileAnd(b *ast.BinaryExpr) error {
	if err := fc.compileExpr(b.Left); err != nil {
		return err
	}
	toFalse1 := fc.chunk.EmitBranch(bytecode.BranchEQ, 0)
	if err := fc.compileExpr(b.Right); err != nil {
		return err
	}
	toFalse2 := fc.chunk.EmitBranch(bytecode.BranchEQ, 0)
	fc.chunk.EmitPushInteger(1)
	toEnd := fc.chunk.EmitBranch(bytecode.BranchAlways, 0)

	fc.patchHere(toFalse1)
	fc.patchHere(toFalse2)
	fc.chunk.EmitPushInteger(0)

	fc.patchHere(toEnd)
	return nil
}

// compileCall lowers a call expression (spec.md §4.5 "call"): args
// left-to-right, then any declared locals as (value,id) pairs bracketed by
// PUSH LOCAL/POP LOCALS, then the method id, then CALL narg.
func (fc *funcCompiler) compileCall(call *ast.CallExpr) (int, error) {
	for _, arg := range call.Args {
		if err := fc.compileExpr(arg); err != nil {
			return 0, err
		}
	}

	n := len(call.Locals)
	for slot, lb := range call.Locals {
		if err := fc.compileExpr(lb.Value); err != nil {
			return 0, err
		}
		fc.chunk.EmitPushInteger(int64(slot))
		fc.vars.AddDresVar(lb.Name)
	}
	if n > 0 {
		fc.chunk.EmitPushLocal(n)
	}

	id := fc.methods.EnsureID(call.Method)
	fc.chunk.EmitPushInteger(int64(id))
	fc.chunk.EmitCall(len(call.Args))

	if n > 0 {
		fc.chunk.EmitPopLocals()
	}
	return id, nil
}
