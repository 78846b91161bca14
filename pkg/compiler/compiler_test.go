package compiler

import (
	"testing"

	"github.com/opendres/dres/pkg/ast"
	"github.com/opendres/dres/pkg/bytecode"
	"github.com/opendres/dres/pkg/method"
	"github.com/opendres/dres/pkg/vars"
)

func newCompiler() *Compiler {
	return New(vars.New(), method.New())
}

func mustCompile(t *testing.T, target *ast.Target) *bytecode.Chunk {
	t.Helper()
	chunk, err := newCompiler().Compile(target)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return chunk
}

func lastOp(c *bytecode.Chunk) bytecode.Op {
	inst := bytecode.Decode(c.Code, len(c.Code)-1)
	return inst.Op
}

func TestCompileFullAssign(t *testing.T) {
	target := &ast.Target{
		Name: "com.example.policy",
		Statements: []ast.Statement{
			&ast.AssignStmt{
				Target: &ast.Identifier{
					Name: "node",
					Selectors: []ast.Selector{
						{Field: "state", Op: ast.OpEQ, Value: &ast.StringLiteral{Value: "idle"}},
					},
				},
				Value: &ast.StringLiteral{Value: "busy"},
			},
		},
	}
	chunk := mustCompile(t, target)

	var ops []bytecode.Op
	for pc := 0; pc < len(chunk.Code); {
		inst := bytecode.Decode(chunk.Code, pc)
		ops = append(ops, inst.Op)
		pc += inst.Size
	}
	want := []bytecode.Op{
		bytecode.OpPush, // src value
		bytecode.OpPush, // dest global
		bytecode.OpPush, // selector value
		bytecode.OpPush, // selector op int
		bytecode.OpPush, // selector field string
		bytecode.OpFilter,
		bytecode.OpSet,
		bytecode.OpHalt,
	}
	if len(ops) != len(want) {
		t.Fatalf("op count = %d, want %d (%v)", len(ops), len(want), ops)
	}
	for i, op := range ops {
		if op != want[i] {
			t.Errorf("op[%d] = %s, want %s", i, op, want[i])
		}
	}
}

func TestCompilePartialUpdateRequiresUpdateSelector(t *testing.T) {
	target := &ast.Target{
		Name: "t",
		Statements: []ast.Statement{
			&ast.AssignStmt{
				Target:  &ast.Identifier{Name: "node"},
				Value:   &ast.IntegerLiteral{Value: 1},
				Partial: true,
			},
		},
	}
	if _, err := newCompiler().Compile(target); err == nil {
		t.Fatal("expected error for partial assign with no update selector")
	}
}

func TestCompileCallStatementEmitsPopDiscard(t *testing.T) {
	target := &ast.Target{
		Name: "t",
		Statements: []ast.Statement{
			&ast.CallStmt{Call: &ast.CallExpr{
				Method: "echo",
				Args:   []ast.Expression{&ast.StringLiteral{Value: "hi"}},
			}},
		},
	}
	chunk := mustCompile(t, target)
	// PUSH string, PUSH method-id, CALL, POP, HALT
	inst := bytecode.Decode(chunk.Code, len(chunk.Code)-2)
	if inst.Op != bytecode.OpPop {
		t.Fatalf("expected POP before HALT, got %s", inst.Op)
	}
}

func TestCompileCallWithLocalsBracketsPushPop(t *testing.T) {
	target := &ast.Target{
		Name: "t",
		Statements: []ast.Statement{
			&ast.CallStmt{Call: &ast.CallExpr{
				Method: "dres",
				Args:   []ast.Expression{&ast.StringLiteral{Value: "other.goal"}},
				Locals: []ast.LocalBinding{
					{Name: "x", Value: &ast.IntegerLiteral{Value: 42}},
				},
			}},
		},
	}
	chunk := mustCompile(t, target)

	foundPushLocal, foundPopLocals := false, false
	for pc := 0; pc < len(chunk.Code); {
		inst := bytecode.Decode(chunk.Code, pc)
		if inst.Op == bytecode.OpPush && bytecode.PushKind(inst.Arg>>16) == bytecode.PushLocal {
			foundPushLocal = true
		}
		if inst.Op == bytecode.OpPop && bytecode.PopMode(inst.Arg) == bytecode.PopLocals {
			foundPopLocals = true
		}
		pc += inst.Size
	}
	if !foundPushLocal || !foundPopLocals {
		t.Fatalf("expected PUSH LOCAL and POP LOCALS, got push=%v pop=%v", foundPushLocal, foundPopLocals)
	}
}

func TestCompileIfElseBranchesPatched(t *testing.T) {
	target := &ast.Target{
		Name: "t",
		Statements: []ast.Statement{
			&ast.IfStmt{
				Cond: &ast.BinaryExpr{
					Op:    ast.BinEQ,
					Left:  &ast.IntegerLiteral{Value: 1},
					Right: &ast.IntegerLiteral{Value: 1},
				},
				Then: []ast.Statement{
					&ast.AssignStmt{
						Target: &ast.Identifier{Name: "a"},
						Value:  &ast.IntegerLiteral{Value: 1},
					},
				},
				Else: []ast.Statement{
					&ast.AssignStmt{
						Target: &ast.Identifier{Name: "a"},
						Value:  &ast.IntegerLiteral{Value: 0},
					},
				},
			},
		},
	}
	chunk := mustCompile(t, target)

	var branches []bytecode.Instruction
	for pc := 0; pc < len(chunk.Code); {
		inst := bytecode.Decode(chunk.Code, pc)
		if inst.Op == bytecode.OpBranch {
			branches = append(branches, inst)
		}
		pc += inst.Size
	}
	if len(branches) != 2 {
		t.Fatalf("expected 2 branches (to-else, to-end), got %d", len(branches))
	}
	cond, disp := bytecode.DecodeBranch(branches[0].Arg)
	if cond != bytecode.BranchEQ {
		t.Errorf("first branch cond = %s, want EQ", cond)
	}
	if disp <= 0 {
		t.Errorf("first branch displacement = %d, want > 0 (jumps forward past then-block)", disp)
	}
	cond2, disp2 := bytecode.DecodeBranch(branches[1].Arg)
	if cond2 != bytecode.BranchAlways {
		t.Errorf("second branch cond = %s, want Always", cond2)
	}
	if disp2 <= 0 {
		t.Errorf("second branch displacement = %d, want > 0 (jumps past else-block)", disp2)
	}
}

func TestCompileIfWithoutElse(t *testing.T) {
	target := &ast.Target{
		Name: "t",
		Statements: []ast.Statement{
			&ast.IfStmt{
				Cond: &ast.IntegerLiteral{Value: 1},
				Then: []ast.Statement{
					&ast.AssignStmt{
						Target: &ast.Identifier{Name: "a"},
						Value:  &ast.IntegerLiteral{Value: 1},
					},
				},
			},
		},
	}
	chunk := mustCompile(t, target)
	if lastOp(chunk) != bytecode.OpHalt {
		t.Fatalf("expected HALT at end, got %s", lastOp(chunk))
	}
}

func TestCompileOrShortCircuit(t *testing.T) {
	target := &ast.Target{
		Name: "t",
		Statements: []ast.Statement{
			&ast.CallStmt{Call: &ast.CallExpr{
				Method: "echo",
				Args: []ast.Expression{
					&ast.BinaryExpr{
						Op:    ast.BinOr,
						Left:  &ast.IntegerLiteral{Value: 0},
						Right: &ast.IntegerLiteral{Value: 1},
					},
				},
			}},
		},
	}
	chunk := mustCompile(t, target)
	count := 0
	for pc := 0; pc < len(chunk.Code); {
		inst := bytecode.Decode(chunk.Code, pc)
		if inst.Op == bytecode.OpBranch {
			count++
		}
		pc += inst.Size
	}
	if count != 3 {
		t.Fatalf("expected 3 branches for || short-circuit, got %d", count)
	}
}

func TestCompileGetField(t *testing.T) {
	target := &ast.Target{
		Name: "t",
		Statements: []ast.Statement{
			&ast.CallStmt{Call: &ast.CallExpr{
				Method: "echo",
				Args: []ast.Expression{
					&ast.Identifier{Name: "node", Field: "state"},
				},
			}},
		},
	}
	chunk := mustCompile(t, target)
	found := false
	for pc := 0; pc < len(chunk.Code); {
		inst := bytecode.Decode(chunk.Code, pc)
		if inst.Op == bytecode.OpGet {
			found = true
		}
		pc += inst.Size
	}
	if !found {
		t.Fatal("expected a GET instruction for field access")
	}
}

func TestCompileUnknownStatementType(t *testing.T) {
	target := &ast.Target{Name: "t", Statements: []ast.Statement{bogusStatement{}}}
	if _, err := newCompiler().Compile(target); err == nil {
		t.Fatal("expected error for unknown statement type")
	}
}

type bogusStatement struct{}

func (bogusStatement) TokenLiteral() string { return "" }
func (bogusStatement) statementNode()       {}
