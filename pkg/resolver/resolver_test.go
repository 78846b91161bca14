package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendres/dres/pkg/ast"
	"github.com/opendres/dres/pkg/dlog"
	"github.com/opendres/dres/pkg/fact/memstore"
	"github.com/opendres/dres/pkg/method"
	"github.com/opendres/dres/pkg/value"
)

func newTestPolicy(t *testing.T) *Policy {
	t.Helper()
	return New("", memstore.New(), dlog.New(nil))
}

// installCounter registers a method that records one invocation per call
// under name, for targets whose body is just `call "mark"(name)`.
func installCounter(t *testing.T, p *Policy) *map[string]int {
	t.Helper()
	counts := make(map[string]int)
	_, err := p.RegisterHandler("mark", func(ctx method.Context, args []value.Value) (value.Value, int) {
		if len(args) > 0 && args[0].Kind == value.String {
			counts[args[0].Str]++
		}
		return value.Int64(1), 1
	})
	require.NoError(t, err)
	return &counts
}

func markCall(name string) ast.Statement {
	return &ast.CallStmt{Call: &ast.CallExpr{
		Method: "mark",
		Args:   []ast.Expression{&ast.StringLiteral{Value: name}},
	}}
}

// TestNeedsUpdateRunsLeafDependencyOnFirstReach exercises the scenario that
// exposed needsUpdate's empty-prereq-set gap: target b depends on target a,
// and a itself has no prerequisites of its own. a is never the goal of an
// update_goal call, only ever reached through b's dependency list, so it
// must still execute the first time it is reached and must not re-execute
// on a second update_goal with nothing changed.
func TestNeedsUpdateRunsLeafDependencyOnFirstReach(t *testing.T) {
	p := newTestPolicy(t)
	counts := installCounter(t, p)

	a := p.DeclareTarget("a")
	b := p.DeclareTarget("b")
	p.AddPrereq(b, a)
	p.SetStatements(a, []ast.Statement{markCall("a")})
	p.SetStatements(b, []ast.Statement{markCall("b")})

	require.NoError(t, p.Finalize())

	status, err := p.UpdateGoal("b", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, status)
	assert.Equal(t, 1, (*counts)["a"])
	assert.Equal(t, 1, (*counts)["b"])

	status, err = p.UpdateGoal("b", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, status)
	assert.Equal(t, 1, (*counts)["a"], "a must not re-run when nothing changed")
	assert.Equal(t, 1, (*counts)["b"], "b must not re-run when nothing changed")
}

// TestUpdateGoalGoalTargetAlwaysReexecutes confirms the direct-goal case
// deliberately differs from the dependency case: a goal with no
// prerequisites of its own reruns unconditionally every update_goal call
// (spec.md §4.6 step 6), unlike the dependency-reached case above.
func TestUpdateGoalGoalTargetAlwaysReexecutes(t *testing.T) {
	p := newTestPolicy(t)
	counts := installCounter(t, p)

	a := p.DeclareTarget("a")
	p.SetStatements(a, []ast.Statement{markCall("a")})
	require.NoError(t, p.Finalize())

	for i := 1; i <= 3; i++ {
		status, err := p.UpdateGoal("a", nil)
		require.NoError(t, err)
		assert.Equal(t, 1, status)
		assert.Equal(t, i, (*counts)["a"])
	}
}

// TestCheckTargetReexecutesWhenPrereqStampAdvances confirms the ordinary
// staleness path still works once a leaf has already run once: touching a's
// underlying fact-variable makes b's dependency on a stale again.
func TestCheckTargetReexecutesWhenPrereqStampAdvances(t *testing.T) {
	p := newTestPolicy(t)
	counts := installCounter(t, p)

	fv := p.Vars.AddFactVar("thing")
	a := p.DeclareTarget("a")
	b := p.DeclareTarget("b")
	p.AddPrereq(a, fv)
	p.AddPrereq(b, a)
	p.SetStatements(a, []ast.Statement{markCall("a")})
	p.SetStatements(b, []ast.Statement{markCall("b")})
	require.NoError(t, p.Finalize())

	_, err := p.UpdateGoal("b", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, (*counts)["a"])

	_, err = p.UpdateGoal("b", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, (*counts)["a"], "no store mutation, a stays stamped")

	p.Store.Create("thing")
	_, err = p.UpdateGoal("b", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, (*counts)["a"], "touching thing's fact makes a stale again")
}

// TestFinalizeDetectsCycle confirms a prerequisite cycle restricted to
// target nodes is rejected at Finalize, never at update_goal time
// (spec.md §8 "Cycle detection").
func TestFinalizeDetectsCycle(t *testing.T) {
	p := newTestPolicy(t)
	x := p.DeclareTarget("x")
	y := p.DeclareTarget("y")
	p.AddPrereq(x, y)
	p.AddPrereq(y, x)

	err := p.Finalize()
	require.Error(t, err)
	assert.False(t, p.Finalized())
}

// TestUpdateGoalRollsBackOnFailure confirms that when a goal's body fails
// (status <= 0), neither the target's own stamp nor any fact mutation made
// during the attempt survives (spec.md §3 "Stamp discipline": "on rollback
// it is restored", and §4.6 step 8).
func TestUpdateGoalRollsBackOnFailure(t *testing.T) {
	p := newTestPolicy(t)

	a := p.DeclareTarget("a")
	p.SetStatements(a, []ast.Statement{
		&ast.CallStmt{Call: &ast.CallExpr{
			Method: "fact",
			Args:   []ast.Expression{&ast.StringLiteral{Value: "thing"}},
		}},
		&ast.CallStmt{Call: &ast.CallExpr{Method: "fail"}},
	})
	require.NoError(t, p.Finalize())

	status, _ := p.UpdateGoal("a", nil)
	assert.LessOrEqual(t, status, 0)
	assert.Equal(t, int64(0), p.target(a).Stamp, "a failed, its stamp must not be bumped")
	assert.Empty(t, p.Store.Lookup("thing"), "fact created during the failed attempt must be rolled back")
}

// TestUpdateGoalUnknownGoal confirms an unknown goal name is rejected
// without panicking.
func TestUpdateGoalUnknownGoal(t *testing.T) {
	p := newTestPolicy(t)
	require.NoError(t, p.Finalize())

	status, err := p.UpdateGoal("nosuch", nil)
	require.Error(t, err)
	assert.Equal(t, 0, status)
}

// TestLoadProgramResolvesPrereqsAgainstTargetsThenFactVars confirms a bare
// prereq name is bound to an existing target first, and only auto-declared
// as a fact-variable when no target of that name exists (spec.md glossary,
// Target vs. Fact-variable as parallel prereq-set members).
func TestLoadProgramResolvesPrereqsAgainstTargetsThenFactVars(t *testing.T) {
	p := newTestPolicy(t)
	prog := &ast.Program{Targets: []*ast.Target{
		{Name: "a", Statements: nil},
		{Name: "b", Prereqs: []string{"a", "somevar"}, Statements: nil},
	}}
	require.NoError(t, p.LoadProgram(prog))

	bID, ok := p.LookupTarget("b")
	require.True(t, ok)
	prereqs := p.target(bID).Prereqs

	aID, _ := p.LookupTarget("a")
	assert.True(t, prereqs.Contains(aID))

	varID, ok := p.Vars.Lookup("somevar")
	require.True(t, ok)
	assert.True(t, prereqs.Contains(varID))
}
