package vm

import (
	"testing"

	"github.com/opendres/dres/pkg/bytecode"
	"github.com/opendres/dres/pkg/fact/memstore"
	"github.com/opendres/dres/pkg/method"
)

func newTestVM() (*VM, *bytecode.Chunk) {
	store := memstore.New()
	methods := method.New()
	return New(methods, store), bytecode.New()
}

func TestRunPushHalt(t *testing.T) {
	m, c := newTestVM()
	c.EmitPushInteger(41)
	c.EmitHalt()
	if err := m.Run(c, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.Stack().Depth() != 1 {
		t.Fatalf("expected one value left on stack, got depth %d", m.Stack().Depth())
	}
	if got := m.Stack().Pop(); got.Int != 41 {
		t.Fatalf("got %d, want 41", got.Int)
	}
}

func TestRunCreateAndSetNamed(t *testing.T) {
	m, c := newTestVM()
	c.EmitPushInteger(1)
	c.EmitPushString("count")
	c.EmitCreate(1)
	c.EmitPushGlobal("x")
	c.EmitSet()
	c.EmitHalt()
	if err := m.Run(c, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	facts := m.Store().Lookup("x")
	if len(facts) != 1 {
		t.Fatalf("expected one fact named x, got %d", len(facts))
	}
	v, ok := facts[0].Get("count")
	if !ok || v.Int != 1 {
		t.Fatalf("expected count=1, got %+v ok=%v", v, ok)
	}
}

func TestRunCmpAndBranch(t *testing.T) {
	m, c := newTestVM()
	c.EmitPushInteger(1)
	c.EmitPushInteger(1)
	c.EmitCmp(bytecode.CmpEQ)
	idx := c.EmitBranch(bytecode.BranchEQ, 0)
	c.EmitPushInteger(7)
	thenEnd := c.Here()
	c.EmitHalt()
	c.PatchBranch(idx, thenEnd-(idx+1))

	if err := m.Run(c, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.Stack().Depth() != 0 {
		t.Fatalf("expected branch to skip the push, depth=%d", m.Stack().Depth())
	}
}

func TestRunStackUnderflowFault(t *testing.T) {
	m, c := newTestVM()
	c.EmitPopDiscard()
	c.EmitHalt()
	err := m.Run(c, nil)
	if err == nil {
		t.Fatal("expected an underflow fault")
	}
	if StatusFromError(err) != -int(ErrStackUnderflow) {
		t.Fatalf("unexpected status %d", StatusFromError(err))
	}
}
