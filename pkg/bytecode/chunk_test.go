package bytecode

import "testing"

func TestPushIntegerFastForm(t *testing.T) {
	c := New()
	c.EmitPushInteger(41)
	inst := Decode(c.Code, 0)
	if inst.Size != 1 {
		t.Fatalf("expected fast form to take 1 word, got %d", inst.Size)
	}
	got := PushInt(uint16(inst.Arg))
	if got != 41 {
		t.Fatalf("got %d, want 41", got)
	}
}

func TestPushIntegerAbsoluteForm(t *testing.T) {
	c := New()
	c.EmitPushInteger(1 << 20)
	inst := Decode(c.Code, 0)
	if inst.Size != 2 {
		t.Fatalf("expected absolute form to take 2 words, got %d", inst.Size)
	}
	if int32(inst.Ext[0]) != 1<<20 {
		t.Fatalf("got %d, want %d", int32(inst.Ext[0]), 1<<20)
	}
}

func TestPushDoubleRoundTrip(t *testing.T) {
	c := New()
	c.EmitPushDouble(3.5)
	inst := Decode(c.Code, 0)
	if got := PushDoubleValue(inst.Ext); got != 3.5 {
		t.Fatalf("got %g, want 3.5", got)
	}
}

func TestPushStringInterning(t *testing.T) {
	c := New()
	c.EmitPushString("apple")
	c.EmitPushString("apple")
	inst1 := Decode(c.Code, 0)
	inst2 := Decode(c.Code, inst1.Size)
	if inst1.Ext[0] != inst2.Ext[0] {
		t.Fatalf("expected the same string to intern to one pool slot")
	}
}

func TestUpdateArgRoundTrip(t *testing.T) {
	c := New()
	c.EmitUpdate(3, true)
	inst := Decode(c.Code, 0)
	n, partial := DecodeUpdate(inst.Arg)
	if n != 3 || !partial {
		t.Fatalf("got n=%d partial=%v, want n=3 partial=true", n, partial)
	}
}

func TestBranchPatchPreservesCond(t *testing.T) {
	c := New()
	idx := c.EmitBranch(BranchNE, 0)
	c.PatchBranch(idx, 7)
	inst := Decode(c.Code, idx)
	cond, disp := DecodeBranch(inst.Arg)
	if cond != BranchNE || disp != 7 {
		t.Fatalf("got cond=%v disp=%d, want NE 7", cond, disp)
	}
}

func TestBranchNegativeDisplacement(t *testing.T) {
	c := New()
	idx := c.EmitBranch(BranchAlways, -5)
	inst := Decode(c.Code, idx)
	_, disp := DecodeBranch(inst.Arg)
	if disp != -5 {
		t.Fatalf("got disp=%d, want -5", disp)
	}
}

func TestGetLocalRoundTrip(t *testing.T) {
	c := New()
	c.EmitGetLocal(12)
	inst := Decode(c.Code, 0)
	mode, idx := DecodeGet(inst.Arg)
	if mode != GetLocal || idx != 12 {
		t.Fatalf("got mode=%v idx=%d, want LOCAL 12", mode, idx)
	}
}

func TestDisassembleNonEmpty(t *testing.T) {
	c := New()
	c.EmitPushGlobal("flag")
	c.EmitPushInteger(1)
	c.EmitCmp(CmpEQ)
	c.EmitHalt()
	out := Disassemble(c)
	if out == "" {
		t.Fatal("expected non-empty disassembly")
	}
}
