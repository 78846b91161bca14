package vm

import (
	"github.com/opendres/dres/pkg/bytecode"
	"github.com/opendres/dres/pkg/fact"
	"github.com/opendres/dres/pkg/value"
)

func (vm *VM) execPush(inst bytecode.Instruction) error {
	kind := bytecode.PushKind(inst.Arg >> 16)
	switch kind {
	case bytecode.PushInteger:
		if uint16(inst.Arg) == 0xFFFF {
			vm.stack.Push(value.Int64(int64(int32(inst.Ext[0]))))
		} else {
			vm.stack.Push(value.Int64(bytecode.PushInt(uint16(inst.Arg))))
		}
	case bytecode.PushDouble:
		vm.stack.Push(value.Float64(bytecode.PushDoubleValue(inst.Ext)))
	case bytecode.PushString:
		vm.stack.Push(value.Str(vm.chunk.Strings[inst.Ext[0]]))
	case bytecode.PushGlobal:
		name := vm.chunk.Strings[inst.Ext[0]]
		vm.stack.Push(vm.pushGlobal(name))
	case bytecode.PushNil:
		vm.stack.Push(value.NilValue)
	case bytecode.PushLocal:
		n := int(uint16(inst.Arg))
		if vm.stack.Depth() < 2*n {
			return vm.raise(ErrStackUnderflow, "PUSH LOCAL: not enough operands")
		}
		vm.scope = value.NewScope(vm.scope, n)
		for i := 0; i < n; i++ {
			id := vm.stack.Pop()
			val := vm.stack.Pop()
			if id.Kind != value.Integer {
				return vm.raise(ErrTypeMismatch, "PUSH LOCAL: local id must be an integer")
			}
			if val.Kind == value.Global {
				return vm.raise(ErrTypeMismatch, "PUSH LOCAL: a local cannot hold a factset")
			}
			vm.scope.Set(int(id.Int), val)
		}
	default:
		return vm.raise(ErrBadOpcode, "unknown PUSH sub-kind %d", kind)
	}
	return nil
}

// pushGlobal resolves name in the fact store (spec.md §4.2, "PUSH GLOBAL
// name"): populated handle if any facts currently match, name-only handle
// otherwise.
func (vm *VM) pushGlobal(name string) value.Value {
	facts := vm.store.Lookup(name)
	if len(facts) == 0 {
		return value.Value{Kind: value.Global, Glob: value.GlobalHandle{
			Name: name, Kind: value.GlobalName,
		}}
	}
	refs := make([]value.FactRef, len(facts))
	for i, f := range facts {
		refs[i] = value.FactRef{Fact: f}
	}
	return value.Value{Kind: value.Global, Glob: value.GlobalHandle{
		Name: name, Kind: value.GlobalFacts, Facts: refs,
	}}
}

func (vm *VM) execPop(mode bytecode.PopMode) error {
	switch mode {
	case bytecode.PopLocals:
		if vm.scope == nil {
			return vm.raise(ErrStackUnderflow, "POP LOCALS: no scope frame to pop")
		}
		vm.scope = vm.scope.Parent
	case bytecode.PopDiscard:
		if vm.stack.Depth() == 0 {
			return vm.raise(ErrStackUnderflow, "POP DISCARD: stack is empty")
		}
		v := vm.stack.Pop()
		releaseIfGlobal(v)
	}
	return nil
}

func releaseIfGlobal(v value.Value) {
	if v.Kind == value.Global {
		v.Glob.Release()
	}
}

func factsOf(g value.Value) []*fact.Fact {
	switch g.Glob.Kind {
	case value.GlobalFacts:
		out := make([]*fact.Fact, len(g.Glob.Facts))
		for i, r := range g.Glob.Facts {
			out[i] = r.Fact.(*fact.Fact)
		}
		return out
	case value.GlobalOrphan:
		return []*fact.Fact{g.Glob.Orphan.Fact.(*fact.Fact)}
	default:
		return nil
	}
}

func singleFact(g value.Value) (*fact.Fact, bool) {
	switch g.Glob.Kind {
	case value.GlobalOrphan:
		return g.Glob.Orphan.Fact.(*fact.Fact), true
	case value.GlobalFacts:
		if len(g.Glob.Facts) == 1 {
			return g.Glob.Facts[0].Fact.(*fact.Fact), true
		}
	}
	return nil, false
}

func fieldMatches(f *fact.Fact, name string, op bytecode.CmpOp, want value.Value) bool {
	got, ok := f.Get(name)
	if !ok {
		return false
	}
	var lhs value.Value
	switch got.Kind {
	case fact.FieldInt:
		lhs = value.Int64(got.Int)
	case fact.FieldDouble:
		lhs = value.Float64(got.Double)
	default:
		lhs = value.Str(got.Str)
	}
	res, ok := compareValues(lhs, want, op)
	return ok && res
}

// execFilter implements FILTER n (spec.md §4.2): pops n (value, op,
// field-name) triples and the factset below them, retaining in place only
// the facts matching every triple.
func (vm *VM) execFilter(n int) error {
	type cond struct {
		field string
		op    bytecode.CmpOp
		val   value.Value
	}
	conds := make([]cond, n)
	for i := n - 1; i >= 0; i-- {
		if vm.stack.Depth() < 3 {
			return vm.raise(ErrStackUnderflow, "FILTER: not enough operands")
		}
		field := vm.stack.Pop()
		op := vm.stack.Pop()
		val := vm.stack.Pop()
		if field.Kind != value.String || op.Kind != value.Integer {
			return vm.raise(ErrTypeMismatch, "FILTER: malformed condition triple")
		}
		conds[i] = cond{field: field.Str, op: bytecode.CmpOp(op.Int), val: val}
	}
	if vm.stack.Depth() == 0 {
		return vm.raise(ErrStackUnderflow, "FILTER: missing factset operand")
	}
	g := vm.stack.Pop()
	if g.Kind != value.Global {
		return vm.raise(ErrTypeMismatch, "FILTER: operand is not a factset")
	}

	var kept []value.FactRef
	for _, r := range g.Glob.Facts {
		f := r.Fact.(*fact.Fact)
		ok := true
		for _, c := range conds {
			if !fieldMatches(f, c.field, c.op, c.val) {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, r)
		}
	}
	releaseIfGlobal(g)
	vm.stack.Push(value.Value{Kind: value.Global, Glob: value.GlobalHandle{
		Name: g.Glob.Name, Kind: value.GlobalFacts, Facts: kept,
	}})
	return nil
}

// execUpdate implements UPDATE n partial (spec.md §4.2 and the expanded
// spec's open-question resolution #1: both modes write every field the
// source fact names, through the store's CopyFields so the write can be
// rolled back; partial mode sets CopyFields' merge flag, and Fact.Set's own
// no-op-on-unchanged-value guard already gives full mode the same "only
// write what differs" outcome). In either mode every source fact must match
// at least one destination fact, or UPDATE raises ErrNoEnt.
func (vm *VM) execUpdate(n int, partial bool) error {
	if vm.stack.Depth() < n+2 {
		return vm.raise(ErrStackUnderflow, "UPDATE: not enough operands")
	}
	fields := make([]string, n)
	for i := n - 1; i >= 0; i-- {
		f := vm.stack.Pop()
		if f.Kind != value.String {
			return vm.raise(ErrTypeMismatch, "UPDATE: field name must be a string")
		}
		fields[i] = f.Str
	}
	dest := vm.stack.Pop()
	src := vm.stack.Pop()
	if dest.Kind != value.Global || src.Kind != value.Global {
		return vm.raise(ErrTypeMismatch, "UPDATE: operands must be factsets")
	}

	destFacts := vm.resolveDestFacts(dest)
	allMatched := true
	for _, sf := range factsOf(src) {
		matchVals := make(map[string]fact.Field, len(fields))
		for _, fname := range fields {
			v, ok := sf.Get(fname)
			if !ok {
				return vm.raise(ErrNoSuchField, "UPDATE: source fact missing field %q", fname)
			}
			matchVals[fname] = v
		}
		names := make([]string, len(sf.Fields))
		for j, fl := range sf.Fields {
			names[j] = fl.Name
		}
		srcMatched := false
		for _, df := range destFacts {
			matched := true
			for fname, want := range matchVals {
				got, ok := df.Get(fname)
				if !ok || got != want {
					matched = false
					break
				}
			}
			if !matched {
				continue
			}
			srcMatched = true
			if err := vm.store.CopyFields(df, sf, names, partial); err != nil {
				return vm.raise(ErrNoSuchField, "UPDATE: %v", err)
			}
		}
		if !srcMatched {
			allMatched = false
			break
		}
	}
	releaseIfGlobal(dest)
	releaseIfGlobal(src)
	if !allMatched {
		return vm.raise(ErrNoEnt, "UPDATE: a source fact matched no destination fact")
	}
	return nil
}

func (vm *VM) resolveDestFacts(dest value.Value) []*fact.Fact {
	if dest.Glob.Kind == value.GlobalName {
		return vm.store.Lookup(dest.Glob.Name)
	}
	return factsOf(dest)
}

// execCreate implements CREATE n (spec.md §4.2): pops n (value, field-name)
// pairs and pushes a fresh orphan factset.
func (vm *VM) execCreate(n int) error {
	if vm.stack.Depth() < 2*n {
		return vm.raise(ErrStackUnderflow, "CREATE: not enough operands")
	}
	fields := make([]fact.Field, n)
	for i := n - 1; i >= 0; i-- {
		fname := vm.stack.Pop()
		val := vm.stack.Pop()
		if fname.Kind != value.String {
			return vm.raise(ErrTypeMismatch, "CREATE: field name must be a string")
		}
		fields[i] = toField(fname.Str, val)
	}
	orphan := &fact.Fact{Fields: fields}
	vm.stack.Push(value.Value{Kind: value.Global, Glob: value.GlobalHandle{
		Kind:   value.GlobalOrphan,
		Orphan: &value.FactRef{Fact: orphan},
	}})
	return nil
}

func toField(name string, v value.Value) fact.Field {
	switch v.Kind {
	case value.Integer:
		return fact.Field{Name: name, Kind: fact.FieldInt, Int: v.Int}
	case value.Double:
		return fact.Field{Name: name, Kind: fact.FieldDouble, Double: v.Double}
	default:
		return fact.Field{Name: name, Kind: fact.FieldString, Str: v.Str}
	}
}

// execSet implements SET and SET FIELD (spec.md §4.2).
func (vm *VM) execSet(mode bytecode.SetMode) error {
	if mode == bytecode.SetField {
		return vm.execSetField()
	}

	if vm.stack.Depth() < 2 {
		return vm.raise(ErrStackUnderflow, "SET: not enough operands")
	}
	dest := vm.stack.Pop()
	src := vm.stack.Pop()
	defer releaseIfGlobal(dest)
	defer releaseIfGlobal(src)

	if dest.Kind != value.Global || src.Kind != value.Global {
		return vm.raise(ErrTypeMismatch, "SET: operands must be factsets")
	}

	switch {
	case dest.Glob.Kind == value.GlobalName && src.Glob.Kind == value.GlobalOrphan:
		vm.store.Duplicate(src.Glob.Orphan.Fact.(*fact.Fact), dest.Glob.Name)
		return nil
	case dest.Glob.Kind == value.GlobalName && src.Glob.Kind == value.GlobalFacts:
		for _, r := range src.Glob.Facts {
			vm.store.Duplicate(r.Fact.(*fact.Fact), dest.Glob.Name)
		}
		return nil
	case dest.Glob.Kind == value.GlobalFacts && src.Glob.Kind == value.GlobalFacts:
		if len(dest.Glob.Facts) != len(src.Glob.Facts) {
			return vm.raise(ErrArity, "SET: destination has %d facts, source has %d",
				len(dest.Glob.Facts), len(src.Glob.Facts))
		}
		for i := range dest.Glob.Facts {
			df := dest.Glob.Facts[i].Fact.(*fact.Fact)
			sf := src.Glob.Facts[i].Fact.(*fact.Fact)
			names := make([]string, len(sf.Fields))
			for j, fl := range sf.Fields {
				names[j] = fl.Name
			}
			if err := vm.store.CopyFields(df, sf, names, false); err != nil {
				return vm.raise(ErrTypeMismatch, "SET: %v", err)
			}
		}
		return nil
	default:
		return vm.raise(ErrTypeMismatch, "SET: unsupported operand combination")
	}
}

func (vm *VM) execSetField() error {
	if vm.stack.Depth() < 3 {
		return vm.raise(ErrStackUnderflow, "SET FIELD: not enough operands")
	}
	fieldName := vm.stack.Pop()
	dest := vm.stack.Pop()
	val := vm.stack.Pop()
	defer releaseIfGlobal(dest)

	if fieldName.Kind != value.String || dest.Kind != value.Global {
		return vm.raise(ErrTypeMismatch, "SET FIELD: malformed operands")
	}
	f, ok := singleFact(dest)
	if !ok {
		return vm.raise(ErrTypeMismatch, "SET FIELD: destination is not a single fact")
	}
	field := toField(fieldName.Str, val)
	src := &fact.Fact{Name: f.Name, Fields: []fact.Field{field}}
	if err := vm.store.CopyFields(f, src, []string{field.Name}, false); err != nil {
		return vm.raise(ErrTypeMismatch, "SET FIELD: %v", err)
	}
	return nil
}

// execGet implements GET FIELD and GET LOCAL (spec.md §4.2).
func (vm *VM) execGet(arg uint32) error {
	mode, idx := bytecode.DecodeGet(arg)
	if mode == bytecode.GetLocal {
		if vm.scope == nil {
			vm.stack.Push(value.NilValue)
			return nil
		}
		vm.stack.Push(vm.scope.Get(idx))
		return nil
	}

	if vm.stack.Depth() < 2 {
		return vm.raise(ErrStackUnderflow, "GET FIELD: not enough operands")
	}
	fieldName := vm.stack.Pop()
	g := vm.stack.Pop()
	defer releaseIfGlobal(g)

	if fieldName.Kind != value.String || g.Kind != value.Global {
		return vm.raise(ErrTypeMismatch, "GET FIELD: malformed operands")
	}
	f, ok := singleFact(g)
	if !ok {
		return vm.raise(ErrTypeMismatch, "GET FIELD: operand is not a single fact")
	}
	fv, ok := f.Get(fieldName.Str)
	if !ok {
		return vm.raise(ErrNoSuchField, "GET FIELD: no field %q", fieldName.Str)
	}
	switch fv.Kind {
	case fact.FieldInt:
		vm.stack.Push(value.Int64(fv.Int))
	case fact.FieldDouble:
		vm.stack.Push(value.Float64(fv.Double))
	default:
		vm.stack.Push(value.Str(fv.Str))
	}
	return nil
}

// execCall implements CALL narg (spec.md §4.2).
func (vm *VM) execCall(narg int) error {
	if vm.stack.Depth() < narg+1 {
		return vm.raise(ErrStackUnderflow, "CALL: not enough operands")
	}
	idv := vm.stack.Pop()

	var id int
	switch idv.Kind {
	case value.Integer:
		id = int(idv.Int)
	case value.String:
		found, ok := vm.methods.Lookup(idv.Str)
		if !ok {
			return vm.raise(ErrNoSuchMethod, "CALL: no method named %q", idv.Str)
		}
		id = found
	default:
		return vm.raise(ErrTypeMismatch, "CALL: method identifier must be an integer or string")
	}

	argsView := vm.stack.Args(narg)
	args := make([]value.Value, narg)
	copy(args, argsView)
	vm.stack.Cleanup(narg)

	result, status, existed := vm.methods.Call(id, vm, args)
	if !existed {
		return vm.raise(ErrNoSuchMethod, "CALL: method id %d has no handler", id)
	}
	switch {
	case status > 0:
		vm.stack.Push(result)
		return nil
	case status == 0:
		return vm.raise(ErrMethodFailed, "CALL: method %q returned failure", vm.methods.Name(id))
	default:
		return vm.raise(Code(-status), "CALL: method %q raised", vm.methods.Name(id))
	}
}

// execCmp implements CMP op (spec.md §4.2).
func (vm *VM) execCmp(op bytecode.CmpOp) error {
	if op == bytecode.CmpNOT {
		if vm.stack.Depth() < 1 {
			return vm.raise(ErrStackUnderflow, "CMP NOT: missing operand")
		}
		a := vm.stack.Pop()
		if a.Kind != value.Integer {
			return vm.raise(ErrTypeMismatch, "CMP NOT: operand must be an integer")
		}
		if a.Int == 0 {
			vm.stack.Push(value.Int64(1))
		} else {
			vm.stack.Push(value.Int64(0))
		}
		return nil
	}

	if vm.stack.Depth() < 2 {
		return vm.raise(ErrStackUnderflow, "CMP: not enough operands")
	}
	arg1 := vm.stack.Pop()
	arg2 := vm.stack.Pop()
	res, ok := compareValues(arg1, arg2, op)
	if !ok {
		return vm.raise(ErrTypeMismatch, "CMP: incomparable operands")
	}
	if res {
		vm.stack.Push(value.Int64(1))
	} else {
		vm.stack.Push(value.Int64(0))
	}
	return nil
}

func asFloat(v value.Value) (float64, bool) {
	switch v.Kind {
	case value.Integer:
		return float64(v.Int), true
	case value.Double:
		return v.Double, true
	default:
		return 0, false
	}
}

// compareValues implements CMP's type coercion rule (spec.md §4.2):
// numeric kinds compare after coercion to float64; strings compare
// lexicographically but only for EQ/NE.
func compareValues(a, b value.Value, op bytecode.CmpOp) (bool, bool) {
	if a.Kind == value.String || b.Kind == value.String {
		if op != bytecode.CmpEQ && op != bytecode.CmpNE {
			return false, false
		}
		if a.Kind != value.String || b.Kind != value.String {
			return false, false
		}
		eq := a.Str == b.Str
		if op == bytecode.CmpNE {
			return !eq, true
		}
		return eq, true
	}

	af, ok1 := asFloat(a)
	bf, ok2 := asFloat(b)
	if !ok1 || !ok2 {
		return false, false
	}
	switch op {
	case bytecode.CmpEQ:
		return af == bf, true
	case bytecode.CmpNE:
		return af != bf, true
	case bytecode.CmpLT:
		return af < bf, true
	case bytecode.CmpLE:
		return af <= bf, true
	case bytecode.CmpGT:
		return af > bf, true
	case bytecode.CmpGE:
		return af >= bf, true
	default:
		return false, false
	}
}

// execBranch implements BRANCH [cond] disp (spec.md §4.2), returning the
// program counter to resume at.
func (vm *VM) execBranch(arg uint32, next int) (int, error) {
	cond, disp := bytecode.DecodeBranch(arg)
	if cond == bytecode.BranchAlways {
		return next + disp, nil
	}
	if vm.stack.Depth() < 1 {
		return 0, vm.raise(ErrStackUnderflow, "BRANCH: missing condition operand")
	}
	v := vm.stack.Pop()
	if v.Kind != value.Integer {
		return 0, vm.raise(ErrTypeMismatch, "BRANCH: condition must be an integer")
	}
	take := (cond == bytecode.BranchEQ && v.Int == 0) || (cond == bytecode.BranchNE && v.Int != 0)
	if take {
		return next + disp, nil
	}
	return next, nil
}
