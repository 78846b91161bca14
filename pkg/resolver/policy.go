// Package resolver implements spec.md §4.6's resolver engine: the
// transactional, demand-driven update_goal state machine, the target table
// it drives, and the per-target dependency graph memoization that sits on
// top of pkg/graph and pkg/vars.
//
// A Policy owns every table the resolver, compiler, and VM need: the
// target table (this file), pkg/vars' fact-variable and DRES-variable
// tables, the pkg/method registry, and the fact.Store the policy runs
// against. Exactly one VM is created per Policy and reused across the
// recursive dres()/resolve() re-entry (spec.md §4.3), since the VM already
// knows how to save and restore its own chunk/pc/info around that call.
package resolver

import (
	"github.com/pkg/errors"

	"github.com/opendres/dres/pkg/ast"
	"github.com/opendres/dres/pkg/bytecode"
	"github.com/opendres/dres/pkg/compiler"
	"github.com/opendres/dres/pkg/dlog"
	"github.com/opendres/dres/pkg/fact"
	"github.com/opendres/dres/pkg/graph"
	"github.com/opendres/dres/pkg/ident"
	"github.com/opendres/dres/pkg/method"
	"github.com/opendres/dres/pkg/prereq"
	"github.com/opendres/dres/pkg/vars"
	"github.com/opendres/dres/pkg/vm"
)

// Target is one entry of the target table (spec.md §3 "Target"): a named
// rule body with its prerequisite set, compiled code, stamp/tx bookkeeping,
// and memoized dependency order.
type Target struct {
	Index   int
	Name    string
	Prereqs prereq.Set

	// Statements is the target's parsed body, freed (set nil) once Compile
	// succeeds (spec.md §3 "Lifecycle": "statements (AST, freed
	// post-compile)").
	Statements []ast.Statement

	// Code is the compiled chunk, or nil until the first update_goal call
	// compiles it.
	Code *bytecode.Chunk

	Stamp   int64
	TxID    int64
	TxStamp int64

	// Dependencies is the memoized topological order of this target's
	// transitive prerequisite subgraph, terminated by ident.None
	// (spec.md §3, §4.6 step 2). Nil until the first update_goal naming
	// this target as a goal.
	Dependencies []ident.ID
}

// Policy is one parsed, compiled, resolvable policy (spec.md §6's "Policy"
// type, named throughout as the argument to update_goal/save/load/finalize).
type Policy struct {
	Vars    *vars.Tables
	Methods *method.Registry
	Store   fact.Store
	Log     *dlog.Logger

	compilerImpl *compiler.Compiler
	vmImpl       *vm.VM

	targets []*Target
	byName  map[string]int

	stamp int64
	txID  int64
	// txDepth counts nested update_goal activations sharing one
	// outermost transaction; only the outermost (txDepth == 0 on entry)
	// pushes/pops the fact store's transaction (spec.md §4.6 step 3,
	// "remember ownership").
	txDepth int

	goalStack []string // current goal name per nesting level, for dres()'s empty-goal form

	compiled  bool
	finalized bool
}

// New returns an empty Policy over store. namePrefix is spec.md §6's
// optional init() name-prefix argument; it is accepted and not used.
func New(namePrefix string, store fact.Store, logger *dlog.Logger) *Policy {
	p := &Policy{
		Vars:    vars.New(),
		Methods: method.New(),
		Store:   store,
		Log:     logger,
		byName:  make(map[string]int),
	}
	p.compilerImpl = compiler.New(p.Vars, p.Methods)
	p.vmImpl = vm.New(p.Methods, store)
	p.vmImpl.Resolver = p.resolveBuiltin
	_ = namePrefix // not stored or consulted
	return p
}

// DeclareTarget appends a new target named name, returning its ID. It
// panics if name is already declared — the parser frontend is expected to
// consult Lookup first, matching vars.Tables.AddFactVar's contract.
func (p *Policy) DeclareTarget(name string) ident.ID {
	if _, exists := p.byName[name]; exists {
		panic("resolver: target " + name + " already declared")
	}
	idx := len(p.targets)
	p.targets = append(p.targets, &Target{Index: idx, Name: name})
	p.byName[name] = idx
	return ident.New(ident.KindTarget, idx)
}

// LookupTarget returns the target named name, if any.
func (p *Policy) LookupTarget(name string) (ident.ID, bool) {
	idx, ok := p.byName[name]
	if !ok {
		return ident.None, false
	}
	return ident.New(ident.KindTarget, idx), true
}

// AddPrereq records that holder depends on prereq (spec.md §3 "Prereq
// set"). prereq may name a target or a fact-variable; fact-variable
// prerequisites are marked via vars.Tables.MarkPrereq the first time they
// are referenced this way (spec.md §3, FlagPrereq).
func (p *Policy) AddPrereq(holder, prereq ident.ID) {
	t := p.target(holder)
	t.Prereqs.Add(prereq)
	if prereq.Kind() == ident.KindFactVar {
		p.Vars.MarkPrereq(prereq)
	}
}

// SetStatements installs target's parsed body, ready for Compile.
func (p *Policy) SetStatements(target ident.ID, stmts []ast.Statement) {
	p.target(target).Statements = stmts
}

func (p *Policy) target(id ident.ID) *Target {
	if id.Kind() != ident.KindTarget {
		panic("resolver: " + id.String() + " is not a target id")
	}
	return p.targets[id.Index()]
}

// NumTargets reports how many targets have been declared.
func (p *Policy) NumTargets() int { return len(p.targets) }

// Targets returns the target table in index order. The returned slice
// aliases internal storage.
func (p *Policy) Targets() []*Target { return p.targets }

// Prereqs implements graph.TargetSource.
func (p *Policy) Prereqs(id ident.ID) (*prereq.Set, bool) {
	if id.Kind() != ident.KindTarget {
		return nil, false
	}
	idx := id.Index()
	if idx < 0 || idx >= len(p.targets) {
		return nil, false
	}
	return &p.targets[idx].Prereqs, true
}

// Finalize freezes the policy's tables and rejects a policy whose
// prerequisite relation contains a cycle restricted to target nodes
// (spec.md §8 "Cycle detection"); finalize(Policy) from spec.md §6.
func (p *Policy) Finalize() error {
	g := graph.BuildFull(p, p.NumTargets(), p.Vars.NumFactVars(), p.Vars.NumDresVars())
	if _, err := g.Sort(p); err != nil {
		return errors.Wrap(err, "resolver: finalize")
	}
	p.finalized = true
	return nil
}

// Finalized reports whether Finalize has succeeded.
func (p *Policy) Finalized() bool { return p.finalized }

// Stamp returns the policy's current global stamp counter.
func (p *Policy) Stamp() int64 { return p.stamp }

// SetStamp restores the global stamp counter, used by the serializer when
// reconstructing a loaded policy (spec.md §4.7 round-trip invariant).
func (p *Policy) SetStamp(s int64) { p.stamp = s }

// TxCounter returns the policy's current transaction-id counter.
func (p *Policy) TxCounter() int64 { return p.txID }

// SetTxCounter restores the transaction-id counter, used by the serializer.
func (p *Policy) SetTxCounter(id int64) { p.txID = id }

// MarkLoaded sets the COMPILED flag spec.md §4.7 describes: "Loading sets
// the COMPILED flag, which makes subsequent operations read-only with
// respect to the tables." compileAll is skipped since loaded targets already
// carry compiled code, and the table-growing calls (DeclareTarget,
// AddPrereq, SetStatements) are the caller's responsibility not to use again
// on a loaded policy.
func (p *Policy) MarkLoaded() {
	p.compiled = true
	p.finalized = true
}

// RegisterHandler delegates to the method registry (spec.md §6).
func (p *Policy) RegisterHandler(name string, h method.Handler) (int, error) {
	return p.Methods.Register(name, h)
}

// LookupHandler delegates to the method registry (spec.md §6).
func (p *Policy) LookupHandler(name string) (int, bool) {
	return p.Methods.Lookup(name)
}

// FallbackHandler installs h as the default handler, returning the
// previous one (spec.md §6's fallback_handler). Installing a fallback
// tolerates per-target compile failures in compileAll (spec.md §4.6 step
// 1: "unless a fallback handler is installed, failure here is tolerated").
func (p *Policy) FallbackHandler(h method.Handler) method.Handler {
	return p.Methods.SetFallback(h)
}

// VM exposes the policy's single VM instance, e.g. for a host building a
// disassembly/debug tool.
func (p *Policy) VM() *vm.VM { return p.vmImpl }

// CompileAll compiles every target not yet carrying code, tolerating
// per-target failure only if a fallback handler is installed — the same
// rule UpdateGoal applies lazily on first use (spec.md §4.6 step 1). Save
// calls this first so every target's chunk is on disk, matching spec.md
// §4.7's "allows pre-compilation ... for faster loading."
func (p *Policy) CompileAll() error {
	err := p.compileAll()
	if err == nil || p.Methods.Fallback() != nil {
		p.compiled = true
	}
	return err
}

// LoadProgram declares every target in prog, resolves each prerequisite name
// against the target table first and the fact-variable table second
// (auto-declaring a fact-variable the first time a bare name is referenced
// that way), and installs each target's parsed statements. It returns an
// error if any target name is declared twice; an undefined-target-as-prereq
// error (spec.md §7) cannot arise here since any name not already a target
// is treated as a fact-variable reference instead.
func (p *Policy) LoadProgram(prog *ast.Program) error {
	for _, t := range prog.Targets {
		if _, exists := p.LookupTarget(t.Name); exists {
			return errors.Errorf("resolver: target %q declared twice", t.Name)
		}
		p.DeclareTarget(t.Name)
	}
	for _, t := range prog.Targets {
		id, _ := p.LookupTarget(t.Name)
		for _, prereqName := range t.Prereqs {
			p.AddPrereq(id, p.resolvePrereqName(prereqName))
		}
		p.SetStatements(id, t.Statements)
	}
	return nil
}

func (p *Policy) resolvePrereqName(name string) ident.ID {
	if id, ok := p.LookupTarget(name); ok {
		return id
	}
	if id, ok := p.Vars.Lookup(name); ok {
		return id
	}
	return p.Vars.AddFactVar(name)
}

func (p *Policy) compileAll() error {
	var firstErr error
	for _, t := range p.targets {
		if t.Code != nil {
			continue
		}
		chunk, err := p.compilerImpl.Compile(&ast.Target{Name: t.Name, Statements: t.Statements})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if p.Log != nil {
				p.Log.Error("compile %s: %v", t.Name, err)
			}
			continue
		}
		t.Code = chunk
		t.Statements = nil
	}
	return firstErr
}

// resolveBuiltin implements method.Context.Resolve for this policy's VM: it
// is installed as vm.VM.Resolver and invoked by the dres()/resolve()
// builtin (spec.md §4.4). An empty goal resolves the enclosing UpdateGoal
// call's own goal, matching spec.md §6's handler contract.
func (p *Policy) resolveBuiltin(goal string, locals []method.Local) (int, error) {
	if goal == "" {
		if len(p.goalStack) == 0 {
			return 0, errors.New("resolver: dres()/resolve() called with no enclosing goal")
		}
		goal = p.goalStack[len(p.goalStack)-1]
	}
	return p.UpdateGoal(goal, locals)
}
