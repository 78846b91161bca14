package resolver

import (
	"github.com/pkg/errors"

	"github.com/opendres/dres/pkg/fact"
	"github.com/opendres/dres/pkg/graph"
	"github.com/opendres/dres/pkg/ident"
	"github.com/opendres/dres/pkg/method"
	"github.com/opendres/dres/pkg/value"
	"github.com/opendres/dres/pkg/vm"
)

// UpdateGoal re-evaluates goal and its prerequisites, executing only the
// targets whose prerequisites changed since the last update (spec.md §4.6).
// status follows spec.md §6: >0 success, 0 failure, <0 error code.
func (p *Policy) UpdateGoal(goal string, locals []method.Local) (int, error) {
	// Step 1: compile all targets on first use, tolerating failure only
	// if a fallback handler is installed.
	if !p.compiled {
		if err := p.compileAll(); err != nil && p.Methods.Fallback() == nil {
			return 0, err
		}
		p.compiled = true
	}

	idx, ok := p.byName[goal]
	if !ok {
		return 0, errors.Errorf("resolver: unknown goal %q", goal)
	}
	target := p.targets[idx]

	// Step 2: build and memoize this target's dependency order.
	if target.Dependencies == nil && !target.Prereqs.Empty() {
		deps, err := graph.BuildAndSort(
			ident.New(ident.KindTarget, idx), p,
			p.NumTargets(), p.Vars.NumFactVars(), p.Vars.NumDresVars())
		if err != nil {
			return -1, err
		}
		target.Dependencies = deps
	}

	// Step 3: own a new transaction unless nested inside an outer
	// update_goal (the recursive dres()/resolve() builtin).
	owns := p.txDepth == 0
	var rtok fact.RollbackToken
	if owns {
		p.txID++
		rtok = p.Store.PushTransaction()
	}
	txID := p.txID
	p.txDepth++
	p.goalStack = append(p.goalStack, goal)
	defer func() {
		p.txDepth--
		p.goalStack = p.goalStack[:len(p.goalStack)-1]
	}()

	// Step 4: bump the global stamp and poll the fact-store view.
	p.stamp++
	p.pollView(txID)

	// Step 5: push and populate a scope from caller-provided locals.
	var scope *value.Scope
	if len(locals) > 0 {
		scope = value.NewScope(nil, len(locals))
		for i, l := range locals {
			if l.Value.Kind == value.Global {
				if owns {
					p.Store.PopTransaction(rtok, true)
					p.rollbackStamps(txID)
				}
				return -1, errors.New("resolver: locals must not carry a factset value")
			}
			scope.Set(i, l.Value)
		}
	}

	status, err := p.runTarget(target, scope, txID)

	// Step 8: on overall success, stamp the goal target and commit;
	// otherwise roll back.
	if status > 0 {
		p.bumpTargetStamp(target, txID)
		if owns {
			p.Store.PopTransaction(rtok, false)
		}
	} else if owns {
		p.Store.PopTransaction(rtok, true)
		p.rollbackStamps(txID)
	}
	return status, err
}

// runTarget implements spec.md §4.6 steps 6-7: a target with no
// prerequisites runs unconditionally; otherwise every target in its
// memoized dependency order is offered to checkTarget, which decides for
// itself whether it is stale.
func (p *Policy) runTarget(t *Target, scope *value.Scope, txID int64) (int, error) {
	if t.Prereqs.Empty() {
		return p.execTarget(t, scope)
	}
	for _, id := range t.Dependencies {
		if id.IsNone() {
			break
		}
		if id.Kind() != ident.KindTarget {
			continue
		}
		status, err := p.checkTarget(p.targets[id.Index()], scope, txID)
		if status <= 0 {
			return status, err
		}
	}
	return 1, nil
}

// checkTarget re-runs t only if some prerequisite's stamp exceeds t's own
// (spec.md §4.6 step 7), bumping t's stamp under txID on success.
func (p *Policy) checkTarget(t *Target, scope *value.Scope, txID int64) (int, error) {
	if !p.needsUpdate(t) {
		return 1, nil
	}
	status, err := p.execTarget(t, scope)
	if status > 0 {
		p.bumpTargetStamp(t, txID)
	}
	return status, err
}

// needsUpdate reports whether t must re-run: either it has never executed
// (Stamp == 0, a value no real execution produces since the global stamp is
// incremented before any target can first run) or some prerequisite's stamp
// now exceeds its own (spec.md §4.6 step 7). The never-executed case matters
// for a leaf target with an empty prereq set reached only as a dependency of
// some other goal: its own prereq loop is vacuously false forever, so
// without this it would never run at all.
func (p *Policy) needsUpdate(t *Target) bool {
	if t.Stamp == 0 {
		return true
	}
	for _, pid := range t.Prereqs.IDs() {
		switch pid.Kind() {
		case ident.KindTarget:
			if p.targets[pid.Index()].Stamp > t.Stamp {
				return true
			}
		case ident.KindFactVar:
			if p.Vars.FactVar(pid).Stamp > t.Stamp {
				return true
			}
		}
	}
	return false
}

func (p *Policy) execTarget(t *Target, scope *value.Scope) (int, error) {
	if t.Code == nil {
		return -1, errors.Errorf("resolver: target %q has no compiled code", t.Name)
	}
	if err := p.vmImpl.Run(t.Code, scope); err != nil {
		return vm.StatusFromError(err), err
	}
	return 1, nil
}

// pollView bumps the stamp of every fact-variable whose name the store's
// view recorded as changed since the last poll (spec.md §3 "Stamp
// discipline", §4.6 step 4).
func (p *Policy) pollView(txID int64) {
	for _, name := range p.Store.View().Changes() {
		if id, ok := p.Vars.Lookup(name); ok {
			p.Vars.Bump(id, txID, p.stamp)
		}
	}
	p.Store.View().Reset()
}

func (p *Policy) bumpTargetStamp(t *Target, txID int64) {
	if t.TxID != txID {
		t.TxID = txID
		t.TxStamp = t.Stamp
	}
	t.Stamp = p.stamp
}

// rollbackStamps restores every target and fact-variable stamp shadowed
// under txID to its pre-transaction value (spec.md §3 "Stamp discipline":
// "on rollback it is restored").
func (p *Policy) rollbackStamps(txID int64) {
	for _, t := range p.targets {
		if t.TxID == txID {
			t.Stamp = t.TxStamp
		}
	}
	for _, fv := range p.Vars.FactVars() {
		p.Vars.Rollback(ident.New(ident.KindFactVar, fv.Index), txID)
	}
}
