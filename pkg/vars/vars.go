// Package vars implements the two parallel, append-only variable tables
// described in spec.md §3 "Variable tables": fact-variables, which name
// zero or more facts in the fact store, and DRES-variables, which are purely
// lexical locals whose runtime values live in value.Scope frames rather than
// here.
//
// Nothing in this package removes an entry, matching the "append-only"
// contract the graph and serializer both depend on for stable indices.
// Fact-variables are added while a program is loaded. DRES-variables are
// appended by the compiler, one per call-local binding it compiles, and it
// compiles after finalize, so that table is not frozen at finalize.
package vars

import (
	"fmt"

	"github.com/opendres/dres/pkg/ident"
)

// FactVarFlag marks bits in a fact-variable's flags word.
type FactVarFlag uint8

const (
	// FlagPrereq marks a fact-variable referenced as some target's
	// prerequisite, set the first time AddPrereq observes it (spec.md §3).
	FlagPrereq FactVarFlag = 1 << 0
)

// FactVar is one entry of the fact-variable table (spec.md §3): a name bound
// to zero or more facts in the fact store, with the stamp/tx bookkeeping the
// resolver uses to decide whether a target needs to re-run.
type FactVar struct {
	Index   int
	Name    string
	Stamp   int64
	TxID    int64
	TxStamp int64
	Flags   FactVarFlag
}

// DresVar is one entry of the DRES-variable table (spec.md §3): a lexically
// scoped local. Its runtime value lives in a value.Scope frame, not in this
// table; the frame slot is the binding's position among its call's locals,
// not Index.
type DresVar struct {
	Index int
	Name  string
}

// Tables holds both variable tables for one policy. Indices returned by
// AddFactVar/AddDresVar are stable for the table's lifetime and double as
// the index component of the ident.ID naming that variable.
type Tables struct {
	factVars []FactVar
	dresVars []DresVar
	byName   map[string]ident.ID
}

// New returns an empty Tables.
func New() *Tables {
	return &Tables{byName: make(map[string]ident.ID)}
}

// AddFactVar appends a new fact-variable named name and returns its ID. It
// panics if name is already bound to a fact-variable: the parser
// is expected to consult Lookup before calling Add.
func (t *Tables) AddFactVar(name string) ident.ID {
	if _, exists := t.byName[name]; exists {
		panic(fmt.Sprintf("vars: %q already declared", name))
	}
	idx := len(t.factVars)
	t.factVars = append(t.factVars, FactVar{Index: idx, Name: name})
	id := ident.New(ident.KindFactVar, idx)
	t.byName[name] = id
	return id
}

// AddDresVar appends a new DRES-variable (local) named name and returns its
// ID. Unlike fact-variables, dresvar names are only unique within the scope
// the compiler is building; callers manage shadowing themselves, so this
// does not consult byName.
func (t *Tables) AddDresVar(name string) ident.ID {
	idx := len(t.dresVars)
	t.dresVars = append(t.dresVars, DresVar{Index: idx, Name: name})
	return ident.New(ident.KindDresVar, idx)
}

// Lookup returns the ID previously bound to name by AddFactVar, or
// (ident.None, false) if no fact-variable has that name.
func (t *Tables) Lookup(name string) (ident.ID, bool) {
	id, ok := t.byName[name]
	if !ok {
		return ident.None, false
	}
	return id, true
}

// FactVar returns the fact-variable at id's index. It panics if id does not
// name a fact-variable or is out of range.
func (t *Tables) FactVar(id ident.ID) *FactVar {
	if id.Kind() != ident.KindFactVar {
		panic(fmt.Sprintf("vars: %s is not a fact-variable id", id))
	}
	return &t.factVars[id.Index()]
}

// DresVar returns the DRES-variable at id's index. It panics if id does not
// name a DRES-variable or is out of range.
func (t *Tables) DresVar(id ident.ID) *DresVar {
	if id.Kind() != ident.KindDresVar {
		panic(fmt.Sprintf("vars: %s is not a dres-variable id", id))
	}
	return &t.dresVars[id.Index()]
}

// NumFactVars reports the number of fact-variables declared so far.
func (t *Tables) NumFactVars() int { return len(t.factVars) }

// NumDresVars reports the number of DRES-variables declared so far.
func (t *Tables) NumDresVars() int { return len(t.dresVars) }

// FactVars returns the fact-variable table in index order. The returned
// slice aliases internal storage and must not be mutated by length.
func (t *Tables) FactVars() []FactVar { return t.factVars }

// DresVars returns the DRES-variable table in index order. The returned
// slice aliases internal storage and must not be mutated by length.
func (t *Tables) DresVars() []DresVar { return t.dresVars }

// MarkPrereq sets FlagPrereq on the fact-variable named by id, recording
// that some target's prereq set references it (spec.md §3).
func (t *Tables) MarkPrereq(id ident.ID) {
	fv := t.FactVar(id)
	fv.Flags |= FlagPrereq
}

// IsPrereq reports whether the fact-variable named by id has been marked by
// MarkPrereq.
func (t *Tables) IsPrereq(id ident.ID) bool {
	return t.FactVar(id).Flags&FlagPrereq != 0
}

// BeginTx shadow-saves fv's current stamp into TxStamp under txID, the
// "on entering a transaction" step of spec.md §3's stamp discipline. It is a
// no-op if fv is already shadowed under the same txID, so nested calls
// within one transaction only capture the pre-transaction value once.
func (t *Tables) BeginTx(id ident.ID, txID int64) {
	fv := t.FactVar(id)
	if fv.TxID == txID {
		return
	}
	fv.TxID = txID
	fv.TxStamp = fv.Stamp
}

// Rollback restores fv's stamp from its TxStamp shadow if it was modified
// under txID, per spec.md §3's rollback rule. It is a no-op if fv was never
// shadowed under txID.
func (t *Tables) Rollback(id ident.ID, txID int64) {
	fv := t.FactVar(id)
	if fv.TxID == txID {
		fv.Stamp = fv.TxStamp
	}
}

// Bump shadow-saves fv under txID (if not already) and sets its stamp to
// the current global stamp. This is the "every fact mutation captured by
// the view updates the matching fact-variable's stamp" step of spec.md §3.
func (t *Tables) Bump(id ident.ID, txID, stamp int64) {
	t.BeginTx(id, txID)
	t.FactVar(id).Stamp = stamp
}
