// Package fact defines the fact-store adapter contract that the resolver
// and VM treat as an opaque collaborator (spec §6, "Fact-store adapter
// contract"), plus a complete in-memory reference implementation
// (pkg/fact/memstore) used by this module's own tests and by any embedder
// that has no external fact store of its own.
//
// A Fact is a named record of typed, string-keyed fields. The store groups
// facts by name; a single name may be bound to zero, one, or many facts.
// Mutations are observed through a View, which accumulates the set of
// distinct names touched since it was last reset — the resolver polls this
// to bump fact-variable stamps (spec §3, "Stamp discipline").
package fact

// FieldKind tags the scalar kind stored in a Field.
type FieldKind int

const (
	FieldInt FieldKind = iota
	FieldDouble
	FieldString
)

// Field is one named, typed value inside a Fact.
type Field struct {
	Name   string
	Kind   FieldKind
	Int    int64
	Double float64
	Str    string
}

// Fact is a record owned by the store. Field order is
// preserved for stable iteration and serialization, but lookups are by
// name.
type Fact struct {
	Name   string
	Fields []Field
}

// Get returns the named field and whether it exists.
func (f *Fact) Get(name string) (Field, bool) {
	for _, fl := range f.Fields {
		if fl.Name == name {
			return fl, true
		}
	}
	return Field{}, false
}

// Set overwrites or appends the named field. It returns true if the value
// actually changed (matching the "no-op on unchanged field" rule in spec
// §4.2's SET FIELD description, which the VM uses to avoid spurious change
// events).
func (f *Fact) Set(field Field) bool {
	for i, fl := range f.Fields {
		if fl.Name == field.Name {
			if fl == field {
				return false
			}
			f.Fields[i] = field
			return true
		}
	}
	f.Fields = append(f.Fields, field)
	return true
}

// Clone returns a deep copy of f, suitable for duplicating under a new name
// (the "SET, name-only dest, multi src" case in spec §4.2).
func (f *Fact) Clone(newName string) *Fact {
	fields := make([]Field, len(f.Fields))
	copy(fields, f.Fields)
	return &Fact{Name: newName, Fields: fields}
}

// RollbackToken opaquely identifies a point a transaction can be rolled
// back to; the store defines its own concrete representation.
type RollbackToken interface{}

// Store is the contract the resolver and VM require of a fact store. It is
// named by interface only in the specification (§1, §6); pkg/fact/memstore
// is a reference implementation, not the mandated production one.
type Store interface {
	// Lookup returns every fact currently bound to name, in store order.
	Lookup(name string) []*Fact

	// Create binds a new, empty fact under name and returns it.
	Create(name string) *Fact

	// Duplicate copies src under newName and returns the copy.
	Duplicate(src *Fact, newName string) *Fact

	// CopyFields copies the named fields from src to dst. When merge is
	// false, every named field is written to dst (replacing any field of
	// the same name); when merge is true, only named fields whose value
	// differs from dst's current value are written.
	CopyFields(dst, src *Fact, fields []string, merge bool) error

	// Remove deletes every fact bound to name.
	Remove(name string)

	// View returns the store's change-tracking view.
	View() *View

	// PushTransaction opens a nested transaction and returns a token that
	// Pop uses to roll back to this point.
	PushTransaction() RollbackToken

	// PopTransaction closes the most recently pushed transaction. If
	// rollback is true, all mutations made since the matching
	// PushTransaction are undone.
	PopTransaction(tok RollbackToken, rollback bool)
}

// View accumulates the set of fact names that changed since it was last
// reset. The resolver consults this once per goal update (spec §4.6 step 4)
// to decide which fact-variable stamps to bump.
type View struct {
	changed map[string]bool
}

// NewView returns an empty View.
func NewView() *View {
	return &View{changed: make(map[string]bool)}
}

// Touch records that name changed.
func (v *View) Touch(name string) {
	v.changed[name] = true
}

// Changes returns every name touched since the last Reset, in no
// particular order; callers that need deterministic order should sort it.
func (v *View) Changes() []string {
	out := make([]string, 0, len(v.changed))
	for n := range v.changed {
		out = append(out, n)
	}
	return out
}

// Reset clears the recorded change set.
func (v *View) Reset() {
	v.changed = make(map[string]bool)
}
