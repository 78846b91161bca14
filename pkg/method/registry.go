// Package method implements the dense, id-indexed method table spec.md
// §4.4 describes, plus the built-in handlers every policy can call:
// dres/resolve, echo, fact, shell, regexp_read, fail.
//
// A method's id is assigned at registration and then embedded directly in
// compiled bytecode (CALL narg pops a method id), so ids must stay stable
// across a save/load round-trip — this package never reassigns or compacts
// an id once handed out.
package method

import (
	"github.com/pkg/errors"

	"github.com/opendres/dres/pkg/fact"
	"github.com/opendres/dres/pkg/value"
)

// ErrExist is returned by Register when name already names a live handler
// (spec.md §4.4: "Registration fails with EEXIST when overwriting a live
// handler").
var ErrExist = errors.New("method: handler already registered")

// Local is one caller-supplied local binding, the marshaled form spec.md §6
// describes as "three consecutive entries: name, type tag, value" — folded
// here into a single struct since Go doesn't need the tag to be a separate
// wire field.
type Local struct {
	Name  string
	Value value.Value
}

// Context is everything a handler needs from its caller without importing
// the VM or resolver packages directly, breaking what would otherwise be an
// import cycle (vm -> method -> vm).
type Context interface {
	// Resolve recursively updates goal (or the VM's current goal, if goal is
	// empty), preserving the outer VM's state, and returns the same status
	// convention as update_goal (spec.md §4.4, builtin dres()/resolve()).
	Resolve(goal string, locals []Local) (status int, err error)

	// Store returns the shared fact store handlers may read and mutate.
	Store() fact.Store
}

// Handler is a registered method body. It returns the value to push on
// success along with a status: >0 success (value meaningful), 0 silent
// failure, <0 error code (spec.md §4.4, §6 "Handler contract").
type Handler func(ctx Context, args []value.Value) (value.Value, int)

// entry is one slot of the dense method table.
type entry struct {
	name    string
	handler Handler
}

// Registry is the id-indexed method table. The zero value is not usable;
// construct with New.
type Registry struct {
	entries []entry
	byName  map[string]int
	fallback Handler
}

// New returns a Registry pre-populated with the built-ins spec.md §4.4
// requires to exist.
func New() *Registry {
	r := &Registry{byName: make(map[string]int)}
	r.mustRegister("dres", builtinDres)
	r.mustRegister("resolve", builtinDres)
	r.mustRegister("echo", builtinEcho)
	r.mustRegister("fact", builtinFact)
	r.mustRegister("shell", builtinShell)
	r.mustRegister("regexp_read", builtinRegexpRead)
	r.mustRegister("fail", builtinFail)
	return r
}

func (r *Registry) mustRegister(name string, h Handler) {
	if _, err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// EnsureID returns the id bound to name, pre-declaring an empty (nil
// handler) entry for it if this is the first time name has been seen. The
// compiler calls this so bytecode can reference a method by stable id even
// when the host registers its concrete handler only after load.
func (r *Registry) EnsureID(name string) int {
	if id, ok := r.byName[name]; ok {
		return id
	}
	id := len(r.entries)
	r.entries = append(r.entries, entry{name: name})
	r.byName[name] = id
	return id
}

// Register binds name to h. It fails with ErrExist if name already names a
// live (non-nil) handler; it succeeds, filling the slot in place, if name
// was only pre-declared via EnsureID (spec.md §4.4).
func (r *Registry) Register(name string, h Handler) (int, error) {
	id, exists := r.byName[name]
	if !exists {
		id = r.EnsureID(name)
	} else if r.entries[id].handler != nil {
		return id, errors.Wrapf(ErrExist, "method %q", name)
	}
	r.entries[id].handler = h
	return id, nil
}

// SetFallback installs the default handler spec.md §4.4 describes as
// receiving "calls whose name is not registered," returning the previous
// fallback (possibly nil).
func (r *Registry) SetFallback(h Handler) Handler {
	old := r.fallback
	r.fallback = h
	return old
}

// Fallback returns the currently installed default handler, or nil if none
// has been set.
func (r *Registry) Fallback() Handler {
	return r.fallback
}

// Lookup returns the id bound to name and whether it exists.
func (r *Registry) Lookup(name string) (int, bool) {
	id, ok := r.byName[name]
	return id, ok
}

// Name returns the name registered at id.
func (r *Registry) Name(id int) string {
	if id < 0 || id >= len(r.entries) {
		return ""
	}
	return r.entries[id].name
}

// Call dispatches to the handler at id, falling back to the default handler
// if id has no handler of its own. It reports whether any handler (concrete
// or fallback) existed to run.
func (r *Registry) Call(id int, ctx Context, args []value.Value) (value.Value, int, bool) {
	if id >= 0 && id < len(r.entries) && r.entries[id].handler != nil {
		v, status := r.entries[id].handler(ctx, args)
		return v, status, true
	}
	if r.fallback != nil {
		v, status := r.fallback(ctx, args)
		return v, status, true
	}
	return value.NilValue, 0, false
}

// Len reports the number of distinct method ids handed out so far, the size
// the serializer needs for the method id/name table (spec.md §4.7).
func (r *Registry) Len() int { return len(r.entries) }
