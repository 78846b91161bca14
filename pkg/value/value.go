// Package value implements the VM's tagged value union, its growable
// operand stack, and lexical scope frames (spec §3 "Value", §4.1).
//
// A Value is one of: nil, an integer, a double, a borrowed string, or a
// Global — a handle naming zero or more facts. Strings inside a Value are
// borrowed from either a bytecode chunk's string pool or the fact store;
// callers must not retain a Value past the lifetime of whichever owns the
// string it carries. Globals are reference-counted: every Global pushed
// onto the stack must eventually be released exactly once, by Pop,
// Stack.Cleanup, or an explicit Release during exception unwind.
package value

import "fmt"

// Kind tags which field of a Value is meaningful.
type Kind int

const (
	Nil Kind = iota
	Integer
	Double
	String
	Global
)

func (k Kind) String() string {
	switch k {
	case Nil:
		return "nil"
	case Integer:
		return "integer"
	case Double:
		return "double"
	case String:
		return "string"
	case Global:
		return "global"
	default:
		return "unknown"
	}
}

// GlobalHandle is the dual-natured factset handle described in spec §3 and
// §9: either an unresolved name (used as an lvalue), a populated set of
// matching facts, or an orphan — a single unnamed fact awaiting a name.
// Kind records which of the three shapes a handle holds; SET (spec §4.2)
// switches on the Kind of both of its operands.
type GlobalHandle struct {
	Name  string      // set when Kind == GlobalName or GlobalOrphan (orphan's eventual name, empty until bound)
	Facts []FactRef   // set when Kind == GlobalFacts
	Orphan *FactRef   // set when Kind == GlobalOrphan
	Kind  GlobalKind
	refs  *int // shared refcount; nil for an uncounted handle, which Retain and Release leave alone
}

// GlobalKind distinguishes the three shapes a GlobalHandle can take.
type GlobalKind int

const (
	// GlobalName is a name-only handle: "facts that will be named X".
	GlobalName GlobalKind = iota
	// GlobalFacts is a populated handle over facts currently matching a name.
	GlobalFacts
	// GlobalOrphan is a single unnamed fact, produced by CREATE, not yet
	// bound into the store.
	GlobalOrphan
)

// FactRef is an opaque reference-counted handle to a single fact. The
// concrete fact payload is supplied by the fact store; the VM only ever
// carries the pointer plus enough bookkeeping to release it on unwind.
type FactRef struct {
	Fact interface{} // concrete type is *fact.Fact; kept as interface{} to avoid an import cycle between value and fact
}

// NewGlobalRefs returns a fresh refcount cell set to 1. Every copy of a
// handle made with Retain shares the handle's cell; Release decrements it.
func NewGlobalRefs() *int {
	n := 1
	return &n
}

// Retain increments the handle's shared refcount and returns the same
// handle (Values are small enough to copy by value; only the refcount
// pointer is shared).
func (g GlobalHandle) Retain() GlobalHandle {
	if g.refs != nil {
		*g.refs++
	}
	return g
}

// Release decrements the handle's shared refcount. It is safe to call more
// than once only if each call corresponds to a prior Retain/creation; the
// caller (Stack.Cleanup, Pop) is responsible for exactly-once release
// semantics per stack slot.
func (g GlobalHandle) Release() {
	if g.refs != nil {
		*g.refs--
	}
}

// Value is the tagged union pushed and popped on the VM stack.
type Value struct {
	Kind   Kind
	Int    int64
	Double float64
	Str    string
	Glob   GlobalHandle
}

// Int64 returns an integer Value.
func Int64(v int64) Value { return Value{Kind: Integer, Int: v} }

// Float64 returns a double Value.
func Float64(v float64) Value { return Value{Kind: Double, Double: v} }

// Str returns a borrowed-string Value.
func Str(s string) Value { return Value{Kind: String, Str: s} }

// NilValue is the canonical nil value.
var NilValue = Value{Kind: Nil}

func (v Value) String() string {
	switch v.Kind {
	case Nil:
		return "nil"
	case Integer:
		return fmt.Sprintf("%d", v.Int)
	case Double:
		return fmt.Sprintf("%g", v.Double)
	case String:
		return fmt.Sprintf("%q", v.Str)
	case Global:
		switch v.Glob.Kind {
		case GlobalName:
			return fmt.Sprintf("$%s", v.Glob.Name)
		case GlobalOrphan:
			return "$<orphan>"
		default:
			return fmt.Sprintf("$%s[%d]", v.Glob.Name, len(v.Glob.Facts))
		}
	default:
		return "?"
	}
}
