package value

import "fmt"

// Scope is one frame of lexically nested local variables (spec §3
// "Scope", §4.1). Scopes form a linked stack via Parent; Get searches
// the current frame then walks Parent, returning the first binding found
// or Nil if none exists.
type Scope struct {
	Parent *Scope
	locals []Value
}

// NewScope allocates a frame sized to hold n declared locals, chained to
// parent (nil for the outermost frame).
func NewScope(parent *Scope, n int) *Scope {
	return &Scope{Parent: parent, locals: make([]Value, n)}
}

// Set overwrites the slot at id. Locals accept only Nil, Integer, Double,
// and String (spec §4.1): a Global would leak its reference count past the
// scope's lifetime since scopes are not unwind-tracked the way the stack
// is, so Set panics on one; the VM's PUSH LOCAL and the resolver's
// caller-locals setup both reject a factset value before calling Set.
func (s *Scope) Set(id int, v Value) {
	if v.Kind == Global {
		panic("value: cannot store a Global into a local variable slot")
	}
	if id < 0 || id >= len(s.locals) {
		panic(fmt.Sprintf("value: local slot %d out of range [0,%d)", id, len(s.locals)))
	}
	s.locals[id] = v
}

// Get searches this frame and its ancestors for id, returning Nil if no
// frame in the chain declares it.
func (s *Scope) Get(id int) Value {
	for frame := s; frame != nil; frame = frame.Parent {
		if id >= 0 && id < len(frame.locals) {
			return frame.locals[id]
		}
	}
	return NilValue
}

// Len reports how many local slots this frame (not its ancestors) holds.
func (s *Scope) Len() int { return len(s.locals) }
