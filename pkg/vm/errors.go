package vm

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Code is a VM or handler status code. Positive codes are reserved for
// internal VM faults (spec.md §4.3: "internal VM errors use positive
// codes"); handler failures surface as the negation of whatever the handler
// returned. The names mirror POSIX errno for familiarity; they are not
// bit-compatible with any OS's errno.
type Code int

const (
	ErrMethodFailed   Code = 1  // status 0 from a handler (spec.md §4.2)
	ErrNoEnt          Code = 2  // UPDATE source fact matched no destination
	ErrExist          Code = 17 // method registration collision
	ErrInval          Code = 22 // fail() default; malformed instruction argument
	ErrArity          Code = 40 // SET between populated factsets of differing arity
	ErrStackUnderflow Code = 41
	ErrTypeMismatch   Code = 42
	ErrNoSuchMethod   Code = 43
	ErrNoSuchField    Code = 44
	ErrBadOpcode      Code = 45
)

// Frame is one entry of the exception context captured when a Fault is
// raised: which chunk-relative instruction was executing and the most
// recent DEBUG descriptor in effect (spec.md §4.2 "DEBUG" updates "a
// current info field consulted by the exception formatter").
type Frame struct {
	PC   int
	Info string
}

// Fault is the VM's runtime exception type (spec.md §4.3): a code, a
// message, and the frame stack in effect when it was raised. Exactly one
// Fault unwinds to the nearest Go caller of Run/Call — there is no explicit
// catch-frame bytecode in spec.md's instruction set, so ordinary Go error
// returns (§9 "Exception model", the "typed error" re-expression) stand in
// for the source's setjmp/longjmp catch stack.
type Fault struct {
	Code    Code
	Message string
	Context []Frame
}

func (f *Fault) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "vm: %s (code %d)", f.Message, f.Code)
	for i := len(f.Context) - 1; i >= 0; i-- {
		fr := f.Context[i]
		fmt.Fprintf(&b, "\n  at pc=%d", fr.PC)
		if fr.Info != "" {
			fmt.Fprintf(&b, " (%s)", fr.Info)
		}
	}
	return b.String()
}

// raise builds a Fault at the VM's current pc/info and wraps it with
// github.com/pkg/errors so callers up the stack (resolver, compiler) get a
// captured stack trace alongside the VM's own instruction-level context.
func (vm *VM) raise(code Code, format string, args ...interface{}) error {
	f := &Fault{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Context: []Frame{{PC: vm.pc, Info: vm.info}},
	}
	return errors.WithStack(f)
}

// StatusFromError converts an error returned by Run into the signed status
// convention spec.md §6 defines for update_goal: negative is the fault's
// code, negated. Callers only call this once err != nil.
func StatusFromError(err error) int {
	var f *Fault
	if errors.As(err, &f) {
		return -int(f.Code)
	}
	return -int(ErrInval)
}
