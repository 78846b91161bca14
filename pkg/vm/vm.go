// Package vm implements the stack-based bytecode interpreter for compiled
// targets (spec.md §4.3 "VM Interpreter").
//
// Execution model:
//
// The VM loops decoding and dispatching instructions from a bytecode.Chunk
// against an operand stack, the installed method table, the current scope
// frame, and the shared fact store. Every opcode in spec.md §4.2's
// exhaustive set is handled directly; there is no method-lookup indirection
// the way a message-passing VM would have, since CALL's method identifier
// is resolved once, directly, against the dense method.Registry.
//
// A single VM value is reused across the recursive dres()/resolve() builtin
// re-entry (spec.md §4.3): Resolve saves and restores the chunk/pc/info/scope
// quadruple around the nested call so the outer execution resumes exactly
// where it left off.
package vm

import (
	"github.com/opendres/dres/pkg/bytecode"
	"github.com/opendres/dres/pkg/fact"
	"github.com/opendres/dres/pkg/method"
	"github.com/opendres/dres/pkg/value"
)

// ResolveFunc recursively updates a goal on behalf of the dres()/resolve()
// builtin. The resolver package supplies the concrete implementation; vm
// only depends on the function shape, to avoid an import cycle back to the
// resolver (which itself drives a VM).
type ResolveFunc func(goal string, locals []method.Local) (status int, err error)

// VM is one interpreter instance. It is not safe for concurrent use (the
// system is single-threaded per spec.md §5).
type VM struct {
	stack   *value.Stack
	chunk   *bytecode.Chunk
	pc      int
	info    string // most recent DEBUG descriptor, for Fault context
	scope   *value.Scope
	methods *method.Registry
	store   fact.Store

	// Resolver is invoked by the dres()/resolve() builtin. It is nil until
	// the owning resolver.Policy installs it.
	Resolver ResolveFunc

	// InstrBudget caps the number of instructions a single Run executes,
	// guarding against runaway policy bugs; zero means unlimited.
	InstrBudget int
}

// New returns a VM ready to execute chunks against store using methods for
// dispatch.
func New(methods *method.Registry, store fact.Store) *VM {
	return &VM{
		stack:   value.NewStack(),
		methods: methods,
		store:   store,
	}
}

// Store implements method.Context.
func (vm *VM) Store() fact.Store { return vm.store }

// Resolve implements method.Context by delegating to the installed
// ResolveFunc, saving and restoring this VM's chunk/pc/info/scope around
// the nested call (spec.md §4.3) — scope included, since Run overwrites it
// unconditionally and the nested update_goal drives the same VM instance
// through its own Run call.
func (vm *VM) Resolve(goal string, locals []method.Local) (int, error) {
	if vm.Resolver == nil {
		return 0, vm.raise(ErrInval, "no resolver installed for dres()/resolve()")
	}
	savedChunk, savedPC, savedInfo, savedScope := vm.chunk, vm.pc, vm.info, vm.scope
	defer func() { vm.chunk, vm.pc, vm.info, vm.scope = savedChunk, savedPC, savedInfo, savedScope }()
	return vm.Resolver(goal, locals)
}

// Stack exposes the operand stack, so a caller can inspect the values a Run
// leaves on it.
func (vm *VM) Stack() *value.Stack { return vm.stack }

// Run executes chunk to completion (HALT) or until a Fault is raised. scope
// may be nil to start with no enclosing locals (spec.md §4.6 step 5, the
// optional caller-locals scope).
func (vm *VM) Run(chunk *bytecode.Chunk, scope *value.Scope) (err error) {
	vm.chunk = chunk
	vm.pc = 0
	vm.info = ""
	vm.scope = scope

	depthAtEntry := vm.stack.Depth()
	defer func() {
		if err != nil {
			vm.stack.TruncateTo(depthAtEntry)
		}
	}()

	budget := vm.InstrBudget
	for {
		if vm.InstrBudget > 0 {
			if budget == 0 {
				return vm.raise(ErrInval, "instruction budget exhausted")
			}
			budget--
		}
		if vm.pc < 0 || vm.pc >= len(chunk.Code) {
			return vm.raise(ErrBadOpcode, "program counter %d out of range", vm.pc)
		}

		inst := bytecode.Decode(chunk.Code, vm.pc)
		next := vm.pc + inst.Size

		switch inst.Op {
		case bytecode.OpPush:
			if err := vm.execPush(inst); err != nil {
				return err
			}
		case bytecode.OpPop:
			if err := vm.execPop(bytecode.PopMode(inst.Arg)); err != nil {
				return err
			}
		case bytecode.OpFilter:
			if err := vm.execFilter(int(inst.Arg)); err != nil {
				return err
			}
		case bytecode.OpUpdate:
			n, partial := bytecode.DecodeUpdate(inst.Arg)
			if err := vm.execUpdate(n, partial); err != nil {
				return err
			}
		case bytecode.OpCreate:
			if err := vm.execCreate(int(inst.Arg)); err != nil {
				return err
			}
		case bytecode.OpSet:
			if err := vm.execSet(bytecode.SetMode(inst.Arg)); err != nil {
				return err
			}
		case bytecode.OpGet:
			if err := vm.execGet(inst.Arg); err != nil {
				return err
			}
		case bytecode.OpCall:
			if err := vm.execCall(int(inst.Arg)); err != nil {
				return err
			}
		case bytecode.OpCmp:
			if err := vm.execCmp(bytecode.CmpOp(inst.Arg)); err != nil {
				return err
			}
		case bytecode.OpBranch:
			n, err := vm.execBranch(inst.Arg, next)
			if err != nil {
				return err
			}
			next = n
		case bytecode.OpDebug:
			vm.info = chunk.Strings[inst.Ext[0]]
		case bytecode.OpHalt:
			return nil
		default:
			return vm.raise(ErrBadOpcode, "unknown opcode %d", inst.Op)
		}

		vm.pc = next
	}
}
