// Package bytecode defines the compiled instruction format the compiler
// emits and the VM executes (spec.md §3 "Identifier", §4.2 "Instruction
// Set"): a 32-bit instruction word (opcode in the low byte, a 24-bit
// argument above it), with string, double, and absolute-integer payloads
// following as extra words when the 24-bit argument cannot carry them.
package bytecode

import "fmt"

// Op is one of the twelve opcodes spec.md §4.2 lists as exhaustive.
type Op uint8

const (
	OpPush Op = iota
	OpPop
	OpFilter
	OpUpdate
	OpCreate
	OpSet
	OpGet
	OpCall
	OpCmp
	OpBranch
	OpDebug
	OpHalt
)

func (op Op) String() string {
	switch op {
	case OpPush:
		return "PUSH"
	case OpPop:
		return "POP"
	case OpFilter:
		return "FILTER"
	case OpUpdate:
		return "UPDATE"
	case OpCreate:
		return "CREATE"
	case OpSet:
		return "SET"
	case OpGet:
		return "GET"
	case OpCall:
		return "CALL"
	case OpCmp:
		return "CMP"
	case OpBranch:
		return "BRANCH"
	case OpDebug:
		return "DEBUG"
	case OpHalt:
		return "HALT"
	default:
		return fmt.Sprintf("OP<%d>", uint8(op))
	}
}

// PushKind sub-encodes PUSH's payload type (spec.md §4.2).
type PushKind uint8

const (
	PushInteger PushKind = iota
	PushDouble
	PushString
	PushGlobal
	PushLocal
	PushNil
)

func (k PushKind) String() string {
	switch k {
	case PushInteger:
		return "INTEGER"
	case PushDouble:
		return "DOUBLE"
	case PushString:
		return "STRING"
	case PushGlobal:
		return "GLOBAL"
	case PushLocal:
		return "LOCAL"
	case PushNil:
		return "NIL"
	default:
		return fmt.Sprintf("PUSHKIND<%d>", uint8(k))
	}
}

// PopMode sub-encodes POP's two modes (spec.md §4.2).
type PopMode uint8

const (
	PopLocals PopMode = iota
	PopDiscard
)

func (m PopMode) String() string {
	if m == PopLocals {
		return "LOCALS"
	}
	return "DISCARD"
}

// GetMode sub-encodes GET's two forms (spec.md §4.2).
type GetMode uint8

const (
	GetField GetMode = iota
	GetLocal
)

func (m GetMode) String() string {
	if m == GetField {
		return "FIELD"
	}
	return "LOCAL"
}

// SetMode distinguishes plain SET from SET FIELD (spec.md §4.2).
type SetMode uint8

const (
	SetGlobal SetMode = iota
	SetField
)

func (m SetMode) String() string {
	if m == SetField {
		return "FIELD"
	}
	return ""
}

// CmpOp enumerates CMP's relational operators (spec.md §4.2).
type CmpOp uint8

const (
	CmpEQ CmpOp = iota
	CmpNE
	CmpLT
	CmpLE
	CmpGT
	CmpGE
	CmpNOT
)

func (c CmpOp) String() string {
	switch c {
	case CmpEQ:
		return "EQ"
	case CmpNE:
		return "NE"
	case CmpLT:
		return "LT"
	case CmpLE:
		return "LE"
	case CmpGT:
		return "GT"
	case CmpGE:
		return "GE"
	case CmpNOT:
		return "NOT"
	default:
		return fmt.Sprintf("CMP<%d>", uint8(c))
	}
}

// BranchCond enumerates BRANCH's condition forms (spec.md §4.2).
type BranchCond uint8

const (
	BranchAlways BranchCond = iota
	BranchEQ
	BranchNE
)

func (b BranchCond) String() string {
	switch b {
	case BranchAlways:
		return ""
	case BranchEQ:
		return "EQ"
	case BranchNE:
		return "NE"
	default:
		return fmt.Sprintf("BRANCH<%d>", uint8(b))
	}
}

// The 24-bit argument occupying the high three bytes of an instruction word.
const (
	argBits  = 24
	argMask  = 1<<argBits - 1
	argShift = 8
)

// word packs an opcode and a 24-bit argument into one instruction word.
func word(op Op, arg uint32) uint32 {
	return uint32(op) | (arg&argMask)<<argShift
}

// decodeWord splits an instruction word back into its opcode and argument.
func decodeWord(w uint32) (Op, uint32) {
	return Op(w & 0xFF), (w >> argShift) & argMask
}

// fastIntLimit is the highest value+1 the 16-bit fast PUSH INTEGER payload
// can carry (spec.md §4.2: "0..0xFFFD"); values outside [-1, fastIntLimit-1]
// use the two-word absolute form instead.
const fastIntLimit = 0xFFFD
