package bytecode

import "math"

// Chunk is a compiled target's code: a growable instruction word buffer plus
// the string pool those instructions borrow from (spec.md §3 "Target",
// "code (owned bytecode chunk or none)"; §9 "Ownership of strings" — strings
// in a chunk's pool are immutable and owned by the chunk for its whole
// lifetime).
type Chunk struct {
	Code    []uint32
	Strings []string

	stringIdx map[string]int
}

// New returns an empty Chunk ready for emission.
func New() *Chunk {
	return &Chunk{stringIdx: make(map[string]int)}
}

// intern returns the pool index for s, adding it if not already present.
// Spec.md §4.7 notes zero-length and null strings share a canonical pool
// offset; index 0 is reserved for "" to give that sharing for free.
func (c *Chunk) intern(s string) int {
	if len(c.Strings) == 0 {
		c.Strings = append(c.Strings, "")
		c.stringIdx[""] = 0
	}
	if idx, ok := c.stringIdx[s]; ok {
		return idx
	}
	idx := len(c.Strings)
	c.Strings = append(c.Strings, s)
	c.stringIdx[s] = idx
	return idx
}

// Here returns the index the next emitted word will occupy, used to record
// branch patch sites and debug-span anchors.
func (c *Chunk) Here() int { return len(c.Code) }

func (c *Chunk) emit(w uint32) int {
	c.Code = append(c.Code, w)
	return len(c.Code) - 1
}

// --- PUSH ---

func pushArg(kind PushKind, payload uint16) uint32 {
	return uint32(kind)<<16 | uint32(payload)
}

// EmitPushInteger emits PUSH INTEGER, preferring the fast single-word form
// (spec.md §4.2: value+1 in 0..0xFFFD) and falling back to a two-word
// absolute form for anything outside that range.
func (c *Chunk) EmitPushInteger(v int64) int {
	if v >= -1 && v+1 <= fastIntLimit {
		start := c.emit(word(OpPush, pushArg(PushInteger, uint16(v+1))))
		return start
	}
	start := c.emit(word(OpPush, pushArg(PushInteger, 0xFFFF)))
	c.emit(uint32(int32(v)))
	return start
}

// EmitPushDouble emits PUSH DOUBLE: always a three-word form (opcode word
// plus the IEEE-754 bit pattern split across two words), per the open
// question resolution in the expanded spec choosing a faithful float64
// encoding over the original's lossy split.
func (c *Chunk) EmitPushDouble(f float64) int {
	start := c.emit(word(OpPush, pushArg(PushDouble, 0)))
	bits := math.Float64bits(f)
	c.emit(uint32(bits >> 32))
	c.emit(uint32(bits))
	return start
}

// EmitPushString emits PUSH STRING: opcode word plus a string pool index.
func (c *Chunk) EmitPushString(s string) int {
	start := c.emit(word(OpPush, pushArg(PushString, 0)))
	c.emit(uint32(c.intern(s)))
	return start
}

// EmitPushGlobal emits PUSH GLOBAL name: opcode word plus a string pool
// index naming the factset to resolve against the fact store.
func (c *Chunk) EmitPushGlobal(name string) int {
	start := c.emit(word(OpPush, pushArg(PushGlobal, 0)))
	c.emit(uint32(c.intern(name)))
	return start
}

// EmitPushLocal emits PUSH LOCAL n: opens a new scope frame sized for n
// declared locals, to be populated by n (value,id) pairs already on the
// stack (spec.md §4.2).
func (c *Chunk) EmitPushLocal(n int) int {
	return c.emit(word(OpPush, pushArg(PushLocal, uint16(n))))
}

// EmitPushNil emits PUSH NIL.
func (c *Chunk) EmitPushNil() int { return c.emit(word(OpPush, pushArg(PushNil, 0))) }

// --- POP ---

func (c *Chunk) EmitPopLocals() int  { return c.emit(word(OpPop, uint32(PopLocals))) }
func (c *Chunk) EmitPopDiscard() int { return c.emit(word(OpPop, uint32(PopDiscard))) }

// --- FILTER / UPDATE / CREATE ---

// updatePartialBit marks partial=true in UPDATE's argument word.
const updatePartialBit = 1 << 23

// EmitFilter emits FILTER n.
func (c *Chunk) EmitFilter(n int) int { return c.emit(word(OpFilter, uint32(n))) }

// EmitUpdate emits UPDATE n partial.
func (c *Chunk) EmitUpdate(n int, partial bool) int {
	arg := uint32(n)
	if partial {
		arg |= updatePartialBit
	}
	return c.emit(word(OpUpdate, arg))
}

// DecodeUpdate splits an UPDATE argument back into its field count and
// partial flag.
func DecodeUpdate(arg uint32) (n int, partial bool) {
	return int(arg &^ updatePartialBit), arg&updatePartialBit != 0
}

// EmitCreate emits CREATE n.
func (c *Chunk) EmitCreate(n int) int { return c.emit(word(OpCreate, uint32(n))) }

// --- SET / GET ---

func (c *Chunk) EmitSet() int      { return c.emit(word(OpSet, uint32(SetGlobal))) }
func (c *Chunk) EmitSetField() int { return c.emit(word(OpSet, uint32(SetField))) }

// getLocalBit distinguishes GET LOCAL from GET FIELD in GET's argument word.
const getLocalBit = 1 << 23

func (c *Chunk) EmitGetField() int { return c.emit(word(OpGet, uint32(GetField))) }

// EmitGetLocal emits GET LOCAL idx.
func (c *Chunk) EmitGetLocal(idx int) int {
	return c.emit(word(OpGet, getLocalBit|uint32(idx)))
}

// DecodeGet splits a GET argument into its mode and, for GET LOCAL, the
// local index.
func DecodeGet(arg uint32) (mode GetMode, localIdx int) {
	if arg&getLocalBit != 0 {
		return GetLocal, int(arg &^ getLocalBit)
	}
	return GetField, 0
}

// --- CALL ---

func (c *Chunk) EmitCall(narg int) int { return c.emit(word(OpCall, uint32(narg))) }

// --- CMP ---

func (c *Chunk) EmitCmp(op CmpOp) int { return c.emit(word(OpCmp, uint32(op))) }

// --- BRANCH ---

// branchCondShift/Mask carve 2 bits of the 24-bit argument for the
// condition, leaving a 22-bit signed displacement — a deliberate narrowing
// from the source's full 24-bit field (spec.md §4.2) to fit the condition in
// the same word; 22 bits (±2,097,151 instructions) exceeds any plausible
// chunk size.
const (
	branchCondShift = 22
	branchDispBits  = 22
	branchDispMask  = 1<<branchDispBits - 1
	branchSignBit   = 1 << (branchDispBits - 1)
)

// EmitBranch emits BRANCH [cond] disp and returns the word index, so the
// caller can later patch the displacement once the jump target is known
// (PatchBranch).
func (c *Chunk) EmitBranch(cond BranchCond, disp int) int {
	return c.emit(word(OpBranch, encodeBranchArg(cond, disp)))
}

func encodeBranchArg(cond BranchCond, disp int) uint32 {
	return uint32(cond)<<branchCondShift | (uint32(disp) & branchDispMask)
}

// PatchBranch overwrites the displacement of the branch instruction at idx,
// preserving its condition. Used once the compiler knows the jump target's
// final address (spec.md §4.5, if/then/else backpatching).
func (c *Chunk) PatchBranch(idx int, disp int) {
	_, arg := decodeWord(c.Code[idx])
	cond := BranchCond(arg >> branchCondShift)
	c.Code[idx] = word(OpBranch, encodeBranchArg(cond, disp))
}

// DecodeBranch splits a BRANCH argument into its condition and signed
// displacement.
func DecodeBranch(arg uint32) (cond BranchCond, disp int) {
	cond = BranchCond(arg >> branchCondShift)
	raw := arg & branchDispMask
	if raw&branchSignBit != 0 {
		raw |= ^uint32(branchDispMask)
	}
	return cond, int(int32(raw))
}

// --- DEBUG / HALT ---

// EmitDebug emits DEBUG "text": opcode word plus a string pool index.
func (c *Chunk) EmitDebug(text string) int {
	start := c.emit(word(OpDebug, 0))
	c.emit(uint32(c.intern(text)))
	return start
}

func (c *Chunk) EmitHalt() int { return c.emit(word(OpHalt, 0)) }

// Instruction is a decoded instruction: its opcode, 24-bit argument, and any
// extra words the opcode/subkind pulled along (string pool index, double
// bit halves, absolute integer).
type Instruction struct {
	Op   Op
	Arg  uint32
	Ext  []uint32
	Size int // total words consumed, including Ext
}

// Decode reads the instruction starting at word index pc.
func Decode(code []uint32, pc int) Instruction {
	op, arg := decodeWord(code[pc])
	inst := Instruction{Op: op, Arg: arg, Size: 1}

	switch op {
	case OpPush:
		kind := PushKind(arg >> 16)
		switch kind {
		case PushInteger:
			if uint16(arg) == 0xFFFF {
				inst.Ext = code[pc+1 : pc+2]
				inst.Size = 2
			}
		case PushDouble:
			inst.Ext = code[pc+1 : pc+3]
			inst.Size = 3
		case PushString, PushGlobal:
			inst.Ext = code[pc+1 : pc+2]
			inst.Size = 2
		}
	case OpDebug:
		inst.Ext = code[pc+1 : pc+2]
		inst.Size = 2
	}
	return inst
}

// PushInt decodes a fast-form PUSH INTEGER argument back to its value.
func PushInt(arg uint16) int64 { return int64(arg) - 1 }

// PushDoubleValue reassembles a PUSH DOUBLE instruction's two extra words
// into a float64.
func PushDoubleValue(ext []uint32) float64 {
	bits := uint64(ext[0])<<32 | uint64(ext[1])
	return math.Float64frombits(bits)
}
