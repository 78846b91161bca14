package bytecode

import (
	"fmt"
	"strconv"
	"strings"
)

// Disassemble returns a human-readable instruction listing for a chunk,
// supplementing the opcode set in spec.md §4.2 with the line-level debug
// descriptor view the original's vm-debug.c offered and spec.md's
// distillation otherwise drops. Wired into "dresc disassemble".
func Disassemble(c *Chunk) string {
	var b strings.Builder

	fmt.Fprintln(&b, "Strings:")
	if len(c.Strings) == 0 {
		fmt.Fprintln(&b, "  (empty)")
	} else {
		for i, s := range c.Strings {
			fmt.Fprintf(&b, "  [%d] %s\n", i, strconv.Quote(s))
		}
	}

	fmt.Fprintln(&b, "\nInstructions:")
	if len(c.Code) == 0 {
		fmt.Fprintln(&b, "  (empty)")
		return b.String()
	}

	for pc := 0; pc < len(c.Code); {
		inst := Decode(c.Code, pc)
		fmt.Fprintf(&b, "  %4d: %-6s %s\n", pc, inst.Op, formatArg(c, inst))
		pc += inst.Size
	}
	return b.String()
}

func formatArg(c *Chunk, inst Instruction) string {
	switch inst.Op {
	case OpPush:
		kind := PushKind(inst.Arg >> 16)
		switch kind {
		case PushInteger:
			if uint16(inst.Arg) == 0xFFFF {
				return fmt.Sprintf("INTEGER %d", int32(inst.Ext[0]))
			}
			return fmt.Sprintf("INTEGER %d", PushInt(uint16(inst.Arg)))
		case PushDouble:
			return fmt.Sprintf("DOUBLE %g", PushDoubleValue(inst.Ext))
		case PushString:
			return fmt.Sprintf("STRING %s", strconv.Quote(poolStr(c, inst.Ext[0])))
		case PushGlobal:
			return fmt.Sprintf("GLOBAL %s", poolStr(c, inst.Ext[0]))
		case PushLocal:
			return fmt.Sprintf("LOCAL n=%d", uint16(inst.Arg))
		case PushNil:
			return ""
		default:
			return kind.String()
		}
	case OpPop:
		return PopMode(inst.Arg).String()
	case OpFilter:
		return fmt.Sprintf("n=%d", inst.Arg)
	case OpUpdate:
		n, partial := DecodeUpdate(inst.Arg)
		return fmt.Sprintf("n=%d partial=%v", n, partial)
	case OpCreate:
		return fmt.Sprintf("n=%d", inst.Arg)
	case OpSet:
		return SetMode(inst.Arg).String()
	case OpGet:
		mode, idx := DecodeGet(inst.Arg)
		if mode == GetLocal {
			return fmt.Sprintf("LOCAL idx=%d", idx)
		}
		return "FIELD"
	case OpCall:
		return fmt.Sprintf("narg=%d", inst.Arg)
	case OpCmp:
		return CmpOp(inst.Arg).String()
	case OpBranch:
		cond, disp := DecodeBranch(inst.Arg)
		if cond == BranchAlways {
			return fmt.Sprintf("disp=%+d", disp)
		}
		return fmt.Sprintf("%s disp=%+d", cond, disp)
	case OpDebug:
		return strconv.Quote(poolStr(c, inst.Ext[0]))
	case OpHalt:
		return ""
	default:
		return ""
	}
}

func poolStr(c *Chunk, idx uint32) string {
	if int(idx) >= len(c.Strings) {
		return "?"
	}
	return c.Strings[idx]
}
