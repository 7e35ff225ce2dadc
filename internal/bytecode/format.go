package bytecode

import (
	"fmt"
	"strconv"
	"strings"
)

// ============================================================================
// 反汇编
// ============================================================================

// Disassemble 输出代码对象的文本清单 (当前指令变体, 含特化与执行体)
func Disassemble(c *Code) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "== %s (params=%d locals=%d stack=%d) ==\n", c.Name, c.NParams, c.NLocals, c.StackSize)
	c.Instructions(func(off int, op OpCode, arg int) bool {
		line := c.Line(off)
		lineCol := "    "
		if line > 0 {
			lineCol = fmt.Sprintf("%4d", line)
		}
		fmt.Fprintf(&sb, "%s %5d  %-26s", lineCol, off, op)
		if operand := describeOperand(c, off, op, arg); operand != "" {
			sb.WriteString(operand)
		}
		if n := c.DeoptCount(off); n > 0 {
			fmt.Fprintf(&sb, "  [deopts=%d]", n)
		}
		sb.WriteByte('\n')
		return true
	})
	if len(c.ExceptionTable) > 0 {
		sb.WriteString("异常表:\n")
		for _, e := range c.ExceptionTable {
			fmt.Fprintf(&sb, "  %d..%d -> %d [depth %d]\n", e.Start, e.End, e.Target, e.Depth)
		}
	}
	return sb.String()
}

func describeOperand(c *Code, off int, op OpCode, arg int) string {
	switch op.Family() {
	case OpNop, OpPopTop, OpBinarySubscr, OpUnaryNegative, OpUnaryNot, OpReturnValue, OpRaise:
		return ""
	case OpLoadConst:
		if arg < len(c.Consts) {
			v := c.Consts[arg]
			if v.Type == ValString {
				return fmt.Sprintf("%d (%s)", arg, strconv.Quote(v.AsString()))
			}
			return fmt.Sprintf("%d (%s)", arg, v)
		}
	case OpLoadFast, OpStoreFast:
		if arg < len(c.LocalNames) {
			return fmt.Sprintf("%d (%s)", arg, c.LocalNames[arg])
		}
	case OpLoadGlobal, OpStoreGlobal, OpLoadAttr:
		if arg < len(c.Names) {
			return fmt.Sprintf("%d (%s)", arg, c.Names[arg])
		}
	case OpBinaryOp:
		return fmt.Sprintf("%d (%s)", arg, BinaryOp(arg))
	case OpCompareOp:
		return fmt.Sprintf("%d (%s)", arg, CompareOp(arg))
	case OpJumpForward, OpJumpBackward, OpPopJumpIfFalse, OpPopJumpIfTrue:
		if op == OpEnterExecutor {
			return fmt.Sprintf("%d (executor)", arg)
		}
		return fmt.Sprintf("to %d", arg)
	}
	return strconv.Itoa(arg)
}
