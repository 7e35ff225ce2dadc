package bytecode

import (
	"fmt"

	"go.uber.org/multierr"
)

// VerificationError 字节码验证错误
type VerificationError struct {
	Code    string // 代码对象名
	Offset  int    // 指令偏移量
	Message string // 错误消息
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("字节码验证错误 %s (偏移量 %d): %s", e.Code, e.Offset, e.Message)
}

// Verifier 字节码验证器
//
// 只接受编译器产出的通用指令: 特化变体与 ENTER_EXECUTOR 由运行时写入,
// 出现在新代码对象里即视为损坏。
type Verifier struct {
	code   *Code
	starts []bool
	err    error
}

// NewVerifier 创建验证器
func NewVerifier(code *Code) *Verifier {
	return &Verifier{code: code}
}

// Verify 验证代码对象, 返回所有问题 (multierr 合并)
func (v *Verifier) Verify() error {
	c := v.code
	if c == nil {
		return &VerificationError{Message: "代码对象为空"}
	}
	v.err = nil
	if c.NParams > c.NLocals {
		v.fail(0, "参数个数 %d 超过局部变量个数 %d", c.NParams, c.NLocals)
	}

	v.markStarts()
	c.Instructions(func(off int, op OpCode, arg int) bool {
		v.verifyInstr(off, op, arg)
		return true
	})
	v.verifyExceptionTable()

	if v.err == nil {
		res := CheckCode(c, 0)
		for _, msg := range res.Errors {
			v.fail(-1, "%s", msg)
		}
		if res.IsValid && res.MaxDepth > c.StackSize {
			v.fail(-1, "最大栈深度 %d 超过声明的 %d", res.MaxDepth, c.StackSize)
		}
	}
	return v.err
}

func (v *Verifier) fail(off int, format string, args ...interface{}) {
	v.err = multierr.Append(v.err, &VerificationError{
		Code:    v.code.Name,
		Offset:  off,
		Message: fmt.Sprintf(format, args...),
	})
}

func (v *Verifier) markStarts() {
	c := v.code
	v.starts = make([]bool, c.Len()+1)
	off := 0
	for off < c.Len() {
		v.starts[off] = true
		op := c.Op(off)
		if !op.Valid() {
			off++
			continue
		}
		off += InstrSize(op)
	}
	if off > c.Len() {
		v.fail(c.Len(), "最后一条指令的缓存单元不完整")
	}
}

func (v *Verifier) isStart(off int) bool {
	return off >= 0 && off < v.code.Len() && v.starts[off]
}

func (v *Verifier) verifyInstr(off int, op OpCode, arg int) {
	c := v.code
	switch {
	case !op.Valid():
		v.fail(off, "未知操作码 %d", uint8(op))
		return
	case op == OpCache:
		v.fail(off, "CACHE 出现在指令位置")
		return
	case op == OpEnterExecutor || op.IsSpecialized():
		v.fail(off, "运行时指令 %s 不能出现在新代码中", op)
		return
	}

	switch op {
	case OpLoadConst:
		if arg >= len(c.Consts) {
			v.fail(off, "常量下标 %d 越界 (共 %d)", arg, len(c.Consts))
		}
	case OpLoadFast, OpStoreFast:
		if arg >= c.NLocals {
			v.fail(off, "局部变量下标 %d 越界 (共 %d)", arg, c.NLocals)
		}
	case OpLoadGlobal, OpStoreGlobal, OpLoadAttr:
		if arg >= len(c.Names) {
			v.fail(off, "名字下标 %d 越界 (共 %d)", arg, len(c.Names))
		}
	case OpCopy, OpSwap:
		if arg < 1 {
			v.fail(off, "%s 的参数必须 >= 1", op)
		}
	case OpBinaryOp:
		if !BinaryOp(arg).Valid() {
			v.fail(off, "未知二元运算 %d", arg)
		}
	case OpCompareOp:
		if !CompareOp(arg).Valid() {
			v.fail(off, "未知比较 %d", arg)
		}
	case OpJumpBackward:
		if !v.isStart(arg) || arg >= off {
			v.fail(off, "回边目标 %d 无效", arg)
		}
	case OpJumpForward, OpPopJumpIfFalse, OpPopJumpIfTrue:
		if !v.isStart(arg) || arg <= off {
			v.fail(off, "%s 目标 %d 无效", op, arg)
		}
	}
}

func (v *Verifier) verifyExceptionTable() {
	for _, e := range v.code.ExceptionTable {
		if e.Start >= e.End || !v.isStart(e.Start) || (e.End != v.code.Len() && !v.isStart(e.End)) {
			v.fail(e.Start, "异常范围 [%d, %d) 无效", e.Start, e.End)
		}
		if !v.isStart(e.Target) {
			v.fail(e.Target, "异常处理入口 %d 无效", e.Target)
		}
		if e.Depth < 0 {
			v.fail(e.Start, "异常处理深度 %d 无效", e.Depth)
		}
	}
}

// VerifyCode 便捷函数
func VerifyCode(code *Code) error {
	return NewVerifier(code).Verify()
}
