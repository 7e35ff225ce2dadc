package jit

import (
	"fmt"
	"strings"

	"github.com/tangzhangming/tiervm/internal/bytecode"
)

// ============================================================================
// 微操作定义
// ============================================================================
//
// trace 里的每条基线指令展开成 0 到 2 个微操作: 守卫 + 动作。
// 守卫失败时栈未被修改, 以 Target 指向的基线指令为恢复点;
// 动作出错时先弹出自己的输入, 再以 Target 为出错偏移交给展开器。

// UOpCode 微操作码
type UOpCode uint16

const (
	UOP_NOP UOpCode = iota

	// 栈与局部变量
	UOP_LOAD_CONST
	UOP_LOAD_FAST
	UOP_STORE_FAST
	UOP_POP_TOP
	UOP_COPY
	UOP_SWAP

	// 全局变量
	UOP_LOAD_GLOBAL
	UOP_GUARD_GLOBALS_VERSION
	UOP_LOAD_GLOBAL_MODULE
	UOP_STORE_GLOBAL

	// 属性与下标
	UOP_LOAD_ATTR
	UOP_GUARD_TYPE_VERSION
	UOP_LOAD_ATTR_INSTANCE_VALUE
	UOP_BINARY_SUBSCR
	UOP_GUARD_LIST_INT
	UOP_BINARY_SUBSCR_LIST_INT

	// 运算
	UOP_BINARY_OP
	UOP_COMPARE_OP
	UOP_GUARD_BOTH_INT
	UOP_GUARD_BOTH_FLOAT
	UOP_GUARD_BOTH_STR
	UOP_BINARY_OP_ADD_INT
	UOP_BINARY_OP_SUB_INT
	UOP_BINARY_OP_MUL_INT
	UOP_BINARY_OP_ADD_FLOAT
	UOP_BINARY_OP_SUB_FLOAT
	UOP_BINARY_OP_MUL_FLOAT
	UOP_BINARY_OP_ADD_STR
	UOP_COMPARE_OP_INT
	UOP_COMPARE_OP_FLOAT
	UOP_COMPARE_OP_STR
	UOP_UNARY_NEGATIVE
	UOP_UNARY_NOT

	// 控制流
	UOP_GUARD_IS_TRUE_POP
	UOP_GUARD_IS_FALSE_POP
	UOP_CHECK_PERIODIC
	UOP_JUMP_TO_TOP
	UOP_EXIT_TRACE

	// 调用
	UOP_CALL
	UOP_CHECK_FUNCTION_EXACT_ARGS
	UOP_CALL_PY_EXACT_ARGS
	UOP_GUARD_CALLABLE_BUILTIN
	UOP_CALL_BUILTIN

	uopCount
)

var uopNames = [uopCount]string{
	UOP_NOP:                       "_NOP",
	UOP_LOAD_CONST:                "_LOAD_CONST",
	UOP_LOAD_FAST:                 "_LOAD_FAST",
	UOP_STORE_FAST:                "_STORE_FAST",
	UOP_POP_TOP:                   "_POP_TOP",
	UOP_COPY:                      "_COPY",
	UOP_SWAP:                      "_SWAP",
	UOP_LOAD_GLOBAL:               "_LOAD_GLOBAL",
	UOP_GUARD_GLOBALS_VERSION:     "_GUARD_GLOBALS_VERSION",
	UOP_LOAD_GLOBAL_MODULE:        "_LOAD_GLOBAL_MODULE",
	UOP_STORE_GLOBAL:              "_STORE_GLOBAL",
	UOP_LOAD_ATTR:                 "_LOAD_ATTR",
	UOP_GUARD_TYPE_VERSION:        "_GUARD_TYPE_VERSION",
	UOP_LOAD_ATTR_INSTANCE_VALUE:  "_LOAD_ATTR_INSTANCE_VALUE",
	UOP_BINARY_SUBSCR:             "_BINARY_SUBSCR",
	UOP_GUARD_LIST_INT:            "_GUARD_LIST_INT",
	UOP_BINARY_SUBSCR_LIST_INT:    "_BINARY_SUBSCR_LIST_INT",
	UOP_BINARY_OP:                 "_BINARY_OP",
	UOP_COMPARE_OP:                "_COMPARE_OP",
	UOP_GUARD_BOTH_INT:            "_GUARD_BOTH_INT",
	UOP_GUARD_BOTH_FLOAT:          "_GUARD_BOTH_FLOAT",
	UOP_GUARD_BOTH_STR:            "_GUARD_BOTH_STR",
	UOP_BINARY_OP_ADD_INT:         "_BINARY_OP_ADD_INT",
	UOP_BINARY_OP_SUB_INT:         "_BINARY_OP_SUB_INT",
	UOP_BINARY_OP_MUL_INT:         "_BINARY_OP_MUL_INT",
	UOP_BINARY_OP_ADD_FLOAT:       "_BINARY_OP_ADD_FLOAT",
	UOP_BINARY_OP_SUB_FLOAT:       "_BINARY_OP_SUB_FLOAT",
	UOP_BINARY_OP_MUL_FLOAT:       "_BINARY_OP_MUL_FLOAT",
	UOP_BINARY_OP_ADD_STR:         "_BINARY_OP_ADD_STR",
	UOP_COMPARE_OP_INT:            "_COMPARE_OP_INT",
	UOP_COMPARE_OP_FLOAT:          "_COMPARE_OP_FLOAT",
	UOP_COMPARE_OP_STR:            "_COMPARE_OP_STR",
	UOP_UNARY_NEGATIVE:            "_UNARY_NEGATIVE",
	UOP_UNARY_NOT:                 "_UNARY_NOT",
	UOP_GUARD_IS_TRUE_POP:         "_GUARD_IS_TRUE_POP",
	UOP_GUARD_IS_FALSE_POP:        "_GUARD_IS_FALSE_POP",
	UOP_CHECK_PERIODIC:            "_CHECK_PERIODIC",
	UOP_JUMP_TO_TOP:               "_JUMP_TO_TOP",
	UOP_EXIT_TRACE:                "_EXIT_TRACE",
	UOP_CALL:                      "_CALL",
	UOP_CHECK_FUNCTION_EXACT_ARGS: "_CHECK_FUNCTION_EXACT_ARGS",
	UOP_CALL_PY_EXACT_ARGS:        "_CALL_PY_EXACT_ARGS",
	UOP_GUARD_CALLABLE_BUILTIN:    "_GUARD_CALLABLE_BUILTIN",
	UOP_CALL_BUILTIN:              "_CALL_BUILTIN",
}

func (op UOpCode) String() string {
	if op < uopCount && uopNames[op] != "" {
		return uopNames[op]
	}
	return fmt.Sprintf("_UOP_%d", uint16(op))
}

// IsGuard 是否为守卫 (失败时去优化, 不修改栈)
func (op UOpCode) IsGuard() bool {
	switch op {
	case UOP_GUARD_GLOBALS_VERSION, UOP_GUARD_TYPE_VERSION, UOP_GUARD_LIST_INT,
		UOP_GUARD_BOTH_INT, UOP_GUARD_BOTH_FLOAT, UOP_GUARD_BOTH_STR,
		UOP_GUARD_IS_TRUE_POP, UOP_GUARD_IS_FALSE_POP,
		UOP_CHECK_FUNCTION_EXACT_ARGS, UOP_GUARD_CALLABLE_BUILTIN:
		return true
	}
	return false
}

// UOp 微操作
type UOp struct {
	Op      UOpCode
	Oparg   int32  // 局部槽位, 常量/名字下标, 运算种类, 参数个数
	Operand uint64 // 守卫缓存的版本号
	Target  int32  // 来源基线指令偏移 (去优化与出错的恢复点)
}

// ErrorPops 出错时弹出的输入个数
//
// 调用类微操作为 argc+1, 实际的弹出由调用 helper 完成。
func (u UOp) ErrorPops() int {
	switch u.Op {
	case UOP_LOAD_ATTR, UOP_UNARY_NEGATIVE:
		return 1
	case UOP_BINARY_OP, UOP_COMPARE_OP, UOP_BINARY_SUBSCR, UOP_BINARY_SUBSCR_LIST_INT,
		UOP_BINARY_OP_ADD_INT, UOP_BINARY_OP_SUB_INT, UOP_BINARY_OP_MUL_INT:
		return 2
	case UOP_CALL, UOP_CALL_PY_EXACT_ARGS, UOP_CALL_BUILTIN:
		return int(u.Oparg) + 1
	}
	return 0
}

func (u UOp) String() string {
	switch {
	case u.Op == UOP_GUARD_GLOBALS_VERSION || u.Op == UOP_GUARD_TYPE_VERSION || u.Op == UOP_CHECK_FUNCTION_EXACT_ARGS:
		return fmt.Sprintf("%-28s %d v%d @%d", u.Op, u.Oparg, u.Operand, u.Target)
	case u.Op == UOP_BINARY_OP:
		return fmt.Sprintf("%-28s %s @%d", u.Op, bytecode.BinaryOp(u.Oparg), u.Target)
	case u.Op == UOP_COMPARE_OP || u.Op == UOP_COMPARE_OP_INT || u.Op == UOP_COMPARE_OP_FLOAT || u.Op == UOP_COMPARE_OP_STR:
		return fmt.Sprintf("%-28s %s @%d", u.Op, bytecode.CompareOp(u.Oparg), u.Target)
	}
	return fmt.Sprintf("%-28s %d @%d", u.Op, u.Oparg, u.Target)
}

// FormatUOps 多行列表
func FormatUOps(uops []UOp) string {
	var sb strings.Builder
	for i, u := range uops {
		fmt.Fprintf(&sb, "%4d  %s\n", i, u)
	}
	return sb.String()
}
