package vm

import (
	"github.com/tangzhangming/tiervm/internal/bytecode"
	"github.com/tangzhangming/tiervm/internal/errors"
)

// ============================================================================
// 特化运算 Helper
// ============================================================================
//
// 特化指令与 trace 的 uop 共用这些函数; 守卫已经确认了操作数类型,
// 这里只处理运算本身可能产生的语言级错误 (溢出, 越界)。

// BinaryVariantOp 特化二元指令对应的运算
func BinaryVariantOp(op bytecode.OpCode) bytecode.BinaryOp {
	switch op {
	case bytecode.OpBinaryOpAddInt, bytecode.OpBinaryOpAddFloat, bytecode.OpBinaryOpAddStr:
		return bytecode.BinaryAdd
	case bytecode.OpBinaryOpSubInt, bytecode.OpBinaryOpSubFloat:
		return bytecode.BinarySub
	case bytecode.OpBinaryOpMulInt, bytecode.OpBinaryOpMulFloat:
		return bytecode.BinaryMul
	}
	panic(errors.Internal("%s is not a specialized binary op", op))
}

// IntBinary 整数加减乘
func IntBinary(op bytecode.BinaryOp, a, b int64) (bytecode.Value, error) {
	r, ok, _ := bytecode.IntArith(op, a, b)
	if !ok {
		return bytecode.NullValue, errors.Overflow(op.String())
	}
	return bytecode.NewInt(r), nil
}

// FloatBinary 浮点加减乘
func FloatBinary(op bytecode.BinaryOp, a, b float64) bytecode.Value {
	r, _ := bytecode.FloatArith(op, a, b)
	return bytecode.NewFloat(r)
}

// StrConcat 字符串拼接
func StrConcat(a, b bytecode.Value) bytecode.Value {
	return bytecode.NewString(bytecode.ConcatString(a.AsString(), b.AsString()))
}

// ListItem 列表整数下标读取
func ListItem(container, index bytecode.Value) (bytecode.Value, error) {
	items := container.AsList().Items
	i, ok := bytecode.ListIndex(index.AsInt(), len(items))
	if !ok {
		return bytecode.NullValue, errors.IndexError(index.AsInt(), len(items))
	}
	return items[i], nil
}

// InstanceSlot 按缓存的类型版本读取实例字段, 守卫失败返回 false
func InstanceSlot(obj bytecode.Value, version uint32, slot int) (bytecode.Value, bool) {
	inst := obj.AsInstance()
	if inst == nil || inst.Type.Version() != version || slot >= len(inst.Slots) {
		return bytecode.NullValue, false
	}
	return inst.Slots[slot], true
}

// Not 逻辑非
func Not(v bytecode.Value) bytecode.Value {
	return bytecode.NewBool(!v.IsTruthy())
}
