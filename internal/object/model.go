// Package object 定义执行核心与对象模型之间的边界
//
// 核心只通过 Model 操作值: 算术, 比较, 属性, 下标与外部调用。
// 值的内存由 Go 的垃圾回收器管理, 核心不做引用计数。
package object

import (
	"github.com/tangzhangming/tiervm/internal/bytecode"
	"github.com/tangzhangming/tiervm/internal/errors"
)

// Model 对象模型
type Model interface {
	BinaryOp(op bytecode.BinaryOp, a, b bytecode.Value) (bytecode.Value, error)
	Compare(op bytecode.CompareOp, a, b bytecode.Value) (bytecode.Value, error)
	Negate(v bytecode.Value) (bytecode.Value, error)
	GetAttr(v bytecode.Value, name string) (bytecode.Value, error)
	GetItem(v, index bytecode.Value) (bytecode.Value, error)
	// Call 调用非代码函数 (内置函数, 类型构造); 代码函数由解释器自己压帧
	Call(callee bytecode.Value, args []bytecode.Value) (bytecode.Value, error)
}

// Default 默认对象模型
type Default struct{}

var _ Model = Default{}

// PrimitiveSemantics 报告 m 的运算, 比较, 下标与属性读取是否就是 bytecode 包的原语语义。
// 只有这时特化指令和 trace 里的内联实现才与通用路径等价;
// 其他模型 (包括内嵌 Default 后覆盖部分方法的模型) 一律走 Model。
func PrimitiveSemantics(m Model) bool {
	switch m := m.(type) {
	case Default, *Default:
		return true
	case *Recording:
		// Recording 只拦截 Call
		return PrimitiveSemantics(m.Model)
	}
	return false
}

// BinaryOp 二元运算
func (Default) BinaryOp(op bytecode.BinaryOp, a, b bytecode.Value) (bytecode.Value, error) {
	switch {
	case a.IsInt() && b.IsInt():
		r, ok, zeroDiv := bytecode.IntArith(op, a.AsInt(), b.AsInt())
		if zeroDiv {
			return bytecode.NullValue, errors.ZeroDivision()
		}
		if !ok {
			return bytecode.NullValue, errors.Overflow(op.String())
		}
		return bytecode.NewInt(r), nil

	case a.IsNumber() && b.IsNumber():
		r, zeroDiv := bytecode.FloatArith(op, a.AsFloat(), b.AsFloat())
		if zeroDiv {
			return bytecode.NullValue, errors.ZeroDivision()
		}
		return bytecode.NewFloat(r), nil

	case a.IsString() && b.IsString() && op == bytecode.BinaryAdd:
		return bytecode.NewString(bytecode.ConcatString(a.AsString(), b.AsString())), nil

	case a.IsString() && b.IsInt() && op == bytecode.BinaryMul:
		return repeatString(a.AsString(), b.AsInt())

	case a.Type == bytecode.ValList && b.Type == bytecode.ValList && op == bytecode.BinaryAdd:
		x, y := a.AsList().Items, b.AsList().Items
		items := make([]bytecode.Value, 0, len(x)+len(y))
		items = append(items, x...)
		items = append(items, y...)
		return bytecode.NewList(items...), nil
	}
	return bytecode.NullValue, errors.UnsupportedOperand(op.String(), a, b)
}

const maxStringRepeat = 1 << 24

func repeatString(s string, n int64) (bytecode.Value, error) {
	if n <= 0 {
		return bytecode.NewString(""), nil
	}
	if int64(len(s))*n > maxStringRepeat {
		return bytecode.NullValue, errors.Overflow("*")
	}
	out := make([]byte, 0, len(s)*int(n))
	for i := int64(0); i < n; i++ {
		out = append(out, s...)
	}
	return bytecode.NewString(string(out)), nil
}

// Compare 比较; 相等性对任意值有定义, 大小比较只对数值与字符串有定义
func (Default) Compare(op bytecode.CompareOp, a, b bytecode.Value) (bytecode.Value, error) {
	switch {
	case a.IsInt() && b.IsInt():
		return bytecode.NewBool(bytecode.CompareInt(op, a.AsInt(), b.AsInt())), nil
	case a.IsNumber() && b.IsNumber():
		return bytecode.NewBool(bytecode.CompareFloat(op, a.AsFloat(), b.AsFloat())), nil
	case a.IsString() && b.IsString():
		return bytecode.NewBool(bytecode.CompareString(op, a.AsString(), b.AsString())), nil
	case op == bytecode.CompareEq:
		return bytecode.NewBool(a.Equals(b)), nil
	case op == bytecode.CompareNe:
		return bytecode.NewBool(!a.Equals(b)), nil
	}
	return bytecode.NullValue, errors.TypeError("'%s' not supported between '%s' and '%s'", op, a.TypeName(), b.TypeName())
}

// Negate 取负
func (Default) Negate(v bytecode.Value) (bytecode.Value, error) {
	switch {
	case v.IsInt():
		r, ok := bytecode.SubInt(0, v.AsInt())
		if !ok {
			return bytecode.NullValue, errors.Overflow("unary -")
		}
		return bytecode.NewInt(r), nil
	case v.IsFloat():
		return bytecode.NewFloat(-v.AsFloat()), nil
	}
	return bytecode.NullValue, errors.TypeError("bad operand type for unary -: '%s'", v.TypeName())
}

// GetAttr 读取实例字段
func (Default) GetAttr(v bytecode.Value, name string) (bytecode.Value, error) {
	if inst := v.AsInstance(); inst != nil {
		if field, ok := inst.Field(name); ok {
			return field, nil
		}
	}
	return bytecode.NullValue, errors.AttributeError(v, name)
}

// GetItem 下标读取 (列表与字符串, 支持负下标)
func (Default) GetItem(v, index bytecode.Value) (bytecode.Value, error) {
	if !index.IsInt() {
		return bytecode.NullValue, errors.TypeError("indices must be integers, not '%s'", index.TypeName())
	}
	switch v.Type {
	case bytecode.ValList:
		items := v.AsList().Items
		i, ok := bytecode.ListIndex(index.AsInt(), len(items))
		if !ok {
			return bytecode.NullValue, errors.IndexError(index.AsInt(), len(items))
		}
		return items[i], nil
	case bytecode.ValString:
		s := v.AsString()
		i, ok := bytecode.ListIndex(index.AsInt(), len(s))
		if !ok {
			return bytecode.NullValue, errors.IndexError(index.AsInt(), len(s))
		}
		return bytecode.NewString(s[i : i+1]), nil
	}
	return bytecode.NullValue, errors.TypeError("'%s' object is not subscriptable", v.TypeName())
}

// Call 调用内置函数或构造实例
func (Default) Call(callee bytecode.Value, args []bytecode.Value) (bytecode.Value, error) {
	if b := callee.AsBuiltin(); b != nil {
		v, err := b.Fn(args)
		if err != nil {
			return bytecode.NullValue, errors.Wrap(err)
		}
		return v, nil
	}
	if t := callee.AsType(); t != nil {
		if len(args) != len(t.Fields()) {
			return bytecode.NullValue, errors.ArgCount(t.Name, len(t.Fields()), len(args))
		}
		return bytecode.NewInstanceValue(bytecode.NewInstance(t, args...)), nil
	}
	return bytecode.NullValue, errors.NotCallable(callee)
}
