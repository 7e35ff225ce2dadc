package bytecode

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ValueType 值类型
type ValueType byte

const (
	ValNull ValueType = iota
	ValBool
	ValInt
	ValFloat
	ValString
	ValList
	ValInstance
	ValType
	ValFunc
	ValBuiltin
	ValError // 被捕获的错误 (异常处理器入口压入)
)

var valueTypeNames = [...]string{
	ValNull:     "null",
	ValBool:     "bool",
	ValInt:      "int",
	ValFloat:    "float",
	ValString:   "str",
	ValList:     "list",
	ValInstance: "instance",
	ValType:     "type",
	ValFunc:     "function",
	ValBuiltin:  "builtin",
	ValError:    "error",
}

func (t ValueType) String() string {
	if int(t) < len(valueTypeNames) {
		return valueTypeNames[t]
	}
	return fmt.Sprintf("value(%d)", uint8(t))
}

// Value 运行时值
//
// 标量 (bool/int/float) 存放在 num 中, 引用类型存放在 Data 中。
// Value 可以用 == 比较: 标量比较位模式, 引用类型比较指针。
type Value struct {
	Type ValueType
	num  uint64
	Data interface{}
}

// 预定义常量值
var (
	NullValue  = Value{Type: ValNull}
	TrueValue  = Value{Type: ValBool, num: 1}
	FalseValue = Value{Type: ValBool}
)

// List 列表
type List struct {
	Items []Value
}

// Builtin 宿主提供的内置函数, 通过对象模型的 Call 调用
type Builtin struct {
	Name string
	Fn   func(args []Value) (Value, error)
}

// NewBool 创建布尔值
func NewBool(b bool) Value {
	if b {
		return TrueValue
	}
	return FalseValue
}

// NewInt 创建整数值
func NewInt(n int64) Value {
	return Value{Type: ValInt, num: uint64(n)}
}

// NewFloat 创建浮点数值
func NewFloat(f float64) Value {
	return Value{Type: ValFloat, num: math.Float64bits(f)}
}

// NewString 创建字符串值
func NewString(s string) Value {
	return Value{Type: ValString, Data: s}
}

// NewList 创建列表值
func NewList(items ...Value) Value {
	return Value{Type: ValList, Data: &List{Items: items}}
}

// NewInstanceValue 包装实例
func NewInstanceValue(inst *Instance) Value {
	return Value{Type: ValInstance, Data: inst}
}

// NewTypeValue 包装类型
func NewTypeValue(t *Type) Value {
	return Value{Type: ValType, Data: t}
}

// NewFunc 包装函数
func NewFunc(fn *Function) Value {
	return Value{Type: ValFunc, Data: fn}
}

// NewBuiltin 创建内置函数值
func NewBuiltin(name string, fn func(args []Value) (Value, error)) Value {
	return Value{Type: ValBuiltin, Data: &Builtin{Name: name, Fn: fn}}
}

// NewError 包装错误
func NewError(err error) Value {
	return Value{Type: ValError, Data: err}
}

// IsNull 是否为 null
func (v Value) IsNull() bool { return v.Type == ValNull }

// IsInt 是否为整数
func (v Value) IsInt() bool { return v.Type == ValInt }

// IsFloat 是否为浮点数
func (v Value) IsFloat() bool { return v.Type == ValFloat }

// IsString 是否为字符串
func (v Value) IsString() bool { return v.Type == ValString }

// IsNumber 是否为数值
func (v Value) IsNumber() bool { return v.Type == ValInt || v.Type == ValFloat }

// AsBool 获取布尔值
func (v Value) AsBool() bool { return v.num != 0 }

// AsInt 获取整数值
func (v Value) AsInt() int64 { return int64(v.num) }

// AsFloat 获取浮点数值; 整数会被转换
func (v Value) AsFloat() float64 {
	if v.Type == ValInt {
		return float64(int64(v.num))
	}
	return math.Float64frombits(v.num)
}

// AsString 获取字符串
func (v Value) AsString() string {
	s, _ := v.Data.(string)
	return s
}

// AsList 获取列表, 非列表返回 nil
func (v Value) AsList() *List {
	l, _ := v.Data.(*List)
	return l
}

// AsInstance 获取实例, 非实例返回 nil
func (v Value) AsInstance() *Instance {
	if v.Type != ValInstance {
		return nil
	}
	inst, _ := v.Data.(*Instance)
	return inst
}

// AsType 获取类型, 非类型返回 nil
func (v Value) AsType() *Type {
	if v.Type != ValType {
		return nil
	}
	t, _ := v.Data.(*Type)
	return t
}

// AsFunc 获取函数, 非函数返回 nil
func (v Value) AsFunc() *Function {
	if v.Type != ValFunc {
		return nil
	}
	fn, _ := v.Data.(*Function)
	return fn
}

// AsBuiltin 获取内置函数, 非内置函数返回 nil
func (v Value) AsBuiltin() *Builtin {
	if v.Type != ValBuiltin {
		return nil
	}
	b, _ := v.Data.(*Builtin)
	return b
}

// AsError 获取错误, 非错误返回 nil
func (v Value) AsError() error {
	if v.Type != ValError {
		return nil
	}
	err, _ := v.Data.(error)
	return err
}

// TypeName 值的类型名 (实例返回其类型名)
func (v Value) TypeName() string {
	if inst := v.AsInstance(); inst != nil {
		return inst.Type.Name
	}
	return v.Type.String()
}

// IsTruthy 真值判断
func (v Value) IsTruthy() bool {
	switch v.Type {
	case ValNull:
		return false
	case ValBool, ValInt:
		return v.num != 0
	case ValFloat:
		return v.AsFloat() != 0
	case ValString:
		return v.AsString() != ""
	case ValList:
		return len(v.AsList().Items) > 0
	}
	return true
}

// Equals 值相等 (数值跨 int/float 比较)
func (v Value) Equals(other Value) bool {
	switch {
	case v.Type == ValInt && other.Type == ValInt:
		return v.num == other.num
	case v.IsNumber() && other.IsNumber():
		return v.AsFloat() == other.AsFloat()
	case v.Type != other.Type:
		return false
	}
	switch v.Type {
	case ValNull:
		return true
	case ValBool:
		return v.num == other.num
	case ValString:
		return v.AsString() == other.AsString()
	case ValList:
		a, b := v.AsList().Items, other.AsList().Items
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if !a[i].Equals(b[i]) {
				return false
			}
		}
		return true
	}
	return v.Data == other.Data
}

func (v Value) String() string {
	switch v.Type {
	case ValNull:
		return "null"
	case ValBool:
		if v.AsBool() {
			return "true"
		}
		return "false"
	case ValInt:
		return strconv.FormatInt(v.AsInt(), 10)
	case ValFloat:
		return strconv.FormatFloat(v.AsFloat(), 'g', -1, 64)
	case ValString:
		return v.AsString()
	case ValList:
		var sb strings.Builder
		sb.WriteByte('[')
		for i, item := range v.AsList().Items {
			if i > 0 {
				sb.WriteString(", ")
			}
			if item.Type == ValString {
				sb.WriteString(strconv.Quote(item.AsString()))
			} else {
				sb.WriteString(item.String())
			}
		}
		sb.WriteByte(']')
		return sb.String()
	case ValInstance:
		return v.AsInstance().String()
	case ValType:
		return "<type " + v.AsType().Name + ">"
	case ValFunc:
		return "<function " + v.AsFunc().Name + ">"
	case ValBuiltin:
		return "<builtin " + v.AsBuiltin().Name + ">"
	case ValError:
		return v.AsError().Error()
	}
	return "<unknown>"
}
