package runtime

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/tangzhangming/tiervm/internal/bytecode"
	"github.com/tangzhangming/tiervm/internal/errors"
)

// ============================================================================
// 宿主内置函数
// ============================================================================
//
// 内置函数通过对象模型的 Call 调用, 是程序唯一可观察的副作用来源。
// 参数错误返回 TypeError, 由解释器按普通错误展开。

type builtinFunc func(args []bytecode.Value) (bytecode.Value, error)

// InstallBuiltins 把内置函数写入全局变量表, print 输出到 out
func InstallBuiltins(g *bytecode.Globals, out io.Writer) {
	table := map[string]builtinFunc{
		"print":  builtinPrint(out),
		"typeof": builtinTypeof,
		"len":    builtinLen,
		"push":   builtinPush,
		"int":    builtinToInt,
		"float":  builtinToFloat,
		"str":    builtinToString,
		"abs":    builtinAbs,
		"min":    builtinMin,
		"max":    builtinMax,
		"floor":  builtinFloor,
		"sqrt":   builtinSqrt,
	}
	for _, name := range BuiltinNames() {
		g.Set(name, bytecode.NewBuiltin(name, table[name]))
	}
}

// BuiltinNames 内置函数名 (注册顺序)
func BuiltinNames() []string {
	return []string{"print", "typeof", "len", "push", "int", "float", "str", "abs", "min", "max", "floor", "sqrt"}
}

func arity(name string, args []bytecode.Value, n int) error {
	if len(args) != n {
		return errors.ArgCount(name, n, len(args))
	}
	return nil
}

func builtinPrint(out io.Writer) builtinFunc {
	return func(args []bytecode.Value) (bytecode.Value, error) {
		parts := make([]string, len(args))
		for i, arg := range args {
			parts[i] = arg.String()
		}
		fmt.Fprintln(out, strings.Join(parts, " "))
		return bytecode.NullValue, nil
	}
}

func builtinTypeof(args []bytecode.Value) (bytecode.Value, error) {
	if err := arity("typeof", args, 1); err != nil {
		return bytecode.NullValue, err
	}
	return bytecode.NewString(args[0].TypeName()), nil
}

func builtinLen(args []bytecode.Value) (bytecode.Value, error) {
	if err := arity("len", args, 1); err != nil {
		return bytecode.NullValue, err
	}
	switch v := args[0]; v.Type {
	case bytecode.ValString:
		return bytecode.NewInt(int64(len(v.AsString()))), nil
	case bytecode.ValList:
		return bytecode.NewInt(int64(len(v.AsList().Items))), nil
	default:
		return bytecode.NullValue, errors.TypeError("object of type '%s' has no len()", v.TypeName())
	}
}

func builtinPush(args []bytecode.Value) (bytecode.Value, error) {
	if err := arity("push", args, 2); err != nil {
		return bytecode.NullValue, err
	}
	l := args[0].AsList()
	if l == nil {
		return bytecode.NullValue, errors.TypeError("push() expects a list, got '%s'", args[0].TypeName())
	}
	l.Items = append(l.Items, args[1])
	return bytecode.NewInt(int64(len(l.Items))), nil
}

func builtinToInt(args []bytecode.Value) (bytecode.Value, error) {
	if err := arity("int", args, 1); err != nil {
		return bytecode.NullValue, err
	}
	switch v := args[0]; v.Type {
	case bytecode.ValInt:
		return v, nil
	case bytecode.ValBool:
		if v.AsBool() {
			return bytecode.NewInt(1), nil
		}
		return bytecode.NewInt(0), nil
	case bytecode.ValFloat:
		f := v.AsFloat()
		if math.IsNaN(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f < math.MinInt64 {
			return bytecode.NullValue, errors.Overflow("int")
		}
		return bytecode.NewInt(int64(f)), nil
	case bytecode.ValString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.AsString()), 10, 64)
		if err != nil {
			return bytecode.NullValue, errors.TypeError("invalid literal for int(): %q", v.AsString())
		}
		return bytecode.NewInt(n), nil
	}
	return bytecode.NullValue, errors.TypeError("int() argument must be a number or string, not '%s'", args[0].TypeName())
}

func builtinToFloat(args []bytecode.Value) (bytecode.Value, error) {
	if err := arity("float", args, 1); err != nil {
		return bytecode.NullValue, err
	}
	switch v := args[0]; v.Type {
	case bytecode.ValInt, bytecode.ValFloat:
		return bytecode.NewFloat(v.AsFloat()), nil
	case bytecode.ValString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.AsString()), 64)
		if err != nil {
			return bytecode.NullValue, errors.TypeError("could not convert string to float: %q", v.AsString())
		}
		return bytecode.NewFloat(f), nil
	}
	return bytecode.NullValue, errors.TypeError("float() argument must be a number or string, not '%s'", args[0].TypeName())
}

func builtinToString(args []bytecode.Value) (bytecode.Value, error) {
	if err := arity("str", args, 1); err != nil {
		return bytecode.NullValue, err
	}
	if args[0].IsString() {
		return args[0], nil
	}
	return bytecode.NewString(args[0].String()), nil
}

// ============================================================================
// 数学
// ============================================================================

func builtinAbs(args []bytecode.Value) (bytecode.Value, error) {
	if err := arity("abs", args, 1); err != nil {
		return bytecode.NullValue, err
	}
	switch v := args[0]; v.Type {
	case bytecode.ValInt:
		n := v.AsInt()
		if n == math.MinInt64 {
			return bytecode.NullValue, errors.Overflow("abs")
		}
		if n < 0 {
			return bytecode.NewInt(-n), nil
		}
		return v, nil
	case bytecode.ValFloat:
		return bytecode.NewFloat(math.Abs(v.AsFloat())), nil
	}
	return bytecode.NullValue, errors.TypeError("bad operand type for abs(): '%s'", args[0].TypeName())
}

// extremum min/max, 返回参数中的原值; int 与 int 之间按整数比较
func extremum(name string, args []bytecode.Value, sign int) (bytecode.Value, error) {
	if len(args) == 0 {
		return bytecode.NullValue, errors.TypeError("%s expected at least 1 argument, got 0", name)
	}
	best := args[0]
	for _, v := range args {
		if !v.IsNumber() {
			return bytecode.NullValue, errors.TypeError("%s() arguments must be numbers, not '%s'", name, v.TypeName())
		}
		if compareNumber(v, best) == sign {
			best = v
		}
	}
	return best, nil
}

func compareNumber(a, b bytecode.Value) int {
	if a.IsInt() && b.IsInt() {
		x, y := a.AsInt(), b.AsInt()
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	x, y := a.AsFloat(), b.AsFloat()
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func builtinMin(args []bytecode.Value) (bytecode.Value, error) {
	return extremum("min", args, -1)
}

func builtinMax(args []bytecode.Value) (bytecode.Value, error) {
	return extremum("max", args, 1)
}

func builtinFloor(args []bytecode.Value) (bytecode.Value, error) {
	if err := arity("floor", args, 1); err != nil {
		return bytecode.NullValue, err
	}
	switch v := args[0]; v.Type {
	case bytecode.ValInt:
		return v, nil
	case bytecode.ValFloat:
		return builtinToInt([]bytecode.Value{bytecode.NewFloat(math.Floor(v.AsFloat()))})
	}
	return bytecode.NullValue, errors.TypeError("floor() argument must be a number, not '%s'", args[0].TypeName())
}

func builtinSqrt(args []bytecode.Value) (bytecode.Value, error) {
	if err := arity("sqrt", args, 1); err != nil {
		return bytecode.NullValue, err
	}
	if !args[0].IsNumber() {
		return bytecode.NullValue, errors.TypeError("sqrt() argument must be a number, not '%s'", args[0].TypeName())
	}
	f := args[0].AsFloat()
	if f < 0 {
		return bytecode.NullValue, errors.TypeError("math domain error")
	}
	return bytecode.NewFloat(math.Sqrt(f)), nil
}
