package bytecode

import (
	"math"
	"strings"
)

// ============================================================================
// 原语运算
// ============================================================================
//
// 基线解释器的特化指令、trace 执行器的 uop 和默认对象模型
// 都调用这里的函数, 保证各执行层语义一致。

// AddInt 整数加法, ok=false 表示溢出
func AddInt(a, b int64) (int64, bool) {
	c := a + b
	return c, (c > a) == (b > 0)
}

// SubInt 整数减法, ok=false 表示溢出
func SubInt(a, b int64) (int64, bool) {
	c := a - b
	return c, (c < a) == (b > 0)
}

// MulInt 整数乘法, ok=false 表示溢出
func MulInt(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	c := a * b
	if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return c, false
	}
	return c, c/b == a
}

// IntArith 整数二元运算
// ok=false 表示溢出; zeroDiv=true 表示除零
func IntArith(op BinaryOp, a, b int64) (r int64, ok bool, zeroDiv bool) {
	switch op {
	case BinaryAdd:
		r, ok = AddInt(a, b)
	case BinarySub:
		r, ok = SubInt(a, b)
	case BinaryMul:
		r, ok = MulInt(a, b)
	case BinaryDiv:
		if b == 0 {
			return 0, false, true
		}
		if a == math.MinInt64 && b == -1 {
			return 0, false, false
		}
		r, ok = a/b, true
	case BinaryMod:
		if b == 0 {
			return 0, false, true
		}
		if b == -1 {
			return 0, true, false
		}
		r, ok = a%b, true
	}
	return r, ok, false
}

// FloatArith 浮点二元运算; zeroDiv=true 表示除零
func FloatArith(op BinaryOp, a, b float64) (r float64, zeroDiv bool) {
	switch op {
	case BinaryAdd:
		return a + b, false
	case BinarySub:
		return a - b, false
	case BinaryMul:
		return a * b, false
	case BinaryDiv:
		if b == 0 {
			return 0, true
		}
		return a / b, false
	case BinaryMod:
		if b == 0 {
			return 0, true
		}
		return math.Mod(a, b), false
	}
	return 0, false
}

// ConcatString 字符串拼接
func ConcatString(a, b string) string {
	var sb strings.Builder
	sb.Grow(len(a) + len(b))
	sb.WriteString(a)
	sb.WriteString(b)
	return sb.String()
}

// CompareInt 整数比较
func CompareInt(op CompareOp, a, b int64) bool {
	switch op {
	case CompareLt:
		return a < b
	case CompareLe:
		return a <= b
	case CompareEq:
		return a == b
	case CompareNe:
		return a != b
	case CompareGt:
		return a > b
	case CompareGe:
		return a >= b
	}
	return false
}

// CompareFloat 浮点比较 (NaN 与任何值比较均为假, != 除外)
func CompareFloat(op CompareOp, a, b float64) bool {
	switch op {
	case CompareLt:
		return a < b
	case CompareLe:
		return a <= b
	case CompareEq:
		return a == b
	case CompareNe:
		return a != b
	case CompareGt:
		return a > b
	case CompareGe:
		return a >= b
	}
	return false
}

// CompareString 字符串按字节序比较
func CompareString(op CompareOp, a, b string) bool {
	c := strings.Compare(a, b)
	switch op {
	case CompareLt:
		return c < 0
	case CompareLe:
		return c <= 0
	case CompareEq:
		return c == 0
	case CompareNe:
		return c != 0
	case CompareGt:
		return c > 0
	case CompareGe:
		return c >= 0
	}
	return false
}

// ListIndex 规范化列表下标 (支持负下标), ok=false 表示越界
func ListIndex(i int64, n int) (int, bool) {
	if i < 0 {
		i += int64(n)
	}
	if i < 0 || i >= int64(n) {
		return 0, false
	}
	return int(i), true
}
