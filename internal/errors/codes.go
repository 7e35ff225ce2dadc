// Package errors 提供执行核心的错误分类
//
// 可观察的错误只有两类: 语言级错误 (类型/算术/查找失败, 以及被显式抛出的值)
// 和资源耗尽 (递归过深, 值栈溢出)。二者都以 *RuntimeError 表示, 沿帧链展开。
// 特化未命中与 trace 去优化不是错误, 只计入统计。
// 内部不变量被破坏时以 *InternalError panic, 核心不会恢复。
package errors

// ============================================================================
// 错误种类
// ============================================================================

// Kind 语言级错误种类
type Kind int

const (
	KindTypeError Kind = iota + 1
	KindZeroDivision
	KindOverflow
	KindName
	KindAttribute
	KindIndex
	KindRecursion
	KindStackOverflow
	KindInterrupted
	KindRaised
	KindExternal
)

var kindNames = map[Kind]string{
	KindTypeError:     "TypeError",
	KindZeroDivision:  "ZeroDivisionError",
	KindOverflow:      "OverflowError",
	KindName:          "NameError",
	KindAttribute:     "AttributeError",
	KindIndex:         "IndexError",
	KindRecursion:     "RecursionError",
	KindStackOverflow: "StackOverflowError",
	KindInterrupted:   "Interrupted",
	KindRaised:        "Raised",
	KindExternal:      "ExternalError",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "UnknownError"
}

// IsResource 是否为资源耗尽类错误
func (k Kind) IsResource() bool {
	return k == KindRecursion || k == KindStackOverflow
}

// ============================================================================
// 运行时错误码 (R 开头)
// ============================================================================

const (
	// R0001-R0099: 通用运行时错误
	R0001 = "R0001" // 显式抛出的值
	R0002 = "R0002" // 外部调用失败
	R0003 = "R0003" // 执行被中断

	// R0100-R0199: 下标错误
	R0100 = "R0100" // 下标越界

	// R0200-R0299: 数值错误
	R0200 = "R0200" // 除以零
	R0201 = "R0201" // 整数溢出

	// R0300-R0399: 类型/对象错误
	R0300 = "R0300" // 操作数类型不支持
	R0301 = "R0301" // 属性不存在
	R0302 = "R0302" // 对象不可调用
	R0303 = "R0303" // 参数个数错误

	// R0400-R0499: 资源/限制错误
	R0400 = "R0400" // 值栈溢出
	R0402 = "R0402" // 调用栈过深

	// R0500-R0599: 变量错误
	R0500 = "R0500" // 未定义的变量
)

// ErrorInfo 错误码信息
type ErrorInfo struct {
	Code     string // 错误码
	Kind     Kind   // 错误种类
	Category string // 错误分类
}

var runtimeErrors = map[string]ErrorInfo{
	R0001: {R0001, KindRaised, "runtime"},
	R0002: {R0002, KindExternal, "runtime"},
	R0003: {R0003, KindInterrupted, "runtime"},
	R0100: {R0100, KindIndex, "subscript"},
	R0200: {R0200, KindZeroDivision, "numeric"},
	R0201: {R0201, KindOverflow, "numeric"},
	R0300: {R0300, KindTypeError, "type"},
	R0301: {R0301, KindAttribute, "type"},
	R0302: {R0302, KindTypeError, "type"},
	R0303: {R0303, KindTypeError, "type"},
	R0400: {R0400, KindStackOverflow, "resource"},
	R0402: {R0402, KindRecursion, "resource"},
	R0500: {R0500, KindName, "variable"},
}

// GetRuntimeErrorInfo 获取运行时错误码信息
func GetRuntimeErrorInfo(code string) (ErrorInfo, bool) {
	info, ok := runtimeErrors[code]
	return info, ok
}

// IsRuntimeError 是否为运行时错误码
func IsRuntimeError(code string) bool {
	_, ok := runtimeErrors[code]
	return ok
}
