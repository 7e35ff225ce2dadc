package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/tangzhangming/tiervm/internal/bytecode"
)

// Location 回溯中的一帧
type Location struct {
	Func   string
	Offset int
	Line   int
}

func (l Location) String() string {
	if l.Line > 0 {
		return fmt.Sprintf("%s @%d (line %d)", l.Func, l.Offset, l.Line)
	}
	return fmt.Sprintf("%s @%d", l.Func, l.Offset)
}

// RuntimeError 语言级错误
type RuntimeError struct {
	Code      string
	Kind      Kind
	Message   string
	Payload   bytecode.Value // RAISE 抛出的值
	Traceback []Location     // 由内到外
	cause     error
}

func (e *RuntimeError) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Message
}

// Unwrap 返回外部调用的原始错误
func (e *RuntimeError) Unwrap() error { return e.cause }

// Is 按错误码与种类匹配, 目标中的零值字段视为通配
func (e *RuntimeError) Is(target error) bool {
	t, ok := target.(*RuntimeError)
	if !ok {
		return false
	}
	return (t.Code == "" || t.Code == e.Code) && (t.Kind == 0 || t.Kind == e.Kind)
}

// AddFrame 展开经过一帧时追加回溯
func (e *RuntimeError) AddFrame(fn string, offset, line int) {
	e.Traceback = append(e.Traceback, Location{Func: fn, Offset: offset, Line: line})
}

// FormatTraceback 多行回溯文本
func (e *RuntimeError) FormatTraceback() string {
	var sb strings.Builder
	sb.WriteString(e.Error())
	for _, l := range e.Traceback {
		sb.WriteString("\n  at ")
		sb.WriteString(l.String())
	}
	return sb.String()
}

// Equal 两个错误是否可观察地相同 (种类, 错误码, 消息, 抛出值, 回溯)
func Equal(a, b error) bool {
	if a == nil || b == nil {
		return a == b
	}
	ra, okA := AsRuntime(a)
	rb, okB := AsRuntime(b)
	if !okA || !okB {
		return a.Error() == b.Error()
	}
	if ra.Code != rb.Code || ra.Kind != rb.Kind || ra.Message != rb.Message || !ra.Payload.Equals(rb.Payload) {
		return false
	}
	if len(ra.Traceback) != len(rb.Traceback) {
		return false
	}
	for i := range ra.Traceback {
		if ra.Traceback[i] != rb.Traceback[i] {
			return false
		}
	}
	return true
}

// AsRuntime 提取 *RuntimeError
func AsRuntime(err error) (*RuntimeError, bool) {
	var re *RuntimeError
	if stderrors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// KindOf 错误种类, 非运行时错误返回 0
func KindOf(err error) Kind {
	if re, ok := AsRuntime(err); ok {
		return re.Kind
	}
	return 0
}

// Wrap 把任意错误转换为 *RuntimeError, 外部错误包装为 ExternalError
func Wrap(err error) *RuntimeError {
	if re, ok := err.(*RuntimeError); ok {
		return re
	}
	return &RuntimeError{Code: R0002, Kind: KindExternal, Message: err.Error(), cause: err}
}

func newError(code string, format string, args ...interface{}) *RuntimeError {
	info := runtimeErrors[code]
	return &RuntimeError{Code: code, Kind: info.Kind, Message: fmt.Sprintf(format, args...)}
}

// ============================================================================
// 构造函数
// ============================================================================

// TypeError 操作数类型不支持
func TypeError(format string, args ...interface{}) *RuntimeError {
	return newError(R0300, format, args...)
}

// UnsupportedOperand 二元运算类型不匹配
func UnsupportedOperand(op string, a, b bytecode.Value) *RuntimeError {
	return newError(R0300, "unsupported operand type(s) for %s: '%s' and '%s'", op, a.TypeName(), b.TypeName())
}

// NotCallable 对象不可调用
func NotCallable(v bytecode.Value) *RuntimeError {
	return newError(R0302, "'%s' object is not callable", v.TypeName())
}

// ArgCount 参数个数错误
func ArgCount(name string, want, got int) *RuntimeError {
	return newError(R0303, "%s() takes %d arguments (%d given)", name, want, got)
}

// ZeroDivision 除以零
func ZeroDivision() *RuntimeError {
	return newError(R0200, "division by zero")
}

// Overflow 整数溢出
func Overflow(op string) *RuntimeError {
	return newError(R0201, "integer overflow in %s", op)
}

// NameError 未定义的全局变量
func NameError(name string) *RuntimeError {
	return newError(R0500, "name '%s' is not defined", name)
}

// AttributeError 属性不存在
func AttributeError(v bytecode.Value, name string) *RuntimeError {
	return newError(R0301, "'%s' object has no attribute '%s'", v.TypeName(), name)
}

// IndexError 下标越界
func IndexError(i int64, n int) *RuntimeError {
	return newError(R0100, "index %d out of range (len %d)", i, n)
}

// Recursion 调用深度超过上限
func Recursion(limit int) *RuntimeError {
	return newError(R0402, "maximum recursion depth %d exceeded", limit)
}

// StackOverflow 值栈空间耗尽
func StackOverflow(need, size int) *RuntimeError {
	return newError(R0400, "value stack exhausted (need %d of %d slots)", need, size)
}

// Interrupted 协作式取消
func Interrupted(cause error) *RuntimeError {
	e := newError(R0003, "execution interrupted")
	if cause != nil {
		e.Message += ": " + cause.Error()
		e.cause = cause
	}
	return e
}

// Raised RAISE 抛出的值; 抛出错误值时原样返回该错误
func Raised(payload bytecode.Value) *RuntimeError {
	if err := payload.AsError(); err != nil {
		return Wrap(err)
	}
	e := newError(R0001, "%s", payload.String())
	e.Payload = payload
	return e
}
