package errors

import "fmt"

// InternalError 执行核心内部不变量被破坏 (未知操作码, trace 损坏, 栈越界)
//
// 只通过 panic 传播, 不会被转换成语言级错误。
type InternalError struct {
	Message string
}

func (e *InternalError) Error() string {
	return "internal error: " + e.Message
}

// Internal 构造内部错误, 调用方直接 panic
func Internal(format string, args ...interface{}) *InternalError {
	return &InternalError{Message: fmt.Sprintf(format, args...)}
}
