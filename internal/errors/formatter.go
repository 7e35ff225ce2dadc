package errors

import (
	"fmt"
	"strings"
)

// ============================================================================
// 错误格式化
// ============================================================================

const (
	ansiReset   = "\033[0m"
	ansiBoldRed = "\033[1;31m"
	ansiCyan    = "\033[36m"
	ansiDim     = "\033[2m"
)

// Formatter 把错误格式化为终端输出
type Formatter struct {
	Color bool
}

// NewFormatter 创建格式化器
func NewFormatter(color bool) *Formatter {
	return &Formatter{Color: color}
}

func (f *Formatter) paint(code, s string) string {
	if !f.Color {
		return s
	}
	return code + s + ansiReset
}

// Format 格式化错误; 运行时错误附带错误码与回溯
func (f *Formatter) Format(err error) string {
	if err == nil {
		return ""
	}
	re, ok := AsRuntime(err)
	if !ok {
		return f.paint(ansiBoldRed, "error") + ": " + err.Error()
	}
	var sb strings.Builder
	sb.WriteString(f.paint(ansiBoldRed, fmt.Sprintf("%s[%s]", re.Kind, re.Code)))
	if re.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(re.Message)
	}
	for _, l := range re.Traceback {
		sb.WriteString("\n  ")
		sb.WriteString(f.paint(ansiDim, "at"))
		sb.WriteByte(' ')
		sb.WriteString(f.paint(ansiCyan, l.Func))
		fmt.Fprintf(&sb, " offset %d", l.Offset)
		if l.Line > 0 {
			fmt.Fprintf(&sb, ", line %d", l.Line)
		}
	}
	return sb.String()
}
