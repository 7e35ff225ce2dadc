package object

import (
	"strings"
	"sync"

	"github.com/tangzhangming/tiervm/internal/bytecode"
)

// Call 一次外部调用
type Call struct {
	Callee string
	Args   []bytecode.Value
	Err    string
}

func (c Call) String() string {
	var sb strings.Builder
	sb.WriteString(c.Callee)
	sb.WriteByte('(')
	for i, a := range c.Args {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(a.String())
	}
	sb.WriteByte(')')
	if c.Err != "" {
		sb.WriteString(" -> ")
		sb.WriteString(c.Err)
	}
	return sb.String()
}

// Recording 记录外部调用序列的对象模型
//
// 外部调用 (内置函数, 类型构造) 是执行核心唯一可观察的副作用,
// 不同执行层跑同一程序时记录下来的序列必须一致。
type Recording struct {
	Model

	mu    sync.Mutex
	calls []Call
}

// NewRecording 包装对象模型, inner 为 nil 时使用 Default
func NewRecording(inner Model) *Recording {
	if inner == nil {
		inner = Default{}
	}
	return &Recording{Model: inner}
}

// Call 记录并转发调用
func (r *Recording) Call(callee bytecode.Value, args []bytecode.Value) (bytecode.Value, error) {
	v, err := r.Model.Call(callee, args)
	c := Call{Callee: calleeName(callee), Args: append([]bytecode.Value(nil), args...)}
	if err != nil {
		c.Err = err.Error()
	}
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
	return v, err
}

// Calls 已记录的调用
func (r *Recording) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Reset 清空记录
func (r *Recording) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

func calleeName(v bytecode.Value) string {
	if b := v.AsBuiltin(); b != nil {
		return b.Name
	}
	if t := v.AsType(); t != nil {
		return t.Name
	}
	return v.TypeName()
}

// SameCalls 两个调用序列是否一致
func SameCalls(a, b []Call) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Callee != b[i].Callee || a[i].Err != b[i].Err || len(a[i].Args) != len(b[i].Args) {
			return false
		}
		for j := range a[i].Args {
			if !a[i].Args[j].Equals(b[i].Args[j]) {
				return false
			}
		}
	}
	return true
}
