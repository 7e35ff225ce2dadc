package vm

import (
	"github.com/tangzhangming/tiervm/internal/bytecode"
	"github.com/tangzhangming/tiervm/internal/errors"
)

// Frame 执行帧
//
// 局部变量占据值栈 [Base, StackBase), 操作数栈从 StackBase 开始,
// 在每个指令边界满足 StackBase <= SP <= StackBase + Code.StackSize。
// 调用进行中时 IP 停在 CALL 指令上, SP 指向被调用者槽位。
type Frame struct {
	Code      *bytecode.Code
	Func      *bytecode.Function
	Globals   *bytecode.Globals
	IP        int
	SP        int
	Base      int
	StackBase int
	Previous  *Frame

	entry bool // 返回时交还给宿主 (或二层的嵌套调用)
}

// IsEntry 是否为入口帧
func (f *Frame) IsEntry() bool { return f.entry }

// Depth 操作数栈当前深度
func (f *Frame) Depth() int { return f.SP - f.StackBase }

// CheckStack 校验栈指针范围, 越界时 panic
func (f *Frame) CheckStack(sp int) {
	if sp < f.StackBase || sp > f.StackBase+f.Code.StackSize {
		panic(errors.Internal("stack pointer %d outside [%d, %d] in %s at offset %d",
			sp, f.StackBase, f.StackBase+f.Code.StackSize, f.Code.Name, f.IP))
	}
}

// pushFrame 为 fn 压入新帧; 参数已位于 stack[base:base+argc]
func (ts *ThreadState) pushFrame(fn *bytecode.Function, base, argc int) (*Frame, error) {
	if limit := ts.vm.cfg.Interpreter.RecursionLimit; ts.depth >= limit {
		return nil, errors.Recursion(limit)
	}
	code := fn.Code()
	if need := base + code.NLocals + code.StackSize; need > len(ts.stack) {
		return nil, errors.StackOverflow(need, len(ts.stack))
	}
	ts.vm.quicken(code)

	f := ts.allocFrame()
	f.Code = code
	f.Func = fn
	f.Globals = fn.Globals
	f.Base = base
	f.StackBase = base + code.NLocals
	f.SP = f.StackBase
	f.Previous = ts.frame
	clear(ts.stack[base+argc : f.StackBase])

	ts.frame = f
	ts.depth++
	ts.vm.stats.FramesPushed.Inc()
	return f, nil
}

// popFrame 弹出当前帧
func (ts *ThreadState) popFrame(f *Frame) {
	if ts.recorder != nil && ts.recorder.Frame() == f {
		ts.abortRecording("frame exited")
	}
	ts.frame = f.Previous
	ts.depth--
	ts.releaseFrame(f)
}
