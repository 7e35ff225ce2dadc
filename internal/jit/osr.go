// osr.go - 从基线循环切换到 trace
//
// ENTER_EXECUTOR 在循环头把正在执行的帧交给二层: 帧的局部变量与
// 操作数栈原地保留, trace 在同一个值栈上继续。离开时 frame.IP/SP
// 总是指向基线可以直接恢复的指令边界。

package jit

import (
	"github.com/tangzhangming/tiervm/internal/bytecode"
	"github.com/tangzhangming/tiervm/internal/errors"
	"github.com/tangzhangming/tiervm/internal/vm"
)

// Enter 实现 vm.Tier2
func (t *Tier) Enter(ts *vm.ThreadState, frame *vm.Frame, exec bytecode.Executor) vm.Outcome {
	trace, ok := exec.(*Trace)
	if !ok {
		panic(errors.Internal("foreign executor %T at %s:%d", exec, frame.Code.Name, frame.IP))
	}
	return t.EnterTier2(ts, trace, frame, frame.SP)
}

// Execute 在帧当前的栈指针上执行 trace
func (t *Tier) Execute(ts *vm.ThreadState, frame *vm.Frame, trace *Trace) vm.Outcome {
	return t.EnterTier2(ts, trace, frame, frame.SP)
}

// EnterTier2 从 trace 入口开始执行, 执行期间持有一个引用
//
// trace 已被释放时不执行, 直接从入口偏移回到基线。
func (t *Tier) EnterTier2(ts *vm.ThreadState, trace *Trace, frame *vm.Frame, sp int) vm.Outcome {
	frame.IP, frame.SP = trace.start, sp
	if trace.code != frame.Code {
		panic(errors.Internal("trace %s belongs to %s, entered from %s", trace.ID(), trace.code.Name, frame.Code.Name))
	}
	if !trace.Acquire() {
		return vm.Outcome{Kind: vm.OutcomeDeopt, Frame: frame, IP: frame.IP}
	}
	defer trace.Release()

	t.stats.TraceEntries.Inc()
	if trace.fragments != nil {
		return t.stitch(ts, frame, trace, sp)
	}
	out, _ := t.interpret(&execState{
		ts:    ts,
		frame: frame,
		trace: trace,
		stack: ts.Stack(),
		sp:    sp,
	}, nil)
	return out
}
