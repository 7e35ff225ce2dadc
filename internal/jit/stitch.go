// stitch.go - 片段拼接
//
// 每个微操作对应一个 Fragment。片段之间不直接调用, 而是返回 Continuation
// 描述下一步: 下一个片段, 交给通用执行器, 或回到基线。Trampoline 负责
// 循环驱动, 所以拼接后的执行不会增长 Go 调用栈。

package jit

import (
	"github.com/tangzhangming/tiervm/internal/bytecode"
	"github.com/tangzhangming/tiervm/internal/errors"
	"github.com/tangzhangming/tiervm/internal/vm"
)

// ============================================================================
// 寄存器缓存
// ============================================================================

// NumRegs 缓存的栈顶值个数
const NumRegs = 2

// Regs 栈顶值缓存
//
// 写穿: 每次压栈同时写入值栈与缓存, V[0] 为栈顶。N 是当前有效个数,
// 在任何层间切换点缓存必须与值栈一致。
type Regs struct {
	N int
	V [NumRegs]bytecode.Value
}

// Push 压入新的栈顶
func (r *Regs) Push(v bytecode.Value) {
	copy(r.V[1:], r.V[:NumRegs-1])
	r.V[0] = v
	if r.N < NumRegs {
		r.N++
	}
}

// Pop 弹出栈顶
func (r *Regs) Pop() {
	if r.N == 0 {
		return
	}
	copy(r.V[:NumRegs-1], r.V[1:])
	r.V[NumRegs-1] = bytecode.NullValue
	r.N--
}

// Sync 从值栈重新加载, base 以下不属于当前操作数栈
func (r *Regs) Sync(stack []bytecode.Value, sp, base int) {
	r.N = 0
	r.V = [NumRegs]bytecode.Value{}
	for i := 0; i < NumRegs && sp-1-i >= base; i++ {
		r.V[i] = stack[sp-1-i]
		r.N++
	}
}

// Check 校验缓存与值栈一致, 不一致时 panic
func (r *Regs) Check(stack []bytecode.Value, sp int) {
	for i := 0; i < r.N; i++ {
		if sp-1-i < 0 || r.V[i] != stack[sp-1-i] {
			panic(errors.Internal("register cache disagrees with stack at depth %d (sp=%d)", i, sp))
		}
	}
}

// ============================================================================
// 片段与续体
// ============================================================================

// StitchState 片段执行状态
type StitchState struct {
	TS    *vm.ThreadState
	Frame *vm.Frame
	Trace *Trace
	Stack []bytecode.Value
	SP    int
	Regs  Regs
}

// Push 压栈 (写穿)
func (s *StitchState) Push(v bytecode.Value) {
	s.Stack[s.SP] = v
	s.SP++
	s.Regs.Push(v)
}

// Pop 弹栈
func (s *StitchState) Pop() bytecode.Value {
	s.SP--
	v := s.Stack[s.SP]
	s.Stack[s.SP] = bytecode.NullValue
	s.Regs.Pop()
	return v
}

// Peek 第 i 个栈顶值 (0 为栈顶), 优先读缓存
func (s *StitchState) Peek(i int) bytecode.Value {
	if i < s.Regs.N {
		return s.Regs.V[i]
	}
	return s.Stack[s.SP-1-i]
}

// Fragment 一个微操作的可执行形式
type Fragment func(s *StitchState) Continuation

// Resume 续体的去向
type Resume uint8

const (
	// ContinueNext 执行 Continuation.Next
	ContinueNext Resume = iota
	// ContinueTier1 回到基线, 从 IP 处的指令恢复
	ContinueTier1
	// ContinueTier2 交给通用执行器, 从微操作 PC 处继续
	ContinueTier2
)

func (r Resume) String() string {
	switch r {
	case ContinueNext:
		return "next"
	case ContinueTier1:
		return "tier1"
	case ContinueTier2:
		return "tier2"
	}
	return "unknown"
}

// Continuation 片段执行后的下一步
type Continuation struct {
	Next  Fragment
	Tier  Resume
	PC    int   // 下一个微操作 (ContinueNext/ContinueTier2)
	IP    int   // 基线恢复偏移 (ContinueTier1)
	Err   error // 非 nil 时输入已弹出, 由基线展开
	Deopt bool  // 守卫失败
	Exit  bool  // 正常离开 trace
}

// Trampoline 依次执行片段直到续体不再指向片段
func Trampoline(s *StitchState, c Continuation) Continuation {
	for c.Next != nil {
		c = c.Next(s)
	}
	return c
}

// ============================================================================
// 拼接驱动
// ============================================================================

// stitch 片段与通用执行器交替执行
func (t *Tier) stitch(ts *vm.ThreadState, frame *vm.Frame, trace *Trace, sp int) vm.Outcome {
	s := &StitchState{
		TS:    ts,
		Frame: frame,
		Trace: trace,
		Stack: ts.Stack(),
		SP:    sp,
	}
	s.Regs.Sync(s.Stack, s.SP, frame.StackBase)
	c := Continuation{Next: trace.fragments[0]}

	for {
		c = Trampoline(s, c)
		s.Regs.Check(s.Stack, s.SP)

		switch c.Tier {
		case ContinueTier2:
			t.stats.StitchHandoffs.Inc()
			es := &execState{ts: ts, frame: frame, trace: trace, stack: s.Stack, sp: s.SP, pc: c.PC}
			out, done := t.interpret(es, trace.native)
			if done {
				return out
			}
			s.SP = es.sp
			s.Regs.Sync(s.Stack, s.SP, frame.StackBase)
			c = Continuation{Next: trace.fragments[es.pc], PC: es.pc}

		case ContinueTier1:
			t.leave(frame, c.IP, s.SP)
			switch {
			case c.Err != nil:
				t.stats.TraceErrors.Inc()
				return vm.Outcome{Kind: vm.OutcomeError, Err: c.Err, Frame: frame, IP: c.IP}
			case c.Deopt:
				t.noteDeopt(trace)
				return vm.Outcome{Kind: vm.OutcomeDeopt, Frame: frame, IP: c.IP}
			default:
				t.stats.TraceExits.Inc()
				return vm.Outcome{Kind: vm.OutcomeDeopt, Frame: frame, IP: c.IP, Exit: true}
			}

		default:
			panic(errors.Internal("trace %s: fragment returned %s without a successor", trace.ID(), c.Tier))
		}
	}
}
