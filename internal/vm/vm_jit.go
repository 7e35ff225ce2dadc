package vm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tangzhangming/tiervm/internal/bytecode"
	"github.com/tangzhangming/tiervm/internal/errors"
)

// ============================================================================
// 二层接口 (避免循环导入)
// ============================================================================
//
// jit 包实现 Tier2 与 Recorder, 并通过本文件导出的入口与基线解释器
// 共享帧, 值栈, 调用与中断处理。

// Tier2 trace 层
type Tier2 interface {
	// BeginRecording 从 frame 的 start 处开始录制, backedge 为触发录制的回边
	BeginRecording(ts *ThreadState, frame *Frame, start, backedge int) Recorder
	// Enter 在 frame 上执行已安装的执行体
	Enter(ts *ThreadState, frame *Frame, exec bytecode.Executor) Outcome
}

// Recorder trace 录制器, 由基线解释器在录制帧的每个指令边界驱动
type Recorder interface {
	// Frame 正在录制的帧
	Frame() *Frame
	// Observe 上一条指令已完成, 下一条从 ip 开始; 返回 false 表示录制已结束
	Observe(ip int) bool
	// Installed 录制结束后安装的执行体, 未安装为 nil
	Installed() bytecode.Executor
	// Abort 放弃录制
	Abort(reason string)
}

// OutcomeKind 执行结果种类
type OutcomeKind uint8

const (
	OutcomeReturn OutcomeKind = iota // 入口帧返回
	OutcomeError                     // 抛出错误, 帧已停在出错指令上
	OutcomeDeopt                     // 回到基线解释器, 从 Frame.IP 继续
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeReturn:
		return "return"
	case OutcomeError:
		return "error"
	case OutcomeDeopt:
		return "deopt"
	}
	return fmt.Sprintf("outcome(%d)", uint8(k))
}

// Outcome 执行层之间交接的结果
type Outcome struct {
	Kind  OutcomeKind
	Value bytecode.Value
	Err   error
	Frame *Frame
	IP    int
	// Exit 为 true 表示 trace 正常走完 (侧出口), 否则是守卫失败
	Exit bool
}

// EnterTier1 在基线解释器中从 frame.IP 执行入口帧直到返回或出错
func EnterTier1(ts *ThreadState, frame *Frame) Outcome {
	frame.entry = true
	v, err := ts.run(frame)
	if err != nil {
		return Outcome{Kind: OutcomeError, Err: err}
	}
	return Outcome{Kind: OutcomeReturn, Value: v}
}

// enterTrace 执行已安装的 trace, 返回基线应当继续的位置
func (ts *ThreadState) enterTrace(frame *Frame, exec bytecode.Executor, ip, sp int) (int, int, error) {
	frame.IP, frame.SP = ip, sp
	out := ts.vm.tier2.Enter(ts, frame, exec)
	switch out.Kind {
	case OutcomeDeopt:
		return frame.IP, frame.SP, nil
	case OutcomeError:
		return frame.IP, frame.SP, out.Err
	}
	panic(errors.Internal("trace for %s returned %s", frame.Code.Name, out.Kind))
}

// observe 把指令边界交给录制器; 录制完成且执行体入口正是 ip 时立即进入
func (ts *ThreadState) observe(frame *Frame, ip, sp int) (int, int, bool, error) {
	rec := ts.recorder
	if rec.Observe(ip) {
		return ip, sp, false, nil
	}
	ts.recorder = nil
	exec := rec.Installed()
	if exec == nil || exec.EntryOffset() != ip {
		return ip, sp, false, nil
	}
	ip, sp, err := ts.enterTrace(frame, exec, ip, sp)
	return ip, sp, true, err
}

// abortRecording 放弃进行中的录制
func (ts *ThreadState) abortRecording(reason string) {
	if ts.recorder == nil {
		return
	}
	ts.recorder.Abort(reason)
	ts.recorder = nil
	if ce := ts.vm.log.Check(zap.DebugLevel, "recording aborted"); ce != nil {
		ce.Write(zap.String("reason", reason))
	}
}

// ============================================================================
// trace 执行器使用的共享语义
// ============================================================================

// CallValue 通用 CALL: 被调用者与参数位于 stack[sp-argc-1:sp]
// 成功时结果写入被调用者槽位, 返回新的 sp; 失败时栈已弹到被调用者槽位
// 调用方需先把 frame.IP 设为 CALL 指令偏移
func (ts *ThreadState) CallValue(frame *Frame, sp, argc int) (int, error) {
	slot := sp - argc - 1
	frame.SP = sp
	if err := ts.pollInterrupts(); err != nil {
		return drop(ts.stack, slot, sp), err
	}
	callee := ts.stack[slot]
	if fn := callee.AsFunc(); fn != nil {
		if fn.Arity() != argc {
			return drop(ts.stack, slot, sp), errors.ArgCount(fn.Name, fn.Arity(), argc)
		}
		return ts.invoke(frame, fn, sp, argc)
	}
	r, err := ts.callExternal(callee, ts.stack[sp-argc:sp])
	sp = drop(ts.stack, slot, sp)
	if err != nil {
		return sp, err
	}
	ts.stack[sp] = r
	return sp + 1, nil
}

// InvokeExact 调用参数个数已校验的代码函数 (CALL_PY_EXACT_ARGS)
func (ts *ThreadState) InvokeExact(frame *Frame, fn *bytecode.Function, sp, argc int) (int, error) {
	frame.SP = sp
	if err := ts.pollInterrupts(); err != nil {
		return drop(ts.stack, sp-argc-1, sp), err
	}
	return ts.invoke(frame, fn, sp, argc)
}

// invoke 以嵌套入口帧运行被调用者, 原生调用栈只多一层
func (ts *ThreadState) invoke(frame *Frame, fn *bytecode.Function, sp, argc int) (int, error) {
	slot := sp - argc - 1
	frame.SP = slot
	nf, err := ts.pushFrame(fn, sp-argc, argc)
	if err != nil {
		return drop(ts.stack, slot, sp), err
	}
	nf.entry = true
	v, err := ts.run(nf)
	if err != nil {
		ts.stack[slot] = bytecode.NullValue
		return slot, err
	}
	ts.stack[slot] = v
	return slot + 1, nil
}

// callExternal 通过对象模型调用非代码函数
func (ts *ThreadState) callExternal(callee bytecode.Value, args []bytecode.Value) (bytecode.Value, error) {
	return ts.vm.model.Call(callee, append([]bytecode.Value(nil), args...))
}

// Drop 清除 stack[lo:hi] 并返回 lo
func Drop(stack []bytecode.Value, lo, hi int) int { return drop(stack, lo, hi) }

func drop(stack []bytecode.Value, lo, hi int) int {
	clear(stack[lo:hi])
	return lo
}
