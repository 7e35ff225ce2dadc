package vm

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/tangzhangming/tiervm/internal/bytecode"
	"github.com/tangzhangming/tiervm/internal/errors"
)

// ============================================================================
// 线程执行上下文
// ============================================================================

// 中断请求位
const (
	InterruptCancel uint32 = 1 << iota // 取消: 在下一个检查点抛出 Interrupted
	InterruptPause                     // 暂停: 在检查点调用宿主的暂停回调
	InterruptSignal                    // 信号: 在检查点调用宿主的信号回调
)

// ThreadState 线程执行上下文
//
// 一个 ThreadState 同一时刻只驱动一条帧链; 除 Interrupt 外的方法
// 只能由持有它的 goroutine 调用。
type ThreadState struct {
	ID uuid.UUID

	vm         *VM
	stack      []bytecode.Value
	frame      *Frame
	depth      int
	freeFrames []*Frame

	breaker  atomic.Uint32
	ctx      context.Context
	recorder Recorder
}

// NewThread 创建线程上下文
func (vm *VM) NewThread() *ThreadState {
	return &ThreadState{
		ID:    uuid.New(),
		vm:    vm,
		stack: make([]bytecode.Value, vm.cfg.Interpreter.StackArenaSize),
	}
}

// VM 所属虚拟机
func (ts *ThreadState) VM() *VM { return ts.vm }

// Stack 值栈
func (ts *ThreadState) Stack() []bytecode.Value { return ts.stack }

// Frame 当前帧, 空闲时为 nil
func (ts *ThreadState) Frame() *Frame { return ts.frame }

// Depth 帧链深度
func (ts *ThreadState) Depth() int { return ts.depth }

// Recording 是否正在录制 trace
func (ts *ThreadState) Recording() bool { return ts.recorder != nil }

// top 第一个空闲的值栈槽位
func (ts *ThreadState) top() int {
	if ts.frame == nil {
		return 0
	}
	return ts.frame.SP
}

// Call 调用函数直到返回; ctx 取消时在下一个检查点抛出 Interrupted
//
// 可以在内置函数中重入调用: 新的入口帧压在当前帧的操作数栈之上。
func (ts *ThreadState) Call(ctx context.Context, fn *bytecode.Function, args ...bytecode.Value) (bytecode.Value, error) {
	if err := ctx.Err(); err != nil {
		return bytecode.NullValue, errors.Interrupted(err)
	}
	if len(args) != fn.Arity() {
		return bytecode.NullValue, errors.ArgCount(fn.Name, fn.Arity(), len(args))
	}
	if ts.frame == nil {
		ts.clearInterrupt(InterruptCancel)
	}

	prev := ts.ctx
	ts.ctx = ctx
	stop := context.AfterFunc(ctx, func() { ts.Interrupt(InterruptCancel) })
	defer func() {
		stop()
		ts.ctx = prev
	}()

	base := ts.top()
	f, err := ts.pushFrame(fn, base, len(args))
	if err != nil {
		return bytecode.NullValue, err
	}
	copy(ts.stack[base:], args)
	f.entry = true

	out := EnterTier1(ts, f)
	if out.Kind == OutcomeError {
		return bytecode.NullValue, out.Err
	}
	return out.Value, nil
}

// ============================================================================
// 中断 (eval breaker)
// ============================================================================

// Interrupt 请求中断, 可以从任意 goroutine 调用
func (ts *ThreadState) Interrupt(bits uint32) {
	for {
		old := ts.breaker.Load()
		if ts.breaker.CAS(old, old|bits) {
			return
		}
	}
}

func (ts *ThreadState) clearInterrupt(bits uint32) {
	for {
		old := ts.breaker.Load()
		if ts.breaker.CAS(old, old&^bits) {
			return
		}
	}
}

// Pending 是否有待处理的中断
func (ts *ThreadState) Pending() bool { return ts.breaker.Load() != 0 }

// HandleInterrupts 处理待处理的中断, 调用方需已同步当前帧的 IP/SP
func (ts *ThreadState) HandleInterrupts() error {
	bits := ts.breaker.Swap(0)
	if bits == 0 {
		return nil
	}
	ts.vm.stats.Interrupts.Inc()
	if bits&InterruptPause != 0 && ts.vm.pauseHook != nil {
		ts.vm.pauseHook(ts)
	}
	if bits&InterruptSignal != 0 && ts.vm.signalHook != nil {
		if err := ts.vm.signalHook(ts); err != nil {
			return errors.Wrap(err)
		}
	}
	if bits&InterruptCancel != 0 {
		var cause error
		if ts.ctx != nil && ts.ctx.Err() != nil {
			cause = context.Cause(ts.ctx)
			// 上下文已结束: 保持取消位, 处理器捕获后下一个检查点继续抛出
			ts.Interrupt(InterruptCancel)
		}
		return errors.Interrupted(cause)
	}
	return nil
}

// pollInterrupts 热路径上的中断检查
func (ts *ThreadState) pollInterrupts() error {
	if ts.breaker.Load() == 0 {
		return nil
	}
	return ts.HandleInterrupts()
}
