package jit

import (
	"go.uber.org/zap"

	"github.com/tangzhangming/tiervm/internal/bytecode"
	"github.com/tangzhangming/tiervm/internal/vm"
)

// ============================================================================
// Trace 录制
// ============================================================================
//
// 录制器由基线解释器在录制帧的每个指令边界驱动 (Observe)。
// 上一条指令执行完之后才翻译它: 此时指令位置上已经是特化决定后的操作码,
// 缓存负载也已写好, 分支方向由下一条指令的偏移得知。
//
// 结束条件:
//   - 回到起始回边: 追加 _CHECK_PERIODIC + _JUMP_TO_TOP, 闭合循环
//   - 长度达到上限, 遇到返回, 抛出, 其他回边或 ENTER_EXECUTOR: 追加 _EXIT_TRACE
//   - 出错或帧退出: 放弃
// 结束时长度不足下限则丢弃。

// Recorder trace 录制器
type Recorder struct {
	tier     *Tier
	frame    *vm.Frame
	code     *bytecode.Code
	start    int
	backedge int

	uops      []UOp
	pending   int
	done      bool
	installed *Trace
}

var _ vm.Recorder = (*Recorder)(nil)

// BeginRecording 实现 vm.Tier2
func (t *Tier) BeginRecording(ts *vm.ThreadState, frame *vm.Frame, start, backedge int) vm.Recorder {
	t.stats.TracesStarted.Inc()
	if ce := t.log.Check(zap.DebugLevel, "recording started"); ce != nil {
		ce.Write(zap.String("code", frame.Code.Name), zap.Int("start", start), zap.Int("backedge", backedge))
	}
	return &Recorder{
		tier:     t,
		frame:    frame,
		code:     frame.Code,
		start:    start,
		backedge: backedge,
		pending:  -1,
		uops:     make([]UOp, 0, 32),
	}
}

// Frame 实现 vm.Recorder
func (r *Recorder) Frame() *vm.Frame { return r.frame }

// Installed 实现 vm.Recorder
func (r *Recorder) Installed() bytecode.Executor {
	if r.installed == nil {
		return nil
	}
	return r.installed
}

// Trace 安装的 trace, 未安装为 nil
func (r *Recorder) Trace() *Trace { return r.installed }

// Done 是否已结束
func (r *Recorder) Done() bool { return r.done }

// Len 已录制的微操作个数
func (r *Recorder) Len() int { return len(r.uops) }

// Append 追加微操作; 超过长度上限 (保留出口位置) 时返回 false
func (r *Recorder) Append(us ...UOp) bool {
	if len(r.uops)+len(us) > r.tier.cfg.MaxTraceLength-2 {
		return false
	}
	r.uops = append(r.uops, us...)
	return true
}

// Observe 实现 vm.Recorder
func (r *Recorder) Observe(ip int) bool {
	if r.done {
		return false
	}
	if r.pending >= 0 {
		if !r.translate(r.pending, ip) {
			return false
		}
	}

	op, _ := r.code.Instr(ip)
	switch {
	case op == bytecode.OpReturnValue, op == bytecode.OpRaise, op == bytecode.OpEnterExecutor,
		op == bytecode.OpJumpBackward && ip != r.backedge:
		r.exit(ip)
		return false
	}
	r.pending = ip
	return true
}

// Abort 实现 vm.Recorder
func (r *Recorder) Abort(reason string) {
	if r.done {
		return
	}
	r.done = true
	r.tier.stats.TracesAborted.Inc()
	if ce := r.tier.log.Check(zap.DebugLevel, "recording aborted"); ce != nil {
		ce.Write(zap.String("code", r.code.Name), zap.Int("start", r.start), zap.String("reason", reason))
	}
}

// exit 以 _EXIT_TRACE 结束
func (r *Recorder) exit(ip int) {
	r.uops = append(r.uops, UOp{Op: UOP_EXIT_TRACE, Target: int32(ip)})
	r.Finish()
}

// translate 把 off 处已执行完的指令翻译成微操作; 返回 false 表示录制已结束
func (r *Recorder) translate(off, next int) bool {
	code := r.code
	op, arg := code.Instr(off)
	if !r.tier.machine.PrimitiveModel() {
		// 值运算只录制经 Model 计算的通用微操作
		switch f := op.Family(); f {
		case bytecode.OpBinaryOp, bytecode.OpCompareOp, bytecode.OpBinarySubscr, bytecode.OpLoadAttr:
			op = f
		}
	}
	var version uint32
	var slot int
	switch op {
	case bytecode.OpLoadGlobalModule, bytecode.OpLoadAttrInstanceValue:
		var ok bool
		if version, slot, ok = code.VersionedSlot(off); !ok {
			// 缓存对正在改写, 按通用指令录制
			op = op.Family()
		}
	}
	target := int32(off)
	a := int32(arg)
	var us []UOp

	switch op {
	case bytecode.OpNop, bytecode.OpJumpForward:

	case bytecode.OpPopTop:
		us = []UOp{{Op: UOP_POP_TOP, Target: target}}
	case bytecode.OpCopy:
		us = []UOp{{Op: UOP_COPY, Oparg: a, Target: target}}
	case bytecode.OpSwap:
		us = []UOp{{Op: UOP_SWAP, Oparg: a, Target: target}}
	case bytecode.OpLoadConst:
		us = []UOp{{Op: UOP_LOAD_CONST, Oparg: a, Target: target}}
	case bytecode.OpLoadFast:
		us = []UOp{{Op: UOP_LOAD_FAST, Oparg: a, Target: target}}
	case bytecode.OpStoreFast:
		us = []UOp{{Op: UOP_STORE_FAST, Oparg: a, Target: target}}

	case bytecode.OpLoadGlobal:
		us = []UOp{{Op: UOP_LOAD_GLOBAL, Oparg: a, Target: target}}
	case bytecode.OpLoadGlobalModule:
		us = []UOp{
			{Op: UOP_GUARD_GLOBALS_VERSION, Operand: uint64(version), Target: target},
			{Op: UOP_LOAD_GLOBAL_MODULE, Oparg: int32(slot), Target: target},
		}
	case bytecode.OpStoreGlobal:
		us = []UOp{{Op: UOP_STORE_GLOBAL, Oparg: a, Target: target}}

	case bytecode.OpLoadAttr:
		us = []UOp{{Op: UOP_LOAD_ATTR, Oparg: a, Target: target}}
	case bytecode.OpLoadAttrInstanceValue:
		us = []UOp{
			{Op: UOP_GUARD_TYPE_VERSION, Oparg: int32(slot), Operand: uint64(version), Target: target},
			{Op: UOP_LOAD_ATTR_INSTANCE_VALUE, Oparg: int32(slot), Target: target},
		}
	case bytecode.OpBinarySubscr:
		us = []UOp{{Op: UOP_BINARY_SUBSCR, Target: target}}
	case bytecode.OpBinarySubscrListInt:
		us = []UOp{{Op: UOP_GUARD_LIST_INT, Target: target}, {Op: UOP_BINARY_SUBSCR_LIST_INT, Target: target}}

	case bytecode.OpBinaryOp:
		us = []UOp{{Op: UOP_BINARY_OP, Oparg: a, Target: target}}
	case bytecode.OpCompareOp:
		us = []UOp{{Op: UOP_COMPARE_OP, Oparg: a, Target: target}}
	case bytecode.OpBinaryOpAddInt, bytecode.OpBinaryOpSubInt, bytecode.OpBinaryOpMulInt,
		bytecode.OpBinaryOpAddFloat, bytecode.OpBinaryOpSubFloat, bytecode.OpBinaryOpMulFloat,
		bytecode.OpBinaryOpAddStr, bytecode.OpCompareOpInt, bytecode.OpCompareOpFloat, bytecode.OpCompareOpStr:
		guard, action := specializedUOps(op)
		us = []UOp{{Op: guard, Target: target}, {Op: action, Oparg: a, Target: target}}
	case bytecode.OpUnaryNegative:
		us = []UOp{{Op: UOP_UNARY_NEGATIVE, Target: target}}
	case bytecode.OpUnaryNot:
		us = []UOp{{Op: UOP_UNARY_NOT, Target: target}}

	case bytecode.OpPopJumpIfFalse, bytecode.OpPopJumpIfTrue:
		fallthroughOff := off + bytecode.InstrSize(op)
		taken := next == arg
		switch {
		case arg == fallthroughOff:
			us = []UOp{{Op: UOP_POP_TOP, Target: target}}
		case taken == (op == bytecode.OpPopJumpIfTrue):
			us = []UOp{{Op: UOP_GUARD_IS_TRUE_POP, Target: target}}
		default:
			us = []UOp{{Op: UOP_GUARD_IS_FALSE_POP, Target: target}}
		}

	case bytecode.OpCall:
		us = []UOp{{Op: UOP_CALL, Oparg: a, Target: target}}
	case bytecode.OpCallPyExactArgs:
		us = []UOp{
			{Op: UOP_CHECK_FUNCTION_EXACT_ARGS, Oparg: a, Operand: uint64(code.Cache(off, bytecode.CacheVersion)), Target: target},
			{Op: UOP_CALL_PY_EXACT_ARGS, Oparg: a, Target: target},
		}
	case bytecode.OpCallBuiltin:
		us = []UOp{{Op: UOP_GUARD_CALLABLE_BUILTIN, Oparg: a, Target: target}, {Op: UOP_CALL_BUILTIN, Oparg: a, Target: target}}

	case bytecode.OpJumpBackward:
		if off != r.backedge || arg != r.start {
			r.exit(off)
			return false
		}
		r.uops = append(r.uops,
			UOp{Op: UOP_CHECK_PERIODIC, Target: target},
			UOp{Op: UOP_JUMP_TO_TOP, Target: int32(r.start)})
		r.Finish()
		return false

	default:
		// 不支持的指令: 从这里回到基线
		r.exit(off)
		return false
	}

	if !r.Append(us...) {
		r.exit(off)
		return false
	}
	return true
}

// specializedUOps 特化指令对应的守卫与动作
func specializedUOps(op bytecode.OpCode) (guard, action UOpCode) {
	switch op {
	case bytecode.OpBinaryOpAddInt:
		return UOP_GUARD_BOTH_INT, UOP_BINARY_OP_ADD_INT
	case bytecode.OpBinaryOpSubInt:
		return UOP_GUARD_BOTH_INT, UOP_BINARY_OP_SUB_INT
	case bytecode.OpBinaryOpMulInt:
		return UOP_GUARD_BOTH_INT, UOP_BINARY_OP_MUL_INT
	case bytecode.OpBinaryOpAddFloat:
		return UOP_GUARD_BOTH_FLOAT, UOP_BINARY_OP_ADD_FLOAT
	case bytecode.OpBinaryOpSubFloat:
		return UOP_GUARD_BOTH_FLOAT, UOP_BINARY_OP_SUB_FLOAT
	case bytecode.OpBinaryOpMulFloat:
		return UOP_GUARD_BOTH_FLOAT, UOP_BINARY_OP_MUL_FLOAT
	case bytecode.OpBinaryOpAddStr:
		return UOP_GUARD_BOTH_STR, UOP_BINARY_OP_ADD_STR
	case bytecode.OpCompareOpInt:
		return UOP_GUARD_BOTH_INT, UOP_COMPARE_OP_INT
	case bytecode.OpCompareOpFloat:
		return UOP_GUARD_BOTH_FLOAT, UOP_COMPARE_OP_FLOAT
	}
	return UOP_GUARD_BOTH_STR, UOP_COMPARE_OP_STR
}

// Finish 结束录制: 长度足够则安装到回边, 否则丢弃
func (r *Recorder) Finish() *Trace {
	if r.done {
		return r.installed
	}
	r.done = true
	t := r.tier

	if len(r.uops) < t.cfg.MinTraceLength {
		t.discard(r, "too short")
		return nil
	}
	trace := newTrace(r.code, r.start, r.backedge, r.uops)
	if !t.install(trace) {
		t.discard(r, "backedge no longer available")
		return nil
	}
	r.installed = trace
	return trace
}
