package jit

import (
	"github.com/tangzhangming/tiervm/internal/bytecode"
	"github.com/tangzhangming/tiervm/internal/errors"
	"github.com/tangzhangming/tiervm/internal/vm"
)

// ============================================================================
// 通用微操作执行器
// ============================================================================
//
// 线性扫描 + 显式 pc。出口:
//   - 守卫失败: frame.IP = Target, SP 不变, 返回 Deopt
//   - _EXIT_TRACE: frame.IP = Target, 返回 Deopt (Exit = true)
//   - 出错: 弹出该微操作的输入, frame.IP = Target, 返回 Error 交给基线展开

// execState 执行器状态, 片段后端交还控制时从这里继续
type execState struct {
	ts    *vm.ThreadState
	frame *vm.Frame
	trace *Trace
	stack []bytecode.Value
	sp    int
	pc    int
}

// interpret 从 s.pc 开始执行
// handback 非 nil 时, 遇到有原生片段的微操作 (入口除外) 即返回 false, 状态留在 s 中
func (t *Tier) interpret(s *execState, handback []bool) (vm.Outcome, bool) {
	ts, frame, trace := s.ts, s.frame, s.trace
	stack, sp, pc := s.stack, s.sp, s.pc
	code := trace.code
	model := t.machine.Model()
	uops := trace.uops
	entry := pc

	for {
		if handback != nil && pc != entry && handback[pc] {
			s.sp, s.pc = sp, pc
			return vm.Outcome{}, false
		}
		u := uops[pc]
		pc++

		var err error
		switch u.Op {
		case UOP_NOP:

		case UOP_LOAD_CONST:
			stack[sp] = code.Consts[u.Oparg]
			sp++

		case UOP_LOAD_FAST:
			stack[sp] = stack[frame.Base+int(u.Oparg)]
			sp++

		case UOP_STORE_FAST:
			sp--
			stack[frame.Base+int(u.Oparg)] = stack[sp]
			stack[sp] = bytecode.NullValue

		case UOP_POP_TOP:
			sp--
			stack[sp] = bytecode.NullValue

		case UOP_COPY:
			stack[sp] = stack[sp-int(u.Oparg)]
			sp++

		case UOP_SWAP:
			n := int(u.Oparg)
			stack[sp-1], stack[sp-n] = stack[sp-n], stack[sp-1]

		// 全局变量
		case UOP_LOAD_GLOBAL:
			name := code.Names[u.Oparg]
			v, ok := frame.Globals.Get(name)
			if !ok {
				err = errors.NameError(name)
				break
			}
			stack[sp] = v
			sp++

		case UOP_GUARD_GLOBALS_VERSION:
			if uint64(frame.Globals.Version()) != u.Operand {
				return t.deopt(frame, trace, u, sp), true
			}

		case UOP_LOAD_GLOBAL_MODULE:
			stack[sp] = frame.Globals.At(int(u.Oparg))
			sp++

		case UOP_STORE_GLOBAL:
			sp--
			frame.Globals.Set(code.Names[u.Oparg], stack[sp])
			stack[sp] = bytecode.NullValue

		// 属性与下标
		case UOP_LOAD_ATTR:
			frame.IP, frame.SP = int(u.Target), sp
			v, e := model.GetAttr(stack[sp-1], code.Names[u.Oparg])
			if e != nil {
				err = e
				break
			}
			stack[sp-1] = v

		case UOP_GUARD_TYPE_VERSION:
			if _, ok := vm.InstanceSlot(stack[sp-1], uint32(u.Operand), int(u.Oparg)); !ok {
				return t.deopt(frame, trace, u, sp), true
			}

		case UOP_LOAD_ATTR_INSTANCE_VALUE:
			stack[sp-1] = stack[sp-1].AsInstance().Slots[u.Oparg]

		case UOP_BINARY_SUBSCR:
			frame.IP, frame.SP = int(u.Target), sp
			v, e := model.GetItem(stack[sp-2], stack[sp-1])
			if e != nil {
				err = e
				break
			}
			sp = vm.Drop(stack, sp-2, sp)
			stack[sp] = v
			sp++

		case UOP_GUARD_LIST_INT:
			if stack[sp-2].Type != bytecode.ValList || !stack[sp-1].IsInt() {
				return t.deopt(frame, trace, u, sp), true
			}

		case UOP_BINARY_SUBSCR_LIST_INT:
			v, e := vm.ListItem(stack[sp-2], stack[sp-1])
			if e != nil {
				err = e
				break
			}
			sp = vm.Drop(stack, sp-2, sp)
			stack[sp] = v
			sp++

		// 运算
		case UOP_BINARY_OP:
			frame.IP, frame.SP = int(u.Target), sp
			v, e := model.BinaryOp(bytecode.BinaryOp(u.Oparg), stack[sp-2], stack[sp-1])
			if e != nil {
				err = e
				break
			}
			sp = vm.Drop(stack, sp-2, sp)
			stack[sp] = v
			sp++

		case UOP_COMPARE_OP:
			frame.IP, frame.SP = int(u.Target), sp
			v, e := model.Compare(bytecode.CompareOp(u.Oparg), stack[sp-2], stack[sp-1])
			if e != nil {
				err = e
				break
			}
			sp = vm.Drop(stack, sp-2, sp)
			stack[sp] = v
			sp++

		case UOP_GUARD_BOTH_INT:
			if !stack[sp-2].IsInt() || !stack[sp-1].IsInt() {
				return t.deopt(frame, trace, u, sp), true
			}

		case UOP_GUARD_BOTH_FLOAT:
			if !stack[sp-2].IsFloat() || !stack[sp-1].IsFloat() {
				return t.deopt(frame, trace, u, sp), true
			}

		case UOP_GUARD_BOTH_STR:
			if !stack[sp-2].IsString() || !stack[sp-1].IsString() {
				return t.deopt(frame, trace, u, sp), true
			}

		case UOP_BINARY_OP_ADD_INT, UOP_BINARY_OP_SUB_INT, UOP_BINARY_OP_MUL_INT:
			v, e := vm.IntBinary(intOp(u.Op), stack[sp-2].AsInt(), stack[sp-1].AsInt())
			if e != nil {
				err = e
				break
			}
			sp--
			stack[sp] = bytecode.NullValue
			stack[sp-1] = v

		case UOP_BINARY_OP_ADD_FLOAT, UOP_BINARY_OP_SUB_FLOAT, UOP_BINARY_OP_MUL_FLOAT:
			v := vm.FloatBinary(floatOp(u.Op), stack[sp-2].AsFloat(), stack[sp-1].AsFloat())
			sp--
			stack[sp] = bytecode.NullValue
			stack[sp-1] = v

		case UOP_BINARY_OP_ADD_STR:
			v := vm.StrConcat(stack[sp-2], stack[sp-1])
			sp--
			stack[sp] = bytecode.NullValue
			stack[sp-1] = v

		case UOP_COMPARE_OP_INT:
			r := bytecode.CompareInt(bytecode.CompareOp(u.Oparg), stack[sp-2].AsInt(), stack[sp-1].AsInt())
			sp--
			stack[sp] = bytecode.NullValue
			stack[sp-1] = bytecode.NewBool(r)

		case UOP_COMPARE_OP_FLOAT:
			r := bytecode.CompareFloat(bytecode.CompareOp(u.Oparg), stack[sp-2].AsFloat(), stack[sp-1].AsFloat())
			sp--
			stack[sp] = bytecode.NullValue
			stack[sp-1] = bytecode.NewBool(r)

		case UOP_COMPARE_OP_STR:
			r := bytecode.CompareString(bytecode.CompareOp(u.Oparg), stack[sp-2].AsString(), stack[sp-1].AsString())
			sp--
			stack[sp] = bytecode.NullValue
			stack[sp-1] = bytecode.NewBool(r)

		case UOP_UNARY_NEGATIVE:
			frame.IP, frame.SP = int(u.Target), sp
			v, e := model.Negate(stack[sp-1])
			if e != nil {
				err = e
				break
			}
			stack[sp-1] = v

		case UOP_UNARY_NOT:
			stack[sp-1] = vm.Not(stack[sp-1])

		// 控制流
		case UOP_GUARD_IS_TRUE_POP:
			if !stack[sp-1].IsTruthy() {
				return t.deopt(frame, trace, u, sp), true
			}
			sp--
			stack[sp] = bytecode.NullValue

		case UOP_GUARD_IS_FALSE_POP:
			if stack[sp-1].IsTruthy() {
				return t.deopt(frame, trace, u, sp), true
			}
			sp--
			stack[sp] = bytecode.NullValue

		case UOP_CHECK_PERIODIC:
			if ts.Pending() {
				frame.IP, frame.SP = int(u.Target), sp
				err = ts.HandleInterrupts()
			}

		case UOP_JUMP_TO_TOP:
			pc = 0

		case UOP_EXIT_TRACE:
			return t.exit(frame, u, sp), true

		// 调用: 输入由 helper 清理, 出错直接返回
		case UOP_CALL, UOP_CALL_BUILTIN:
			frame.IP = int(u.Target)
			nsp, e := ts.CallValue(frame, sp, int(u.Oparg))
			sp = nsp
			if e != nil {
				return t.fail(frame, u, sp, e), true
			}

		case UOP_CHECK_FUNCTION_EXACT_ARGS:
			fn := stack[sp-int(u.Oparg)-1].AsFunc()
			if fn == nil || uint64(fn.Version()) != u.Operand {
				return t.deopt(frame, trace, u, sp), true
			}

		case UOP_CALL_PY_EXACT_ARGS:
			frame.IP = int(u.Target)
			fn := stack[sp-int(u.Oparg)-1].AsFunc()
			nsp, e := ts.InvokeExact(frame, fn, sp, int(u.Oparg))
			sp = nsp
			if e != nil {
				return t.fail(frame, u, sp, e), true
			}

		case UOP_GUARD_CALLABLE_BUILTIN:
			if stack[sp-int(u.Oparg)-1].Type != bytecode.ValBuiltin {
				return t.deopt(frame, trace, u, sp), true
			}

		default:
			panic(errors.Internal("trace %s: invalid uop %s at pc %d", trace.ID(), u.Op, pc-1))
		}

		if err != nil {
			sp = vm.Drop(stack, sp-u.ErrorPops(), sp)
			return t.fail(frame, u, sp, err), true
		}
	}
}

func intOp(op UOpCode) bytecode.BinaryOp {
	switch op {
	case UOP_BINARY_OP_SUB_INT:
		return bytecode.BinarySub
	case UOP_BINARY_OP_MUL_INT:
		return bytecode.BinaryMul
	}
	return bytecode.BinaryAdd
}

func floatOp(op UOpCode) bytecode.BinaryOp {
	switch op {
	case UOP_BINARY_OP_SUB_FLOAT:
		return bytecode.BinarySub
	case UOP_BINARY_OP_MUL_FLOAT:
		return bytecode.BinaryMul
	}
	return bytecode.BinaryAdd
}

// ============================================================================
// 出口
// ============================================================================

func (t *Tier) leave(frame *vm.Frame, ip, sp int) {
	frame.IP, frame.SP = ip, sp
	if t.machine.CheckStack() {
		frame.CheckStack(sp)
	}
}

// deopt 守卫失败, 从 Target 处的基线指令重新执行
func (t *Tier) deopt(frame *vm.Frame, trace *Trace, u UOp, sp int) vm.Outcome {
	t.leave(frame, int(u.Target), sp)
	t.noteDeopt(trace)
	return vm.Outcome{Kind: vm.OutcomeDeopt, Frame: frame, IP: frame.IP}
}

// noteDeopt 计数; 达到上限后卸载 trace
func (t *Tier) noteDeopt(trace *Trace) {
	t.stats.TraceDeopts.Inc()
	n := trace.deopts.Inc()
	if limit := t.cfg.ExitDeoptLimit; limit > 0 && n >= int64(limit) {
		t.Invalidate(trace)
	}
}

func (t *Tier) exit(frame *vm.Frame, u UOp, sp int) vm.Outcome {
	t.leave(frame, int(u.Target), sp)
	t.stats.TraceExits.Inc()
	return vm.Outcome{Kind: vm.OutcomeDeopt, Frame: frame, IP: frame.IP, Exit: true}
}

func (t *Tier) fail(frame *vm.Frame, u UOp, sp int, err error) vm.Outcome {
	t.leave(frame, int(u.Target), sp)
	t.stats.TraceErrors.Inc()
	return vm.Outcome{Kind: vm.OutcomeError, Err: err, Frame: frame, IP: frame.IP}
}
