package jit

import (
	"github.com/tangzhangming/tiervm/internal/bytecode"
	"github.com/tangzhangming/tiervm/internal/vm"
)

// ============================================================================
// 片段编译
// ============================================================================
//
// 只有栈操作, 整数与浮点运算, 分支守卫和循环控制有原生片段;
// 其余微操作编译为交还片段, 由通用执行器执行到下一个原生微操作。

// CompileFragments 为 trace 生成片段表
func CompileFragments(trace *Trace) {
	n := len(trace.uops)
	frags := make([]Fragment, n)
	native := make([]bool, n)
	for pc, u := range trace.uops {
		f := lower(frags, trace.code, pc, u)
		if f == nil {
			f = handoff(pc)
		} else {
			native[pc] = true
		}
		frags[pc] = f
	}
	trace.fragments, trace.native = frags, native
}

func handoff(pc int) Fragment {
	return func(*StitchState) Continuation {
		return Continuation{Tier: ContinueTier2, PC: pc}
	}
}

// lower 返回 nil 表示没有原生片段
func lower(frags []Fragment, code *bytecode.Code, pc int, u UOp) Fragment {
	next := func() Continuation { return Continuation{Next: frags[pc+1], PC: pc + 1} }
	target := int(u.Target)
	deopt := Continuation{Tier: ContinueTier1, IP: target, Deopt: true}
	oparg := int(u.Oparg)

	switch u.Op {
	case UOP_NOP:
		return func(*StitchState) Continuation { return next() }

	case UOP_LOAD_CONST:
		v := code.Consts[oparg]
		return func(s *StitchState) Continuation {
			s.Push(v)
			return next()
		}

	case UOP_LOAD_FAST:
		return func(s *StitchState) Continuation {
			s.Push(s.Stack[s.Frame.Base+oparg])
			return next()
		}

	case UOP_STORE_FAST:
		return func(s *StitchState) Continuation {
			s.Stack[s.Frame.Base+oparg] = s.Pop()
			return next()
		}

	case UOP_POP_TOP:
		return func(s *StitchState) Continuation {
			s.Pop()
			return next()
		}

	case UOP_GUARD_BOTH_INT:
		return func(s *StitchState) Continuation {
			if !s.Peek(1).IsInt() || !s.Peek(0).IsInt() {
				return deopt
			}
			return next()
		}

	case UOP_GUARD_BOTH_FLOAT:
		return func(s *StitchState) Continuation {
			if !s.Peek(1).IsFloat() || !s.Peek(0).IsFloat() {
				return deopt
			}
			return next()
		}

	case UOP_BINARY_OP_ADD_INT, UOP_BINARY_OP_SUB_INT, UOP_BINARY_OP_MUL_INT:
		op := intOp(u.Op)
		return func(s *StitchState) Continuation {
			v, err := vm.IntBinary(op, s.Peek(1).AsInt(), s.Peek(0).AsInt())
			s.Pop()
			s.Pop()
			if err != nil {
				return Continuation{Tier: ContinueTier1, IP: target, Err: err}
			}
			s.Push(v)
			return next()
		}

	case UOP_BINARY_OP_ADD_FLOAT, UOP_BINARY_OP_SUB_FLOAT, UOP_BINARY_OP_MUL_FLOAT:
		op := floatOp(u.Op)
		return func(s *StitchState) Continuation {
			v := vm.FloatBinary(op, s.Peek(1).AsFloat(), s.Peek(0).AsFloat())
			s.Pop()
			s.Pop()
			s.Push(v)
			return next()
		}

	case UOP_COMPARE_OP_INT:
		cmp := bytecode.CompareOp(oparg)
		return func(s *StitchState) Continuation {
			r := bytecode.CompareInt(cmp, s.Peek(1).AsInt(), s.Peek(0).AsInt())
			s.Pop()
			s.Pop()
			s.Push(bytecode.NewBool(r))
			return next()
		}

	case UOP_COMPARE_OP_FLOAT:
		cmp := bytecode.CompareOp(oparg)
		return func(s *StitchState) Continuation {
			r := bytecode.CompareFloat(cmp, s.Peek(1).AsFloat(), s.Peek(0).AsFloat())
			s.Pop()
			s.Pop()
			s.Push(bytecode.NewBool(r))
			return next()
		}

	case UOP_UNARY_NOT:
		return func(s *StitchState) Continuation {
			s.Push(vm.Not(s.Pop()))
			return next()
		}

	case UOP_GUARD_IS_TRUE_POP:
		return func(s *StitchState) Continuation {
			if !s.Peek(0).IsTruthy() {
				return deopt
			}
			s.Pop()
			return next()
		}

	case UOP_GUARD_IS_FALSE_POP:
		return func(s *StitchState) Continuation {
			if s.Peek(0).IsTruthy() {
				return deopt
			}
			s.Pop()
			return next()
		}

	case UOP_CHECK_PERIODIC:
		return func(s *StitchState) Continuation {
			if s.TS.Pending() {
				s.Frame.IP, s.Frame.SP = target, s.SP
				if err := s.TS.HandleInterrupts(); err != nil {
					return Continuation{Tier: ContinueTier1, IP: target, Err: err}
				}
			}
			return next()
		}

	case UOP_JUMP_TO_TOP:
		return func(*StitchState) Continuation {
			return Continuation{Next: frags[0], PC: 0}
		}

	case UOP_EXIT_TRACE:
		return func(*StitchState) Continuation {
			return Continuation{Tier: ContinueTier1, IP: target, Exit: true}
		}
	}
	return nil
}
