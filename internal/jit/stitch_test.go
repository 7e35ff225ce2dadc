package jit

import (
	"testing"

	"github.com/tangzhangming/tiervm/internal/bytecode"
	"github.com/tangzhangming/tiervm/internal/errors"
)

func TestRegsWriteThrough(t *testing.T) {
	stack := make([]bytecode.Value, 8)
	s := &StitchState{Stack: stack}
	s.Push(bytecode.NewInt(1))
	s.Push(bytecode.NewInt(2))
	s.Push(bytecode.NewInt(3))
	if s.Regs.N != NumRegs {
		t.Fatalf("N = %d, want %d", s.Regs.N, NumRegs)
	}
	s.Regs.Check(s.Stack, s.SP)

	if v := s.Peek(2); v.AsInt() != 1 {
		t.Errorf("Peek(2) = %v, want 1", v)
	}
	if v := s.Pop(); v.AsInt() != 3 {
		t.Errorf("Pop = %v, want 3", v)
	}
	s.Regs.Check(s.Stack, s.SP)
	if s.Regs.N != 1 || s.Peek(0).AsInt() != 2 || s.Peek(1).AsInt() != 1 {
		t.Errorf("after pop: N=%d top=%v below=%v", s.Regs.N, s.Peek(0), s.Peek(1))
	}

	s.Regs.Sync(s.Stack, s.SP, 0)
	if s.Regs.N != 2 || s.Regs.V[0].AsInt() != 2 || s.Regs.V[1].AsInt() != 1 {
		t.Errorf("after sync: %+v", s.Regs)
	}
	// 栈底之下不加载
	s.Regs.Sync(s.Stack, s.SP, 1)
	if s.Regs.N != 1 {
		t.Errorf("sync above base 1: N = %d, want 1", s.Regs.N)
	}
}

func TestRegsCheckPanics(t *testing.T) {
	stack := []bytecode.Value{bytecode.NewInt(1), bytecode.NewInt(2)}
	var r Regs
	r.Sync(stack, 2, 0)
	stack[1] = bytecode.NewInt(99)
	defer func() {
		if _, ok := recover().(*errors.InternalError); !ok {
			t.Error("stale register cache did not panic")
		}
	}()
	r.Check(stack, 2)
}

func TestTrampoline(t *testing.T) {
	var steps int
	var frags []Fragment
	frags = []Fragment{
		func(s *StitchState) Continuation {
			steps++
			s.Push(bytecode.NewInt(int64(steps)))
			if steps < 3 {
				return Continuation{Next: frags[0]}
			}
			return Continuation{Next: frags[1], PC: 1}
		},
		func(*StitchState) Continuation {
			return Continuation{Tier: ContinueTier1, IP: 42, Exit: true}
		},
	}
	s := &StitchState{Stack: make([]bytecode.Value, 4)}
	c := Trampoline(s, Continuation{Next: frags[0]})
	if c.Tier != ContinueTier1 || c.IP != 42 || !c.Exit {
		t.Errorf("final continuation = %+v", c)
	}
	if s.SP != 3 || s.Peek(0).AsInt() != 3 {
		t.Errorf("sp=%d top=%v", s.SP, s.Peek(0))
	}
}

func TestCompileFragmentsMarksNative(t *testing.T) {
	code := sumLoop().Code()
	trace := newTrace(code, 0, 0, []UOp{
		{Op: UOP_LOAD_FAST},
		{Op: UOP_LOAD_GLOBAL},
		{Op: UOP_GUARD_BOTH_INT},
		{Op: UOP_CALL, Oparg: 1},
		{Op: UOP_CHECK_PERIODIC},
		{Op: UOP_JUMP_TO_TOP},
	})
	CompileFragments(trace)
	want := []bool{true, false, true, false, true, true}
	for pc, native := range want {
		if trace.native[pc] != native {
			t.Errorf("pc %d (%s) native = %v, want %v", pc, trace.uops[pc].Op, trace.native[pc], native)
		}
	}
	c := trace.fragments[1](&StitchState{})
	if c.Tier != ContinueTier2 || c.PC != 1 || c.Next != nil {
		t.Errorf("handoff continuation = %+v", c)
	}
}
