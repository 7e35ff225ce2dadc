package bytecode

import (
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"go.uber.org/multierr"
)

// ============================================================================
// 辅助
// ============================================================================

// buildSum sum(n): total = 0; i = 0; while i < n { total += i; i += 1 }; return total
//
// 偏移:
//
//	 0 LOAD_CONST      1 STORE_FAST     2 LOAD_CONST     3 STORE_FAST
//	 4 LOAD_FAST (top) 5 LOAD_FAST      6 COMPARE_OP+1   8 POP_JUMP_IF_FALSE
//	 9 LOAD_FAST      10 LOAD_FAST     11 BINARY_OP+1   13 STORE_FAST
//	14 LOAD_FAST      15 LOAD_CONST    16 BINARY_OP+1   18 STORE_FAST
//	19 JUMP_BACKWARD+1                 21 LOAD_FAST     22 RETURN_VALUE
func buildSum(t *testing.T) *Code {
	t.Helper()
	b := NewBuilder("sum", "n")
	b.LoadInt(0).StoreFast("total").LoadInt(0).StoreFast("i")
	top := b.Here()
	done := b.NewLabel()
	b.LoadFast("i").LoadFast("n").Compare(CompareLt).JumpIfFalse(done)
	b.LoadFast("total").LoadFast("i").Binary(BinaryAdd).StoreFast("total")
	b.LoadFast("i").LoadInt(1).Binary(BinaryAdd).StoreFast("i")
	b.Loop(top)
	b.Mark(done)
	b.LoadFast("total").Return()
	code, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return code
}

type fakeExecutor int

func (e fakeExecutor) EntryOffset() int { return int(e) }

// ============================================================================
// 指令编码
// ============================================================================

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		op  OpCode
		arg int
	}{
		{OpNop, 0},
		{OpLoadConst, 7},
		{OpJumpBackward, 1234},
		{OpCall, MaxArg},
		{OpEnterExecutor, 3},
	}
	for _, tt := range tests {
		op, arg := Decode(Encode(tt.op, tt.arg))
		if op != tt.op || arg != tt.arg {
			t.Errorf("Decode(Encode(%s, %d)) = %s, %d", tt.op, tt.arg, op, arg)
		}
	}
}

func TestCacheLayout(t *testing.T) {
	tests := []struct {
		op     OpCode
		family OpCode
		cache  int
	}{
		{OpLoadFast, OpLoadFast, 0},
		{OpPopJumpIfFalse, OpPopJumpIfFalse, 0},
		{OpBinaryOp, OpBinaryOp, 1},
		{OpBinaryOpAddInt, OpBinaryOp, 1},
		{OpCompareOpStr, OpCompareOp, 1},
		{OpBinarySubscrListInt, OpBinarySubscr, 1},
		{OpJumpBackward, OpJumpBackward, 1},
		{OpEnterExecutor, OpJumpBackward, 1},
		{OpLoadGlobalModule, OpLoadGlobal, 3},
		{OpLoadAttrInstanceValue, OpLoadAttr, 3},
		{OpCallPyExactArgs, OpCall, 2},
		{OpCallBuiltin, OpCall, 2},
	}
	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			if got := tt.op.Family(); got != tt.family {
				t.Errorf("Family = %s, want %s", got, tt.family)
			}
			if got := CacheSize(tt.op); got != tt.cache {
				t.Errorf("CacheSize = %d, want %d", got, tt.cache)
			}
			if got := InstrSize(tt.op); got != tt.cache+1 {
				t.Errorf("InstrSize = %d, want %d", got, tt.cache+1)
			}
			if got := tt.op.Adaptive(); got != (tt.cache > 0) {
				t.Errorf("Adaptive = %v", got)
			}
		})
	}

	if OpBinaryOp.IsSpecialized() || !OpBinaryOpAddInt.IsSpecialized() {
		t.Error("IsSpecialized 对通用指令与特化变体判断错误")
	}
	if OpEnterExecutor.IsSpecialized() {
		t.Error("ENTER_EXECUTOR 不是特化变体")
	}
	if OpCode(250).String() != "OP_250" {
		t.Errorf("未知操作码名字 = %q", OpCode(250).String())
	}
}

func TestVersionedSlot(t *testing.T) {
	b := NewBuilder("getk")
	b.LoadGlobal("k").Return()
	code := b.MustBuild()
	site := -1
	code.Instructions(func(off int, op OpCode, _ int) bool {
		if op == OpLoadGlobal {
			site = off
		}
		return site < 0
	})

	if _, _, ok := code.VersionedSlot(site); ok {
		t.Error("未写入的缓存对不应命中")
	}
	code.SetVersionedSlot(site, 42, 3)
	if v, slot, ok := code.VersionedSlot(site); !ok || v != 42 || slot != 3 {
		t.Errorf("VersionedSlot = %d, %d, %v", v, slot, ok)
	}

	// 写者清零版本之后, 写回版本之前
	code.SetCache(site, CacheVersion, 0)
	code.SetCache(site, CacheIndex, 7)
	if _, _, ok := code.VersionedSlot(site); ok {
		t.Error("写到一半的缓存对不应命中")
	}
	code.SetCache(site, CacheVersion, 43)
	if v, slot, ok := code.VersionedSlot(site); !ok || v != 43 || slot != 7 {
		t.Errorf("VersionedSlot = %d, %d, %v", v, slot, ok)
	}
}

func TestStackEffect(t *testing.T) {
	tests := []struct {
		op        OpCode
		arg       int
		pop, push int
	}{
		{OpLoadConst, 0, 0, 1},
		{OpStoreFast, 0, 1, 0},
		{OpBinaryOpAddInt, 0, 2, 1},
		{OpLoadAttr, 0, 1, 1},
		{OpCopy, 2, 2, 3},
		{OpSwap, 3, 3, 3},
		{OpCall, 2, 3, 1},
		{OpCallBuiltin, 1, 2, 1},
		{OpJumpBackward, 0, 0, 0},
		{OpReturnValue, 0, 1, 0},
	}
	for _, tt := range tests {
		pop, push := StackEffect(tt.op, tt.arg)
		if pop != tt.pop || push != tt.push {
			t.Errorf("StackEffect(%s, %d) = %d, %d; want %d, %d", tt.op, tt.arg, pop, push, tt.pop, tt.push)
		}
	}
}

// ============================================================================
// 汇编器
// ============================================================================

func TestBuilderSumLoop(t *testing.T) {
	code := buildSum(t)

	if code.Len() != 23 {
		t.Fatalf("Len = %d, want 23", code.Len())
	}
	if code.NParams != 1 || code.NLocals != 3 {
		t.Errorf("NParams/NLocals = %d/%d", code.NParams, code.NLocals)
	}
	if len(code.Consts) != 2 {
		t.Errorf("常量未去重: %v", code.Consts)
	}
	if code.StackSize != 2 {
		t.Errorf("StackSize = %d, want 2", code.StackSize)
	}
	if op := code.Op(7); op != OpCache {
		t.Errorf("偏移 7 应为 CACHE, 实际 %s", op)
	}
	if op, arg := code.Instr(8); op != OpPopJumpIfFalse || arg != 21 {
		t.Errorf("偏移 8 = %s %d", op, arg)
	}
	if op, arg := code.Instr(19); op != OpJumpBackward || arg != 4 {
		t.Errorf("偏移 19 = %s %d", op, arg)
	}
	if code.Next(6) != 8 || code.Next(8) != 9 {
		t.Errorf("Next 未跳过缓存单元")
	}

	var starts []int
	code.Instructions(func(off int, op OpCode, arg int) bool {
		starts = append(starts, off)
		return true
	})
	if len(starts) != 19 {
		t.Errorf("指令条数 = %d, want 19", len(starts))
	}
}

func TestBuilderErrors(t *testing.T) {
	t.Run("未绑定标签", func(t *testing.T) {
		b := NewBuilder("f")
		l := b.NewLabel()
		b.LoadInt(1).Jump(l)
		if _, err := b.Build(); err == nil {
			t.Fatal("应报告未绑定标签")
		}
	})
	t.Run("重复绑定", func(t *testing.T) {
		b := NewBuilder("f")
		l := b.Here()
		b.LoadInt(1)
		b.Mark(l)
		b.Return()
		if _, err := b.Build(); err == nil {
			t.Fatal("应报告重复绑定")
		}
	})
	t.Run("立即数越界", func(t *testing.T) {
		b := NewBuilder("f")
		b.Emit(OpCopy, MaxArg+1)
		if _, err := b.Build(); err == nil {
			t.Fatal("应报告立即数越界")
		}
	})
	t.Run("栈下溢", func(t *testing.T) {
		b := NewBuilder("f")
		b.Pop().LoadInt(1).Return()
		_, err := b.Build()
		var verr *VerificationError
		if !errors.As(err, &verr) {
			t.Fatalf("err = %v, want VerificationError", err)
		}
	})
}

func TestBuilderExceptionTable(t *testing.T) {
	b := NewBuilder("nested")
	b.LoadInt(1)
	outerStart := b.Here()
	b.LoadInt(2)
	innerStart := b.Here()
	b.LoadInt(3).Pop()
	innerEnd := b.Here()
	b.Pop()
	outerEnd := b.Here()
	b.Return()
	innerHandler := b.Here()
	b.Pop().Return()
	outerHandler := b.Here()
	b.Pop().Return()
	// 外层先注册, Build 后仍应由内到外排列
	b.Try(outerStart, outerEnd, outerHandler).Try(innerStart, innerEnd, innerHandler)

	code, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(code.ExceptionTable) != 2 {
		t.Fatalf("异常表 = %v", code.ExceptionTable)
	}
	inner, outer := code.ExceptionTable[0], code.ExceptionTable[1]
	if inner.Start != 2 || inner.End != 4 || inner.Depth != 2 {
		t.Errorf("内层 = %+v", inner)
	}
	if outer.Start != 1 || outer.End != 5 || outer.Depth != 1 {
		t.Errorf("外层 = %+v", outer)
	}

	if e, ok := code.FindHandler(3); !ok || e != inner {
		t.Errorf("FindHandler(3) = %+v, %v", e, ok)
	}
	if e, ok := code.FindHandler(4); !ok || e != outer {
		t.Errorf("FindHandler(4) = %+v, %v", e, ok)
	}
	if _, ok := code.FindHandler(0); ok {
		t.Error("偏移 0 不在任何保护范围内")
	}
}

func TestBuilderLines(t *testing.T) {
	b := NewBuilder("lines")
	b.SetLine(3).LoadInt(1)
	b.SetLine(4).LoadInt(2).Binary(BinaryAdd).Return()
	code, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	// 缓存单元与所属指令同行
	for off, want := range []int{3, 4, 4, 4, 4} {
		if got := code.Line(off); got != want {
			t.Errorf("Line(%d) = %d, want %d", off, got, want)
		}
	}
	if code.Line(99) != 0 {
		t.Error("越界偏移的行号应为 0")
	}
}

// ============================================================================
// 验证器与栈检查
// ============================================================================

func TestVerifierRejectsRuntimeOps(t *testing.T) {
	code := NewCode("bad", []uint32{
		Encode(OpBinaryOpAddInt, 0), Encode(OpCache, 0),
		Encode(OpLoadConst, 5),
		Encode(OpReturnValue, 0),
	})
	err := VerifyCode(code)
	if err == nil {
		t.Fatal("应拒绝特化指令")
	}
	errs := multierr.Errors(err)
	if len(errs) != 2 {
		t.Fatalf("错误个数 = %d: %v", len(errs), err)
	}
	var verr *VerificationError
	if !errors.As(errs[0], &verr) || verr.Offset != 0 {
		t.Errorf("第一个错误 = %v", errs[0])
	}
	if !errors.As(errs[1], &verr) || verr.Offset != 2 {
		t.Errorf("第二个错误 = %v", errs[1])
	}

	enter := NewCode("enter", []uint32{Encode(OpEnterExecutor, 0), Encode(OpCache, 0)})
	if err := VerifyCode(enter); err == nil {
		t.Error("应拒绝 ENTER_EXECUTOR")
	}
}

func TestVerifierRejectsBadOperands(t *testing.T) {
	one := []Value{NewInt(1)}
	tests := []struct {
		name  string
		words []uint32
		names []string
		local int
	}{
		{"局部变量越界", []uint32{Encode(OpLoadFast, 1), Encode(OpReturnValue, 0)}, nil, 1},
		{"名字越界", []uint32{Encode(OpLoadGlobal, 0), 0, 0, 0, Encode(OpReturnValue, 0)}, nil, 0},
		{"未知运算", []uint32{
			Encode(OpLoadConst, 0), Encode(OpLoadConst, 0),
			Encode(OpBinaryOp, 42), Encode(OpCache, 0),
			Encode(OpReturnValue, 0),
		}, nil, 0},
		{"回边指向缓存单元", []uint32{
			Encode(OpLoadConst, 0), Encode(OpLoadConst, 0),
			Encode(OpCompareOp, 0), Encode(OpCache, 0),
			Encode(OpJumpBackward, 3), Encode(OpCache, 0),
		}, nil, 0},
		{"COPY 0", []uint32{Encode(OpLoadConst, 0), Encode(OpCopy, 0), Encode(OpReturnValue, 0)}, nil, 0},
		{"缓存单元不完整", []uint32{Encode(OpLoadConst, 0), Encode(OpLoadConst, 0), Encode(OpBinaryOp, 0)}, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := NewCode(tt.name, tt.words)
			code.Consts = one
			code.Names = tt.names
			code.NLocals = tt.local
			code.StackSize = 4
			if err := VerifyCode(code); err == nil {
				t.Error("应验证失败")
			}
		})
	}
}

func TestVerifierDeclaredStackSize(t *testing.T) {
	code := NewCode("deep", []uint32{
		Encode(OpLoadConst, 0), Encode(OpLoadConst, 0), Encode(OpPopTop, 0), Encode(OpReturnValue, 0),
	})
	code.Consts = []Value{NewInt(1)}
	code.StackSize = 1
	if err := VerifyCode(code); err == nil {
		t.Error("声明的栈深度不足应验证失败")
	}
	code.StackSize = 2
	if err := VerifyCode(code); err != nil {
		t.Errorf("VerifyCode: %v", err)
	}
}

func TestStackChecker(t *testing.T) {
	t.Run("下溢", func(t *testing.T) {
		code := NewCode("under", []uint32{Encode(OpPopTop, 0), Encode(OpLoadConst, 0), Encode(OpReturnValue, 0)})
		res := CheckCode(code, 0)
		if res.IsValid || len(res.Errors) == 0 {
			t.Fatalf("结果 = %+v", res)
		}
	})
	t.Run("深度不一致", func(t *testing.T) {
		code := NewCode("merge", []uint32{
			Encode(OpLoadConst, 0),
			Encode(OpPopJumpIfFalse, 4),
			Encode(OpLoadConst, 0),
			Encode(OpNop, 0),
			Encode(OpLoadConst, 0),
			Encode(OpReturnValue, 0),
		})
		res := CheckCode(code, 0)
		if res.IsValid {
			t.Fatal("两条路径在偏移 4 深度不同, 应无效")
		}
	})
	t.Run("不可达", func(t *testing.T) {
		code := NewCode("dead", []uint32{
			Encode(OpLoadConst, 0), Encode(OpReturnValue, 0), Encode(OpPopTop, 0),
		})
		res := CheckCode(code, 0)
		if !res.IsValid || res.MaxDepth != 1 {
			t.Fatalf("结果 = %+v", res)
		}
		if res.Depths[2] != -1 {
			t.Errorf("不可达指令深度 = %d, want -1", res.Depths[2])
		}
	})
	t.Run("超过上限", func(t *testing.T) {
		code := NewCode("tall", []uint32{
			Encode(OpLoadConst, 0), Encode(OpLoadConst, 0), Encode(OpLoadConst, 0), Encode(OpReturnValue, 0),
		})
		if res := CheckCode(code, 2); res.IsValid {
			t.Fatal("深度 3 超过上限 2, 应无效")
		}
	})
	t.Run("空代码", func(t *testing.T) {
		if res := CheckCode(NewCode("empty", nil), 0); res.IsValid {
			t.Fatal("空代码对象应无效")
		}
	})
}

// ============================================================================
// 执行体表
// ============================================================================

func TestExecutorTable(t *testing.T) {
	code := buildSum(t)

	if _, ok := code.InstallExecutor(0, fakeExecutor(4)); ok {
		t.Fatal("只能在 JUMP_BACKWARD 上安装执行体")
	}

	idx, ok := code.InstallExecutor(19, fakeExecutor(4))
	if !ok || idx != 0 {
		t.Fatalf("InstallExecutor = %d, %v", idx, ok)
	}
	if op, arg := code.Instr(19); op != OpEnterExecutor || arg != 0 {
		t.Fatalf("回边 = %s %d", op, arg)
	}
	if _, ok := code.InstallExecutor(19, fakeExecutor(4)); ok {
		t.Fatal("ENTER_EXECUTOR 上不能重复安装")
	}
	exec, target := code.ExecutorAt(0)
	if exec != fakeExecutor(4) || target != 4 {
		t.Errorf("ExecutorAt = %v, %d", exec, target)
	}
	if code.ExecutorCount() != 1 {
		t.Errorf("ExecutorCount = %d", code.ExecutorCount())
	}

	before := code.Cache(19, CacheCounter)
	var old uint32
	removed := code.RemoveExecutor(0, func(o uint32) uint32 {
		old = o
		return 77
	})
	if removed != fakeExecutor(4) {
		t.Errorf("RemoveExecutor = %v", removed)
	}
	if old != before {
		t.Errorf("计数器旧值 = %d, want %d", old, before)
	}
	if op, arg := code.Instr(19); op != OpJumpBackward || arg != 4 {
		t.Errorf("移除后回边 = %s %d", op, arg)
	}
	if code.Cache(19, CacheCounter) != 77 {
		t.Errorf("计数器 = %d, want 77", code.Cache(19, CacheCounter))
	}
	if code.RemoveExecutor(0, func(o uint32) uint32 { return o }) != nil {
		t.Error("重复移除应返回 nil")
	}
	if code.ExecutorCount() != 0 {
		t.Errorf("ExecutorCount = %d", code.ExecutorCount())
	}

	// 槽位保留回边目标且不复用
	if exec, target := code.ExecutorAt(0); exec != nil || target != 4 {
		t.Errorf("已移除槽位 = %v, %d", exec, target)
	}
	if idx, ok := code.InstallExecutor(19, fakeExecutor(4)); !ok || idx != 1 {
		t.Errorf("再次安装 = %d, %v", idx, ok)
	}
	if exec, target := code.ExecutorAt(5); exec != nil || target != -1 {
		t.Errorf("越界槽位 = %v, %d", exec, target)
	}
}

func TestQuickenOnce(t *testing.T) {
	code := buildSum(t)
	n := 0
	for i := 0; i < 3; i++ {
		code.Quicken(func(c *Code) { n++ })
	}
	if n != 1 {
		t.Errorf("Quicken 执行了 %d 次", n)
	}
}

func TestDisassemble(t *testing.T) {
	code := buildSum(t)
	code.SetOp(6, OpCompareOpInt)
	code.RecordDeopt(11)
	code.RecordDeopt(11)

	out := Disassemble(code)
	for _, want := range []string{
		"== sum (params=1 locals=3 stack=2) ==",
		"COMPARE_OP_INT",
		"0 (<)",
		"(total)",
		"0 (+)",
		"to 4",
		"to 21",
		"[deopts=2]",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("反汇编缺少 %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "CACHE") {
		t.Errorf("反汇编不应列出缓存单元:\n%s", out)
	}

	code.InstallExecutor(19, fakeExecutor(4))
	if out := Disassemble(code); !strings.Contains(out, "0 (executor)") {
		t.Errorf("反汇编缺少执行体:\n%s", out)
	}
}

// ============================================================================
// 运算原语
// ============================================================================

func TestIntArith(t *testing.T) {
	tests := []struct {
		name    string
		op      BinaryOp
		a, b    int64
		want    int64
		ok      bool
		zeroDiv bool
	}{
		{"add", BinaryAdd, 2, 3, 5, true, false},
		{"add overflow", BinaryAdd, math.MaxInt64, 1, 0, false, false},
		{"sub overflow", BinarySub, math.MinInt64, 1, 0, false, false},
		{"mul", BinaryMul, -4, 5, -20, true, false},
		{"mul overflow", BinaryMul, math.MaxInt64, 2, 0, false, false},
		{"div truncates", BinaryDiv, -7, 2, -3, true, false},
		{"div overflow", BinaryDiv, math.MinInt64, -1, 0, false, false},
		{"div zero", BinaryDiv, 1, 0, 0, false, true},
		{"mod sign", BinaryMod, -7, 2, -1, true, false},
		{"mod by -1", BinaryMod, math.MinInt64, -1, 0, true, false},
		{"mod zero", BinaryMod, 1, 0, 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok, zeroDiv := IntArith(tt.op, tt.a, tt.b)
			if ok != tt.ok || zeroDiv != tt.zeroDiv {
				t.Fatalf("ok/zeroDiv = %v/%v, want %v/%v", ok, zeroDiv, tt.ok, tt.zeroDiv)
			}
			if ok && r != tt.want {
				t.Errorf("r = %d, want %d", r, tt.want)
			}
		})
	}
}

func TestFloatArith(t *testing.T) {
	if r, zd := FloatArith(BinaryDiv, 1, 4); zd || r != 0.25 {
		t.Errorf("1/4 = %v, %v", r, zd)
	}
	if _, zd := FloatArith(BinaryDiv, 1, 0); !zd {
		t.Error("浮点除零应报告")
	}
	if r, _ := FloatArith(BinaryMul, 1.5, 2); r != 3 {
		t.Errorf("1.5*2 = %v", r)
	}
}

func TestCompare(t *testing.T) {
	if !CompareInt(CompareLe, 3, 3) || CompareInt(CompareGt, 3, 3) {
		t.Error("CompareInt")
	}
	if !CompareFloat(CompareNe, 1.5, 2.5) || CompareFloat(CompareEq, math.NaN(), math.NaN()) {
		t.Error("CompareFloat")
	}
	if !CompareString(CompareLt, "ab", "b") || !CompareString(CompareEq, "x", "x") {
		t.Error("CompareString")
	}
}

func TestListIndex(t *testing.T) {
	tests := []struct {
		i    int64
		n    int
		want int
		ok   bool
	}{
		{0, 3, 0, true},
		{2, 3, 2, true},
		{3, 3, 0, false},
		{-1, 3, 2, true},
		{-3, 3, 0, true},
		{-4, 3, 0, false},
		{0, 0, 0, false},
	}
	for _, tt := range tests {
		got, ok := ListIndex(tt.i, tt.n)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("ListIndex(%d, %d) = %d, %v", tt.i, tt.n, got, ok)
		}
	}
}

// ============================================================================
// 版本
// ============================================================================

func TestNewVersionUnique(t *testing.T) {
	seen := make(map[uint32]bool)
	for i := 0; i < 1000; i++ {
		v := NewVersion()
		if v == 0 || seen[v] {
			t.Fatalf("版本 %d 为 0 或重复", v)
		}
		seen[v] = true
	}
}

func TestGlobalsVersion(t *testing.T) {
	g := NewGlobals()
	v0 := g.Version()
	slot := g.Set("x", NewInt(1))
	v1 := g.Version()
	if v1 == v0 {
		t.Error("新增名字应改变版本")
	}
	if g.Set("x", NewInt(2)) != slot || g.Version() != v1 {
		t.Error("改写已有名字不应改变槽位或版本")
	}
	if v, ok := g.Get("x"); !ok || v.AsInt() != 2 {
		t.Errorf("Get(x) = %v, %v", v, ok)
	}
	if g.At(slot).AsInt() != 2 {
		t.Error("At 与 Get 不一致")
	}
	if _, _, ok := g.Lookup("missing"); ok {
		t.Error("不存在的名字")
	}
	g.Set("y", NullValue)
	if g.Version() == v1 || g.Len() != 2 {
		t.Error("第二个名字")
	}
	if names := g.Names(); len(names) != 2 || names[0] != "x" || names[1] != "y" {
		t.Errorf("Names = %v", names)
	}
}

func TestTypeAndFunctionVersion(t *testing.T) {
	typ := NewType("Point", "x", "y")
	v := typ.Version()
	if slot, ok := typ.Slot("y"); !ok || slot != 1 {
		t.Errorf("Slot(y) = %d, %v", slot, ok)
	}
	if typ.AddField("z") != 2 || typ.Version() == v {
		t.Error("AddField 应分配新槽位并改变版本")
	}
	inst := NewInstance(typ, NewInt(1), NewInt(2), NewInt(3))
	if got, ok := inst.Field("z"); !ok || got.AsInt() != 3 {
		t.Errorf("Field(z) = %v, %v", got, ok)
	}
	if _, ok := inst.Field("w"); ok {
		t.Error("不存在的字段")
	}

	fn := NewFunction(buildSum(t), NewGlobals())
	fv := fn.Version()
	if fn.Arity() != 1 {
		t.Errorf("Arity = %d", fn.Arity())
	}
	next := buildSum(t)
	fn.SetCode(next)
	if fn.Version() == fv || fn.Code() != next {
		t.Error("SetCode 应替换代码并改变函数版本")
	}
}

func TestSetCodeConcurrentWithReaders(t *testing.T) {
	codes := []*Code{buildSum(t), buildSum(t)}
	fn := NewFunction(codes[0], NewGlobals())

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if c := fn.Code(); c != codes[0] && c != codes[1] {
					t.Error("读到了不属于该函数的代码对象")
					return
				}
				_ = fn.Arity()
			}
		}()
	}
	for i := 0; i < 1000; i++ {
		fn.SetCode(codes[i%2])
	}
	wg.Wait()
}

// ============================================================================
// 值
// ============================================================================

func TestValueSemantics(t *testing.T) {
	if !NewInt(2).Equals(NewFloat(2)) || NewInt(2).Equals(NewString("2")) {
		t.Error("数值跨类型相等")
	}
	if NewInt(2) == NewFloat(2) {
		t.Error("== 区分 int 与 float")
	}
	if !NewList(NewInt(1), NewString("a")).Equals(NewList(NewFloat(1), NewString("a"))) {
		t.Error("列表逐项比较")
	}

	truthy := []struct {
		v    Value
		want bool
	}{
		{NullValue, false},
		{NewInt(0), false},
		{NewInt(-1), true},
		{NewFloat(0), false},
		{NewString(""), false},
		{NewString("a"), true},
		{NewList(), false},
		{NewBool(true), true},
	}
	for _, tt := range truthy {
		if got := tt.v.IsTruthy(); got != tt.want {
			t.Errorf("IsTruthy(%v) = %v", tt.v, got)
		}
	}

	typ := NewType("Point", "x")
	inst := NewInstanceValue(NewInstance(typ, NewInt(1)))
	if inst.TypeName() != "Point" || NewString("s").TypeName() != "str" || NewList().TypeName() != "list" {
		t.Errorf("TypeName = %s / %s / %s", inst.TypeName(), NewString("s").TypeName(), NewList().TypeName())
	}
	if got := NewList(NewInt(1), NewString("a")).String(); got != `[1, "a"]` {
		t.Errorf("String = %s", got)
	}
}
