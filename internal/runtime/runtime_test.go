package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/tangzhangming/tiervm/internal/bytecode"
	"github.com/tangzhangming/tiervm/internal/config"
	"github.com/tangzhangming/tiervm/internal/errors"
	"github.com/tangzhangming/tiervm/internal/object"
	"github.com/tangzhangming/tiervm/internal/programs"
)

// ============================================================================
// 执行层配置
// ============================================================================

type tierConfig struct {
	name   string
	mutate func(cfg *config.Config)
}

// hot 回边第一次执行即录制
func hot(cfg *config.Config) {
	cfg.Tier2.Enabled = true
	cfg.Tier2.BackedgeWarmup = 0
	cfg.Tier2.BackedgeBackoff = 0
}

var tiers = []tierConfig{
	{"baseline", func(cfg *config.Config) {
		cfg.Specialization.Enabled = false
		cfg.Tier2.Enabled = false
	}},
	{"specialized", func(cfg *config.Config) { cfg.Tier2.Enabled = false }},
	{"tier2", hot},
	{"stitch", func(cfg *config.Config) {
		hot(cfg)
		cfg.Tier2.Stitch = true
	}},
}

func newRuntime(t testing.TB, tc tierConfig) (*Runtime, *object.Recording) {
	t.Helper()
	cfg := config.Default()
	cfg.Interpreter.CheckStackInvariant = true
	tc.mutate(cfg)
	rec := object.NewRecording(nil)
	rt, err := New(cfg, WithModel(rec), WithOutput(io.Discard))
	if err != nil {
		t.Fatalf("%s: New: %v", tc.name, err)
	}
	return rt, rec
}

// run 的可观察结果
type observed struct {
	results []string
	errs    []error
	calls   []string
}

func render(v bytecode.Value, err error) string {
	if err != nil {
		return "error: " + err.Error()
	}
	return v.TypeName() + ":" + v.String()
}

func runProgram(t testing.TB, tc tierConfig, p programs.Program) (observed, *Runtime, *bytecode.Function) {
	t.Helper()
	rt, rec := newRuntime(t, tc)
	fn := p.Build(rt.NewGlobals())
	var obs observed
	for _, args := range p.Calls(rt.Config()) {
		v, err := rt.Run(context.Background(), fn, args...)
		obs.results = append(obs.results, render(v, err))
		obs.errs = append(obs.errs, err)
	}
	for _, c := range rec.Calls() {
		obs.calls = append(obs.calls, c.String())
	}
	return obs, rt, fn
}

func compareObserved(t *testing.T, want, got observed) {
	t.Helper()
	if strings.Join(got.results, "\n") != strings.Join(want.results, "\n") {
		t.Errorf("results differ:\n got: %q\nwant: %q", got.results, want.results)
	}
	for i := range want.errs {
		if !errors.Equal(got.errs[i], want.errs[i]) {
			t.Errorf("call %d: error %v, want %v", i, got.errs[i], want.errs[i])
		}
	}
	if len(got.calls) != len(want.calls) {
		t.Fatalf("%d external calls, want %d", len(got.calls), len(want.calls))
	}
	for i := range want.calls {
		if got.calls[i] != want.calls[i] {
			t.Errorf("external call %d = %s, want %s", i, got.calls[i], want.calls[i])
			break
		}
	}
}

// ============================================================================
// 执行层等价
// ============================================================================

func TestTierEquivalence(t *testing.T) {
	for _, p := range programs.All() {
		want, _, _ := runProgram(t, tiers[0], p)
		for _, tc := range tiers[1:] {
			t.Run(p.Name+"/"+tc.name, func(t *testing.T) {
				got, rt, _ := runProgram(t, tc, p)
				compareObserved(t, want, got)
				for _, info := range rt.Traces() {
					if info.Refs != 1 {
						t.Errorf("trace %s refs = %d after run, want 1", info.ID, info.Refs)
					}
				}
				s := rt.Stats()
				if s.TracesFreed != s.TracesInvalidated {
					t.Errorf("freed %d traces, invalidated %d", s.TracesFreed, s.TracesInvalidated)
				}
			})
		}
	}
}

// ============================================================================
// 场景
// ============================================================================

func TestSumEscalatesToTier2(t *testing.T) {
	p, _ := programs.Lookup("sum")
	for _, tc := range []tierConfig{
		{"default", func(*config.Config) {}},
		tiers[2],
		tiers[3],
	} {
		obs, rt, _ := runProgram(t, tc, p)
		if obs.results[0] != "int:49995000" {
			t.Errorf("%s: sum(10000) = %s", tc.name, obs.results[0])
		}
		s := rt.Stats()
		if s.TracesInstalled == 0 || s.TraceEntries == 0 {
			t.Errorf("%s: installed=%d entries=%d, loop never reached tier 2", tc.name, s.TracesInstalled, s.TraceEntries)
		}
	}
}

func TestDoubleDeoptsOnce(t *testing.T) {
	p, _ := programs.Lookup("double")
	obs, _, fn := runProgram(t, tiers[1], p)
	want := []string{"int:2", "int:4", "int:6", "int:8", "int:10", "str:abab"}
	if strings.Join(obs.results, ",") != strings.Join(want, ",") {
		t.Fatalf("results = %v, want %v", obs.results, want)
	}
	add := -1
	fn.Code().Instructions(func(off int, op bytecode.OpCode, _ int) bool {
		if op.Family() == bytecode.OpBinaryOp {
			add = off
			return false
		}
		return true
	})
	if n := fn.Code().DeoptCount(add); n != 1 {
		t.Errorf("add site deopted %d times, want 1", n)
	}
}

func TestRecursionCeilingUnwinds(t *testing.T) {
	p, _ := programs.Lookup("recurse")
	for _, tc := range tiers {
		rt, _ := newRuntime(t, tc)
		fn := p.Build(rt.NewGlobals())
		limit := rt.Config().Interpreter.RecursionLimit

		ts := rt.VM().NewThread()
		v, err := ts.Call(context.Background(), fn, bytecode.NewInt(int64(limit-1)))
		if err != nil || v.AsInt() != int64(limit-1) {
			t.Errorf("%s: depth(limit-1) = %v, %v", tc.name, v, err)
		}
		_, err = ts.Call(context.Background(), fn, bytecode.NewInt(int64(limit)))
		if errors.KindOf(err) != errors.KindRecursion {
			t.Errorf("%s: depth(limit) err = %v, want RecursionError", tc.name, err)
		}
		if ts.Depth() != 0 {
			t.Errorf("%s: %d frames left after unwinding", tc.name, ts.Depth())
		}
		// 展开后线程仍可用
		if v, err := ts.Call(context.Background(), fn, bytecode.NewInt(3)); err != nil || v.AsInt() != 3 {
			t.Errorf("%s: depth(3) after error = %v, %v", tc.name, v, err)
		}
	}
}

func TestRaisingLoopRaisesOnce(t *testing.T) {
	p, _ := programs.Lookup("raising")
	base, _, _ := runProgram(t, tiers[0], p)
	for _, tc := range tiers {
		obs, rt, _ := runProgram(t, tc, p)
		re, ok := errors.AsRuntime(obs.errs[0])
		if !ok || re.Kind != errors.KindRaised || re.Payload.AsString() != "bad value 3" {
			t.Fatalf("%s: err = %v, want Raised(bad value 3)", tc.name, obs.errs[0])
		}
		if !errors.Equal(obs.errs[0], base.errs[0]) {
			t.Errorf("%s: error differs from baseline:\n%s\n%s", tc.name, re.FormatTraceback(), base.errs[0])
		}
		var raised int
		for _, c := range obs.calls {
			if strings.Contains(c, "->") {
				raised++
			}
		}
		if len(obs.calls) != 4 || raised != 1 {
			t.Errorf("%s: calls = %v, want check(0..3) with one failure", tc.name, obs.calls)
		}
		if tc.name == "tier2" || tc.name == "stitch" {
			if n := rt.Stats().TraceErrors; n != 1 {
				t.Errorf("%s: trace errors = %d, want 1", tc.name, n)
			}
		}
	}
}

// ============================================================================
// 运行时外观
// ============================================================================

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Interpreter.RecursionLimit = 0
	if _, err := New(cfg); err == nil {
		t.Error("New accepted recursion_limit = 0")
	}
}

func TestTierWiring(t *testing.T) {
	rt, _ := newRuntime(t, tiers[1])
	if rt.Tier() != nil || rt.VM().Tier2() != nil {
		t.Error("tier 2 wired although disabled")
	}
	rt, _ = newRuntime(t, tiers[3])
	if rt.Tier() == nil || rt.VM().Tier2() == nil {
		t.Error("tier 2 not wired")
	}
}

func TestBuiltinPrint(t *testing.T) {
	var out bytes.Buffer
	rt, err := New(config.Default(), WithOutput(&out))
	if err != nil {
		t.Fatal(err)
	}
	g := rt.NewGlobals()
	b := bytecode.NewBuilder("hello")
	b.LoadGlobal("print").LoadConst(bytecode.NewString("hi")).LoadInt(42).Call(2).Return()
	fn := bytecode.NewFunction(b.MustBuild(), g)
	if _, err := rt.Run(context.Background(), fn); err != nil {
		t.Fatal(err)
	}
	if out.String() != "hi 42\n" {
		t.Errorf("print wrote %q", out.String())
	}
}

func TestBuiltins(t *testing.T) {
	g := bytecode.NewGlobals()
	InstallBuiltins(g, io.Discard)
	call := func(name string, args ...bytecode.Value) (bytecode.Value, error) {
		v, ok := g.Get(name)
		if !ok {
			t.Fatalf("builtin %s missing", name)
		}
		return v.AsBuiltin().Fn(args)
	}
	tests := []struct {
		name string
		args []bytecode.Value
		want string
		kind errors.Kind
	}{
		{"len", []bytecode.Value{bytecode.NewString("abc")}, "int:3", 0},
		{"len", []bytecode.Value{bytecode.NewInt(1)}, "", errors.KindTypeError},
		{"abs", []bytecode.Value{bytecode.NewInt(-5)}, "int:5", 0},
		{"min", []bytecode.Value{bytecode.NewInt(3), bytecode.NewFloat(1.5), bytecode.NewInt(2)}, "float:1.5", 0},
		{"max", []bytecode.Value{bytecode.NewInt(3), bytecode.NewInt(7)}, "int:7", 0},
		{"int", []bytecode.Value{bytecode.NewString(" 12 ")}, "int:12", 0},
		{"floor", []bytecode.Value{bytecode.NewFloat(-1.5)}, "int:-2", 0},
		{"typeof", []bytecode.Value{bytecode.NewList()}, "str:list", 0},
		{"str", []bytecode.Value{bytecode.NewInt(9)}, "str:9", 0},
		{"typeof", nil, "", errors.KindTypeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := call(tt.name, tt.args...)
			if tt.kind != 0 {
				if errors.KindOf(err) != tt.kind {
					t.Errorf("err = %v, want %s", err, tt.kind)
				}
				return
			}
			if got := render(v, err); got != tt.want {
				t.Errorf("%s = %s, want %s", tt.name, got, tt.want)
			}
		})
	}
}

func TestReportJSON(t *testing.T) {
	p, _ := programs.Lookup("sum")
	_, rt, _ := runProgram(t, tiers[3], p)
	data, err := rt.ReportJSON()
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"stats"`, `"traces_installed"`, `"traces"`, `"stitched": true`} {
		if !bytes.Contains(data, []byte(key)) {
			t.Errorf("report lacks %s:\n%s", key, data)
		}
	}
	if _, err := rt.StatsJSON(); err != nil {
		t.Error(err)
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"console", "json"} {
		l, err := NewLogger(config.Log{Level: "debug", Format: format}, false)
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		_ = l.Sync()
	}
	if _, err := NewLogger(config.Log{Level: "loud", Format: "console"}, false); err == nil {
		t.Error("accepted unknown level")
	}
}

// promoting 整数乘法溢出时提升为浮点数, 其余沿用默认模型
type promoting struct{ object.Default }

func (m promoting) BinaryOp(op bytecode.BinaryOp, a, b bytecode.Value) (bytecode.Value, error) {
	if op == bytecode.BinaryMul && a.IsInt() && b.IsInt() {
		if r, ok := bytecode.MulInt(a.AsInt(), b.AsInt()); ok {
			return bytecode.NewInt(r), nil
		}
		return bytecode.NewFloat(a.AsFloat() * b.AsFloat()), nil
	}
	return m.Default.BinaryOp(op, a, b)
}

// powerLoop power(n): x = 1; i = 0; while i < n { x = x * 3; i += 1 }; return x
func powerLoop(g *bytecode.Globals) *bytecode.Function {
	b := bytecode.NewBuilder("power", "n")
	b.LoadInt(1).StoreFast("x").LoadInt(0).StoreFast("i")
	top, done := b.Here(), b.NewLabel()
	b.LoadFast("i").LoadFast("n").Compare(bytecode.CompareLt).JumpIfFalse(done)
	b.LoadFast("x").LoadInt(3).Binary(bytecode.BinaryMul).StoreFast("x")
	b.LoadFast("i").LoadInt(1).Binary(bytecode.BinaryAdd).StoreFast("i")
	b.Loop(top)
	b.Mark(done)
	b.LoadFast("x").Return()
	fn := bytecode.NewFunction(b.MustBuild(), g)
	g.SetFunc(fn)
	return fn
}

func TestCustomModelTierEquivalence(t *testing.T) {
	var want string
	for i, tc := range tiers {
		cfg := config.Default()
		cfg.Interpreter.CheckStackInvariant = true
		tc.mutate(cfg)
		rt, err := New(cfg, WithModel(object.NewRecording(promoting{})), WithOutput(io.Discard))
		if err != nil {
			t.Fatal(err)
		}
		if rt.VM().PrimitiveModel() {
			t.Fatalf("%s: a model overriding BinaryOp must not count as primitive", tc.name)
		}
		fn := powerLoop(rt.NewGlobals())
		var got []string
		for j := 0; j < 3; j++ {
			v, err := rt.Run(context.Background(), fn, bytecode.NewInt(50))
			got = append(got, render(v, err))
		}
		joined := strings.Join(got, ", ")
		if i == 0 {
			want = joined
			if !strings.HasPrefix(want, "float:") {
				t.Fatalf("baseline = %s, want a promoted float", want)
			}
			continue
		}
		if joined != want {
			t.Errorf("%s: %s, baseline %s", tc.name, joined, want)
		}
		if s := rt.Stats(); s.Specializations != 0 {
			t.Errorf("%s: %d sites specialized under a custom model", tc.name, s.Specializations)
		}
	}

	rt, _ := newRuntime(t, tiers[1])
	if !rt.VM().PrimitiveModel() {
		t.Error("the recording wrapper around the default model should stay primitive")
	}
}

// ============================================================================
// 随机程序
// ============================================================================

// fuzzGlobals 随机程序引用的全局变量: 代码函数, 字段顺序不同的两种实例, 累加器
func fuzzGlobals(g *bytecode.Globals) {
	sb := bytecode.NewBuilder("step", "x")
	sb.LoadFast("x").LoadGlobal("k").Binary(bytecode.BinaryAdd).Return()
	g.SetFunc(bytecode.NewFunction(sb.MustBuild(), g))
	g.Set("k", bytecode.NewInt(2))
	g.Set("acc", bytecode.NewInt(0))
	p := bytecode.NewType("P", "x", "y")
	q := bytecode.NewType("Q", "y", "x")
	g.Set("pts", bytecode.NewList(
		bytecode.NewInstanceValue(bytecode.NewInstance(p, bytecode.NewInt(1), bytecode.NewInt(2))),
		bytecode.NewInstanceValue(bytecode.NewInstance(q, bytecode.NewInt(3), bytecode.NewInt(4))),
	))
}

// fuzzStatement 由一个字节生成一条循环体语句, 低 3 位选择语句种类
func fuzzStatement(b *bytecode.Builder, c byte) {
	p := c >> 3
	dst, src := "a", "b"
	if p&1 == 1 {
		dst, src = src, dst
	}
	k := int64(p>>1&3) + 1

	switch c & 7 {
	case 0, 1, 2:
		// dst = dst op operand
		b.LoadFast(dst)
		switch p >> 1 & 3 {
		case 0:
			b.LoadFast(src)
		case 1:
			b.LoadInt(int64(p>>3) + 1)
		case 2:
			b.LoadConst(bytecode.NewFloat(1.5))
		case 3:
			b.LoadFast(dst)
		}
		b.Binary(bytecode.BinaryOp(int(c) % 5)).StoreFast(dst)
	case 3:
		// dst = step(dst)
		b.LoadGlobal("step").LoadFast(dst).Call(1).StoreFast(dst)
	case 4:
		// dst = abs(dst - src)
		b.LoadGlobal("abs").LoadFast(dst).LoadFast(src).Binary(bytecode.BinarySub).Call(1).StoreFast(dst)
	case 5:
		// dst = dst + pts[i / k % 2].x; acc = acc + 1
		field := "x"
		if p&8 != 0 {
			field = "y"
		}
		b.LoadFast(dst).LoadGlobal("pts")
		b.LoadFast("i").LoadInt(k).Binary(bytecode.BinaryDiv).LoadInt(2).Binary(bytecode.BinaryMod).Subscr()
		b.LoadAttr(field).Binary(bytecode.BinaryAdd).StoreFast(dst)
		b.LoadGlobal("acc").LoadInt(1).Binary(bytecode.BinaryAdd).StoreGlobal("acc")
	case 6:
		// if i % (k+1) == 0 { dst = dst - 1 }
		skip := b.NewLabel()
		b.LoadFast("i").LoadInt(k + 1).Binary(bytecode.BinaryMod).LoadInt(0).Compare(bytecode.CompareEq).JumpIfFalse(skip)
		b.LoadFast(dst).LoadInt(1).Binary(bytecode.BinarySub).StoreFast(dst)
		b.Mark(skip)
	case 7:
		// try { if i % (k+1) == 1 { raise "boom" }; dst = dst / (i % 3) } except { dst = 7 }
		start := b.Here()
		if p&8 != 0 {
			noRaise := b.NewLabel()
			b.LoadFast("i").LoadInt(k + 1).Binary(bytecode.BinaryMod).LoadInt(1).Compare(bytecode.CompareEq).JumpIfFalse(noRaise)
			b.LoadConst(bytecode.NewString("boom")).Raise()
			b.Mark(noRaise)
		}
		b.LoadFast(dst).LoadFast("i").LoadInt(3).Binary(bytecode.BinaryMod).Binary(bytecode.BinaryDiv).StoreFast(dst)
		end, after := b.Here(), b.NewLabel()
		b.Jump(after)
		handler := b.Here()
		b.Pop().LoadInt(7).StoreFast(dst)
		b.Mark(after)
		b.Try(start, end, handler)
	}
}

// fuzzProgram 由字节序列生成循环程序: 首字节决定初值, 其余每个字节是一条循环体语句
func fuzzProgram(g *bytecode.Globals, data []byte) *bytecode.Function {
	fuzzGlobals(g)
	b := bytecode.NewBuilder("fuzz", "n")
	seed := byte(1)
	if len(data) > 0 {
		seed, data = data[0], data[1:]
	}
	if len(data) > 16 {
		data = data[:16]
	}
	b.LoadInt(int64(seed%5) + 1).StoreFast("a").LoadInt(3).StoreFast("b").LoadInt(0).StoreFast("i")
	top, done := b.Here(), b.NewLabel()
	b.LoadFast("i").LoadFast("n").Compare(bytecode.CompareLt).JumpIfFalse(done)
	for _, c := range data {
		fuzzStatement(b, c)
	}
	b.LoadFast("i").LoadInt(1).Binary(bytecode.BinaryAdd).StoreFast("i")
	b.Loop(top)
	b.Mark(done)
	b.LoadFast("a").LoadFast("b").Binary(bytecode.BinaryAdd).LoadGlobal("acc").Binary(bytecode.BinaryAdd).Return()
	return bytecode.NewFunction(b.MustBuild(), g)
}

func FuzzTierEquivalence(f *testing.F) {
	f.Add([]byte{1, 0x00, 0x13})
	f.Add([]byte{2, 0x04, 0x25, 0x31})
	f.Add([]byte{3, 0x06, 0x08, 0x5a, 0x22})
	f.Add([]byte{4, 0x30, 0x30, 0x30, 0x30})
	f.Add([]byte{0, 0x24, 0x11, 0x44, 0x67, 0x8c, 0xe3})
	// 调用, 内置函数, 属性, 分支与异常处理
	f.Add([]byte{1, 0x03, 0x0c, 0x15})
	f.Add([]byte{2, 0x05, 0x4d, 0x0e, 0x1e})
	f.Add([]byte{3, 0x07, 0x47, 0x09, 0x16})
	f.Add([]byte{0, 0x0b, 0x25, 0x06, 0x4f, 0x14, 0x1b, 0x36})
	f.Fuzz(func(t *testing.T, data []byte) {
		var want string
		for i, tc := range tiers {
			rt, _ := newRuntime(t, tc)
			v, err := rt.Run(context.Background(), fuzzProgram(rt.NewGlobals(), data), bytecode.NewInt(30))
			got := render(v, err)
			if i == 0 {
				want = got
				continue
			}
			if got != want {
				t.Fatalf("%s: %s, baseline %s (program % x)", tc.name, got, want, data)
			}
		}
	})
}

func TestFuzzStatementsBuild(t *testing.T) {
	// 每种语句的每个参数组合都能通过栈检查与验证
	for c := 0; c < 256; c++ {
		g := bytecode.NewGlobals()
		fn := fuzzProgram(g, []byte{1, byte(c), byte(c)})
		if fn.Code().StackSize == 0 {
			t.Fatalf("statement %#x: empty stack size", c)
		}
	}
}

func ExampleRuntime_Run() {
	rt, _ := New(nil, WithOutput(io.Discard))
	p, _ := programs.Lookup("sum")
	fn := p.Build(rt.NewGlobals())
	v, err := rt.Run(context.Background(), fn, bytecode.NewInt(100))
	fmt.Println(v, err)
	// Output: 4950 <nil>
}
