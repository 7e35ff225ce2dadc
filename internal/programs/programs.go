// Package programs 汇编好的示例程序, 供测试与 tierx 命令共用。
//
// 每个程序由一个入口函数和一组调用参数组成; 同一个函数对象按顺序
// 被调用多次, 这样特化与 trace 在调用之间保留下来。
package programs

import (
	"fmt"
	"sort"

	"github.com/tangzhangming/tiervm/internal/bytecode"
	"github.com/tangzhangming/tiervm/internal/config"
	"github.com/tangzhangming/tiervm/internal/errors"
)

// Program 示例程序
type Program struct {
	Name        string
	Description string
	// Build 在 g 中定义辅助函数并返回入口; g 已装好宿主内置函数
	Build func(g *bytecode.Globals) *bytecode.Function
	// Calls 依次调用入口的参数
	Calls func(cfg *config.Config) [][]bytecode.Value
}

var registry = map[string]Program{}

func register(p Program) {
	if _, dup := registry[p.Name]; dup {
		panic(fmt.Sprintf("programs: duplicate program %q", p.Name))
	}
	registry[p.Name] = p
}

// Lookup 按名字查找
func Lookup(name string) (Program, bool) {
	p, ok := registry[name]
	return p, ok
}

// All 所有程序, 按名字排序
func All() []Program {
	out := make([]Program, 0, len(registry))
	for _, p := range registry {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names 程序名
func Names() []string {
	var names []string
	for _, p := range All() {
		names = append(names, p.Name)
	}
	return names
}

func args(vs ...bytecode.Value) []bytecode.Value { return vs }

func once(vs ...bytecode.Value) func(*config.Config) [][]bytecode.Value {
	return func(*config.Config) [][]bytecode.Value { return [][]bytecode.Value{vs} }
}

func ints(ns ...int64) []bytecode.Value {
	out := make([]bytecode.Value, len(ns))
	for i, n := range ns {
		out[i] = bytecode.NewInt(n)
	}
	return out
}

func init() {
	register(Program{
		Name:        "sum",
		Description: "整数累加 0..n-1 的紧循环",
		Build:       SumLoop,
		Calls:       once(bytecode.NewInt(10000)),
	})
	register(Program{
		Name:        "double",
		Description: "同一调用点先收到 5 个整数再收到一个字符串",
		Build:       Double,
		Calls: func(*config.Config) [][]bytecode.Value {
			calls := make([][]bytecode.Value, 0, 6)
			for i := int64(1); i <= 5; i++ {
				calls = append(calls, args(bytecode.NewInt(i)))
			}
			return append(calls, args(bytecode.NewString("ab")))
		},
	})
	register(Program{
		Name:        "recurse",
		Description: "递归深度恰好超过上限一层",
		Build:       Recurse,
		Calls: func(cfg *config.Config) [][]bytecode.Value {
			// 入口帧计为 1, 参数 n 产生 n+1 个帧
			limit := int64(cfg.Interpreter.RecursionLimit)
			return [][]bytecode.Value{ints(limit - 1), ints(limit)}
		},
	})
	register(Program{
		Name:        "raising",
		Description: "循环第 3 次迭代 (共 10 次) 由宿主函数抛出",
		Build:       RaisingLoop,
		Calls:       once(bytecode.NewInt(10)),
	})
	register(Program{
		Name:        "poly",
		Description: "循环中途累加值由 int 变为 float",
		Build:       PolyLoop,
		Calls:       once(bytecode.NewInt(2000), bytecode.NewInt(1000)),
	})
	register(Program{
		Name:        "points",
		Description: "遍历实例列表读取属性",
		Build:       Points,
		Calls:       once(bytecode.NewInt(500)),
	})
	register(Program{
		Name:        "calls",
		Description: "循环中调用代码函数与内置函数",
		Build:       CallLoop,
		Calls:       once(bytecode.NewInt(3000)),
	})
	register(Program{
		Name:        "handler",
		Description: "循环体内捕获除零错误",
		Build:       HandlerLoop,
		Calls:       once(bytecode.NewInt(300)),
	})
	register(Program{
		Name:        "concat",
		Description: "字符串拼接与比较",
		Build:       Concat,
		Calls:       once(bytecode.NewInt(200)),
	})
}

// ============================================================================
// 程序
// ============================================================================

// SumLoop sum(n): total = 0; i = 0; while i < n { total += i; i += 1 }; return total
func SumLoop(g *bytecode.Globals) *bytecode.Function {
	b := bytecode.NewBuilder("sum", "n")
	b.SetLine(1).LoadInt(0).StoreFast("total").LoadInt(0).StoreFast("i")
	top, done := b.Here(), b.NewLabel()
	b.SetLine(2).LoadFast("i").LoadFast("n").Compare(bytecode.CompareLt).JumpIfFalse(done)
	b.SetLine(3).LoadFast("total").LoadFast("i").Binary(bytecode.BinaryAdd).StoreFast("total")
	b.SetLine(4).LoadFast("i").LoadInt(1).Binary(bytecode.BinaryAdd).StoreFast("i")
	b.Loop(top)
	b.Mark(done)
	b.SetLine(5).LoadFast("total").Return()
	return define(g, b)
}

// Double double(x): return x + x
func Double(g *bytecode.Globals) *bytecode.Function {
	b := bytecode.NewBuilder("double", "x")
	b.SetLine(1).LoadFast("x").LoadFast("x").Binary(bytecode.BinaryAdd).Return()
	return define(g, b)
}

// Recurse depth(n): if n == 0 { return 0 }; return depth(n - 1) + 1
func Recurse(g *bytecode.Globals) *bytecode.Function {
	b := bytecode.NewBuilder("depth", "n")
	recur := b.NewLabel()
	b.SetLine(1).LoadFast("n").LoadInt(0).Compare(bytecode.CompareEq).JumpIfFalse(recur)
	b.SetLine(2).LoadInt(0).Return()
	b.Mark(recur)
	b.SetLine(3).LoadGlobal("depth").LoadFast("n").LoadInt(1).Binary(bytecode.BinarySub).Call(1)
	b.LoadInt(1).Binary(bytecode.BinaryAdd).Return()
	return define(g, b)
}

// RaisingLoop raising(n): i = 0; while i < n { check(i); i += 1 }; return i
// check 在 i == 3 时抛出 "bad value 3"
func RaisingLoop(g *bytecode.Globals) *bytecode.Function {
	g.Set("check", bytecode.NewBuiltin("check", func(args []bytecode.Value) (bytecode.Value, error) {
		if n := args[0].AsInt(); n == 3 {
			return bytecode.NullValue, errors.Raised(bytecode.NewString(fmt.Sprintf("bad value %d", n)))
		}
		return args[0], nil
	}))
	b := bytecode.NewBuilder("raising", "n")
	b.SetLine(1).LoadInt(0).StoreFast("i")
	top, done := b.Here(), b.NewLabel()
	b.SetLine(2).LoadFast("i").LoadFast("n").Compare(bytecode.CompareLt).JumpIfFalse(done)
	b.SetLine(3).LoadGlobal("check").LoadFast("i").Call(1).Pop()
	b.SetLine(4).LoadFast("i").LoadInt(1).Binary(bytecode.BinaryAdd).StoreFast("i")
	b.Loop(top)
	b.Mark(done)
	b.SetLine(5).LoadFast("i").Return()
	return define(g, b)
}

// PolyLoop poly(n, k): 与 sum 相同, 但 i == k 时 total 加上 0.5
func PolyLoop(g *bytecode.Globals) *bytecode.Function {
	b := bytecode.NewBuilder("poly", "n", "k")
	b.SetLine(1).LoadInt(0).StoreFast("total").LoadInt(0).StoreFast("i")
	top, done, skip := b.Here(), b.NewLabel(), b.NewLabel()
	b.SetLine(2).LoadFast("i").LoadFast("n").Compare(bytecode.CompareLt).JumpIfFalse(done)
	b.SetLine(3).LoadFast("i").LoadFast("k").Compare(bytecode.CompareEq).JumpIfFalse(skip)
	b.SetLine(4).LoadFast("total").LoadConst(bytecode.NewFloat(0.5)).Binary(bytecode.BinaryAdd).StoreFast("total")
	b.Mark(skip)
	b.SetLine(5).LoadFast("total").LoadFast("i").Binary(bytecode.BinaryAdd).StoreFast("total")
	b.SetLine(6).LoadFast("i").LoadInt(1).Binary(bytecode.BinaryAdd).StoreFast("i")
	b.Loop(top)
	b.Mark(done)
	b.SetLine(7).LoadFast("total").Return()
	return define(g, b)
}

// Points points(n): 构造 n 个 Point(x, y) 放入列表, 再累加 p.x * p.y
func Points(g *bytecode.Globals) *bytecode.Function {
	g.Set("Point", bytecode.NewTypeValue(bytecode.NewType("Point", "x", "y")))

	b := bytecode.NewBuilder("points", "n")
	b.SetLine(1).LoadConst(bytecode.NewList()).StoreFast("ps").LoadInt(0).StoreFast("i")
	fill, filled := b.Here(), b.NewLabel()
	b.SetLine(2).LoadFast("i").LoadFast("n").Compare(bytecode.CompareLt).JumpIfFalse(filled)
	b.SetLine(3).LoadGlobal("push").LoadFast("ps")
	b.LoadGlobal("Point").LoadFast("i").LoadFast("i").LoadInt(2).Binary(bytecode.BinaryMul).Call(2)
	b.Call(2).Pop()
	b.SetLine(4).LoadFast("i").LoadInt(1).Binary(bytecode.BinaryAdd).StoreFast("i")
	b.Loop(fill)
	b.Mark(filled)

	b.SetLine(5).LoadInt(0).StoreFast("total").LoadInt(0).StoreFast("i")
	top, done := b.Here(), b.NewLabel()
	b.SetLine(6).LoadFast("i").LoadFast("n").Compare(bytecode.CompareLt).JumpIfFalse(done)
	b.SetLine(7).LoadFast("ps").LoadFast("i").Subscr().StoreFast("p")
	b.SetLine(8).LoadFast("total").LoadFast("p").LoadAttr("x").LoadFast("p").LoadAttr("y")
	b.Binary(bytecode.BinaryMul).Binary(bytecode.BinaryAdd).StoreFast("total")
	b.SetLine(9).LoadFast("i").LoadInt(1).Binary(bytecode.BinaryAdd).StoreFast("i")
	b.Loop(top)
	b.Mark(done)
	b.SetLine(10).LoadFast("total").Return()
	return define(g, b)
}

// CallLoop calls(n): 累加 add(i, abs(-i)), add 是代码函数, abs 是内置函数
func CallLoop(g *bytecode.Globals) *bytecode.Function {
	add := bytecode.NewBuilder("add", "a", "b")
	add.SetLine(1).LoadFast("a").LoadFast("b").Binary(bytecode.BinaryAdd).Return()
	define(g, add)

	b := bytecode.NewBuilder("calls", "n")
	b.SetLine(1).LoadInt(0).StoreFast("total").LoadInt(0).StoreFast("i")
	top, done := b.Here(), b.NewLabel()
	b.SetLine(2).LoadFast("i").LoadFast("n").Compare(bytecode.CompareLt).JumpIfFalse(done)
	b.SetLine(3).LoadFast("total")
	b.LoadGlobal("add").LoadFast("i").LoadGlobal("abs").LoadFast("i").Negate().Call(1).Call(2)
	b.Binary(bytecode.BinaryAdd).StoreFast("total")
	b.SetLine(4).LoadFast("i").LoadInt(1).Binary(bytecode.BinaryAdd).StoreFast("i")
	b.Loop(top)
	b.Mark(done)
	b.SetLine(5).LoadFast("total").Return()
	return define(g, b)
}

// HandlerLoop handler(n): 每 7 次迭代出现一次除零, 由循环体内的处理器计数
func HandlerLoop(g *bytecode.Globals) *bytecode.Function {
	b := bytecode.NewBuilder("handler", "n")
	b.SetLine(1).LoadInt(0).StoreFast("caught").LoadInt(0).StoreFast("total").LoadInt(0).StoreFast("i")
	top, done := b.Here(), b.NewLabel()
	b.SetLine(2).LoadFast("i").LoadFast("n").Compare(bytecode.CompareLt).JumpIfFalse(done)

	start, end, handler, next := b.NewLabel(), b.NewLabel(), b.NewLabel(), b.NewLabel()
	b.Mark(start)
	b.SetLine(3).LoadFast("total").LoadInt(100).LoadFast("i").LoadInt(7).Binary(bytecode.BinaryMod)
	b.Binary(bytecode.BinaryDiv).Binary(bytecode.BinaryAdd).StoreFast("total")
	b.Mark(end)
	b.Jump(next)
	b.Mark(handler)
	b.SetLine(4).Pop().LoadFast("caught").LoadInt(1).Binary(bytecode.BinaryAdd).StoreFast("caught")
	b.Mark(next)
	b.SetLine(5).LoadFast("i").LoadInt(1).Binary(bytecode.BinaryAdd).StoreFast("i")
	b.Loop(top)
	b.Try(start, end, handler)

	b.Mark(done)
	b.SetLine(6).LoadFast("total").LoadInt(1000).Binary(bytecode.BinaryMul).LoadFast("caught").Binary(bytecode.BinaryAdd).Return()
	return define(g, b)
}

// Concat concat(n): 拼接 n 个 "ab", 统计拼接结果小于 "b" 的次数
func Concat(g *bytecode.Globals) *bytecode.Function {
	b := bytecode.NewBuilder("concat", "n")
	b.SetLine(1).LoadConst(bytecode.NewString("")).StoreFast("s").LoadInt(0).StoreFast("hits").LoadInt(0).StoreFast("i")
	top, done, skip := b.Here(), b.NewLabel(), b.NewLabel()
	b.SetLine(2).LoadFast("i").LoadFast("n").Compare(bytecode.CompareLt).JumpIfFalse(done)
	b.SetLine(3).LoadFast("s").LoadConst(bytecode.NewString("ab")).Binary(bytecode.BinaryAdd).StoreFast("s")
	b.SetLine(4).LoadFast("s").LoadConst(bytecode.NewString("b")).Compare(bytecode.CompareLt).JumpIfFalse(skip)
	b.LoadFast("hits").LoadInt(1).Binary(bytecode.BinaryAdd).StoreFast("hits")
	b.Mark(skip)
	b.SetLine(5).LoadFast("i").LoadInt(1).Binary(bytecode.BinaryAdd).StoreFast("i")
	b.Loop(top)
	b.Mark(done)
	b.SetLine(6).LoadFast("hits").LoadGlobal("len").LoadFast("s").Call(1).Binary(bytecode.BinaryAdd).Return()
	return define(g, b)
}

// define 构建函数并以其名字写入全局变量表
func define(g *bytecode.Globals, b *bytecode.Builder) *bytecode.Function {
	fn := bytecode.NewFunction(b.MustBuild(), g)
	g.SetFunc(fn)
	return fn
}
