package bytecode

import "go.uber.org/atomic"

// Function 代码函数: 代码对象 + 全局表
//
// version 是全局唯一的函数版本, 替换代码时更新,
// CALL_PY_EXACT_ARGS 以此判断缓存的被调用者是否仍然有效。
// 代码对象可被其他线程替换, 读写都经 Code / SetCode。
type Function struct {
	Name    string
	Globals *Globals
	code    atomic.Value
	version atomic.Uint32
}

// NewFunction 创建函数
func NewFunction(code *Code, globals *Globals) *Function {
	fn := &Function{Name: code.Name, Globals: globals}
	fn.code.Store(code)
	fn.version.Store(NewVersion())
	return fn
}

// Code 当前代码对象
func (fn *Function) Code() *Code { return fn.code.Load().(*Code) }

// Arity 参数个数
func (fn *Function) Arity() int { return fn.Code().NParams }

// Version 当前函数版本
func (fn *Function) Version() uint32 { return fn.version.Load() }

// SetCode 替换代码, 使所有缓存了该函数的调用点失效。
// 先换代码再换版本: 看到新版本的调用点一定读到新代码。
func (fn *Function) SetCode(code *Code) {
	fn.code.Store(code)
	fn.version.Store(NewVersion())
}

// Globals 模块全局变量表
//
// 名字一旦加入就占据固定槽位; 新增名字时 keys 版本更新,
// 仅修改已有槽位的值不会改变版本。
type Globals struct {
	names   []string
	values  []Value
	index   map[string]int
	version atomic.Uint32
}

// NewGlobals 创建全局表
func NewGlobals() *Globals {
	g := &Globals{index: make(map[string]int)}
	g.version.Store(NewVersion())
	return g
}

// Version keys 版本
func (g *Globals) Version() uint32 { return g.version.Load() }

// Lookup 按名字查找
func (g *Globals) Lookup(name string) (Value, int, bool) {
	slot, ok := g.index[name]
	if !ok {
		return NullValue, -1, false
	}
	return g.values[slot], slot, true
}

// Get 按名字读取
func (g *Globals) Get(name string) (Value, bool) {
	v, _, ok := g.Lookup(name)
	return v, ok
}

// At 按槽位读取
func (g *Globals) At(slot int) Value { return g.values[slot] }

// Len 名字个数
func (g *Globals) Len() int { return len(g.values) }

// Set 设置全局变量, 新名字会使 keys 版本失效
func (g *Globals) Set(name string, v Value) int {
	if slot, ok := g.index[name]; ok {
		g.values[slot] = v
		return slot
	}
	slot := len(g.values)
	g.index[name] = slot
	g.names = append(g.names, name)
	g.values = append(g.values, v)
	g.version.Store(NewVersion())
	return slot
}

// SetFunc 注册函数
func (g *Globals) SetFunc(fn *Function) { g.Set(fn.Name, NewFunc(fn)) }

// Names 名字列表 (按槽位顺序)
func (g *Globals) Names() []string { return g.names }
