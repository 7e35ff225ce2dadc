package bytecode

import (
	"fmt"
	"sort"
)

// ============================================================================
// 汇编器
// ============================================================================
//
// Builder 按指令逐条生成代码对象: 自动附加内联缓存单元, 解析标签,
// 去重常量与名字, 计算最大栈深度与异常处理深度, 最后交给验证器。

// Label 跳转标签
type Label struct{ id int }

type labelFixup struct {
	off   int
	label Label
}

type tryRegion struct {
	start, end, handler Label
}

// Builder 代码对象构建器
type Builder struct {
	name       string
	nparams    int
	locals     []string
	localIndex map[string]int
	consts     []Value
	names      []string
	nameIndex  map[string]int

	words  []uint32
	lines  []int32
	line   int32
	labels []int
	fixups []labelFixup
	tries  []tryRegion
	err    error
}

// NewBuilder 创建构建器, params 依次占据局部变量槽位 0..n-1
func NewBuilder(name string, params ...string) *Builder {
	b := &Builder{
		name:       name,
		nparams:    len(params),
		localIndex: make(map[string]int),
		nameIndex:  make(map[string]int),
	}
	for _, p := range params {
		b.Local(p)
	}
	return b
}

// Local 返回局部变量槽位, 不存在时分配
func (b *Builder) Local(name string) int {
	if slot, ok := b.localIndex[name]; ok {
		return slot
	}
	slot := len(b.locals)
	b.locals = append(b.locals, name)
	b.localIndex[name] = slot
	return slot
}

// Const 常量下标 (标量与字符串去重)
func (b *Builder) Const(v Value) int {
	switch v.Type {
	case ValNull, ValBool, ValInt, ValFloat, ValString:
		for i, c := range b.consts {
			if c.Type == v.Type && c == v {
				return i
			}
		}
	}
	b.consts = append(b.consts, v)
	return len(b.consts) - 1
}

// Name 名字下标
func (b *Builder) Name(name string) int {
	if i, ok := b.nameIndex[name]; ok {
		return i
	}
	i := len(b.names)
	b.names = append(b.names, name)
	b.nameIndex[name] = i
	return i
}

// SetLine 设置后续指令的源码行号
func (b *Builder) SetLine(line int) *Builder {
	b.line = int32(line)
	return b
}

// NewLabel 创建未绑定标签
func (b *Builder) NewLabel() Label {
	b.labels = append(b.labels, -1)
	return Label{id: len(b.labels) - 1}
}

// Mark 把标签绑定到下一条指令
func (b *Builder) Mark(l Label) *Builder {
	if b.labels[l.id] >= 0 {
		b.setErr(fmt.Errorf("%s: 标签 %d 重复绑定", b.name, l.id))
	}
	b.labels[l.id] = len(b.words)
	return b
}

// Here 创建并绑定一个标签
func (b *Builder) Here() Label {
	l := b.NewLabel()
	b.Mark(l)
	return l
}

// Offset 下一条指令的偏移
func (b *Builder) Offset() int { return len(b.words) }

// Emit 追加一条指令及其缓存单元, 返回指令偏移
func (b *Builder) Emit(op OpCode, arg int) int {
	if arg < 0 || arg > MaxArg {
		b.setErr(fmt.Errorf("%s: %s 的立即数 %d 超出范围", b.name, op, arg))
		arg = 0
	}
	off := len(b.words)
	b.words = append(b.words, Encode(op, arg))
	b.lines = append(b.lines, b.line)
	for i := 0; i < CacheSize(op); i++ {
		b.words = append(b.words, Encode(OpCache, 0))
		b.lines = append(b.lines, b.line)
	}
	return off
}

// EmitJump 追加跳转指令, 目标在 Build 时解析
func (b *Builder) EmitJump(op OpCode, l Label) int {
	off := b.Emit(op, 0)
	b.fixups = append(b.fixups, labelFixup{off: off, label: l})
	return off
}

// Try 注册异常保护范围 [start, end), 出错时跳转到 handler
// 嵌套范围可按任意顺序注册, Build 时由内到外排序
func (b *Builder) Try(start, end, handler Label) *Builder {
	b.tries = append(b.tries, tryRegion{start, end, handler})
	return b
}

func (b *Builder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

// ============================================================================
// 指令快捷方式
// ============================================================================

func (b *Builder) LoadConst(v Value) *Builder { b.Emit(OpLoadConst, b.Const(v)); return b }
func (b *Builder) LoadInt(n int64) *Builder   { return b.LoadConst(NewInt(n)) }
func (b *Builder) LoadFast(name string) *Builder {
	b.Emit(OpLoadFast, b.Local(name))
	return b
}
func (b *Builder) StoreFast(name string) *Builder {
	b.Emit(OpStoreFast, b.Local(name))
	return b
}
func (b *Builder) LoadGlobal(name string) *Builder {
	b.Emit(OpLoadGlobal, b.Name(name))
	return b
}
func (b *Builder) StoreGlobal(name string) *Builder {
	b.Emit(OpStoreGlobal, b.Name(name))
	return b
}
func (b *Builder) LoadAttr(name string) *Builder {
	b.Emit(OpLoadAttr, b.Name(name))
	return b
}
func (b *Builder) Binary(op BinaryOp) *Builder   { b.Emit(OpBinaryOp, int(op)); return b }
func (b *Builder) Compare(op CompareOp) *Builder { b.Emit(OpCompareOp, int(op)); return b }
func (b *Builder) Subscr() *Builder              { b.Emit(OpBinarySubscr, 0); return b }
func (b *Builder) Negate() *Builder              { b.Emit(OpUnaryNegative, 0); return b }
func (b *Builder) Not() *Builder                 { b.Emit(OpUnaryNot, 0); return b }
func (b *Builder) Pop() *Builder                 { b.Emit(OpPopTop, 0); return b }
func (b *Builder) Copy(n int) *Builder           { b.Emit(OpCopy, n); return b }
func (b *Builder) Swap(n int) *Builder           { b.Emit(OpSwap, n); return b }
func (b *Builder) Call(argc int) *Builder        { b.Emit(OpCall, argc); return b }
func (b *Builder) Return() *Builder              { b.Emit(OpReturnValue, 0); return b }
func (b *Builder) Raise() *Builder               { b.Emit(OpRaise, 0); return b }
func (b *Builder) Jump(l Label) *Builder         { b.EmitJump(OpJumpForward, l); return b }
func (b *Builder) Loop(l Label) *Builder         { b.EmitJump(OpJumpBackward, l); return b }
func (b *Builder) JumpIfFalse(l Label) *Builder  { b.EmitJump(OpPopJumpIfFalse, l); return b }
func (b *Builder) JumpIfTrue(l Label) *Builder   { b.EmitJump(OpPopJumpIfTrue, l); return b }

// ============================================================================
// 构建
// ============================================================================

// Build 解析标签, 计算栈深度并验证, 返回代码对象
func (b *Builder) Build() (*Code, error) {
	if b.err != nil {
		return nil, b.err
	}
	words := append([]uint32(nil), b.words...)
	for _, f := range b.fixups {
		target := b.labels[f.label.id]
		if target < 0 {
			return nil, fmt.Errorf("%s: 偏移 %d 引用了未绑定的标签", b.name, f.off)
		}
		op, _ := Decode(words[f.off])
		words[f.off] = Encode(op, target)
	}

	code := NewCode(b.name, words)
	code.Consts = b.consts
	code.Names = b.names
	code.LocalNames = b.locals
	code.NLocals = len(b.locals)
	code.NParams = b.nparams
	code.Lines = append([]int32(nil), b.lines...)

	// 处理深度在栈分析之后才能确定, 先以 0 占位
	table := make([]ExceptionEntry, 0, len(b.tries))
	for _, t := range b.tries {
		start, end, handler := b.labels[t.start.id], b.labels[t.end.id], b.labels[t.handler.id]
		if start < 0 || end < 0 || handler < 0 {
			return nil, fmt.Errorf("%s: 异常范围引用了未绑定的标签", b.name)
		}
		table = append(table, ExceptionEntry{Start: start, End: end, Target: handler})
	}
	sort.SliceStable(table, func(i, j int) bool {
		return table[i].End-table[i].Start < table[j].End-table[j].Start
	})
	code.ExceptionTable = table

	// 范围起点的入口深度即处理深度; 处理器的可达性依赖深度, 逐轮求解
	for round := 0; ; round++ {
		res := CheckCode(code, 0)
		changed := false
		for i := range table {
			if d := res.Depths[table[i].Start]; d >= 0 && d != table[i].Depth {
				table[i].Depth = d
				changed = true
			}
		}
		if !changed || round > len(table) {
			code.StackSize = res.MaxDepth
			if !res.IsValid {
				return nil, &VerificationError{Code: b.name, Offset: -1, Message: res.Errors[0]}
			}
			break
		}
	}

	if err := VerifyCode(code); err != nil {
		return nil, err
	}
	return code, nil
}

// MustBuild Build 失败时 panic, 用于静态程序
func (b *Builder) MustBuild() *Code {
	code, err := b.Build()
	if err != nil {
		panic(err)
	}
	return code
}
