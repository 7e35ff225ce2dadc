package bytecode

import (
	"sync"

	"go.uber.org/atomic"
)

// ExceptionEntry 异常表项: [Start, End) 范围内的指令出错时
// 把操作数栈截断到 Depth, 压入错误值, 跳转到 Target
type ExceptionEntry struct {
	Start  int
	End    int
	Target int
	Depth  int
}

// Executor 安装在 ENTER_EXECUTOR 上的二层执行体
type Executor interface {
	// EntryOffset 执行体对应的字节码入口 (循环头)
	EntryOffset() int
}

type executorSlot struct {
	exec     Executor
	backedge int
	target   int
}

// Code 代码对象
//
// 指令字以 atomic.Uint32 存放: 特化改写与二层安装都是单字原子写,
// 其他线程并发执行同一代码时只会看到改写前或改写后的完整指令。
type Code struct {
	Name           string
	Consts         []Value
	Names          []string
	LocalNames     []string
	NLocals        int
	NParams        int
	StackSize      int
	ExceptionTable []ExceptionEntry
	Lines          []int32

	words  []atomic.Uint32
	deopts []atomic.Uint32

	quicken sync.Once

	execMu    sync.Mutex
	executors []executorSlot
}

// NewCode 由指令字创建代码对象
func NewCode(name string, words []uint32) *Code {
	c := &Code{
		Name:   name,
		words:  make([]atomic.Uint32, len(words)),
		deopts: make([]atomic.Uint32, len(words)),
	}
	for i, w := range words {
		c.words[i].Store(w)
	}
	return c
}

// Len 指令字个数
func (c *Code) Len() int { return len(c.words) }

// Word 原始指令字
func (c *Code) Word(off int) uint32 { return c.words[off].Load() }

// Instr 解码 off 处的指令
func (c *Code) Instr(off int) (OpCode, int) {
	return Decode(c.words[off].Load())
}

// Op off 处的操作码
func (c *Code) Op(off int) OpCode {
	return OpCode(c.words[off].Load() & 0xff)
}

// Rewrite 原子改写 off 处的指令
func (c *Code) Rewrite(off int, op OpCode, arg int) {
	c.words[off].Store(Encode(op, arg))
}

// SetOp 只改写操作码, 保留立即数
func (c *Code) SetOp(off int, op OpCode) {
	_, arg := c.Instr(off)
	c.Rewrite(off, op, arg)
}

// Cache 读取 off 处指令的第 i 个缓存单元
func (c *Code) Cache(off, i int) uint32 {
	return c.words[off+1+i].Load()
}

// SetCache 写入缓存单元
func (c *Code) SetCache(off, i int, v uint32) {
	c.words[off+1+i].Store(v)
}

// SetVersionedSlot 写入版本与槽位这一对缓存单元。
// 先把版本清零再写槽位, 最后写版本; 版本从不为 0, 读者据此丢弃写到一半的缓存对。
func (c *Code) SetVersionedSlot(off int, version uint32, slot int) {
	c.SetCache(off, CacheVersion, 0)
	c.SetCache(off, CacheIndex, uint32(slot))
	c.SetCache(off, CacheVersion, version)
}

// VersionedSlot 读取版本与槽位。槽位前后两次读到的版本不同 (或为 0) 时 ok 为 false,
// 调用方按缓存未命中处理。
func (c *Code) VersionedSlot(off int) (version uint32, slot int, ok bool) {
	version = c.Cache(off, CacheVersion)
	slot = int(c.Cache(off, CacheIndex))
	if version == 0 || c.Cache(off, CacheVersion) != version {
		return 0, 0, false
	}
	return version, slot, true
}

// Next off 处指令之后的偏移
func (c *Code) Next(off int) int {
	return off + InstrSize(c.Op(off))
}

// Instructions 遍历所有指令起始偏移
func (c *Code) Instructions(fn func(off int, op OpCode, arg int) bool) {
	for off := 0; off < len(c.words); {
		op, arg := c.Instr(off)
		if !fn(off, op, arg) {
			return
		}
		off += InstrSize(op)
	}
}

// Quicken 对代码对象执行一次性初始化 (写入计数器初始值)
func (c *Code) Quicken(fn func(c *Code)) {
	c.quicken.Do(func() { fn(c) })
}

// FindHandler 按出错偏移查找异常处理器 (表按范围由内到外排列)
func (c *Code) FindHandler(off int) (ExceptionEntry, bool) {
	for _, e := range c.ExceptionTable {
		if off >= e.Start && off < e.End {
			return e, true
		}
	}
	return ExceptionEntry{}, false
}

// Line off 处的源码行号, 未知返回 0
func (c *Code) Line(off int) int {
	if off >= 0 && off < len(c.Lines) {
		return int(c.Lines[off])
	}
	return 0
}

// ============================================================================
// 特化统计
// ============================================================================

// RecordDeopt 记录一次特化失效
func (c *Code) RecordDeopt(off int) { c.deopts[off].Inc() }

// DeoptCount off 处的特化失效次数
func (c *Code) DeoptCount(off int) int { return int(c.deopts[off].Load()) }

// ============================================================================
// 执行体表
// ============================================================================
//
// 槽位不复用: ENTER_EXECUTOR 的读者可能在执行体被移除后才查表,
// 槽位里保留的回边目标让它仍能按 JUMP_BACKWARD 继续。

// InstallExecutor 把 backedge 处的 JUMP_BACKWARD 改写为 ENTER_EXECUTOR
func (c *Code) InstallExecutor(backedge int, exec Executor) (int, bool) {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	op, target := c.Instr(backedge)
	if op != OpJumpBackward || len(c.executors) >= MaxArg {
		return -1, false
	}
	idx := len(c.executors)
	c.executors = append(c.executors, executorSlot{exec: exec, backedge: backedge, target: target})
	c.Rewrite(backedge, OpEnterExecutor, idx)
	return idx, true
}

// ExecutorAt 返回槽位中的执行体 (可能已被移除) 与回边目标
func (c *Code) ExecutorAt(idx int) (Executor, int) {
	c.execMu.Lock()
	defer c.execMu.Unlock()
	if idx < 0 || idx >= len(c.executors) {
		return nil, -1
	}
	s := c.executors[idx]
	return s.exec, s.target
}

// RemoveExecutor 移除执行体, 恢复 JUMP_BACKWARD 并写入计数器
func (c *Code) RemoveExecutor(idx int, counter func(old uint32) uint32) Executor {
	c.execMu.Lock()
	defer c.execMu.Unlock()
	if idx < 0 || idx >= len(c.executors) || c.executors[idx].exec == nil {
		return nil
	}
	s := c.executors[idx]
	c.executors[idx].exec = nil
	c.SetCache(s.backedge, CacheCounter, counter(c.Cache(s.backedge, CacheCounter)))
	c.Rewrite(s.backedge, OpJumpBackward, s.target)
	return s.exec
}

// ExecutorCount 当前安装的执行体个数
func (c *Code) ExecutorCount() int {
	c.execMu.Lock()
	defer c.execMu.Unlock()
	n := 0
	for _, s := range c.executors {
		if s.exec != nil {
			n++
		}
	}
	return n
}
