package jit

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/atomic"
	"golang.org/x/crypto/blake2b"

	"github.com/tangzhangming/tiervm/internal/bytecode"
	"github.com/tangzhangming/tiervm/internal/errors"
)

// ============================================================================
// Trace
// ============================================================================

// Trace 录制完成的微操作序列
//
// 发布后只读, 可被多个线程同时执行。引用计数: 执行体表持有一个,
// 每次执行期间执行器再持有一个; 归零时触发一次释放回调。
type Trace struct {
	code     *bytecode.Code
	start    int // 循环头, 也是入口偏移
	backedge int // 被改写为 ENTER_EXECUTOR 的回边
	uops     []UOp
	sum      [32]byte

	refs    atomic.Int32
	deopts  atomic.Int64
	invalid atomic.Bool
	slot    atomic.Int32
	onFree  func(*Trace)

	// 闭包片段后端, 为 nil 时只用通用执行器
	fragments []Fragment
	native    []bool
}

func newTrace(code *bytecode.Code, start, backedge int, uops []UOp) *Trace {
	t := &Trace{
		code:     code,
		start:    start,
		backedge: backedge,
		uops:     uops,
	}
	t.slot.Store(-1)
	t.sum = fingerprint(code, start, uops)
	t.refs.Store(1)
	return t
}

// fingerprint blake2b(代码名, 入口, 微操作编码)
func fingerprint(code *bytecode.Code, start int, uops []UOp) [32]byte {
	buf := make([]byte, 0, len(code.Name)+8+len(uops)*18)
	buf = append(buf, code.Name...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(start))
	for _, u := range uops {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(u.Op))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(u.Oparg))
		buf = binary.LittleEndian.AppendUint64(buf, u.Operand)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(u.Target))
	}
	return blake2b.Sum256(buf)
}

// EntryOffset 实现 bytecode.Executor
func (t *Trace) EntryOffset() int { return t.start }

// Code 所属代码对象
func (t *Trace) Code() *bytecode.Code { return t.code }

// Backedge 回边偏移
func (t *Trace) Backedge() int { return t.backedge }

// UOps 微操作 (只读)
func (t *Trace) UOps() []UOp { return t.uops }

// Len 微操作个数
func (t *Trace) Len() int { return len(t.uops) }

// ID 指纹前 8 字节的十六进制
func (t *Trace) ID() string { return hex.EncodeToString(t.sum[:8]) }

// Fingerprint 完整指纹
func (t *Trace) Fingerprint() [32]byte { return t.sum }

// Refs 当前引用数
func (t *Trace) Refs() int { return int(t.refs.Load()) }

// Deopts 去优化次数
func (t *Trace) Deopts() int64 { return t.deopts.Load() }

// Invalid 是否已失效
func (t *Trace) Invalid() bool { return t.invalid.Load() }

// Stitched 是否带闭包片段
func (t *Trace) Stitched() bool { return t.fragments != nil }

// Acquire 获取引用; 已释放的 trace 返回 false
func (t *Trace) Acquire() bool {
	for {
		n := t.refs.Load()
		if n <= 0 {
			return false
		}
		if t.refs.CAS(n, n+1) {
			return true
		}
	}
}

// Release 释放引用, 归零时调用释放回调
func (t *Trace) Release() {
	n := t.refs.Dec()
	switch {
	case n < 0:
		panic(errors.Internal("trace %s released more times than acquired", t.ID()))
	case n == 0 && t.onFree != nil:
		t.onFree(t)
	}
}

func (t *Trace) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "trace %s %s @%d (backedge %d, %d uops", t.ID(), t.code.Name, t.start, t.backedge, len(t.uops))
	if t.fragments != nil {
		sb.WriteString(", stitched")
	}
	sb.WriteString(")\n")
	sb.WriteString(FormatUOps(t.uops))
	return sb.String()
}
