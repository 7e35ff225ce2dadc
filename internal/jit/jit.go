// Package jit 实现二层执行: trace 录制, 微操作执行器和片段拼接。
//
// Tier 实现 vm.Tier2, 由 runtime 挂接到虚拟机上。
package jit

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/tangzhangming/tiervm/internal/bytecode"
	"github.com/tangzhangming/tiervm/internal/config"
	"github.com/tangzhangming/tiervm/internal/vm"
)

// Tier 二层引擎
type Tier struct {
	machine *vm.VM
	cfg     config.Tier2
	log     *zap.Logger
	stats   *vm.Stats

	mu     sync.Mutex
	traces map[*Trace]struct{} // 已安装且未释放
}

var _ vm.Tier2 = (*Tier)(nil)

// New 创建二层引擎, 配置取自虚拟机
func New(machine *vm.VM) *Tier {
	return &Tier{
		machine: machine,
		cfg:     machine.Config().Tier2,
		log:     machine.Logger().Named("jit"),
		stats:   machine.Stats(),
		traces:  make(map[*Trace]struct{}),
	}
}

// install 把 trace 安装到回边上, 成功后执行体表持有初始引用
func (t *Tier) install(trace *Trace) bool {
	trace.onFree = t.free
	if t.cfg.Stitch {
		CompileFragments(trace)
	}
	idx, ok := trace.code.InstallExecutor(trace.backedge, trace)
	if !ok {
		return false
	}
	trace.slot.Store(int32(idx))

	t.mu.Lock()
	t.traces[trace] = struct{}{}
	t.mu.Unlock()

	t.stats.TracesInstalled.Inc()
	if ce := t.log.Check(zap.DebugLevel, "trace installed"); ce != nil {
		ce.Write(zap.String("code", trace.code.Name), zap.Int("start", trace.start),
			zap.Int("uops", len(trace.uops)), zap.String("id", trace.ID()), zap.Bool("stitched", trace.Stitched()))
	}
	return true
}

func (t *Tier) discard(r *Recorder, reason string) {
	t.stats.TracesDiscarded.Inc()
	if ce := t.log.Check(zap.DebugLevel, "trace discarded"); ce != nil {
		ce.Write(zap.String("code", r.code.Name), zap.Int("start", r.start),
			zap.Int("uops", len(r.uops)), zap.String("reason", reason))
	}
}

// free 引用归零
func (t *Tier) free(trace *Trace) {
	t.mu.Lock()
	delete(t.traces, trace)
	t.mu.Unlock()
	t.stats.TracesFreed.Inc()
	if ce := t.log.Check(zap.DebugLevel, "trace freed"); ce != nil {
		ce.Write(zap.String("id", trace.ID()))
	}
}

// Invalidate 卸载 trace: 回边恢复为 JUMP_BACKWARD, 释放执行体表的引用
// 正在执行它的线程持有自己的引用, 会把本次执行走完
func (t *Tier) Invalidate(trace *Trace) {
	if !trace.invalid.CAS(false, true) {
		return
	}
	t.machine.RemoveExecutor(trace.code, int(trace.slot.Load()))
	t.stats.TracesInvalidated.Inc()
	if ce := t.log.Check(zap.DebugLevel, "trace invalidated"); ce != nil {
		ce.Write(zap.String("code", trace.code.Name), zap.Int("start", trace.start),
			zap.String("id", trace.ID()), zap.Int64("deopts", trace.Deopts()))
	}
	trace.Release()
}

// InvalidateCode 卸载代码对象上的所有 trace
func (t *Tier) InvalidateCode(code *bytecode.Code) int {
	n := 0
	for _, trace := range t.Traces() {
		if trace.code == code && !trace.Invalid() {
			t.Invalidate(trace)
			n++
		}
	}
	return n
}

// Traces 当前存活的 trace 快照
func (t *Tier) Traces() []*Trace {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Trace, 0, len(t.traces))
	for trace := range t.traces {
		out = append(out, trace)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].code.Name != out[j].code.Name {
			return out[i].code.Name < out[j].code.Name
		}
		return out[i].start < out[j].start
	})
	return out
}

// TracesFor 代码对象上存活的 trace
func (t *Tier) TracesFor(code *bytecode.Code) []*Trace {
	var out []*Trace
	for _, trace := range t.Traces() {
		if trace.code == code {
			out = append(out, trace)
		}
	}
	return out
}
