package vm

import (
	"go.uber.org/atomic"

	"github.com/tangzhangming/tiervm/internal/bytecode"
)

// ============================================================================
// 执行统计
// ============================================================================

// Stats 进程级计数器, 可被多个线程并发更新
type Stats struct {
	Specializations        atomic.Int64
	SpecializationFailures atomic.Int64
	SpecializationMisses   atomic.Int64
	ErrorsHandled          atomic.Int64
	Interrupts             atomic.Int64
	FramesPushed           atomic.Int64

	TracesStarted     atomic.Int64
	TracesInstalled   atomic.Int64
	TracesDiscarded   atomic.Int64
	TracesAborted     atomic.Int64
	TracesInvalidated atomic.Int64
	TracesFreed       atomic.Int64
	TraceEntries      atomic.Int64
	TraceExits        atomic.Int64
	TraceDeopts       atomic.Int64
	TraceErrors       atomic.Int64
	StitchHandoffs    atomic.Int64
}

// StatsSnapshot 统计快照
type StatsSnapshot struct {
	Specializations        int64 `json:"specializations"`
	SpecializationFailures int64 `json:"specialization_failures"`
	SpecializationMisses   int64 `json:"specialization_misses"`
	ErrorsHandled          int64 `json:"errors_handled"`
	Interrupts             int64 `json:"interrupts"`
	FramesPushed           int64 `json:"frames_pushed"`

	TracesStarted     int64 `json:"traces_started"`
	TracesInstalled   int64 `json:"traces_installed"`
	TracesDiscarded   int64 `json:"traces_discarded"`
	TracesAborted     int64 `json:"traces_aborted"`
	TracesInvalidated int64 `json:"traces_invalidated"`
	TracesFreed       int64 `json:"traces_freed"`
	TraceEntries      int64 `json:"trace_entries"`
	TraceExits        int64 `json:"trace_exits"`
	TraceDeopts       int64 `json:"trace_deopts"`
	TraceErrors       int64 `json:"trace_errors"`
	StitchHandoffs    int64 `json:"stitch_handoffs"`
}

// Snapshot 读取当前值
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Specializations:        s.Specializations.Load(),
		SpecializationFailures: s.SpecializationFailures.Load(),
		SpecializationMisses:   s.SpecializationMisses.Load(),
		ErrorsHandled:          s.ErrorsHandled.Load(),
		Interrupts:             s.Interrupts.Load(),
		FramesPushed:           s.FramesPushed.Load(),
		TracesStarted:          s.TracesStarted.Load(),
		TracesInstalled:        s.TracesInstalled.Load(),
		TracesDiscarded:        s.TracesDiscarded.Load(),
		TracesAborted:          s.TracesAborted.Load(),
		TracesInvalidated:      s.TracesInvalidated.Load(),
		TracesFreed:            s.TracesFreed.Load(),
		TraceEntries:           s.TraceEntries.Load(),
		TraceExits:             s.TraceExits.Load(),
		TraceDeopts:            s.TraceDeopts.Load(),
		TraceErrors:            s.TraceErrors.Load(),
		StitchHandoffs:         s.StitchHandoffs.Load(),
	}
}

// Reset 清零所有计数器
func (s *Stats) Reset() {
	for _, c := range []*atomic.Int64{
		&s.Specializations, &s.SpecializationFailures, &s.SpecializationMisses,
		&s.ErrorsHandled, &s.Interrupts, &s.FramesPushed,
		&s.TracesStarted, &s.TracesInstalled, &s.TracesDiscarded, &s.TracesAborted,
		&s.TracesInvalidated, &s.TracesFreed, &s.TraceEntries, &s.TraceExits,
		&s.TraceDeopts, &s.TraceErrors, &s.StitchHandoffs,
	} {
		c.Store(0)
	}
}

// ============================================================================
// 指令位置 Profile
// ============================================================================

// SiteProfile 单个可特化指令位置的状态
type SiteProfile struct {
	Offset  int
	Op      bytecode.OpCode
	State   SiteState
	Counter Counter
	Deopts  int
}

// Profile 列出代码对象中所有带计数器的指令位置
func (vm *VM) Profile(code *bytecode.Code) []SiteProfile {
	var sites []SiteProfile
	code.Instructions(func(off int, op bytecode.OpCode, _ int) bool {
		if !op.Adaptive() {
			return true
		}
		sites = append(sites, SiteProfile{
			Offset:  off,
			Op:      op,
			State:   vm.SiteState(code, off),
			Counter: Counter(code.Cache(off, bytecode.CacheCounter)),
			Deopts:  code.DeoptCount(off),
		})
		return true
	})
	return sites
}
