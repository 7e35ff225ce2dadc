// Package runtime 把虚拟机, 二层引擎, 对象模型与日志组装成宿主可用的运行时。
package runtime

import (
	"context"
	"io"
	"os"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/tangzhangming/tiervm/internal/bytecode"
	"github.com/tangzhangming/tiervm/internal/config"
	"github.com/tangzhangming/tiervm/internal/jit"
	"github.com/tangzhangming/tiervm/internal/object"
	"github.com/tangzhangming/tiervm/internal/vm"
)

// Runtime 执行核心运行时
type Runtime struct {
	cfg   *config.Config
	log   *zap.Logger
	model object.Model
	out   io.Writer

	vm   *vm.VM
	tier *jit.Tier
}

// Option 运行时选项
type Option func(*Runtime)

// WithLogger 使用指定日志 (默认 zap.NewNop)
func WithLogger(l *zap.Logger) Option {
	return func(r *Runtime) { r.log = l }
}

// WithModel 使用指定对象模型
func WithModel(m object.Model) Option {
	return func(r *Runtime) { r.model = m }
}

// WithOutput print 的输出目标 (默认 os.Stdout)
func WithOutput(w io.Writer) Option {
	return func(r *Runtime) { r.out = w }
}

// New 创建运行时; cfg 为 nil 时使用默认配置
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runtime{
		cfg:   cfg,
		log:   zap.NewNop(),
		model: object.Default{},
		out:   os.Stdout,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.vm = vm.New(cfg, vm.WithLogger(r.log), vm.WithModel(r.model))
	if cfg.Tier2.Enabled {
		r.tier = jit.New(r.vm)
		r.vm.SetTier2(r.tier)
	}
	r.log.Debug("runtime ready",
		zap.Bool("specialization", cfg.Specialization.Enabled),
		zap.Bool("tier2", cfg.Tier2.Enabled),
		zap.Bool("stitch", cfg.Tier2.Enabled && cfg.Tier2.Stitch))
	return r, nil
}

// Config 运行时配置
func (r *Runtime) Config() *config.Config { return r.cfg }

// VM 底层虚拟机
func (r *Runtime) VM() *vm.VM { return r.vm }

// Tier 二层引擎, 未启用时为 nil
func (r *Runtime) Tier() *jit.Tier { return r.tier }

// Model 对象模型
func (r *Runtime) Model() object.Model { return r.model }

// NewGlobals 创建装好内置函数的全局变量表
func (r *Runtime) NewGlobals() *bytecode.Globals {
	g := bytecode.NewGlobals()
	InstallBuiltins(g, r.out)
	return g
}

// Run 在新线程上下文中调用 fn
func (r *Runtime) Run(ctx context.Context, fn *bytecode.Function, args ...bytecode.Value) (bytecode.Value, error) {
	return r.vm.Run(ctx, fn, args...)
}

// Stats 统计快照
func (r *Runtime) Stats() vm.StatsSnapshot { return r.vm.Stats().Snapshot() }

// StatsJSON 统计快照的 JSON 编码
func (r *Runtime) StatsJSON() ([]byte, error) {
	return json.Marshal(r.Stats())
}

// TraceInfo 存活 trace 的摘要
type TraceInfo struct {
	ID       string `json:"id"`
	Code     string `json:"code"`
	Start    int    `json:"start"`
	Backedge int    `json:"backedge"`
	UOps     int    `json:"uops"`
	Refs     int    `json:"refs"`
	Deopts   int64  `json:"deopts"`
	Stitched bool   `json:"stitched"`
}

// Traces 存活 trace 的摘要, 二层未启用时为空
func (r *Runtime) Traces() []TraceInfo {
	if r.tier == nil {
		return nil
	}
	traces := r.tier.Traces()
	out := make([]TraceInfo, len(traces))
	for i, t := range traces {
		out[i] = TraceInfo{
			ID:       t.ID(),
			Code:     t.Code().Name,
			Start:    t.EntryOffset(),
			Backedge: t.Backedge(),
			UOps:     t.Len(),
			Refs:     t.Refs(),
			Deopts:   t.Deopts(),
			Stitched: t.Stitched(),
		}
	}
	return out
}

// Report 统计与 trace 摘要
type Report struct {
	Stats  vm.StatsSnapshot `json:"stats"`
	Traces []TraceInfo      `json:"traces,omitempty"`
}

// ReportJSON 带缩进的报告
func (r *Runtime) ReportJSON() ([]byte, error) {
	return json.MarshalIndent(Report{Stats: r.Stats(), Traces: r.Traces()}, "", "  ")
}

// Close 刷新日志
func (r *Runtime) Close() error {
	_ = r.log.Sync()
	return nil
}
