// Package config 定义执行核心的调优参数
//
// 阈值, 退避常数和 trace 长度都不是语义契约, 只影响何时升级执行层。
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// 计数器编码上限 (12 位计数值, 4 位退避指数)
const (
	MaxCounterValue = 1<<12 - 1
	MaxBackoffLimit = 12
)

// Config 运行时配置
type Config struct {
	Interpreter    Interpreter    `toml:"interpreter" yaml:"interpreter" json:"interpreter"`
	Specialization Specialization `toml:"specialization" yaml:"specialization" json:"specialization"`
	Tier2          Tier2          `toml:"tier2" yaml:"tier2" json:"tier2"`
	Log            Log            `toml:"log" yaml:"log" json:"log"`
}

// Interpreter 基线解释器参数
type Interpreter struct {
	// StackArenaSize 每个线程值栈的槽位数
	StackArenaSize int `toml:"stack_arena_size" yaml:"stack_arena_size" json:"stack_arena_size"`
	// RecursionLimit 帧链深度上限 (入口帧计为 1)
	RecursionLimit int `toml:"recursion_limit" yaml:"recursion_limit" json:"recursion_limit"`
	// CheckStackInvariant 在每个指令边界检查栈指针范围
	CheckStackInvariant bool `toml:"check_stack_invariant" yaml:"check_stack_invariant" json:"check_stack_invariant"`
}

// Specialization 自适应特化参数
type Specialization struct {
	Enabled       bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	WarmupValue   uint16 `toml:"warmup_value" yaml:"warmup_value" json:"warmup_value"`
	WarmupBackoff uint16 `toml:"warmup_backoff" yaml:"warmup_backoff" json:"warmup_backoff"`
	CooldownValue uint16 `toml:"cooldown_value" yaml:"cooldown_value" json:"cooldown_value"`
	MaxBackoff    uint16 `toml:"max_backoff" yaml:"max_backoff" json:"max_backoff"`
}

// Tier2 trace 层参数
type Tier2 struct {
	Enabled bool `toml:"enabled" yaml:"enabled" json:"enabled"`
	// Stitch 使用闭包片段后端执行 trace
	Stitch bool `toml:"stitch" yaml:"stitch" json:"stitch"`
	// BackedgeWarmup 回边触发录制前的执行次数
	BackedgeWarmup uint16 `toml:"backedge_warmup" yaml:"backedge_warmup" json:"backedge_warmup"`
	// BackedgeBackoff 回边计数器的初始退避指数
	BackedgeBackoff uint16 `toml:"backedge_backoff" yaml:"backedge_backoff" json:"backedge_backoff"`
	MinTraceLength  int    `toml:"min_trace_length" yaml:"min_trace_length" json:"min_trace_length"`
	MaxTraceLength  int    `toml:"max_trace_length" yaml:"max_trace_length" json:"max_trace_length"`
	// ExitDeoptLimit 一条 trace 去优化多少次后失效
	ExitDeoptLimit int `toml:"exit_deopt_limit" yaml:"exit_deopt_limit" json:"exit_deopt_limit"`
}

// Log 日志参数
type Log struct {
	Level       string `toml:"level" yaml:"level" json:"level"`
	Format      string `toml:"format" yaml:"format" json:"format"`
	Development bool   `toml:"development" yaml:"development" json:"development"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Interpreter: Interpreter{
			StackArenaSize: 1 << 16,
			RecursionLimit: 1000,
		},
		Specialization: Specialization{
			Enabled:       true,
			WarmupValue:   1,
			WarmupBackoff: 1,
			CooldownValue: 52,
			MaxBackoff:    MaxBackoffLimit,
		},
		Tier2: Tier2{
			Enabled:         true,
			BackedgeWarmup:  16,
			BackedgeBackoff: 4,
			MinTraceLength:  4,
			MaxTraceLength:  512,
			ExitDeoptLimit:  64,
		},
		Log: Log{
			Level:  "info",
			Format: "console",
		},
	}
}

// Baseline 只启用基线解释器的配置
func Baseline() *Config {
	cfg := Default()
	cfg.Specialization.Enabled = false
	cfg.Tier2.Enabled = false
	return cfg
}

// Clone 复制配置
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// Load 从文件加载配置, 按扩展名选择 TOML 或 YAML; 未给出的字段保留默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MarshalTOML 输出 TOML 文本
func (c *Config) MarshalTOML() ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save 保存为 TOML 文件
func (c *Config) Save(path string) error {
	data, err := c.MarshalTOML()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate 检查所有参数, 返回合并后的全部错误
func (c *Config) Validate() error {
	var err error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf(format, args...))
		}
	}

	in := c.Interpreter
	check(in.StackArenaSize >= 64, "interpreter.stack_arena_size must be >= 64, got %d", in.StackArenaSize)
	check(in.RecursionLimit >= 1, "interpreter.recursion_limit must be >= 1, got %d", in.RecursionLimit)

	sp := c.Specialization
	check(sp.WarmupValue <= MaxCounterValue, "specialization.warmup_value must be <= %d, got %d", MaxCounterValue, sp.WarmupValue)
	check(sp.CooldownValue <= MaxCounterValue, "specialization.cooldown_value must be <= %d, got %d", MaxCounterValue, sp.CooldownValue)
	check(sp.MaxBackoff <= MaxBackoffLimit, "specialization.max_backoff must be <= %d, got %d", MaxBackoffLimit, sp.MaxBackoff)
	check(sp.WarmupBackoff <= sp.MaxBackoff, "specialization.warmup_backoff must be <= max_backoff (%d), got %d", sp.MaxBackoff, sp.WarmupBackoff)

	t2 := c.Tier2
	check(t2.BackedgeWarmup <= MaxCounterValue, "tier2.backedge_warmup must be <= %d, got %d", MaxCounterValue, t2.BackedgeWarmup)
	check(t2.BackedgeBackoff <= MaxBackoffLimit, "tier2.backedge_backoff must be <= %d, got %d", MaxBackoffLimit, t2.BackedgeBackoff)
	check(t2.MinTraceLength >= 1, "tier2.min_trace_length must be >= 1, got %d", t2.MinTraceLength)
	check(t2.MaxTraceLength >= t2.MinTraceLength+2, "tier2.max_trace_length must be >= min_trace_length+2, got %d", t2.MaxTraceLength)
	check(t2.ExitDeoptLimit >= 1, "tier2.exit_deopt_limit must be >= 1, got %d", t2.ExitDeoptLimit)

	var lvl zapcore.Level
	check(lvl.UnmarshalText([]byte(c.Log.Level)) == nil, "log.level %q is not a valid level", c.Log.Level)
	check(c.Log.Format == "console" || c.Log.Format == "json", "log.format must be console or json, got %q", c.Log.Format)

	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
