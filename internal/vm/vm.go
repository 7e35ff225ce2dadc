// Package vm 实现执行核心的基线解释器与自适应特化。
//
// 二层 (trace 录制与执行) 通过 Tier2 接口挂接, 见 vm_jit.go。
package vm

import (
	"context"

	"go.uber.org/zap"

	"github.com/tangzhangming/tiervm/internal/bytecode"
	"github.com/tangzhangming/tiervm/internal/config"
	"github.com/tangzhangming/tiervm/internal/object"
)

// ============================================================================
// VM 核心结构
// ============================================================================
//
// VM 只持有进程级的只读状态: 配置, 对象模型, 日志, 统计和二层引擎。
// 每个执行线程的可变状态 (值栈, 帧链, 中断标志) 在 ThreadState 中。

// VM 虚拟机
type VM struct {
	cfg   *config.Config
	model object.Model
	log   *zap.Logger
	stats *Stats
	tier2 Tier2

	// 热路径上的配置副本
	specialize bool
	primitive  bool
	checkStack bool
	maxBackoff uint16
	cooldown   uint16

	pauseHook  func(ts *ThreadState)
	signalHook func(ts *ThreadState) error
}

// Option VM 选项
type Option func(*VM)

// WithModel 设置对象模型
func WithModel(m object.Model) Option {
	return func(vm *VM) { vm.model = m }
}

// WithLogger 设置日志
func WithLogger(l *zap.Logger) Option {
	return func(vm *VM) { vm.log = l }
}

// WithPauseHook 设置暂停请求的回调 (在中断检查点同步调用)
func WithPauseHook(fn func(ts *ThreadState)) Option {
	return func(vm *VM) { vm.pauseHook = fn }
}

// WithSignalHook 设置信号请求的回调, 返回错误时在检查点抛出
func WithSignalHook(fn func(ts *ThreadState) error) Option {
	return func(vm *VM) { vm.signalHook = fn }
}

// New 创建虚拟机, cfg 为 nil 时使用默认配置
func New(cfg *config.Config, opts ...Option) *VM {
	if cfg == nil {
		cfg = config.Default()
	}
	vm := &VM{
		cfg:        cfg,
		model:      object.Default{},
		log:        zap.NewNop(),
		stats:      &Stats{},
		specialize: cfg.Specialization.Enabled,
		checkStack: cfg.Interpreter.CheckStackInvariant,
		maxBackoff: cfg.Specialization.MaxBackoff,
		cooldown:   cfg.Specialization.CooldownValue,
	}
	for _, opt := range opts {
		opt(vm)
	}
	vm.primitive = object.PrimitiveSemantics(vm.model)
	return vm
}

// SetTier2 挂接二层引擎, nil 表示只使用基线解释器
func (vm *VM) SetTier2(t Tier2) { vm.tier2 = t }

// Tier2 当前二层引擎
func (vm *VM) Tier2() Tier2 { return vm.tier2 }

// Config 配置
func (vm *VM) Config() *config.Config { return vm.cfg }

// Model 对象模型
func (vm *VM) Model() object.Model { return vm.model }

// PrimitiveModel 对象模型是否沿用原语语义; 否则运算, 比较, 下标与属性指令不会特化
func (vm *VM) PrimitiveModel() bool { return vm.primitive }

// Logger 日志
func (vm *VM) Logger() *zap.Logger { return vm.log }

// Stats 统计
func (vm *VM) Stats() *Stats { return vm.stats }

// CheckStack 是否在指令边界检查栈不变量
func (vm *VM) CheckStack() bool { return vm.checkStack }

// Run 在新线程上下文中调用函数
func (vm *VM) Run(ctx context.Context, fn *bytecode.Function, args ...bytecode.Value) (bytecode.Value, error) {
	return vm.NewThread().Call(ctx, fn, args...)
}
