package vm

import (
	"github.com/tangzhangming/tiervm/internal/bytecode"
	"github.com/tangzhangming/tiervm/internal/config"
)

// ============================================================================
// 自适应计数器
// ============================================================================
//
// 16 位: 高 12 位为计数值, 低 4 位为退避指数 b。
// 预热期间每次执行递减计数值, 减到 0 时触发特化 (或回边触发录制);
// 特化成功后进入冷却 (计数值重置, 保留 b); 特化失败或失效时 b+1,
// 计数值重置为 2^b-1。b 只增不减且有上限, 重新触发的门槛因此单调不降。

// Counter 自适应计数器
type Counter uint16

const counterBackoffBits = 4

// MakeCounter 构造计数器
func MakeCounter(value, backoff uint16) Counter {
	if value > config.MaxCounterValue {
		value = config.MaxCounterValue
	}
	return Counter(value<<counterBackoffBits | backoff&(1<<counterBackoffBits-1))
}

// Value 计数值
func (c Counter) Value() uint16 { return uint16(c) >> counterBackoffBits }

// BackoffExp 退避指数
func (c Counter) BackoffExp() uint16 { return uint16(c) & (1<<counterBackoffBits - 1) }

// Triggers 计数值是否已归零
func (c Counter) Triggers() bool { return c.Value() == 0 }

// Advance 递减一次
func (c Counter) Advance() Counter {
	if c.Triggers() {
		return c
	}
	return c - 1<<counterBackoffBits
}

// Cooldown 特化成功后的冷却值, 保留退避指数
func (c Counter) Cooldown(value uint16) Counter {
	return MakeCounter(value, c.BackoffExp())
}

// Backoff 加倍退避: b = min(b+1, max), 计数值 = 2^b - 1
func (c Counter) Backoff(max uint16) Counter {
	b := c.BackoffExp() + 1
	if b > max {
		b = max
	}
	return MakeCounter(1<<b-1, b)
}

// Threshold 重新触发前还需执行的次数
func (c Counter) Threshold() int { return int(c.Value()) }

// ============================================================================
// 代码对象预处理
// ============================================================================

// quicken 首次执行代码对象时写入所有计数器的初始值
func (vm *VM) quicken(code *bytecode.Code) {
	code.Quicken(func(c *bytecode.Code) {
		sp := vm.cfg.Specialization
		t2 := vm.cfg.Tier2
		warm := MakeCounter(sp.WarmupValue, sp.WarmupBackoff)
		edge := MakeCounter(t2.BackedgeWarmup, t2.BackedgeBackoff)
		c.Instructions(func(off int, op bytecode.OpCode, _ int) bool {
			switch {
			case op.Family() == bytecode.OpJumpBackward:
				c.SetCache(off, bytecode.CacheCounter, uint32(edge))
			case op.Adaptive():
				c.SetCache(off, bytecode.CacheCounter, uint32(warm))
			}
			return true
		})
	})
}

// backedgeHot 回边计数; 触发时先退避, 录制失败后过一段时间再试
func (vm *VM) backedgeHot(code *bytecode.Code, off int) bool {
	c := Counter(code.Cache(off, bytecode.CacheCounter))
	if c.Triggers() {
		code.SetCache(off, bytecode.CacheCounter, uint32(c.Backoff(vm.maxBackoff)))
		return true
	}
	code.SetCache(off, bytecode.CacheCounter, uint32(c.Advance()))
	return false
}

// RemoveExecutor 卸载执行体, 回边恢复为 JUMP_BACKWARD 并退避计数器
func (vm *VM) RemoveExecutor(code *bytecode.Code, idx int) bytecode.Executor {
	return code.RemoveExecutor(idx, func(old uint32) uint32 {
		return uint32(Counter(old).Backoff(vm.maxBackoff))
	})
}
