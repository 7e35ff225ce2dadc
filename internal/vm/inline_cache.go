package vm

import (
	"go.uber.org/zap"

	"github.com/tangzhangming/tiervm/internal/bytecode"
)

// ============================================================================
// 自适应特化
// ============================================================================
//
// 每个可特化的指令位置是一个状态机: 通用 (预热) -> 特化 -> 通用 (冷却)。
// 计数器归零时按当前操作数选择特化变体; 先写缓存负载, 最后原子改写操作码。
// 特化指令的守卫失败时不改动操作数栈, 改回通用操作码后在同一步重新分派。

// SiteState 指令位置的特化状态
type SiteState int

const (
	SiteGeneric     SiteState = iota // 通用, 预热中
	SiteSpecialized                  // 已特化
	SiteCooldown                     // 通用, 失效或特化失败后退避中
)

func (s SiteState) String() string {
	switch s {
	case SiteGeneric:
		return "generic"
	case SiteSpecialized:
		return "specialized"
	case SiteCooldown:
		return "cooldown"
	}
	return "unknown"
}

// SiteState 返回 off 处指令的特化状态
func (vm *VM) SiteState(code *bytecode.Code, off int) SiteState {
	op := code.Op(off)
	if op.IsSpecialized() {
		return SiteSpecialized
	}
	if op.Adaptive() && op != bytecode.OpJumpBackward && op != bytecode.OpEnterExecutor {
		if Counter(code.Cache(off, bytecode.CacheCounter)).BackoffExp() > vm.cfg.Specialization.WarmupBackoff {
			return SiteCooldown
		}
	}
	return SiteGeneric
}

// adaptive 推进计数器, 返回是否应当尝试特化
func (vm *VM) adaptive(code *bytecode.Code, off int) bool {
	if !vm.specialize {
		return false
	}
	c := Counter(code.Cache(off, bytecode.CacheCounter))
	if c.Triggers() {
		return true
	}
	code.SetCache(off, bytecode.CacheCounter, uint32(c.Advance()))
	return false
}

// adaptiveValue 运算, 比较, 下标与属性指令的特化直接内联原语语义,
// 对象模型不是原语语义时这些位置保持通用, 计数器也不推进
func (vm *VM) adaptiveValue(code *bytecode.Code, off int) bool {
	return vm.primitive && vm.adaptive(code, off)
}

var binaryIntVariants = map[bytecode.BinaryOp]bytecode.OpCode{
	bytecode.BinaryAdd: bytecode.OpBinaryOpAddInt,
	bytecode.BinarySub: bytecode.OpBinaryOpSubInt,
	bytecode.BinaryMul: bytecode.OpBinaryOpMulInt,
}

var binaryFloatVariants = map[bytecode.BinaryOp]bytecode.OpCode{
	bytecode.BinaryAdd: bytecode.OpBinaryOpAddFloat,
	bytecode.BinarySub: bytecode.OpBinaryOpSubFloat,
	bytecode.BinaryMul: bytecode.OpBinaryOpMulFloat,
}

func (vm *VM) specializeBinaryOp(code *bytecode.Code, off int, op bytecode.BinaryOp, a, b bytecode.Value) {
	variant := bytecode.OpBinaryOp
	switch {
	case a.IsInt() && b.IsInt():
		if v, ok := binaryIntVariants[op]; ok {
			variant = v
		}
	case a.IsFloat() && b.IsFloat():
		if v, ok := binaryFloatVariants[op]; ok {
			variant = v
		}
	case a.IsString() && b.IsString() && op == bytecode.BinaryAdd:
		variant = bytecode.OpBinaryOpAddStr
	}
	vm.commit(code, off, bytecode.OpBinaryOp, variant)
}

func (vm *VM) specializeCompareOp(code *bytecode.Code, off int, a, b bytecode.Value) {
	variant := bytecode.OpCompareOp
	switch {
	case a.IsInt() && b.IsInt():
		variant = bytecode.OpCompareOpInt
	case a.IsFloat() && b.IsFloat():
		variant = bytecode.OpCompareOpFloat
	case a.IsString() && b.IsString():
		variant = bytecode.OpCompareOpStr
	}
	vm.commit(code, off, bytecode.OpCompareOp, variant)
}

func (vm *VM) specializeLoadGlobal(code *bytecode.Code, off int, globals *bytecode.Globals, name string) {
	variant := bytecode.OpLoadGlobal
	if _, slot, ok := globals.Lookup(name); ok {
		code.SetVersionedSlot(off, globals.Version(), slot)
		variant = bytecode.OpLoadGlobalModule
	}
	vm.commit(code, off, bytecode.OpLoadGlobal, variant)
}

func (vm *VM) specializeLoadAttr(code *bytecode.Code, off int, obj bytecode.Value, name string) {
	variant := bytecode.OpLoadAttr
	if inst := obj.AsInstance(); inst != nil {
		if slot, ok := inst.Type.Slot(name); ok && slot < len(inst.Slots) {
			code.SetVersionedSlot(off, inst.Type.Version(), slot)
			variant = bytecode.OpLoadAttrInstanceValue
		}
	}
	vm.commit(code, off, bytecode.OpLoadAttr, variant)
}

func (vm *VM) specializeSubscr(code *bytecode.Code, off int, container, index bytecode.Value) {
	variant := bytecode.OpBinarySubscr
	if container.Type == bytecode.ValList && index.IsInt() {
		variant = bytecode.OpBinarySubscrListInt
	}
	vm.commit(code, off, bytecode.OpBinarySubscr, variant)
}

func (vm *VM) specializeCall(code *bytecode.Code, off int, callee bytecode.Value, argc int) {
	variant := bytecode.OpCall
	switch {
	case callee.AsFunc() != nil:
		if fn := callee.AsFunc(); fn.Arity() == argc {
			code.SetCache(off, bytecode.CacheVersion, fn.Version())
			variant = bytecode.OpCallPyExactArgs
		}
	case callee.Type == bytecode.ValBuiltin:
		variant = bytecode.OpCallBuiltin
	}
	vm.commit(code, off, bytecode.OpCall, variant)
}

// commit 写入特化结果; variant == generic 表示操作数不可特化
func (vm *VM) commit(code *bytecode.Code, off int, generic, variant bytecode.OpCode) {
	c := Counter(code.Cache(off, bytecode.CacheCounter))
	if variant == generic {
		code.SetCache(off, bytecode.CacheCounter, uint32(c.Backoff(vm.maxBackoff)))
		vm.stats.SpecializationFailures.Inc()
		if ce := vm.log.Check(zap.DebugLevel, "specialization failed"); ce != nil {
			ce.Write(zap.String("code", code.Name), zap.Int("offset", off), zap.Stringer("op", generic))
		}
		return
	}
	code.SetCache(off, bytecode.CacheCounter, uint32(c.Cooldown(vm.cooldown)))
	code.SetOp(off, variant)
	vm.stats.Specializations.Inc()
	if ce := vm.log.Check(zap.DebugLevel, "specialized"); ce != nil {
		ce.Write(zap.String("code", code.Name), zap.Int("offset", off), zap.Stringer("op", variant))
	}
}

// deoptimize 特化守卫失败: 改回通用操作码并加倍退避
func (vm *VM) deoptimize(code *bytecode.Code, off int, variant bytecode.OpCode) {
	generic := variant.Family()
	c := Counter(code.Cache(off, bytecode.CacheCounter))
	code.SetCache(off, bytecode.CacheCounter, uint32(c.Backoff(vm.maxBackoff)))
	code.SetOp(off, generic)
	code.RecordDeopt(off)
	vm.stats.SpecializationMisses.Inc()
	if ce := vm.log.Check(zap.DebugLevel, "deoptimized"); ce != nil {
		ce.Write(zap.String("code", code.Name), zap.Int("offset", off),
			zap.Stringer("from", variant), zap.Stringer("to", generic))
	}
}
