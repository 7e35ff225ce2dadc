package bytecode

import (
	"fmt"
	"sort"
)

// ============================================================================
// 操作数栈深度分析
// ============================================================================

// StackCheckResult 栈检查结果
type StackCheckResult struct {
	MaxDepth int      // 最大栈深度
	Depths   []int    // 每个指令起始偏移的入口深度, -1 表示不可达
	IsValid  bool     // 是否有效
	Errors   []string // 错误信息
}

// DefaultMaxStackDepth 默认最大栈深度
const DefaultMaxStackDepth = 1024

// StackChecker 栈深度检查器
//
// 数据流分析: 沿控制流传播每条指令的入口深度, 同一位置的两个深度必须一致。
// 异常处理器在其保护范围起点深度确定后加入工作列表 (入口深度 = Depth + 1)。
type StackChecker struct {
	code     *Code
	depths   []int
	maxDepth int
	errors   []string
}

// NewStackChecker 创建栈检查器
func NewStackChecker(code *Code) *StackChecker {
	return &StackChecker{code: code}
}

type stackWorkItem struct {
	pos   int
	depth int
}

// Check 执行栈深度检查, maxAllowed <= 0 时使用默认上限
func (sc *StackChecker) Check(maxAllowed int) StackCheckResult {
	if maxAllowed <= 0 {
		maxAllowed = DefaultMaxStackDepth
	}
	n := sc.code.Len()
	sc.depths = make([]int, n)
	for i := range sc.depths {
		sc.depths[i] = -1
	}
	sc.errors = nil
	sc.maxDepth = 0

	if n == 0 {
		sc.errorf(0, "空代码对象")
		return sc.result()
	}

	worklist := []stackWorkItem{{0, 0}}
	seeded := make([]bool, len(sc.code.ExceptionTable))
	for {
		sc.flow(worklist, maxAllowed)
		worklist = worklist[:0]
		for i, e := range sc.code.ExceptionTable {
			if seeded[i] || e.Start < 0 || e.Start >= n || sc.depths[e.Start] < 0 {
				continue
			}
			seeded[i] = true
			if sc.depths[e.Start] < e.Depth {
				sc.errorf(e.Start, "异常处理深度 %d 超过范围起点深度 %d", e.Depth, sc.depths[e.Start])
				continue
			}
			worklist = append(worklist, stackWorkItem{e.Target, e.Depth + 1})
		}
		if len(worklist) == 0 {
			break
		}
	}
	return sc.result()
}

func (sc *StackChecker) flow(worklist []stackWorkItem, maxAllowed int) {
	n := sc.code.Len()
	for len(worklist) > 0 {
		item := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		pos, depth := item.pos, item.depth

		for {
			if pos < 0 || pos >= n {
				sc.errorf(pos, "执行越过代码末尾")
				break
			}
			if sc.depths[pos] >= 0 {
				if sc.depths[pos] != depth {
					sc.errorf(pos, "栈深度不一致: %d 与 %d", sc.depths[pos], depth)
				}
				break
			}
			sc.depths[pos] = depth

			op, arg := sc.code.Instr(pos)
			if !op.Valid() || op == OpCache {
				sc.errorf(pos, "非法操作码 %d", uint8(op))
				break
			}
			pop, push := StackEffect(op, arg)
			if depth < pop {
				sc.errorf(pos, "%s 栈下溢: 需要 %d, 实际 %d", op, pop, depth)
				break
			}
			depth = depth - pop + push
			if depth > sc.maxDepth {
				sc.maxDepth = depth
			}
			if depth > maxAllowed {
				sc.errorf(pos, "栈深度 %d 超过上限 %d", depth, maxAllowed)
				break
			}

			next := pos + InstrSize(op)
			switch op {
			case OpJumpForward, OpJumpBackward:
				pos = arg
				continue
			case OpPopJumpIfFalse, OpPopJumpIfTrue:
				worklist = append(worklist, stackWorkItem{arg, depth})
			case OpReturnValue, OpRaise, OpEnterExecutor:
				// 返回时剩余的值随帧一起丢弃
				next = -1
			}
			if next < 0 {
				break
			}
			pos = next
		}
	}
}

func (sc *StackChecker) errorf(pos int, format string, args ...interface{}) {
	sc.errors = append(sc.errors, fmt.Sprintf("偏移 %d: %s", pos, fmt.Sprintf(format, args...)))
}

func (sc *StackChecker) result() StackCheckResult {
	sort.Strings(sc.errors)
	return StackCheckResult{
		MaxDepth: sc.maxDepth,
		Depths:   sc.depths,
		IsValid:  len(sc.errors) == 0,
		Errors:   sc.errors,
	}
}

// CheckCode 便捷函数
func CheckCode(code *Code, maxDepth int) StackCheckResult {
	return NewStackChecker(code).Check(maxDepth)
}
