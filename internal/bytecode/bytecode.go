package bytecode

import "fmt"

// ============================================================================
// 指令编码
// ============================================================================
//
// 每条指令占一个 32 位字:
//   bits 0-7   操作码
//   bits 8-31  立即数 (24 位, 无符号)
//
// 可特化的指令后面紧跟 CacheSize(op) 个 CACHE 字作为内联缓存,
// 缓存单元 0 总是自适应计数器。特化变体与其家族共享缓存布局。
// 跳转立即数是绝对指令偏移。

// OpCode 操作码类型
type OpCode uint8

const (
	OpNop            OpCode = iota // 空操作
	OpCache                        // 内联缓存单元 (不可执行)
	OpPopTop                       // 弹出栈顶
	OpCopy                         // 复制第 n 个元素到栈顶 (n: 1 = 栈顶)
	OpSwap                         // 交换栈顶与第 n 个元素
	OpLoadConst                    // 加载常量 (index)
	OpLoadFast                     // 加载局部变量 (slot)
	OpStoreFast                    // 存储局部变量 (slot)
	OpLoadGlobal                   // 加载全局变量 (name index)
	OpStoreGlobal                  // 存储全局变量 (name index)
	OpLoadAttr                     // 读取属性 (name index)
	OpBinaryOp                     // 二元运算 (BinaryOp)
	OpCompareOp                    // 比较 (CompareOp)
	OpBinarySubscr                 // 下标读取
	OpUnaryNegative                // 取负
	OpUnaryNot                     // 逻辑非
	OpJumpForward                  // 向前跳转 (target)
	OpJumpBackward                 // 回边 (target), 检查中断
	OpPopJumpIfFalse               // 弹出栈顶, 为假跳转 (target)
	OpPopJumpIfTrue                // 弹出栈顶, 为真跳转 (target)
	OpCall                         // 调用 (argc)
	OpReturnValue                  // 返回栈顶
	OpRaise                        // 抛出栈顶
	OpEnterExecutor                // 进入二层执行体 (executor index)

	// 特化变体
	OpBinaryOpAddInt
	OpBinaryOpSubInt
	OpBinaryOpMulInt
	OpBinaryOpAddFloat
	OpBinaryOpSubFloat
	OpBinaryOpMulFloat
	OpBinaryOpAddStr
	OpCompareOpInt
	OpCompareOpFloat
	OpCompareOpStr
	OpLoadGlobalModule
	OpLoadAttrInstanceValue
	OpBinarySubscrListInt
	OpCallPyExactArgs
	OpCallBuiltin

	opCount
)

// MaxArg 立即数上限
const MaxArg = 1<<24 - 1

var opNames = [opCount]string{
	OpNop:                   "NOP",
	OpCache:                 "CACHE",
	OpPopTop:                "POP_TOP",
	OpCopy:                  "COPY",
	OpSwap:                  "SWAP",
	OpLoadConst:             "LOAD_CONST",
	OpLoadFast:              "LOAD_FAST",
	OpStoreFast:             "STORE_FAST",
	OpLoadGlobal:            "LOAD_GLOBAL",
	OpStoreGlobal:           "STORE_GLOBAL",
	OpLoadAttr:              "LOAD_ATTR",
	OpBinaryOp:              "BINARY_OP",
	OpCompareOp:             "COMPARE_OP",
	OpBinarySubscr:          "BINARY_SUBSCR",
	OpUnaryNegative:         "UNARY_NEGATIVE",
	OpUnaryNot:              "UNARY_NOT",
	OpJumpForward:           "JUMP_FORWARD",
	OpJumpBackward:          "JUMP_BACKWARD",
	OpPopJumpIfFalse:        "POP_JUMP_IF_FALSE",
	OpPopJumpIfTrue:         "POP_JUMP_IF_TRUE",
	OpCall:                  "CALL",
	OpReturnValue:           "RETURN_VALUE",
	OpRaise:                 "RAISE",
	OpEnterExecutor:         "ENTER_EXECUTOR",
	OpBinaryOpAddInt:        "BINARY_OP_ADD_INT",
	OpBinaryOpSubInt:        "BINARY_OP_SUB_INT",
	OpBinaryOpMulInt:        "BINARY_OP_MUL_INT",
	OpBinaryOpAddFloat:      "BINARY_OP_ADD_FLOAT",
	OpBinaryOpSubFloat:      "BINARY_OP_SUB_FLOAT",
	OpBinaryOpMulFloat:      "BINARY_OP_MUL_FLOAT",
	OpBinaryOpAddStr:        "BINARY_OP_ADD_STR",
	OpCompareOpInt:          "COMPARE_OP_INT",
	OpCompareOpFloat:        "COMPARE_OP_FLOAT",
	OpCompareOpStr:          "COMPARE_OP_STR",
	OpLoadGlobalModule:      "LOAD_GLOBAL_MODULE",
	OpLoadAttrInstanceValue: "LOAD_ATTR_INSTANCE_VALUE",
	OpBinarySubscrListInt:   "BINARY_SUBSCR_LIST_INT",
	OpCallPyExactArgs:       "CALL_PY_EXACT_ARGS",
	OpCallBuiltin:           "CALL_BUILTIN",
}

// family 特化变体 -> 通用指令
var family [opCount]OpCode

// cacheSize 每个家族的内联缓存单元数
var cacheSize [opCount]int

func init() {
	for op := OpCode(0); op < opCount; op++ {
		family[op] = op
	}
	for _, op := range []OpCode{OpBinaryOpAddInt, OpBinaryOpSubInt, OpBinaryOpMulInt,
		OpBinaryOpAddFloat, OpBinaryOpSubFloat, OpBinaryOpMulFloat, OpBinaryOpAddStr} {
		family[op] = OpBinaryOp
	}
	for _, op := range []OpCode{OpCompareOpInt, OpCompareOpFloat, OpCompareOpStr} {
		family[op] = OpCompareOp
	}
	family[OpLoadGlobalModule] = OpLoadGlobal
	family[OpLoadAttrInstanceValue] = OpLoadAttr
	family[OpBinarySubscrListInt] = OpBinarySubscr
	family[OpCallPyExactArgs] = OpCall
	family[OpCallBuiltin] = OpCall
	// ENTER_EXECUTOR 替换 JUMP_BACKWARD, 沿用其计数器单元
	family[OpEnterExecutor] = OpJumpBackward

	// 计数器
	cacheSize[OpBinaryOp] = 1
	cacheSize[OpCompareOp] = 1
	cacheSize[OpBinarySubscr] = 1
	cacheSize[OpJumpBackward] = 1
	// 计数器 + globals 版本 + 槽位
	cacheSize[OpLoadGlobal] = 3
	// 计数器 + 类型版本 + 槽位
	cacheSize[OpLoadAttr] = 3
	// 计数器 + 函数版本
	cacheSize[OpCall] = 2
}

// 缓存单元下标
const (
	CacheCounter = 0 // 自适应计数器
	CacheVersion = 1 // globals / 类型 / 函数版本
	CacheIndex   = 2 // 槽位
)

func (op OpCode) String() string {
	if op < opCount && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("OP_%d", uint8(op))
}

// Valid 是否为已知操作码
func (op OpCode) Valid() bool { return op < opCount }

// Family 返回特化变体所属的通用指令; 通用指令返回自身
func (op OpCode) Family() OpCode {
	if op >= opCount {
		return op
	}
	return family[op]
}

// IsSpecialized 是否为特化变体
func (op OpCode) IsSpecialized() bool {
	return op < opCount && op != OpEnterExecutor && family[op] != op
}

// Adaptive 该指令家族是否带自适应计数器
func (op OpCode) Adaptive() bool {
	return op < opCount && cacheSize[family[op]] > 0
}

// CacheSize 指令后的内联缓存单元数
func CacheSize(op OpCode) int {
	if op >= opCount {
		return 0
	}
	return cacheSize[family[op]]
}

// InstrSize 指令占用的字数 (含缓存)
func InstrSize(op OpCode) int { return 1 + CacheSize(op) }

// IsJump 立即数是否为跳转目标
func (op OpCode) IsJump() bool {
	switch op {
	case OpJumpForward, OpJumpBackward, OpPopJumpIfFalse, OpPopJumpIfTrue:
		return true
	}
	return false
}

// IsTerminator 执行后不会顺序落到下一条指令
func (op OpCode) IsTerminator() bool {
	switch op {
	case OpJumpForward, OpJumpBackward, OpEnterExecutor, OpReturnValue, OpRaise:
		return true
	}
	return false
}

// Encode 编码一条指令
func Encode(op OpCode, arg int) uint32 {
	return uint32(op) | uint32(arg)<<8
}

// Decode 解码一条指令
func Decode(word uint32) (OpCode, int) {
	return OpCode(word & 0xff), int(word >> 8)
}

// StackEffect 返回指令弹出与压入的值个数
func StackEffect(op OpCode, arg int) (pop, push int) {
	switch op.Family() {
	case OpNop, OpCache, OpJumpForward, OpJumpBackward:
		return 0, 0
	case OpPopTop, OpStoreFast, OpStoreGlobal, OpPopJumpIfFalse, OpPopJumpIfTrue, OpReturnValue, OpRaise:
		return 1, 0
	case OpCopy:
		return arg, arg + 1
	case OpSwap:
		return arg, arg
	case OpLoadConst, OpLoadFast, OpLoadGlobal:
		return 0, 1
	case OpLoadAttr, OpUnaryNegative, OpUnaryNot:
		return 1, 1
	case OpBinaryOp, OpCompareOp, OpBinarySubscr:
		return 2, 1
	case OpCall:
		return arg + 1, 1
	}
	return 0, 0
}

// ============================================================================
// 运算子操作
// ============================================================================

// BinaryOp BINARY_OP 的立即数
type BinaryOp int

const (
	BinaryAdd BinaryOp = iota
	BinarySub
	BinaryMul
	BinaryDiv
	BinaryMod
	binaryOpCount
)

var binaryOpSymbols = [...]string{"+", "-", "*", "/", "%"}

func (op BinaryOp) String() string {
	if op >= 0 && op < binaryOpCount {
		return binaryOpSymbols[op]
	}
	return fmt.Sprintf("binop(%d)", int(op))
}

// Valid 是否为已知运算
func (op BinaryOp) Valid() bool { return op >= 0 && op < binaryOpCount }

// CompareOp COMPARE_OP 的立即数
type CompareOp int

const (
	CompareLt CompareOp = iota
	CompareLe
	CompareEq
	CompareNe
	CompareGt
	CompareGe
	compareOpCount
)

var compareOpSymbols = [...]string{"<", "<=", "==", "!=", ">", ">="}

func (op CompareOp) String() string {
	if op >= 0 && op < compareOpCount {
		return compareOpSymbols[op]
	}
	return fmt.Sprintf("cmp(%d)", int(op))
}

// Valid 是否为已知比较
func (op CompareOp) Valid() bool { return op >= 0 && op < compareOpCount }
