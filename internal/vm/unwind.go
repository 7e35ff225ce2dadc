package vm

import (
	"github.com/tangzhangming/tiervm/internal/bytecode"
	"github.com/tangzhangming/tiervm/internal/errors"
)

// ============================================================================
// 异常展开
// ============================================================================

// unwind 从 frame 开始查找异常处理器, 最远到 entry
//
// 进入时 frame.IP 是出错指令, frame.SP 已弹出该指令的输入。
// 找到处理器时把操作数栈截断到处理深度, 压入错误值并返回该帧;
// 越过 entry 时返回带完整回溯的错误, 所有经过的帧都已弹出且槽位已清空。
func (ts *ThreadState) unwind(frame, entry *Frame, err error) (*Frame, error) {
	re := errors.Wrap(err)
	stack := ts.stack
	for {
		code := frame.Code
		re.AddFrame(code.Name, frame.IP, code.Line(frame.IP))

		if h, ok := code.FindHandler(frame.IP); ok {
			sp := frame.StackBase + h.Depth
			if sp > frame.SP {
				panic(errors.Internal("handler depth %d above stack depth %d in %s at offset %d",
					h.Depth, frame.Depth(), code.Name, frame.IP))
			}
			clear(stack[sp:frame.SP])
			stack[sp] = bytecode.NewError(re)
			frame.SP = sp + 1
			frame.IP = h.Target
			ts.vm.stats.ErrorsHandled.Inc()
			return frame, nil
		}

		clear(stack[frame.Base:frame.SP])
		caller, wasEntry := frame.Previous, frame.entry
		ts.popFrame(frame)
		if wasEntry || frame == entry {
			return nil, re
		}
		// 调用者的 SP 停在被调用者槽位上, CALL 出错时一并弹出
		frame = caller
		stack[frame.SP] = bytecode.NullValue
	}
}
