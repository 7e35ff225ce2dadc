package vm

import (
	"github.com/tangzhangming/tiervm/internal/bytecode"
	"github.com/tangzhangming/tiervm/internal/errors"
)

// ============================================================================
// 基线解释器
// ============================================================================
//
// run 从 entry.IP 开始执行, 直到 entry 返回或错误越过 entry。
// 代码函数之间的调用在同一个循环里压栈/弹栈, 不占用原生调用栈;
// 只有二层的嵌套调用会递归进入 run。
//
// 循环内 ip/sp 是寄存器副本, 以下位置写回帧:
//   - 调用对象模型, 压入新帧, 检查中断之前 (IP = 当前指令)
//   - 出错时 (IP = 出错指令, SP = 已弹出输入之后)
//   - 进入 trace 之前
//
// 特化与去优化都在同一步里重新分派 (goto dispatch), 并跳过计数器,
// 保证一次执行只推进一次计数器, 也不会反复特化。

func (ts *ThreadState) run(entry *Frame) (bytecode.Value, error) {
	vm := ts.vm
	model := vm.model
	stack := ts.stack
	frame := entry

frameLoop:
	for {
		code := frame.Code
		ip, sp := frame.IP, frame.SP

		var (
			start, arg int
			op         bytecode.OpCode
			err        error
			readapt    bool
		)

		for {
			if vm.checkStack {
				frame.IP = ip
				frame.CheckStack(sp)
			}
			if ts.recorder != nil && ts.recorder.Frame() == frame {
				var entered bool
				ip, sp, entered, err = ts.observe(frame, ip, sp)
				if err != nil {
					start = ip
					goto fail
				}
				if entered {
					continue
				}
			}
			readapt = true

		dispatch:
			start = ip
			op, arg = code.Instr(ip)
			ip += bytecode.InstrSize(op)

			switch op {
			case bytecode.OpNop:

			case bytecode.OpPopTop:
				sp--
				stack[sp] = bytecode.NullValue

			case bytecode.OpCopy:
				stack[sp] = stack[sp-arg]
				sp++

			case bytecode.OpSwap:
				stack[sp-1], stack[sp-arg] = stack[sp-arg], stack[sp-1]

			case bytecode.OpLoadConst:
				stack[sp] = code.Consts[arg]
				sp++

			case bytecode.OpLoadFast:
				stack[sp] = stack[frame.Base+arg]
				sp++

			case bytecode.OpStoreFast:
				sp--
				stack[frame.Base+arg] = stack[sp]
				stack[sp] = bytecode.NullValue

			// ---------------------------------------------------------------
			// 全局变量
			// ---------------------------------------------------------------

			case bytecode.OpLoadGlobal:
				name := code.Names[arg]
				if readapt && vm.adaptive(code, start) {
					vm.specializeLoadGlobal(code, start, frame.Globals, name)
					readapt, ip = false, start
					goto dispatch
				}
				v, ok := frame.Globals.Get(name)
				if !ok {
					err = errors.NameError(name)
					goto fail
				}
				stack[sp] = v
				sp++

			case bytecode.OpLoadGlobalModule:
				g := frame.Globals
				version, slot, ok := code.VersionedSlot(start)
				if !ok || g.Version() != version {
					vm.deoptimize(code, start, op)
					readapt, ip = false, start
					goto dispatch
				}
				stack[sp] = g.At(slot)
				sp++

			case bytecode.OpStoreGlobal:
				sp--
				frame.Globals.Set(code.Names[arg], stack[sp])
				stack[sp] = bytecode.NullValue

			// ---------------------------------------------------------------
			// 属性与下标
			// ---------------------------------------------------------------

			case bytecode.OpLoadAttr:
				obj := stack[sp-1]
				if readapt && vm.adaptiveValue(code, start) {
					vm.specializeLoadAttr(code, start, obj, code.Names[arg])
					readapt, ip = false, start
					goto dispatch
				}
				frame.IP, frame.SP = start, sp
				v, e := model.GetAttr(obj, code.Names[arg])
				if e != nil {
					sp = drop(stack, sp-1, sp)
					err = e
					goto fail
				}
				stack[sp-1] = v

			case bytecode.OpLoadAttrInstanceValue:
				version, slot, ok := code.VersionedSlot(start)
				var v bytecode.Value
				if ok {
					v, ok = InstanceSlot(stack[sp-1], version, slot)
				}
				if !ok {
					vm.deoptimize(code, start, op)
					readapt, ip = false, start
					goto dispatch
				}
				stack[sp-1] = v

			case bytecode.OpBinarySubscr:
				container, index := stack[sp-2], stack[sp-1]
				if readapt && vm.adaptiveValue(code, start) {
					vm.specializeSubscr(code, start, container, index)
					readapt, ip = false, start
					goto dispatch
				}
				frame.IP, frame.SP = start, sp
				v, e := model.GetItem(container, index)
				sp = drop(stack, sp-2, sp)
				if e != nil {
					err = e
					goto fail
				}
				stack[sp] = v
				sp++

			case bytecode.OpBinarySubscrListInt:
				container, index := stack[sp-2], stack[sp-1]
				if container.Type != bytecode.ValList || !index.IsInt() {
					vm.deoptimize(code, start, op)
					readapt, ip = false, start
					goto dispatch
				}
				v, e := ListItem(container, index)
				sp = drop(stack, sp-2, sp)
				if e != nil {
					err = e
					goto fail
				}
				stack[sp] = v
				sp++

			// ---------------------------------------------------------------
			// 运算
			// ---------------------------------------------------------------

			case bytecode.OpBinaryOp:
				a, b := stack[sp-2], stack[sp-1]
				if readapt && vm.adaptiveValue(code, start) {
					vm.specializeBinaryOp(code, start, bytecode.BinaryOp(arg), a, b)
					readapt, ip = false, start
					goto dispatch
				}
				frame.IP, frame.SP = start, sp
				v, e := model.BinaryOp(bytecode.BinaryOp(arg), a, b)
				sp = drop(stack, sp-2, sp)
				if e != nil {
					err = e
					goto fail
				}
				stack[sp] = v
				sp++

			case bytecode.OpBinaryOpAddInt, bytecode.OpBinaryOpSubInt, bytecode.OpBinaryOpMulInt:
				a, b := stack[sp-2], stack[sp-1]
				if !a.IsInt() || !b.IsInt() {
					vm.deoptimize(code, start, op)
					readapt, ip = false, start
					goto dispatch
				}
				v, e := IntBinary(BinaryVariantOp(op), a.AsInt(), b.AsInt())
				sp = drop(stack, sp-2, sp)
				if e != nil {
					err = e
					goto fail
				}
				stack[sp] = v
				sp++

			case bytecode.OpBinaryOpAddFloat, bytecode.OpBinaryOpSubFloat, bytecode.OpBinaryOpMulFloat:
				a, b := stack[sp-2], stack[sp-1]
				if !a.IsFloat() || !b.IsFloat() {
					vm.deoptimize(code, start, op)
					readapt, ip = false, start
					goto dispatch
				}
				sp--
				stack[sp] = bytecode.NullValue
				stack[sp-1] = FloatBinary(BinaryVariantOp(op), a.AsFloat(), b.AsFloat())

			case bytecode.OpBinaryOpAddStr:
				a, b := stack[sp-2], stack[sp-1]
				if !a.IsString() || !b.IsString() {
					vm.deoptimize(code, start, op)
					readapt, ip = false, start
					goto dispatch
				}
				sp--
				stack[sp] = bytecode.NullValue
				stack[sp-1] = StrConcat(a, b)

			case bytecode.OpCompareOp:
				a, b := stack[sp-2], stack[sp-1]
				if readapt && vm.adaptiveValue(code, start) {
					vm.specializeCompareOp(code, start, a, b)
					readapt, ip = false, start
					goto dispatch
				}
				frame.IP, frame.SP = start, sp
				v, e := model.Compare(bytecode.CompareOp(arg), a, b)
				sp = drop(stack, sp-2, sp)
				if e != nil {
					err = e
					goto fail
				}
				stack[sp] = v
				sp++

			case bytecode.OpCompareOpInt:
				a, b := stack[sp-2], stack[sp-1]
				if !a.IsInt() || !b.IsInt() {
					vm.deoptimize(code, start, op)
					readapt, ip = false, start
					goto dispatch
				}
				sp--
				stack[sp] = bytecode.NullValue
				stack[sp-1] = bytecode.NewBool(bytecode.CompareInt(bytecode.CompareOp(arg), a.AsInt(), b.AsInt()))

			case bytecode.OpCompareOpFloat:
				a, b := stack[sp-2], stack[sp-1]
				if !a.IsFloat() || !b.IsFloat() {
					vm.deoptimize(code, start, op)
					readapt, ip = false, start
					goto dispatch
				}
				sp--
				stack[sp] = bytecode.NullValue
				stack[sp-1] = bytecode.NewBool(bytecode.CompareFloat(bytecode.CompareOp(arg), a.AsFloat(), b.AsFloat()))

			case bytecode.OpCompareOpStr:
				a, b := stack[sp-2], stack[sp-1]
				if !a.IsString() || !b.IsString() {
					vm.deoptimize(code, start, op)
					readapt, ip = false, start
					goto dispatch
				}
				sp--
				stack[sp] = bytecode.NullValue
				stack[sp-1] = bytecode.NewBool(bytecode.CompareString(bytecode.CompareOp(arg), a.AsString(), b.AsString()))

			case bytecode.OpUnaryNegative:
				frame.IP, frame.SP = start, sp
				v, e := model.Negate(stack[sp-1])
				if e != nil {
					sp = drop(stack, sp-1, sp)
					err = e
					goto fail
				}
				stack[sp-1] = v

			case bytecode.OpUnaryNot:
				stack[sp-1] = Not(stack[sp-1])

			// ---------------------------------------------------------------
			// 控制流
			// ---------------------------------------------------------------

			case bytecode.OpJumpForward:
				ip = arg

			case bytecode.OpPopJumpIfFalse:
				sp--
				if !stack[sp].IsTruthy() {
					ip = arg
				}
				stack[sp] = bytecode.NullValue

			case bytecode.OpPopJumpIfTrue:
				sp--
				if stack[sp].IsTruthy() {
					ip = arg
				}
				stack[sp] = bytecode.NullValue

			case bytecode.OpJumpBackward:
				frame.IP, frame.SP = start, sp
				if e := ts.pollInterrupts(); e != nil {
					err = e
					goto fail
				}
				if vm.tier2 != nil && ts.recorder == nil && vm.backedgeHot(code, start) {
					if rec := vm.tier2.BeginRecording(ts, frame, arg, start); rec != nil {
						ts.recorder = rec
					}
				}
				ip = arg

			case bytecode.OpEnterExecutor:
				frame.IP, frame.SP = start, sp
				if e := ts.pollInterrupts(); e != nil {
					err = e
					goto fail
				}
				exec, target := code.ExecutorAt(arg)
				if exec == nil || vm.tier2 == nil {
					ip = target
					break
				}
				ip, sp, err = ts.enterTrace(frame, exec, target, sp)
				if err != nil {
					start = ip
					goto fail
				}

			// ---------------------------------------------------------------
			// 调用与返回
			// ---------------------------------------------------------------

			case bytecode.OpCall:
				callee := stack[sp-arg-1]
				if readapt && vm.adaptive(code, start) {
					vm.specializeCall(code, start, callee, arg)
					readapt, ip = false, start
					goto dispatch
				}
				frame.IP, frame.SP = start, sp
				if e := ts.pollInterrupts(); e != nil {
					sp = drop(stack, sp-arg-1, sp)
					err = e
					goto fail
				}
				if fn := callee.AsFunc(); fn != nil {
					if fn.Arity() != arg {
						sp = drop(stack, sp-arg-1, sp)
						err = errors.ArgCount(fn.Name, fn.Arity(), arg)
						goto fail
					}
					frame.SP = sp - arg - 1
					nf, e := ts.pushFrame(fn, sp-arg, arg)
					if e != nil {
						sp = drop(stack, sp-arg-1, sp)
						err = e
						goto fail
					}
					frame = nf
					continue frameLoop
				}
				v, e := ts.callExternal(callee, stack[sp-arg:sp])
				sp = drop(stack, sp-arg-1, sp)
				if e != nil {
					err = e
					goto fail
				}
				stack[sp] = v
				sp++

			case bytecode.OpCallPyExactArgs:
				fn := stack[sp-arg-1].AsFunc()
				if fn == nil || fn.Version() != code.Cache(start, bytecode.CacheVersion) {
					vm.deoptimize(code, start, op)
					readapt, ip = false, start
					goto dispatch
				}
				frame.IP, frame.SP = start, sp
				if e := ts.pollInterrupts(); e != nil {
					sp = drop(stack, sp-arg-1, sp)
					err = e
					goto fail
				}
				frame.SP = sp - arg - 1
				nf, e := ts.pushFrame(fn, sp-arg, arg)
				if e != nil {
					sp = drop(stack, sp-arg-1, sp)
					err = e
					goto fail
				}
				frame = nf
				continue frameLoop

			case bytecode.OpCallBuiltin:
				callee := stack[sp-arg-1]
				if callee.Type != bytecode.ValBuiltin {
					vm.deoptimize(code, start, op)
					readapt, ip = false, start
					goto dispatch
				}
				frame.IP, frame.SP = start, sp
				if e := ts.pollInterrupts(); e != nil {
					sp = drop(stack, sp-arg-1, sp)
					err = e
					goto fail
				}
				v, e := ts.callExternal(callee, stack[sp-arg:sp])
				sp = drop(stack, sp-arg-1, sp)
				if e != nil {
					err = e
					goto fail
				}
				stack[sp] = v
				sp++

			case bytecode.OpReturnValue:
				result := stack[sp-1]
				clear(stack[frame.Base:sp])
				caller, wasEntry := frame.Previous, frame.entry
				ts.popFrame(frame)
				if wasEntry {
					return result, nil
				}
				frame = caller
				stack[frame.SP] = result
				frame.SP++
				frame.IP += bytecode.InstrSize(bytecode.OpCall)
				continue frameLoop

			case bytecode.OpRaise:
				sp--
				v := stack[sp]
				stack[sp] = bytecode.NullValue
				err = errors.Raised(v)
				goto fail

			default:
				panic(errors.Internal("invalid opcode %s at offset %d in %s", op, start, code.Name))
			}
			continue

		fail:
			frame.IP, frame.SP = start, sp
			ts.abortRecording("error")
			frame, err = ts.unwind(frame, entry, err)
			if err != nil {
				return bytecode.NullValue, err
			}
			continue frameLoop
		}
	}
}
