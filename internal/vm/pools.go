package vm

// ============================================================================
// 帧池
// ============================================================================
//
// 帧只属于创建它的线程, 随调用返回或异常展开弹出后即回收,
// 释放列表不需要同步。

func (ts *ThreadState) allocFrame() *Frame {
	if n := len(ts.freeFrames); n > 0 {
		f := ts.freeFrames[n-1]
		ts.freeFrames = ts.freeFrames[:n-1]
		return f
	}
	return &Frame{}
}

func (ts *ThreadState) releaseFrame(f *Frame) {
	*f = Frame{}
	ts.freeFrames = append(ts.freeFrames, f)
}
