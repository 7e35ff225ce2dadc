package vm

import (
	"context"
	"testing"

	"github.com/tangzhangming/tiervm/internal/bytecode"
)

// ============================================================================
// 基准测试
// ============================================================================

func benchmarkSum(b *testing.B, vm *VM) {
	fn := sumLoop(bytecode.NewGlobals())
	ts := vm.NewThread()
	arg := bytecode.NewInt(10000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ts.Call(context.Background(), fn, arg); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSumBaseline(b *testing.B)    { benchmarkSum(b, baselineVM()) }
func BenchmarkSumSpecialized(b *testing.B) { benchmarkSum(b, newTestVM(nil)) }

func BenchmarkCallBaseline(b *testing.B) {
	vm := baselineVM()
	fn := addFunc(bytecode.NewGlobals())
	ts := vm.NewThread()
	x, y := bytecode.NewInt(1), bytecode.NewInt(2)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ts.Call(context.Background(), fn, x, y); err != nil {
			b.Fatal(err)
		}
	}
}
