package main

import (
	"context"
	"flag"
	"testing"
)

// setFlag 设置命令行开关, 测试结束后恢复
func setFlag(t *testing.T, name, value string) {
	t.Helper()
	old := flag.Lookup(name).Value.String()
	if err := flag.Set(name, value); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = flag.Set(name, old) })
}

func TestRunExitCodes(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name  string
		flags map[string]string
		ctx   context.Context
		want  int
	}{
		{"list", map[string]string{"list": "true"}, context.Background(), 0},
		{"sum", map[string]string{"program": "sum", "log": "error"}, context.Background(), 0},
		{"json", map[string]string{"program": "points", "json": "true", "log": "error"}, context.Background(), 0},
		{"unknown program", map[string]string{"program": "nope"}, context.Background(), 2},
		{"missing config", map[string]string{"config": "testdata/missing.toml"}, context.Background(), 2},
		{"interrupted", map[string]string{"program": "sum", "log": "error"}, canceled, 130},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for name, value := range tt.flags {
				setFlag(t, name, value)
			}
			if got := run(tt.ctx); got != tt.want {
				t.Errorf("run() = %d, want %d", got, tt.want)
			}
		})
	}
}
