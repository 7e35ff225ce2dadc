package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/tangzhangming/tiervm/internal/bytecode"
	"github.com/tangzhangming/tiervm/internal/config"
	"github.com/tangzhangming/tiervm/internal/errors"
	"github.com/tangzhangming/tiervm/internal/programs"
	"github.com/tangzhangming/tiervm/internal/runtime"
)

var (
	configPath = flag.String("config", "", "Config file (.toml, .yaml)")
	program    = flag.String("program", "sum", "Program to run, or \"all\"")
	tier2      = flag.Bool("tier2", true, "Enable trace recording and execution")
	specialize = flag.Bool("specialize", true, "Enable adaptive specialization")
	stitch     = flag.Bool("stitch", false, "Execute traces with the closure fragment backend")
	showDis    = flag.Bool("dis", false, "Disassemble the entry function after running")
	jsonOut    = flag.Bool("json", false, "Print stats and traces as JSON")
	list       = flag.Bool("list", false, "List programs")
	logLevel   = flag.String("log", "", "Log level override (debug, info, warn, error)")
)

func main() {
	flag.Usage = usage
	flag.Parse()
	os.Exit(run(context.Background()))
}

// run 执行选中的程序并返回退出码; 返回前关闭运行时
func run(parent context.Context) int {
	if *list {
		for _, p := range programs.All() {
			fmt.Printf("  %-10s %s\n", p.Name, p.Description)
		}
		return 0
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	log, err := runtime.NewLogger(cfg.Log, color)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	rt, err := runtime.New(cfg, runtime.WithLogger(log))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	defer rt.Close()

	var selected []programs.Program
	if *program == "all" {
		selected = programs.All()
	} else {
		p, ok := programs.Lookup(*program)
		if !ok {
			fmt.Fprintf(os.Stderr, "Unknown program %q (have: %s)\n", *program, strings.Join(programs.Names(), ", "))
			return 2
		}
		selected = []programs.Program{p}
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt)
	defer stop()

	formatter := errors.NewFormatter(isatty.IsTerminal(os.Stdout.Fd()))
	failed := false
	for _, p := range selected {
		fn := p.Build(rt.NewGlobals())
		for _, args := range p.Calls(cfg) {
			start := time.Now()
			v, err := rt.Run(ctx, fn, args...)
			elapsed := time.Since(start)
			if err != nil {
				fmt.Printf("%s(%s) raised after %s\n%s\n", p.Name, formatArgs(args), elapsed, formatter.Format(err))
				if errors.KindOf(err) == errors.KindInterrupted {
					return 130
				}
				if errors.KindOf(err) == 0 {
					failed = true
				}
				continue
			}
			fmt.Printf("%s(%s) = %s  [%s]\n", p.Name, formatArgs(args), v, elapsed)
		}
		if *showDis {
			fmt.Print(bytecode.Disassemble(fn.Code()))
		}
	}

	if *jsonOut {
		data, err := rt.ReportJSON()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		printStats(rt)
	}
	if failed {
		return 1
	}
	return 0
}

func usage() {
	fmt.Fprintln(os.Stderr, "tierx - run sample programs through the tiered execution core")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Usage: tierx [options]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Options:")
	flag.PrintDefaults()
}

// loadConfig 配置文件打底, 命令行上显式给出的开关覆盖之
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "tier2":
			cfg.Tier2.Enabled = *tier2
		case "specialize":
			cfg.Specialization.Enabled = *specialize
		case "stitch":
			cfg.Tier2.Stitch = *stitch
		case "log":
			cfg.Log.Level = *logLevel
		}
	})
	return cfg, cfg.Validate()
}

func formatArgs(args []bytecode.Value) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if a.IsString() {
			parts[i] = fmt.Sprintf("%q", a.AsString())
			continue
		}
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}

func printStats(rt *runtime.Runtime) {
	s := rt.Stats()
	fmt.Println("=== Stats ===")
	fmt.Printf("  specializations   %d (failures %d, misses %d)\n", s.Specializations, s.SpecializationFailures, s.SpecializationMisses)
	fmt.Printf("  errors handled    %d\n", s.ErrorsHandled)
	fmt.Printf("  traces            started %d, installed %d, discarded %d, aborted %d, invalidated %d, freed %d\n",
		s.TracesStarted, s.TracesInstalled, s.TracesDiscarded, s.TracesAborted, s.TracesInvalidated, s.TracesFreed)
	fmt.Printf("  trace execution   entries %d, exits %d, deopts %d, errors %d, handoffs %d\n",
		s.TraceEntries, s.TraceExits, s.TraceDeopts, s.TraceErrors, s.StitchHandoffs)
	for _, t := range rt.Traces() {
		fmt.Printf("  trace %s %s@%d  %d uops  deopts=%d stitched=%v\n", t.ID, t.Code, t.Start, t.UOps, t.Deopts, t.Stitched)
	}
}
