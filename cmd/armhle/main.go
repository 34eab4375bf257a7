// Package main provides the armhle command, which runs a static ARM64 Linux
// ELF binary in user mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"

	"github.com/sarchlab/armhle/cfg"
	"github.com/sarchlab/armhle/config"
	"github.com/sarchlab/armhle/emu"
	"github.com/sarchlab/armhle/loader"
	"github.com/sarchlab/armhle/memory"
	"github.com/sarchlab/armhle/proc"
)

var (
	configPath = flag.String("config", "", "Path to process configuration JSON file")
	verbose    = flag.Int("v", 0, "Log verbosity (0 disables logging)")
	dumpCFG    = flag.Bool("cfg", false, "Print the control-flow graph of the entry subroutine and exit")
	legacy     = flag.Bool("legacy", false, "Let unmapped low-address accesses read zero instead of faulting")
	maxInsts   = flag.Uint64("max-insts", 0, "Stop each thread after this many instructions (0 means no limit)")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: armhle [options] <program.elf>\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	os.Exit(run(flag.Arg(0)))
}

func run(programPath string) int {
	conf := config.Default()
	if *configPath != "" {
		var err error
		conf, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			return 1
		}
	}

	if *legacy {
		conf.LegacyLowAddressFallback = true
	}
	if *maxInsts > 0 {
		conf.MaxInstructions = *maxInsts
	}

	logger := newLogger(*verbose)

	prog, err := loader.Load(programPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading program: %v\n", err)
		return 1
	}

	logger.Info("program loaded",
		"path", programPath,
		"entry", fmt.Sprintf("0x%X", prog.EntryPoint),
		"segments", len(prog.Segments))

	p, err := proc.NewProcess(1,
		proc.WithConfig(conf),
		proc.WithLogger(logger),
		proc.WithFaultFunc(func(t *proc.Thread, err error) {
			fmt.Fprintf(os.Stderr, "Thread %d faulted: %v\n", t.ID(), err)
		}))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating process: %v\n", err)
		return 1
	}

	if err := p.LoadProgram(prog); err != nil {
		fmt.Fprintf(os.Stderr, "Error staging program: %v\n", err)
		return 1
	}

	if *dumpCFG {
		return printCFG(p.Space(), prog.EntryPoint)
	}

	if err := p.InitializeHeap(); err != nil {
		fmt.Fprintf(os.Stderr, "Error placing heap: %v\n", err)
		return 1
	}

	syscalls := emu.NewLinuxSyscalls(p.Space(), os.Stdout, os.Stderr)
	syscalls.SetStdin(os.Stdin)

	return execute(p, syscalls, logger)
}

func execute(p *proc.Process, syscalls *emu.LinuxSyscalls, logger logr.Logger) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	p.SetSyscallHandler(syscalls)

	mainThread, err := p.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting program: %v\n", err)
		return 1
	}

	exitCode, err := mainThread.Wait(context.Background())

	if stopErr := p.StopAll(context.Background()); stopErr != nil {
		logger.Error(stopErr, "failed to stop remaining threads")
	}

	logger.Info("program finished",
		"exit", exitCode,
		"instructions", mainThread.InstructionCount(),
		"memory", p.Space().UsedMemory())

	switch {
	case err == nil:
		return int(exitCode)
	case errors.Is(err, context.Canceled):
		fmt.Fprintf(os.Stderr, "Interrupted\n")
		return 130
	case memory.IsFatal(err):
		return 139
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
}

func printCFG(space *memory.Space, entry uint64) int {
	builder := cfg.NewBuilder(memory.NewAccessor(space))
	blocks, root := builder.DecodeSubroutine(entry)

	if err := cfg.Fprint(os.Stdout, blocks, root); err != nil {
		fmt.Fprintf(os.Stderr, "Error printing CFG: %v\n", err)
		return 1
	}

	return 0
}

func newLogger(verbosity int) logr.Logger {
	if verbosity <= 0 {
		return logr.Discard()
	}

	return funcr.New(func(prefix, args string) {
		if prefix != "" {
			fmt.Fprintf(os.Stderr, "%s: %s\n", prefix, args)
		} else {
			fmt.Fprintln(os.Stderr, args)
		}
	}, funcr.Options{Verbosity: verbosity - 1})
}
