package proc

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/sarchlab/armhle/emu"
	"github.com/sarchlab/armhle/memory"
)

// ErrThreadStarted is returned when starting a thread twice.
var ErrThreadStarted = errors.New("thread already started")

// ThreadState is the lifecycle state of a Thread.
type ThreadState int32

// Thread states.
const (
	ThreadCreated ThreadState = iota
	ThreadRunning
	ThreadFinished
)

func (s ThreadState) String() string {
	switch s {
	case ThreadCreated:
		return "created"
	case ThreadRunning:
		return "running"
	case ThreadFinished:
		return "finished"
	default:
		return "invalid"
	}
}

// Thread is a guest thread of a Process.
type Thread struct {
	proc   *Process
	regs   *emu.RegFile
	logger logr.Logger

	entry    uint64
	priority int
	slot     int

	syscallHandler   emu.SyscallHandler
	undefinedHandler emu.UndefinedHandler

	state   atomic.Int32
	stopReq atomic.Bool
	count   atomic.Uint64

	done chan struct{}

	exitCode int64
	err      error
}

// ID returns the guest thread id.
func (t *Thread) ID() uint64 {
	return t.regs.ThreadID
}

// Handle returns the handle passed to the thread in X1.
func (t *Thread) Handle() uint64 {
	return t.regs.ThreadID
}

// Entry returns the address the thread starts at.
func (t *Thread) Entry() uint64 {
	return t.entry
}

// Priority returns the guest priority of the thread.
func (t *Thread) Priority() int {
	return t.priority
}

// TLSAddr returns the address of the thread's TLS slot.
func (t *Thread) TLSAddr() uint64 {
	return t.regs.TPIDRRO
}

// Registers returns the register file. It must not be touched while the
// thread is running.
func (t *Thread) Registers() *emu.RegFile {
	return t.regs
}

// State returns the lifecycle state.
func (t *Thread) State() ThreadState {
	return ThreadState(t.state.Load())
}

// Alive reports whether the thread has not finished yet.
func (t *Thread) Alive() bool {
	return t.State() != ThreadFinished
}

// Done returns a channel closed when the thread has finished.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}

// InstructionCount returns the instructions executed so far. It is updated
// when the thread finishes.
func (t *Thread) InstructionCount() uint64 {
	return t.count.Load()
}

// Stop asks the thread to stop at the next block boundary. A thread that was
// never started finishes immediately.
func (t *Thread) Stop() {
	t.stopReq.Store(true)

	if t.state.CompareAndSwap(int32(ThreadCreated), int32(ThreadFinished)) {
		t.err = emu.ErrStopped
		t.teardown()
	}
}

// Wait blocks until the thread finishes and returns its exit code. A thread
// ended by Stop returns emu.ErrStopped.
func (t *Thread) Wait(ctx context.Context) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-t.done:
		return t.exitCode, t.err
	}
}

// Start runs the thread on a dedicated, locked host thread.
func (t *Thread) Start(ctx context.Context) error {
	if !t.state.CompareAndSwap(int32(ThreadCreated), int32(ThreadRunning)) {
		return fmt.Errorf("thread %d: %w", t.ID(), ErrThreadStarted)
	}

	go t.run(ctx)

	return nil
}

func (t *Thread) run(ctx context.Context) {
	// The OS thread is left locked so that the runtime discards it, along
	// with its nice value, when this goroutine exits.
	runtime.LockOSThread()

	host := HostPriorityOf(t.priority)
	if err := applyHostPriority(host); err != nil {
		t.logger.V(1).Info("failed to set host priority",
			"priority", host.String(), "err", err.Error())
	}

	p := t.proc
	cfg := p.cfg

	acc := memory.NewAccessor(p.space, memory.WithTLB(cfg.TLBSets, cfg.TLBWays))

	opts := []emu.ExecutorOption{
		emu.WithMaxInstructions(cfg.MaxInstructions),
		emu.WithStopFlag(t.stopReq.Load),
		emu.WithLogger(t.logger),
	}
	if t.syscallHandler != nil {
		opts = append(opts, emu.WithSyscallHandler(t.syscallHandler))
	}
	if t.undefinedHandler != nil {
		opts = append(opts, emu.WithUndefinedHandler(t.undefinedHandler))
	}

	exec := emu.NewExecutor(t.regs, acc, p.monitor, opts...)

	t.logger.V(1).Info("thread started",
		"entry", fmt.Sprintf("0x%X", t.entry),
		"priority", t.priority)

	t.exitCode, t.err = exec.Run(ctx)
	t.count.Store(exec.InstructionCount())

	if memory.IsFatal(t.err) {
		p.onFault(t, t.err)
	}

	t.logger.V(1).Info("thread finished",
		"exit", t.exitCode,
		"instructions", exec.InstructionCount())

	t.state.Store(int32(ThreadFinished))
	t.teardown()
}

// teardown drops the thread's reservation and returns its TLS slot and id.
func (t *Thread) teardown() {
	t.proc.monitor.RemoveThread(t.ID())
	t.proc.release(t)
	close(t.done)
}
