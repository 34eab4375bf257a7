// Package proc manages guest processes and their threads.
//
// A Process owns one address space, the exclusive monitor shared by its
// threads, a region of thread-local storage slots at the top of the address
// space and a cursor that places successively loaded executable images.
// Each Thread runs on its own locked host thread.
package proc

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/armhle/config"
	"github.com/sarchlab/armhle/emu"
	"github.com/sarchlab/armhle/loader"
	"github.com/sarchlab/armhle/memory"
)

var (
	// ErrNoTLSSlot is returned when every assignable TLS slot is in use.
	ErrNoTLSSlot = errors.New("no free TLS slot")

	// ErrProcessStopped is returned when creating threads after StopAll.
	ErrProcessStopped = errors.New("process stopped")

	// ErrNoImage is returned by Run when nothing has been loaded.
	ErrNoImage = errors.New("no executable loaded")
)

// heapAlign is the alignment of the heap base.
const heapAlign = 1 << 30

// stopPollInterval is how often StopAll repeats its stop request.
const stopPollInterval = time.Millisecond

// FaultFunc is called when a thread dies of a fatal memory fault.
type FaultFunc func(t *Thread, err error)

// Process is a guest process.
type Process struct {
	id      uint64
	cfg     *config.Config
	space   *memory.Space
	monitor *memory.ExclusiveMonitor
	logger  logr.Logger

	onFault          FaultFunc
	syscallHandler   emu.SyscallHandler
	undefinedHandler emu.UndefinedHandler

	tlsBase   uint64
	threadIDs *idPool

	mu         sync.Mutex
	tlsSlots   []*Thread
	threads    map[uint64]*Thread
	images     []*loader.Executable
	entries    []uint64
	imageBase  uint64
	mainThread *Thread
	stopped    bool
}

// ProcessOption is a functional option for configuring a Process.
type ProcessOption func(*Process)

// WithConfig sets the process configuration. The config is cloned.
func WithConfig(cfg *config.Config) ProcessOption {
	return func(p *Process) {
		p.cfg = cfg.Clone()
	}
}

// WithLogger sets the logger of the process, its address space and threads.
func WithLogger(logger logr.Logger) ProcessOption {
	return func(p *Process) {
		p.logger = logger
	}
}

// WithFaultFunc sets the supervisor called when a thread faults.
func WithFaultFunc(f FaultFunc) ProcessOption {
	return func(p *Process) {
		p.onFault = f
	}
}

// WithSyscallHandler sets the supervisor-call handler of every thread.
func WithSyscallHandler(handler emu.SyscallHandler) ProcessOption {
	return func(p *Process) {
		p.syscallHandler = handler
	}
}

// WithUndefinedHandler sets the undefined-instruction handler of every
// thread.
func WithUndefinedHandler(handler emu.UndefinedHandler) ProcessOption {
	return func(p *Process) {
		p.undefinedHandler = handler
	}
}

// NewProcess boots a process: it creates the arena and address space and
// maps the TLS region.
func NewProcess(id uint64, opts ...ProcessOption) (*Process, error) {
	p := &Process{
		id:      id,
		cfg:     config.Default(),
		monitor: memory.NewExclusiveMonitor(),
		logger:  logr.Discard(),
		threads: make(map[uint64]*Thread),
	}

	for _, opt := range opts {
		opt(p)
	}

	if err := p.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if p.onFault == nil {
		p.onFault = func(t *Thread, err error) {
			p.logger.Error(err, "thread faulted", "thread", t.ID())
		}
	}

	spaceOpts := []memory.SpaceOption{memory.WithLogger(p.logger.WithName("space"))}
	if p.cfg.LegacyLowAddressFallback {
		spaceOpts = append(spaceOpts, memory.WithLegacyLowAddressFallback(p.cfg.LegacyLowAddressLimit))
	}

	p.space = memory.NewSpace(memory.NewAllocator(p.cfg.ArenaSize), spaceOpts...)
	p.tlsSlots = make([]*Thread, p.cfg.TLSSlots)
	p.threadIDs = newIDPool(1)
	p.imageBase = p.cfg.ImageBase

	tlsTotal := uint64(p.cfg.TLSSlots) * p.cfg.TLSSize
	p.tlsBase = (memory.AddrSize - tlsTotal) &^ memory.PageMask

	if err := p.space.MapAndAllocate(p.tlsBase, tlsTotal, memory.TagThreadLocal, memory.PermRW); err != nil {
		return nil, fmt.Errorf("failed to map TLS region: %w", err)
	}

	p.logger.Info("process booted",
		"pid", id,
		"arena", p.cfg.ArenaSize,
		"tls", fmt.Sprintf("0x%X", p.tlsBase))

	return p, nil
}

// ID returns the process id.
func (p *Process) ID() uint64 {
	return p.id
}

// Space returns the address space of the process.
func (p *Process) Space() *memory.Space {
	return p.space
}

// Monitor returns the exclusive monitor shared by the threads.
func (p *Process) Monitor() *memory.ExclusiveMonitor {
	return p.monitor
}

// Config returns the process configuration.
func (p *Process) Config() *config.Config {
	return p.cfg
}

// SetSyscallHandler replaces the supervisor-call handler given to threads
// created from now on.
func (p *Process) SetSyscallHandler(handler emu.SyscallHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.syscallHandler = handler
}

// TLSBase returns the address of TLS slot 0.
func (p *Process) TLSBase() uint64 {
	return p.tlsBase
}

// ImageBase returns where the next image will be placed.
func (p *Process) ImageBase() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.imageBase
}

// Images returns the executables loaded so far.
func (p *Process) Images() []*loader.Executable {
	p.mu.Lock()
	defer p.mu.Unlock()

	return slices.Clone(p.images)
}

// LoadImage places img at the image base cursor and advances the cursor to
// the page after the image.
func (p *Process) LoadImage(img *loader.Image) (*loader.Executable, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	exe, err := loader.NewExecutable(img, p.space, p.imageBase)
	if err != nil {
		return nil, fmt.Errorf("failed to load image at 0x%X: %w", p.imageBase, err)
	}

	p.images = append(p.images, exe)
	p.entries = append(p.entries, exe.ImageBase)
	p.imageBase = memory.PageRoundUp(exe.ImageEnd)

	p.logger.V(1).Info("image loaded",
		"base", fmt.Sprintf("0x%X", exe.ImageBase),
		"end", fmt.Sprintf("0x%X", exe.ImageEnd))

	return exe, nil
}

// LoadProgram stages an ELF program at its link addresses. The cursor moves
// past the program if it ends above it.
func (p *Process) LoadProgram(prog *loader.Program) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := prog.Stage(p.space); err != nil {
		return fmt.Errorf("failed to stage program: %w", err)
	}

	p.entries = append(p.entries, prog.EntryPoint)
	p.imageBase = max(p.imageBase, prog.End())

	return nil
}

// SetEmptyArgs reserves an empty argument page after the loaded images.
func (p *Process) SetEmptyArgs() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.imageBase += memory.PageSize
}

// InitializeHeap places the heap at the first 1GB boundary at or above the
// image base cursor.
func (p *Process) InitializeHeap() error {
	p.mu.Lock()
	base := (p.imageBase + heapAlign - 1) &^ (heapAlign - 1)
	p.mu.Unlock()

	if !p.space.SetHeapAddr(base) {
		return fmt.Errorf("heap already placed at 0x%X", p.space.HeapAddr())
	}

	return nil
}

// Run maps the main stack below the TLS region and starts the main thread at
// the entry of the first loaded program.
func (p *Process) Run(ctx context.Context) (*Thread, error) {
	p.mu.Lock()
	if len(p.entries) == 0 {
		p.mu.Unlock()
		return nil, ErrNoImage
	}
	entry := p.entries[0]
	p.mu.Unlock()

	stackBottom := p.tlsBase - p.cfg.StackSize
	if err := p.space.MapAndAllocate(stackBottom, p.cfg.StackSize, memory.TagNormal, memory.PermRW); err != nil {
		return nil, fmt.Errorf("failed to map main stack: %w", err)
	}

	t, err := p.NewThread(entry, p.tlsBase, 0, MainThreadPriority)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.mainThread = t
	p.mu.Unlock()

	if err := t.Start(ctx); err != nil {
		return nil, err
	}

	return t, nil
}

// MainThread returns the thread started by Run, or nil.
func (p *Process) MainThread() *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.mainThread
}

// NewThread creates a thread that will start at entry with the given stack
// top and argument pointer. It takes the lowest free TLS slot above slot 0.
//
// NewThread maps no stack. The caller must have mapped the memory below
// stackTop; only Run maps a stack, for the main thread.
func (p *Process) NewThread(entry, stackTop, argsPtr uint64, priority int) (*Thread, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil, ErrProcessStopped
	}

	slot := slices.Index(p.tlsSlots[1:], nil) + 1
	if slot == 0 {
		return nil, ErrNoTLSSlot
	}

	id := p.threadIDs.get()

	regs := emu.NewRegFile(p.cfg.CoreType())
	regs.ProcessID = p.id
	regs.ThreadID = id
	regs.TPIDRRO = p.tlsBase + uint64(slot)*p.cfg.TLSSize
	regs.PC = entry
	regs.SP = stackTop
	regs.WriteReg(0, argsPtr)
	regs.WriteReg(1, id)

	t := &Thread{
		proc:     p,
		regs:     regs,
		entry:    entry,
		priority: priority,
		slot:     slot,
		done:     make(chan struct{}),
		logger:   p.logger.WithValues("thread", id),

		syscallHandler:   p.syscallHandler,
		undefinedHandler: p.undefinedHandler,
	}

	p.tlsSlots[slot] = t
	p.threads[id] = t

	return t, nil
}

// Threads returns the live threads ordered by id.
func (p *Process) Threads() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := slices.Sorted(maps.Keys(p.threads))

	threads := make([]*Thread, 0, len(ids))
	for _, id := range ids {
		threads = append(threads, p.threads[id])
	}

	return threads
}

// release frees the TLS slot and id of a finished thread.
func (p *Process) release(t *Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tlsSlots[t.slot] = nil
	delete(p.threads, t.ID())
	p.threadIDs.put(t.ID())
}

// StopAll refuses new threads, then repeatedly asks every thread to stop
// until none is alive. It returns early if ctx is cancelled.
func (p *Process) StopAll(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)

	for _, t := range p.Threads() {
		g.Go(func() error {
			ticker := time.NewTicker(stopPollInterval)
			defer ticker.Stop()

			for {
				t.Stop()

				if !t.Alive() {
					return nil
				}

				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-t.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}

	return g.Wait()
}
