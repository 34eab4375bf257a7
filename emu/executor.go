package emu

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/sarchlab/armhle/cfg"
	"github.com/sarchlab/armhle/insts"
	"github.com/sarchlab/armhle/memory"
)

var (
	// ErrStopped is returned by Run when the stop flag was observed.
	ErrStopped = errors.New("execution stopped")

	// ErrInstructionLimit is returned by Run when the instruction budget is
	// exhausted.
	ErrInstructionLimit = errors.New("instruction limit reached")
)

// Executor runs guest code one basic block at a time. Blocks come from
// cfg.Builder and are cached by start address until the address space
// changes.
//
// An Executor belongs to one guest thread and is not safe for concurrent use.
type Executor struct {
	regFile *RegFile
	acc     *memory.Accessor
	monitor *memory.ExclusiveMonitor
	builder *cfg.Builder

	// subroutines holds the entry points decoded so far.
	subroutines map[uint64]struct{}
	blocks      map[uint64]*cfg.Block
	generation  uint64

	syscallHandler   SyscallHandler
	undefinedHandler UndefinedHandler

	alu        *ALU
	lsu        *LoadStoreUnit
	branchUnit *BranchUnit

	logger logr.Logger
	stop   func() bool

	instructionCount uint64
	maxInstructions  uint64 // 0 means no limit
}

// ExecutorOption is a functional option for configuring the Executor.
type ExecutorOption func(*Executor)

// WithSyscallHandler sets the supervisor-call handler.
func WithSyscallHandler(handler SyscallHandler) ExecutorOption {
	return func(e *Executor) {
		e.syscallHandler = handler
	}
}

// WithUndefinedHandler sets the undefined-instruction handler. Without one,
// an undefined instruction ends the thread with exit code -1.
func WithUndefinedHandler(handler UndefinedHandler) ExecutorOption {
	return func(e *Executor) {
		e.undefinedHandler = handler
	}
}

// WithMaxInstructions sets the maximum number of instructions to execute.
// A value of 0 means no limit.
func WithMaxInstructions(max uint64) ExecutorOption {
	return func(e *Executor) {
		e.maxInstructions = max
	}
}

// WithStopFlag sets a predicate polled between blocks. Run returns
// ErrStopped once it reports true.
func WithStopFlag(stop func() bool) ExecutorOption {
	return func(e *Executor) {
		e.stop = stop
	}
}

// WithLogger sets the logger of the executor and its block builder.
func WithLogger(logger logr.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates an executor for the thread owning regFile.
func NewExecutor(
	regFile *RegFile,
	acc *memory.Accessor,
	monitor *memory.ExclusiveMonitor,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		regFile:          regFile,
		acc:              acc,
		monitor:          monitor,
		subroutines:      make(map[uint64]struct{}),
		blocks:           make(map[uint64]*cfg.Block),
		syscallHandler:   SyscallFunc(unsupportedSyscall),
		undefinedHandler: haltOnUndefined,
		logger:           logr.Discard(),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.builder = cfg.NewBuilder(acc,
		cfg.WithKnownSubroutine(e.isKnownSubroutine),
		cfg.WithLogger(e.logger))

	e.alu = NewALU(regFile)
	e.lsu = NewLoadStoreUnit(regFile, acc, monitor)
	e.branchUnit = NewBranchUnit(regFile)
	e.generation = acc.Space().Generation()

	return e
}

func unsupportedSyscall(regs *RegFile, _ uint32) SyscallResult {
	setError(regs, ENOSYS)
	return SyscallResult{}
}

// RegFile returns the executor's register file.
func (e *Executor) RegFile() *RegFile {
	return e.regFile
}

// InstructionCount returns the number of instructions executed.
func (e *Executor) InstructionCount() uint64 {
	return e.instructionCount
}

// SubroutineCount returns the number of subroutines decoded since the last
// cache flush.
func (e *Executor) SubroutineCount() int {
	return len(e.subroutines)
}

func (e *Executor) isKnownSubroutine(addr uint64) bool {
	_, ok := e.subroutines[addr]
	return ok
}

// Run executes from the current PC until the thread exits, the context is
// cancelled, the stop flag is raised or a fatal memory fault occurs.
func (e *Executor) Run(ctx context.Context) (int64, error) {
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		if e.stop != nil && e.stop() {
			return 0, ErrStopped
		}

		result, err := e.RunBlock()
		if err != nil {
			return 0, err
		}

		if result.Exited {
			return result.ExitCode, nil
		}
	}
}

// RunBlock executes the block at the current PC.
func (e *Executor) RunBlock() (SyscallResult, error) {
	blk := e.blockAt(e.regFile.PC)

	for _, inst := range blk.Instructions {
		e.regFile.PC = inst.Address

		if e.maxInstructions > 0 && e.instructionCount >= e.maxInstructions {
			return SyscallResult{}, ErrInstructionLimit
		}

		if blk.Faulted && inst == blk.Terminator() {
			return SyscallResult{}, e.refetch(inst.Address)
		}

		result, leave, err := e.execute(inst)
		if err != nil {
			return SyscallResult{}, fmt.Errorf("failed to execute instruction at 0x%X: %w", inst.Address, err)
		}

		e.instructionCount++

		if result.Exited || leave {
			return result, nil
		}
	}

	// A block split off a longer one falls through into its successor.
	e.regFile.PC = blk.End

	return SyscallResult{}, nil
}

// refetch repeats the instruction fetch that failed while decoding. If the
// page has been mapped since, the stale blocks are dropped and execution
// resumes at addr.
func (e *Executor) refetch(addr uint64) error {
	if _, err := e.acc.Fetch32(addr); err != nil {
		return fmt.Errorf("failed to fetch instruction at 0x%X: %w", addr, err)
	}

	e.flush()

	return nil
}

// blockAt returns the cached block starting at pc, decoding a new subroutine
// rooted at pc if there is none.
func (e *Executor) blockAt(pc uint64) *cfg.Block {
	if gen := e.acc.Space().Generation(); gen != e.generation {
		e.flush()
		e.generation = gen
	}

	if blk, ok := e.blocks[pc]; ok {
		return blk
	}

	blocks, root := e.builder.DecodeSubroutine(pc)
	e.subroutines[pc] = struct{}{}

	for _, blk := range blocks {
		if _, ok := e.blocks[blk.Start]; !ok {
			e.blocks[blk.Start] = blk
		}
	}

	e.logger.V(2).Info("decoded subroutine",
		"entry", fmt.Sprintf("0x%X", pc),
		"blocks", len(blocks))

	return root
}

func (e *Executor) flush() {
	clear(e.blocks)
	clear(e.subroutines)
}

// execute runs one instruction. leave is set when control left the block.
func (e *Executor) execute(inst *insts.Instruction) (result SyscallResult, leave bool, err error) {
	switch inst.Class {
	case insts.ClassBranch, insts.ClassCondBranch, insts.ClassCall, insts.ClassIndirect:
		e.branchUnit.Execute(inst)
		return SyscallResult{}, true, nil

	case insts.ClassSyscall:
		e.regFile.PC = inst.Next()
		return e.syscallHandler.Handle(e.regFile, uint32(inst.Imm)), true, nil

	case insts.ClassUndefined:
		result, _ = e.trap(inst)
		return result, true, nil
	}

	switch inst.Format {
	case insts.FormatDPImm:
		e.alu.ExecuteDPImm(inst)
	case insts.FormatDPReg:
		e.alu.ExecuteDPReg(inst)
	case insts.FormatMoveWide:
		e.alu.ExecuteMoveWide(inst)
	case insts.FormatLoadStoreImm, insts.FormatLoadStoreExcl:
		err = e.lsu.Execute(inst)
	case insts.FormatSystem:
		return e.executeSystem(inst)
	default:
		result, leave = e.trap(inst)
	}

	return result, leave, err
}

func (e *Executor) executeSystem(inst *insts.Instruction) (SyscallResult, bool, error) {
	var err error

	switch inst.Op {
	case insts.OpCLREX:
		return SyscallResult{}, false, e.lsu.Execute(inst)
	case insts.OpMRS:
		var v uint64
		v, err = e.regFile.ReadSysReg(SysReg(inst.SysReg))
		if err == nil {
			e.regFile.WriteReg(inst.Rd, v)
		}
	case insts.OpMSR:
		err = e.regFile.WriteSysReg(SysReg(inst.SysReg), e.regFile.ReadReg(inst.Rd))
	}

	if errors.Is(err, ErrInvalidSysReg) {
		e.logger.V(1).Info("system register access trapped",
			"pc", fmt.Sprintf("0x%X", inst.Address), "err", err.Error())

		result, leave := e.trap(inst)

		return result, leave, nil
	}

	return SyscallResult{}, false, err
}

// trap delivers inst to the undefined-instruction handler with PC at inst. If
// the handler leaves PC alone, execution continues after inst; otherwise
// control leaves the block.
func (e *Executor) trap(inst *insts.Instruction) (SyscallResult, bool) {
	e.regFile.PC = inst.Address

	result := e.undefinedHandler.HandleUndefined(e.regFile, inst)
	if result.Exited {
		return result, true
	}

	if e.regFile.PC != inst.Address {
		return result, true
	}

	e.regFile.PC = inst.Next()

	return result, inst.IsTerminator()
}
