package emu

import (
	"io"
	"sync"

	"github.com/sarchlab/armhle/insts"
	"github.com/sarchlab/armhle/memory"
)

// ARM64 Linux syscall numbers.
const (
	SyscallRead      uint64 = 63 // read(fd, buf, count)
	SyscallWrite     uint64 = 64 // write(fd, buf, count)
	SyscallExit      uint64 = 93 // exit(status)
	SyscallExitGroup uint64 = 94 // exit_group(status)
)

// Linux error codes.
const (
	EIO    = 5  // I/O error
	EBADF  = 9  // Bad file descriptor
	EFAULT = 14 // Bad address
	ENOSYS = 38 // Function not implemented
)

// SyscallResult represents the result of a trap handler.
type SyscallResult struct {
	// Exited is true if the guest thread must terminate.
	Exited bool

	// ExitCode is the exit status if Exited is true.
	ExitCode int64
}

// SyscallHandler handles supervisor calls.
type SyscallHandler interface {
	// Handle executes the supervisor call with immediate imm. PC already
	// points past the SVC instruction.
	Handle(regs *RegFile, imm uint32) SyscallResult
}

// SyscallFunc adapts a function to SyscallHandler.
type SyscallFunc func(regs *RegFile, imm uint32) SyscallResult

// Handle calls f.
func (f SyscallFunc) Handle(regs *RegFile, imm uint32) SyscallResult {
	return f(regs, imm)
}

// UndefinedHandler handles undefined-instruction traps.
type UndefinedHandler interface {
	// HandleUndefined is called with PC at the offending instruction. If the
	// handler leaves PC unchanged, execution resumes after the instruction.
	HandleUndefined(regs *RegFile, inst *insts.Instruction) SyscallResult
}

// UndefinedFunc adapts a function to UndefinedHandler.
type UndefinedFunc func(regs *RegFile, inst *insts.Instruction) SyscallResult

// HandleUndefined calls f.
func (f UndefinedFunc) HandleUndefined(regs *RegFile, inst *insts.Instruction) SyscallResult {
	return f(regs, inst)
}

// haltOnUndefined terminates the thread on any undefined instruction.
var haltOnUndefined = UndefinedFunc(func(*RegFile, *insts.Instruction) SyscallResult {
	return SyscallResult{Exited: true, ExitCode: -1}
})

// LinuxSyscalls implements the handful of Linux syscalls needed to run small
// static test programs.
//
// ARM64 Linux syscall convention:
//   - Syscall number in X8
//   - Arguments in X0-X5
//   - Return value in X0, -errno on failure
type LinuxSyscalls struct {
	acc *memory.Accessor

	mu     sync.Mutex
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// NewLinuxSyscalls creates a syscall handler that moves data through space.
func NewLinuxSyscalls(space *memory.Space, stdout, stderr io.Writer) *LinuxSyscalls {
	return &LinuxSyscalls{
		acc:    memory.NewAccessor(space),
		stdout: stdout,
		stderr: stderr,
	}
}

// SetStdin sets the stdin reader for the syscall handler.
func (h *LinuxSyscalls) SetStdin(stdin io.Reader) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stdin = stdin
}

// Handle executes the syscall indicated by the register file state.
func (h *LinuxSyscalls) Handle(regs *RegFile, _ uint32) SyscallResult {
	switch regs.ReadReg(8) {
	case SyscallRead:
		return h.handleRead(regs)
	case SyscallWrite:
		return h.handleWrite(regs)
	case SyscallExit, SyscallExitGroup:
		return SyscallResult{Exited: true, ExitCode: int64(int32(regs.ReadReg(0)))}
	default:
		setError(regs, ENOSYS)
		return SyscallResult{}
	}
}

// ioChunk bounds the host buffer of one read and the unit of guest memory
// copied per step of a write.
const ioChunk = memory.PageSize

// handleRead reads at most one chunk per call. A short count is a valid read
// result.
func (h *LinuxSyscalls) handleRead(regs *RegFile) SyscallResult {
	fd := regs.ReadReg(0)
	bufPtr := regs.ReadReg(1)
	count := regs.ReadReg(2)

	if fd != 0 {
		setError(regs, EBADF)
		return SyscallResult{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stdin == nil {
		regs.WriteReg(0, 0)
		return SyscallResult{}
	}

	buf := make([]byte, min(count, ioChunk))
	n, err := h.stdin.Read(buf)
	if err != nil && n == 0 {
		regs.WriteReg(0, 0)
		return SyscallResult{}
	}

	if err := h.acc.WriteBytes(bufPtr, buf[:n]); err != nil {
		setError(regs, EFAULT)
		return SyscallResult{}
	}

	regs.WriteReg(0, uint64(n))
	return SyscallResult{}
}

// handleWrite copies guest memory to the host writer page by page. If a page
// faults after some bytes went out, the call returns the short count.
func (h *LinuxSyscalls) handleWrite(regs *RegFile) SyscallResult {
	fd := regs.ReadReg(0)
	bufPtr := regs.ReadReg(1)
	count := regs.ReadReg(2)

	h.mu.Lock()
	defer h.mu.Unlock()

	var writer io.Writer
	switch fd {
	case 1:
		writer = h.stdout
	case 2:
		writer = h.stderr
	default:
		setError(regs, EBADF)
		return SyscallResult{}
	}

	var written uint64
	for written < count {
		pos := bufPtr + written
		chunk := min(count-written, ioChunk-pos&memory.PageMask)

		buf, err := h.acc.ReadBytes(pos, chunk)
		if err != nil {
			if written == 0 {
				setError(regs, EFAULT)
				return SyscallResult{}
			}
			break
		}

		n, err := writer.Write(buf)
		written += uint64(n)
		if err != nil {
			if written == 0 {
				setError(regs, EIO)
				return SyscallResult{}
			}
			break
		}
	}

	regs.WriteReg(0, written)
	return SyscallResult{}
}

// setError sets X0 to -errno (as two's complement).
func setError(regs *RegFile, errno int) {
	regs.WriteReg(0, uint64(-int64(errno)))
}
