// Package emu provides the ARM64 guest execution state and a reference block
// executor.
//
// The package holds the per-thread register file (general-purpose, vector and
// system registers), the supervisor-call and undefined-instruction callback
// types, a small Linux syscall handler, and an Executor that runs control-flow
// graphs produced by package cfg against a memory.Accessor.
package emu

import (
	"fmt"
	"time"

	"github.com/sarchlab/armhle/memory"
)

// CoreType selects the emulated CPU model. It only affects identification
// registers.
type CoreType uint8

// Supported core types.
const (
	CortexA53 CoreType = iota
	CortexA57
)

// String returns the name of the core.
func (c CoreType) String() string {
	switch c {
	case CortexA53:
		return "cortex-a53"
	case CortexA57:
		return "cortex-a57"
	default:
		return "unknown"
	}
}

// ParseCoreType returns the core type with the given name.
func ParseCoreType(name string) (CoreType, error) {
	switch name {
	case "cortex-a53":
		return CortexA53, nil
	case "cortex-a57":
		return CortexA57, nil
	default:
		return 0, fmt.Errorf("unknown core type %q", name)
	}
}

// RegFile represents the ARM64 register file of one guest thread.
// It contains 31 general-purpose registers (X0-X30), the stack pointer (SP),
// the program counter (PC), 32 vector registers and the system registers a
// user-mode program can reach.
type RegFile struct {
	// X holds general-purpose registers X0-X30.
	// X[31] is the zero register (XZR) which always reads as 0.
	X [32]uint64

	// SP is the stack pointer.
	SP uint64

	// PC is the program counter.
	PC uint64

	// PSTATE holds the processor state flags.
	PSTATE PSTATE

	// V holds the 128-bit vector registers V0-V31.
	V [32]memory.Vec128

	// TPIDR is TPIDR_EL0, the guest-writable thread pointer.
	TPIDR uint64
	// TPIDRRO is TPIDR_EL0's read-only sibling, holding the TLS address.
	TPIDRRO uint64

	FPCR uint64
	FPSR uint64

	// ProcessID and ThreadID identify the owning guest thread.
	ProcessID uint64
	ThreadID  uint64

	Core CoreType

	// epoch is the reference point of the virtual counter.
	epoch time.Time
}

// PSTATE represents the processor state flags.
type PSTATE struct {
	// N is the negative flag.
	N bool
	// Z is the zero flag.
	Z bool
	// C is the carry flag.
	C bool
	// V is the overflow flag.
	V bool
}

// NZCV packs the flags into the layout of the NZCV system register.
func (p PSTATE) NZCV() uint64 {
	var v uint64
	if p.N {
		v |= 1 << 31
	}
	if p.Z {
		v |= 1 << 30
	}
	if p.C {
		v |= 1 << 29
	}
	if p.V {
		v |= 1 << 28
	}
	return v
}

// SetNZCV unpacks the flags from the layout of the NZCV system register.
func (p *PSTATE) SetNZCV(v uint64) {
	p.N = v&(1<<31) != 0
	p.Z = v&(1<<30) != 0
	p.C = v&(1<<29) != 0
	p.V = v&(1<<28) != 0
}

// NewRegFile creates a zeroed register file for the given core. The virtual
// counter starts at zero now.
func NewRegFile(core CoreType) *RegFile {
	return &RegFile{
		Core:  core,
		epoch: time.Now(),
	}
}

// ReadReg reads a register value. Register 31 returns 0 (XZR).
// Registers >= 32 return 0.
func (r *RegFile) ReadReg(reg uint8) uint64 {
	if reg >= 31 {
		return 0
	}
	return r.X[reg]
}

// ReadRegOrSP reads a register value, treating register 31 as SP (not XZR).
// This is used by address computations and ADD/SUB immediate, where Rn=31
// means SP.
func (r *RegFile) ReadRegOrSP(reg uint8) uint64 {
	if reg == 31 {
		return r.SP
	}
	return r.X[reg]
}

// WriteRegOrSP writes a register value, treating register 31 as SP (not XZR).
func (r *RegFile) WriteRegOrSP(reg uint8, value uint64) {
	if reg == 31 {
		r.SP = value
		return
	}
	r.X[reg] = value
}

// WriteReg writes a value to a register. Writes to register 31+ are ignored.
func (r *RegFile) WriteReg(reg uint8, value uint64) {
	if reg >= 31 {
		return
	}
	r.X[reg] = value
}

// ReadReg32 reads the lower 32 bits of a register.
func (r *RegFile) ReadReg32(reg uint8) uint32 {
	return uint32(r.ReadReg(reg))
}

// WriteReg32 writes to the lower 32 bits and zero-extends.
func (r *RegFile) WriteReg32(reg uint8, value uint32) {
	r.WriteReg(reg, uint64(value))
}
