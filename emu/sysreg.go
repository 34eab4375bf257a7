package emu

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSysReg is returned for system registers a user-mode program cannot
// access.
var ErrInvalidSysReg = errors.New("invalid system register")

// SysReg is a packed system register id: op2 | CRm<<3 | CRn<<7 | op1<<11 |
// op0<<14.
type SysReg uint16

// PackSysReg builds a system register id from its encoding fields.
func PackSysReg(op0, op1, crn, crm, op2 uint16) SysReg {
	return SysReg(op2 | crm<<3 | crn<<7 | op1<<11 | op0<<14)
}

// System registers reachable from EL0.
var (
	SysRegCTR     = PackSysReg(3, 3, 0, 0, 1)
	SysRegDCZID   = PackSysReg(3, 3, 0, 0, 7)
	SysRegNZCV    = PackSysReg(3, 3, 4, 2, 0)
	SysRegFPCR    = PackSysReg(3, 3, 4, 4, 0)
	SysRegFPSR    = PackSysReg(3, 3, 4, 4, 1)
	SysRegTPIDR   = PackSysReg(3, 3, 13, 0, 2)
	SysRegTPIDRRO = PackSysReg(3, 3, 13, 0, 3)
	SysRegCNTFRQ  = PackSysReg(3, 3, 14, 0, 0)
	SysRegCNTPCT  = PackSysReg(3, 3, 14, 0, 1)
	SysRegCNTVCT  = PackSysReg(3, 3, 14, 0, 2)
)

// Identification values.
const (
	ctrCortexA53 = 0x84448004
	ctrCortexA57 = 0x8444C004

	// dczid reports 64-byte DC ZVA blocks.
	dczid = 4

	// CounterFrequency is the frequency of the virtual counter in Hz.
	CounterFrequency = 19_200_000
)

// Ticks returns the virtual counter: time since the register file was created
// at 19.2MHz.
func (r *RegFile) Ticks() uint64 {
	if r.epoch.IsZero() {
		r.epoch = time.Now()
	}

	// 19.2 ticks per microsecond is 12 ticks per 625 nanoseconds.
	return uint64(time.Since(r.epoch)) / 625 * 12
}

// ReadSysReg reads a system register.
func (r *RegFile) ReadSysReg(id SysReg) (uint64, error) {
	switch id {
	case SysRegCTR:
		if r.Core == CortexA57 {
			return ctrCortexA57, nil
		}
		return ctrCortexA53, nil
	case SysRegDCZID:
		return dczid, nil
	case SysRegNZCV:
		return r.PSTATE.NZCV(), nil
	case SysRegFPCR:
		return r.FPCR, nil
	case SysRegFPSR:
		return r.FPSR, nil
	case SysRegTPIDR:
		return r.TPIDR, nil
	case SysRegTPIDRRO:
		return r.TPIDRRO, nil
	case SysRegCNTFRQ:
		return CounterFrequency, nil
	case SysRegCNTPCT, SysRegCNTVCT:
		return r.Ticks(), nil
	default:
		return 0, fmt.Errorf("read of 0x%04X: %w", uint16(id), ErrInvalidSysReg)
	}
}

// WriteSysReg writes a system register. Identification registers, counters
// and TPIDRRO_EL0 are read-only.
func (r *RegFile) WriteSysReg(id SysReg, value uint64) error {
	switch id {
	case SysRegNZCV:
		r.PSTATE.SetNZCV(value)
	case SysRegFPCR:
		r.FPCR = value
	case SysRegFPSR:
		r.FPSR = value
	case SysRegTPIDR:
		r.TPIDR = value
	default:
		return fmt.Errorf("write of 0x%04X: %w", uint16(id), ErrInvalidSysReg)
	}

	return nil
}
