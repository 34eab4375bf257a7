package emu

import "github.com/sarchlab/armhle/insts"

// ALU implements ARM64 arithmetic, logic and move-wide operations.
type ALU struct {
	regFile *RegFile
}

// NewALU creates a new ALU connected to the given register file.
func NewALU(regFile *RegFile) *ALU {
	return &ALU{regFile: regFile}
}

// ExecuteDPImm executes ADD/SUB (immediate). Rn=31 is SP; Rd=31 is SP unless
// the instruction sets flags.
func (a *ALU) ExecuteDPImm(inst *insts.Instruction) {
	imm := inst.Imm << inst.Shift
	op1 := a.regFile.ReadRegOrSP(inst.Rn)

	result := a.addSub(op1, imm, inst.Op == insts.OpSUB, inst.Is64Bit, inst.SetFlags)

	if inst.SetFlags {
		a.regFile.WriteReg(inst.Rd, result)
	} else {
		a.regFile.WriteRegOrSP(inst.Rd, result)
	}
}

// ExecuteDPReg executes ADD/SUB/AND/ORR/EOR (shifted register).
func (a *ALU) ExecuteDPReg(inst *insts.Instruction) {
	op1 := a.regFile.ReadReg(inst.Rn)
	op2 := a.regFile.ReadReg(inst.Rm)

	if inst.Is64Bit {
		op2 = applyShift64(op2, inst.ShiftType, inst.ShiftAmount)
	} else {
		op2 = uint64(applyShift32(uint32(op2), inst.ShiftType, inst.ShiftAmount))
	}

	var result uint64

	switch inst.Op {
	case insts.OpADD, insts.OpSUB:
		result = a.addSub(op1, op2, inst.Op == insts.OpSUB, inst.Is64Bit, inst.SetFlags)
	case insts.OpAND:
		result = op1 & op2
	case insts.OpORR:
		result = op1 | op2
	case insts.OpEOR:
		result = op1 ^ op2
	}

	if !inst.Is64Bit {
		result = uint64(uint32(result))
	}

	if inst.Op == insts.OpAND && inst.SetFlags {
		if inst.Is64Bit {
			a.setLogicFlags64(result)
		} else {
			a.setLogicFlags32(uint32(result))
		}
	}

	a.regFile.WriteReg(inst.Rd, result)
}

// ExecuteMoveWide executes MOVZ, MOVN and MOVK.
func (a *ALU) ExecuteMoveWide(inst *insts.Instruction) {
	imm := inst.Imm << inst.Shift

	var result uint64

	switch inst.Op {
	case insts.OpMOVZ:
		result = imm
	case insts.OpMOVN:
		result = ^imm
	case insts.OpMOVK:
		mask := uint64(0xFFFF) << inst.Shift
		result = a.regFile.ReadReg(inst.Rd)&^mask | imm
	}

	if !inst.Is64Bit {
		result = uint64(uint32(result))
	}

	a.regFile.WriteReg(inst.Rd, result)
}

// addSub computes op1 +/- op2 at the given width, optionally setting flags.
func (a *ALU) addSub(op1, op2 uint64, sub, is64, setFlags bool) uint64 {
	if is64 {
		var result uint64
		if sub {
			result = op1 - op2
		} else {
			result = op1 + op2
		}

		if setFlags && sub {
			a.setSubFlags64(op1, op2, result)
		} else if setFlags {
			a.setAddFlags64(op1, op2, result)
		}

		return result
	}

	x, y := uint32(op1), uint32(op2)

	var result uint32
	if sub {
		result = x - y
	} else {
		result = x + y
	}

	if setFlags && sub {
		a.setSubFlags32(x, y, result)
	} else if setFlags {
		a.setAddFlags32(x, y, result)
	}

	return uint64(result)
}

// applyShift64 applies a shift operation to a 64-bit value.
func applyShift64(value uint64, shiftType insts.ShiftType, amount uint8) uint64 {
	if amount == 0 {
		return value
	}
	switch shiftType {
	case insts.ShiftLSL:
		return value << amount
	case insts.ShiftLSR:
		return value >> amount
	case insts.ShiftASR:
		return uint64(int64(value) >> amount)
	case insts.ShiftROR:
		return (value >> amount) | (value << (64 - amount))
	default:
		return value
	}
}

// applyShift32 applies a shift operation to a 32-bit value.
func applyShift32(value uint32, shiftType insts.ShiftType, amount uint8) uint32 {
	if amount == 0 {
		return value
	}
	switch shiftType {
	case insts.ShiftLSL:
		return value << amount
	case insts.ShiftLSR:
		return value >> amount
	case insts.ShiftASR:
		return uint32(int32(value) >> amount)
	case insts.ShiftROR:
		return (value >> amount) | (value << (32 - amount))
	default:
		return value
	}
}

// setAddFlags64 sets NZCV flags for 64-bit addition.
func (a *ALU) setAddFlags64(op1, op2, result uint64) {
	a.regFile.PSTATE.N = (result >> 63) == 1
	a.regFile.PSTATE.Z = result == 0
	a.regFile.PSTATE.C = result < op1

	// Adding two values of one sign must not change the sign.
	op1Sign := op1 >> 63
	op2Sign := op2 >> 63
	resultSign := result >> 63
	a.regFile.PSTATE.V = (op1Sign == op2Sign) && (op1Sign != resultSign)
}

// setAddFlags32 sets NZCV flags for 32-bit addition.
func (a *ALU) setAddFlags32(op1, op2, result uint32) {
	a.regFile.PSTATE.N = (result >> 31) == 1
	a.regFile.PSTATE.Z = result == 0
	a.regFile.PSTATE.C = result < op1
	op1Sign := op1 >> 31
	op2Sign := op2 >> 31
	resultSign := result >> 31
	a.regFile.PSTATE.V = (op1Sign == op2Sign) && (op1Sign != resultSign)
}

// setSubFlags64 sets NZCV flags for 64-bit subtraction. C is set when no
// borrow occurred.
func (a *ALU) setSubFlags64(op1, op2, result uint64) {
	a.regFile.PSTATE.N = (result >> 63) == 1
	a.regFile.PSTATE.Z = result == 0
	a.regFile.PSTATE.C = op1 >= op2
	op1Sign := op1 >> 63
	op2Sign := op2 >> 63
	resultSign := result >> 63
	a.regFile.PSTATE.V = (op1Sign != op2Sign) && (op2Sign == resultSign)
}

// setSubFlags32 sets NZCV flags for 32-bit subtraction.
func (a *ALU) setSubFlags32(op1, op2, result uint32) {
	a.regFile.PSTATE.N = (result >> 31) == 1
	a.regFile.PSTATE.Z = result == 0
	a.regFile.PSTATE.C = op1 >= op2
	op1Sign := op1 >> 31
	op2Sign := op2 >> 31
	resultSign := result >> 31
	a.regFile.PSTATE.V = (op1Sign != op2Sign) && (op2Sign == resultSign)
}

// setLogicFlags64 sets NZ flags for 64-bit logic operations (C and V are cleared).
func (a *ALU) setLogicFlags64(result uint64) {
	a.regFile.PSTATE.N = (result >> 63) == 1
	a.regFile.PSTATE.Z = result == 0
	a.regFile.PSTATE.C = false
	a.regFile.PSTATE.V = false
}

// setLogicFlags32 sets NZ flags for 32-bit logic operations (C and V are cleared).
func (a *ALU) setLogicFlags32(result uint32) {
	a.regFile.PSTATE.N = (result >> 31) == 1
	a.regFile.PSTATE.Z = result == 0
	a.regFile.PSTATE.C = false
	a.regFile.PSTATE.V = false
}
