package emu

import "github.com/sarchlab/armhle/insts"

// BranchUnit resolves the next PC of block terminators.
type BranchUnit struct {
	regFile *RegFile
}

// NewBranchUnit creates a new BranchUnit connected to the given register file.
func NewBranchUnit(regFile *RegFile) *BranchUnit {
	return &BranchUnit{regFile: regFile}
}

// Execute performs the branch and updates PC. BL and BLR save the return
// address to X30.
func (b *BranchUnit) Execute(inst *insts.Instruction) {
	taken := true

	switch inst.Op {
	case insts.OpBL:
		b.regFile.WriteReg(30, inst.Next())
	case insts.OpBCond:
		taken = b.CheckCondition(inst.Cond)
	case insts.OpCBZ, insts.OpCBNZ:
		v := b.regFile.ReadReg(inst.Rd)
		if !inst.Is64Bit {
			v = uint64(uint32(v))
		}
		taken = (v == 0) == (inst.Op == insts.OpCBZ)
	case insts.OpTBZ, insts.OpTBNZ:
		bit := (b.regFile.ReadReg(inst.Rd) >> inst.BitPos) & 1
		taken = (bit == 0) == (inst.Op == insts.OpTBZ)
	case insts.OpBR, insts.OpRET:
		b.regFile.PC = b.regFile.ReadReg(inst.Rn)
		return
	case insts.OpBLR:
		// Read the target first in case Rn is X30.
		target := b.regFile.ReadReg(inst.Rn)
		b.regFile.WriteReg(30, inst.Next())
		b.regFile.PC = target
		return
	}

	if taken {
		b.regFile.PC = inst.Target()
	} else {
		b.regFile.PC = inst.Next()
	}
}

// CheckCondition evaluates an ARM64 condition code against the current PSTATE flags.
func (b *BranchUnit) CheckCondition(cond insts.Cond) bool {
	pstate := &b.regFile.PSTATE

	switch cond {
	case insts.CondEQ:
		return pstate.Z
	case insts.CondNE:
		return !pstate.Z
	case insts.CondCS:
		return pstate.C
	case insts.CondCC:
		return !pstate.C
	case insts.CondMI:
		return pstate.N
	case insts.CondPL:
		return !pstate.N
	case insts.CondVS:
		return pstate.V
	case insts.CondVC:
		return !pstate.V
	case insts.CondHI:
		return pstate.C && !pstate.Z
	case insts.CondLS:
		return !pstate.C || pstate.Z
	case insts.CondGE:
		return pstate.N == pstate.V
	case insts.CondLT:
		return pstate.N != pstate.V
	case insts.CondGT:
		return !pstate.Z && (pstate.N == pstate.V)
	case insts.CondLE:
		return pstate.Z || (pstate.N != pstate.V)
	case insts.CondAL, insts.CondNV:
		return true
	default:
		return false
	}
}
