package emu

import (
	"github.com/sarchlab/armhle/insts"
	"github.com/sarchlab/armhle/memory"
)

// LoadStoreUnit implements ARM64 load and store operations, including the
// exclusive pairs, on top of a memory accessor.
type LoadStoreUnit struct {
	regFile *RegFile
	acc     *memory.Accessor
	monitor *memory.ExclusiveMonitor
}

// NewLoadStoreUnit creates a new LoadStoreUnit connected to the given
// register file, accessor and exclusive monitor.
func NewLoadStoreUnit(regFile *RegFile, acc *memory.Accessor, monitor *memory.ExclusiveMonitor) *LoadStoreUnit {
	return &LoadStoreUnit{
		regFile: regFile,
		acc:     acc,
		monitor: monitor,
	}
}

// Execute performs a load or store. Memory faults are returned unchanged.
func (lsu *LoadStoreUnit) Execute(inst *insts.Instruction) error {
	addr := lsu.regFile.ReadRegOrSP(inst.Rn) + inst.Imm

	switch inst.Op {
	case insts.OpLDR, insts.OpLDAR:
		v, err := lsu.load(addr, inst.Size)
		if err != nil {
			return err
		}
		lsu.regFile.WriteReg(inst.Rd, v)

	case insts.OpLDRS:
		v, err := lsu.load(addr, inst.Size)
		if err != nil {
			return err
		}
		v = signExtend(v, inst.Size)
		if !inst.Is64Bit {
			v = uint64(uint32(v))
		}
		lsu.regFile.WriteReg(inst.Rd, v)

	case insts.OpSTR, insts.OpSTLR:
		return lsu.store(addr, inst.Size, lsu.regFile.ReadReg(inst.Rd))

	case insts.OpLDXR, insts.OpLDAXR:
		// Arm before loading, so a store that lands between the two is
		// either seen by the load or ends the reservation.
		lsu.monitor.SetExclusive(lsu.regFile.ThreadID, addr)
		v, err := lsu.load(addr, inst.Size)
		if err != nil {
			lsu.monitor.ClearExclusive(lsu.regFile.ThreadID)
			return err
		}
		lsu.regFile.WriteReg(inst.Rd, v)

	case insts.OpSTXR, insts.OpSTLXR:
		return lsu.storeExclusive(inst, addr)

	case insts.OpCLREX:
		lsu.monitor.ClearExclusive(lsu.regFile.ThreadID)
	}

	return nil
}

// storeExclusive stores only while the thread still holds the reservation,
// writing 0 to Ws on success and 1 on failure. The reservation is dropped
// either way.
func (lsu *LoadStoreUnit) storeExclusive(inst *insts.Instruction, addr uint64) error {
	tid := lsu.regFile.ThreadID

	if !lsu.monitor.TestExclusive(tid, addr) {
		lsu.monitor.ClearExclusive(tid)
		lsu.regFile.WriteReg(inst.Rs, 1)
		return nil
	}

	if err := lsu.store(addr, inst.Size, lsu.regFile.ReadReg(inst.Rd)); err != nil {
		return err
	}

	lsu.monitor.ClearExclusive(tid)
	lsu.regFile.WriteReg(inst.Rs, 0)

	return nil
}

func (lsu *LoadStoreUnit) load(addr uint64, size uint8) (uint64, error) {
	switch size {
	case 1:
		v, err := lsu.acc.Read8(addr)
		return uint64(v), err
	case 2:
		v, err := lsu.acc.Read16(addr)
		return uint64(v), err
	case 4:
		v, err := lsu.acc.Read32(addr)
		return uint64(v), err
	default:
		return lsu.acc.Read64(addr)
	}
}

func (lsu *LoadStoreUnit) store(addr uint64, size uint8, v uint64) error {
	switch size {
	case 1:
		return lsu.acc.Write8(addr, uint8(v))
	case 2:
		return lsu.acc.Write16(addr, uint16(v))
	case 4:
		return lsu.acc.Write32(addr, uint32(v))
	default:
		return lsu.acc.Write64(addr, v)
	}
}

// signExtend sign-extends the low size bytes of v.
func signExtend(v uint64, size uint8) uint64 {
	shift := 64 - 8*uint(size)
	return uint64(int64(v<<shift) >> shift)
}
