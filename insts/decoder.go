package insts

import (
	"encoding/binary"

	"golang.org/x/arch/arm64/arm64asm"
)

// Decoder decodes ARM64 machine code into instructions.
type Decoder struct{}

// NewDecoder creates a new ARM64 instruction decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode decodes a 32-bit ARM64 instruction word.
func (d *Decoder) Decode(word uint32) *Instruction {
	return d.DecodeAt(0, word)
}

// DecodeAt decodes a word fetched from addr. Direct branch targets are
// resolved relative to addr.
func (d *Decoder) DecodeAt(addr uint64, word uint32) *Instruction {
	inst := &Instruction{
		Op:      OpUnknown,
		Format:  FormatUnknown,
		Address: addr,
		Word:    word,
	}

	switch {
	case d.isUDF(word):
		d.decodeUDF(word, inst)
	case d.isDataProcessingImm(word):
		d.decodeDataProcessingImm(word, inst)
	case d.isMoveWide(word):
		d.decodeMoveWide(word, inst)
	case d.isDataProcessingReg(word):
		d.decodeDataProcessingReg(word, inst)
	case d.isBranchImm(word):
		d.decodeBranchImm(word, inst)
	case d.isBranchCond(word):
		d.decodeBranchCond(word, inst)
	case d.isCompareBranch(word):
		d.decodeCompareBranch(word, inst)
	case d.isTestBranch(word):
		d.decodeTestBranch(word, inst)
	case d.isBranchReg(word):
		d.decodeBranchReg(word, inst)
	case d.isException(word):
		d.decodeException(word, inst)
	case d.isSystem(word):
		d.decodeSystem(word, inst)
	case d.isLoadStoreImm(word):
		d.decodeLoadStoreImm(word, inst)
	case d.isLoadStoreExclusive(word):
		d.decodeLoadStoreExclusive(word, inst)
	}

	if inst.Format == FormatUnknown {
		d.classifyOther(word, inst)
	}

	return inst
}

// classifyOther sorts words outside the decoded families into valid
// instructions that simply fall through and invalid encodings.
func (d *Decoder) classifyOther(word uint32, inst *Instruction) {
	if _, err := arm64asm.Decode(wordBytes(word)); err == nil {
		inst.Format = FormatOther
		inst.Class = ClassOrdinary
		return
	}

	inst.Class = ClassUndefined
}

func wordBytes(word uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, word)
}

// signExtend sign-extends the low bits of v.
func signExtend(v uint32, bits uint) int64 {
	shift := 64 - bits
	return int64(uint64(v)<<shift) >> shift
}

// isUDF checks for the permanently undefined encoding.
// UDF: bits [31:16] == 0
func (d *Decoder) isUDF(word uint32) bool {
	return word>>16 == 0
}

func (d *Decoder) decodeUDF(word uint32, inst *Instruction) {
	inst.Format = FormatException
	inst.Op = OpUDF
	inst.Class = ClassUndefined
	inst.Imm = uint64(word & 0xFFFF)
}

// isDataProcessingImm checks if instruction is Data Processing (Immediate).
// Add/Sub immediate: bits [28:23] == 0b100010
func (d *Decoder) isDataProcessingImm(word uint32) bool {
	op := (word >> 23) & 0x3F // bits [28:23]
	return op == 0b100010
}

// decodeDataProcessingImm decodes Add/Sub immediate instructions.
// Format: sf | op | S | 100010 | sh | imm12 | Rn | Rd
func (d *Decoder) decodeDataProcessingImm(word uint32, inst *Instruction) {
	inst.Format = FormatDPImm

	sf := (word >> 31) & 0x1
	op := (word >> 30) & 0x1
	s := (word >> 29) & 0x1
	sh := (word >> 22) & 0x1
	imm12 := (word >> 10) & 0xFFF
	rn := (word >> 5) & 0x1F
	rd := word & 0x1F

	inst.Is64Bit = sf == 1
	inst.SetFlags = s == 1
	inst.Rd = uint8(rd)
	inst.Rn = uint8(rn)
	inst.Imm = uint64(imm12)

	if sh == 1 {
		inst.Shift = 12
	}

	if op == 0 {
		inst.Op = OpADD
	} else {
		inst.Op = OpSUB
	}
}

// isMoveWide checks for move wide immediate.
// bits [28:23] == 0b100101, opc != 01, and hw < 2 for 32-bit forms
func (d *Decoder) isMoveWide(word uint32) bool {
	if (word>>23)&0x3F != 0b100101 {
		return false
	}

	opc := (word >> 29) & 0x3
	sf := word >> 31
	hw := (word >> 21) & 0x3

	return opc != 0b01 && (sf == 1 || hw < 2)
}

// decodeMoveWide decodes MOVN, MOVZ and MOVK.
// Format: sf | opc | 100101 | hw | imm16 | Rd
func (d *Decoder) decodeMoveWide(word uint32, inst *Instruction) {
	inst.Format = FormatMoveWide

	opc := (word >> 29) & 0x3
	hw := (word >> 21) & 0x3

	inst.Is64Bit = word>>31 == 1
	inst.Rd = uint8(word & 0x1F)
	inst.Imm = uint64((word >> 5) & 0xFFFF)
	inst.Shift = uint8(hw * 16)

	switch opc {
	case 0b00:
		inst.Op = OpMOVN
	case 0b10:
		inst.Op = OpMOVZ
	case 0b11:
		inst.Op = OpMOVK
	}
}

// isDataProcessingReg checks if instruction is Data Processing (Register).
// Add/Sub shifted register: bits [28:24] == 0b01011, bit 21 == 0
// Logical shifted register: bits [28:24] == 0b01010, bit 21 (N) == 0
func (d *Decoder) isDataProcessingReg(word uint32) bool {
	op := (word >> 24) & 0x1F
	n := (word >> 21) & 0x1

	return (op == 0b01011 || op == 0b01010) && n == 0
}

// decodeDataProcessingReg decodes Add/Sub/Logical register instructions.
// Add/Sub format: sf | op | S | 01011 | shift | 0 | Rm | imm6 | Rn | Rd
// Logical format: sf | opc | 01010 | shift | N | Rm | imm6 | Rn | Rd
func (d *Decoder) decodeDataProcessingReg(word uint32, inst *Instruction) {
	inst.Format = FormatDPReg

	sf := (word >> 31) & 0x1
	op := (word >> 24) & 0x1F
	rd := word & 0x1F
	rn := (word >> 5) & 0x1F
	imm6 := (word >> 10) & 0x3F
	rm := (word >> 16) & 0x1F
	shift := (word >> 22) & 0x3

	inst.Is64Bit = sf == 1
	inst.Rd = uint8(rd)
	inst.Rn = uint8(rn)
	inst.Rm = uint8(rm)
	inst.ShiftType = ShiftType(shift)
	inst.ShiftAmount = uint8(imm6)

	if op == 0b01011 {
		inst.SetFlags = (word>>29)&0x1 == 1

		if (word>>30)&0x1 == 0 {
			inst.Op = OpADD
		} else {
			inst.Op = OpSUB
		}

		return
	}

	switch (word >> 29) & 0x3 {
	case 0b00:
		inst.Op = OpAND
	case 0b01:
		inst.Op = OpORR
	case 0b10:
		inst.Op = OpEOR
	case 0b11:
		inst.Op = OpAND
		inst.SetFlags = true // ANDS
	}
}

// isBranchImm checks for unconditional branch immediate.
// B:  bits [31:26] == 0b000101
// BL: bits [31:26] == 0b100101
func (d *Decoder) isBranchImm(word uint32) bool {
	op := (word >> 26) & 0x3F
	return op == 0b000101 || op == 0b100101
}

// decodeBranchImm decodes B and BL instructions.
// Format: op | 00101 | imm26
func (d *Decoder) decodeBranchImm(word uint32, inst *Instruction) {
	inst.Format = FormatBranch
	inst.BranchOffset = signExtend(word&0x3FFFFFF, 26) * 4

	if word>>31 == 0 {
		inst.Op = OpB
		inst.Class = ClassBranch
	} else {
		inst.Op = OpBL
		inst.Class = ClassCall
	}
}

// isBranchCond checks for conditional branch.
// B.cond: bits [31:24] == 0b01010100, bit 4 == 0
func (d *Decoder) isBranchCond(word uint32) bool {
	return word>>24 == 0b01010100 && (word>>4)&0x1 == 0
}

// decodeBranchCond decodes conditional branch instructions.
// Format: 01010100 | imm19 | 0 | cond
func (d *Decoder) decodeBranchCond(word uint32, inst *Instruction) {
	inst.Format = FormatBranchCond
	inst.Op = OpBCond
	inst.Class = ClassCondBranch
	inst.BranchOffset = signExtend((word>>5)&0x7FFFF, 19) * 4
	inst.Cond = Cond(word & 0xF)
}

// isCompareBranch checks for compare and branch.
// CBZ/CBNZ: bits [30:25] == 0b011010
func (d *Decoder) isCompareBranch(word uint32) bool {
	return (word>>25)&0x3F == 0b011010
}

// decodeCompareBranch decodes CBZ and CBNZ.
// Format: sf | 011010 | op | imm19 | Rt
func (d *Decoder) decodeCompareBranch(word uint32, inst *Instruction) {
	inst.Format = FormatCompareBranch
	inst.Class = ClassCondBranch
	inst.Is64Bit = word>>31 == 1
	inst.Rd = uint8(word & 0x1F)
	inst.BranchOffset = signExtend((word>>5)&0x7FFFF, 19) * 4

	if (word>>24)&0x1 == 0 {
		inst.Op = OpCBZ
	} else {
		inst.Op = OpCBNZ
	}
}

// isTestBranch checks for test bit and branch.
// TBZ/TBNZ: bits [30:25] == 0b011011
func (d *Decoder) isTestBranch(word uint32) bool {
	return (word>>25)&0x3F == 0b011011
}

// decodeTestBranch decodes TBZ and TBNZ.
// Format: b5 | 011011 | op | b40 | imm14 | Rt
func (d *Decoder) decodeTestBranch(word uint32, inst *Instruction) {
	inst.Format = FormatTestBranch
	inst.Class = ClassCondBranch
	inst.Is64Bit = word>>31 == 1
	inst.Rd = uint8(word & 0x1F)
	inst.BitPos = uint8((word>>31)<<5 | (word>>19)&0x1F)
	inst.BranchOffset = signExtend((word>>5)&0x3FFF, 14) * 4

	if (word>>24)&0x1 == 0 {
		inst.Op = OpTBZ
	} else {
		inst.Op = OpTBNZ
	}
}

// isBranchReg checks for branch to register.
// Format: 1101011 0 0 op[1:0] 11111 000000 Rn 00000, op != 11
func (d *Decoder) isBranchReg(word uint32) bool {
	op := (word >> 21) & 0x3
	return word&0xFF9FFC1F == 0xD61F0000 && op != 0b11
}

// decodeBranchReg decodes BR, BLR, and RET instructions.
func (d *Decoder) decodeBranchReg(word uint32, inst *Instruction) {
	inst.Format = FormatBranchReg
	inst.Class = ClassIndirect
	inst.Is64Bit = true
	inst.Rn = uint8((word >> 5) & 0x1F)

	switch (word >> 21) & 0x3 {
	case 0b00:
		inst.Op = OpBR
	case 0b01:
		inst.Op = OpBLR
	case 0b10:
		inst.Op = OpRET
	}
}

// isException checks for exception generation.
// bits [31:24] == 0b11010100
func (d *Decoder) isException(word uint32) bool {
	return word>>24 == 0b11010100
}

// decodeException decodes SVC, BRK and HLT. Every other exception-generating
// encoding is undefined at EL0.
// Format: 11010100 | opc | imm16 | op2 | LL
func (d *Decoder) decodeException(word uint32, inst *Instruction) {
	inst.Format = FormatException
	inst.Class = ClassUndefined
	inst.Imm = uint64((word >> 5) & 0xFFFF)

	switch word & 0xFFE0001F {
	case 0xD4000001:
		inst.Op = OpSVC
		inst.Class = ClassSyscall
	case 0xD4200000:
		inst.Op = OpBRK
	case 0xD4400000:
		inst.Op = OpHLT
	}
}

// isSystem checks for the system instruction space.
// bits [31:22] == 0b1101010100
func (d *Decoder) isSystem(word uint32) bool {
	return word>>22 == 0b1101010100
}

// decodeSystem decodes hints, barriers, CLREX, MRS and MSR (register).
// Encodings in the system space that are not recognized fall back to the
// generic classification.
func (d *Decoder) decodeSystem(word uint32, inst *Instruction) {
	switch {
	case word&0xFFFFF01F == 0xD503201F:
		inst.Op = OpNOP
		inst.Imm = uint64((word >> 5) & 0x7F)
	case word&0xFFFFF0FF == 0xD503305F:
		inst.Op = OpCLREX
	case word&0xFFFFF09F == 0xD503309F:
		inst.Op = OpBarrier // DSB, DMB, ISB
		inst.Imm = uint64((word >> 8) & 0xF)
	case word&0xFFF00000 == 0xD5300000:
		inst.Op = OpMRS
	case word&0xFFF00000 == 0xD5100000:
		inst.Op = OpMSR
	default:
		return
	}

	inst.Format = FormatSystem
	inst.Class = ClassOrdinary

	if inst.Op == OpMRS || inst.Op == OpMSR {
		inst.Is64Bit = true
		inst.Rd = uint8(word & 0x1F)
		inst.SysReg = packSysReg(word)
	}
}

// packSysReg builds the system register id from an MRS/MSR encoding.
// Format: 1101010100 | L | 1 | o0 | op1 | CRn | CRm | op2 | Rt
func packSysReg(word uint32) uint16 {
	op0 := 2 + (word>>19)&0x1
	op1 := (word >> 16) & 0x7
	crn := (word >> 12) & 0xF
	crm := (word >> 8) & 0xF
	op2 := (word >> 5) & 0x7

	return uint16(op2 | crm<<3 | crn<<7 | op1<<11 | op0<<14)
}

// isLoadStoreImm checks for load/store register (unsigned immediate).
// bits [29:27] == 0b111, bit 26 (V) == 0, bits [25:24] == 0b01, and not a
// prefetch or unallocated 64-bit signed load
func (d *Decoder) isLoadStoreImm(word uint32) bool {
	if (word>>27)&0x7 != 0b111 || (word>>26)&0x1 != 0 || (word>>24)&0x3 != 0b01 {
		return false
	}

	size := word >> 30
	opc := (word >> 22) & 0x3

	switch {
	case size == 0b11 && opc >= 0b10:
		return false
	case size == 0b10 && opc == 0b11:
		return false
	default:
		return true
	}
}

// decodeLoadStoreImm decodes LDR, LDRS and STR with an unsigned offset.
// Format: size | 111 | 0 | 01 | opc | imm12 | Rn | Rt
func (d *Decoder) decodeLoadStoreImm(word uint32, inst *Instruction) {
	inst.Format = FormatLoadStoreImm

	size := word >> 30
	opc := (word >> 22) & 0x3

	inst.Size = 1 << size
	inst.Rd = uint8(word & 0x1F)
	inst.Rn = uint8((word >> 5) & 0x1F)
	inst.Imm = uint64((word>>10)&0xFFF) << size

	switch opc {
	case 0b00:
		inst.Op = OpSTR
		inst.Is64Bit = size == 0b11
	case 0b01:
		inst.Op = OpLDR
		inst.Is64Bit = size == 0b11
	case 0b10:
		inst.Op = OpLDRS
		inst.Is64Bit = true
	case 0b11:
		inst.Op = OpLDRS
		inst.Is64Bit = false
	}
}

// isLoadStoreExclusive checks for single-register exclusive and ordered
// accesses.
// bits [29:24] == 0b001000, o1 (bit 21) == 0
func (d *Decoder) isLoadStoreExclusive(word uint32) bool {
	if (word>>24)&0x3F != 0b001000 || (word>>21)&0x1 != 0 {
		return false
	}

	// The ordered forms (o2 == 1) require o0 == 1.
	o2 := (word >> 23) & 0x1
	o0 := (word >> 15) & 0x1

	return o2 == 0 || o0 == 1
}

// decodeLoadStoreExclusive decodes LDXR, LDAXR, STXR, STLXR, LDAR and STLR.
// Format: size | 001000 | o2 | L | o1 | Rs | o0 | Rt2 | Rn | Rt
func (d *Decoder) decodeLoadStoreExclusive(word uint32, inst *Instruction) {
	inst.Format = FormatLoadStoreExcl

	size := word >> 30
	o2 := (word >> 23) & 0x1
	load := (word>>22)&0x1 == 1
	o0 := (word >> 15) & 0x1

	inst.Size = 1 << size
	inst.Is64Bit = size == 0b11
	inst.Rd = uint8(word & 0x1F)
	inst.Rn = uint8((word >> 5) & 0x1F)
	inst.Rs = uint8((word >> 16) & 0x1F)

	switch {
	case o2 == 1 && load:
		inst.Op = OpLDAR
	case o2 == 1:
		inst.Op = OpSTLR
	case load && o0 == 0:
		inst.Op = OpLDXR
	case load:
		inst.Op = OpLDAXR
	case o0 == 0:
		inst.Op = OpSTXR
	default:
		inst.Op = OpSTLXR
	}
}
