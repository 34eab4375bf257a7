// Package insts provides ARM64 instruction definitions and decoding.
//
// This package implements decoding of ARM64 machine code into structured
// instruction representations. Every word decodes to an Instruction; the
// instruction's Class tells a block builder how it affects control flow.
// It recognizes:
//   - Data Processing (Immediate): ADD, SUB, MOVZ, MOVN, MOVK
//   - Data Processing (Register): ADD, SUB, AND, ORR, EOR
//   - Loads and stores: LDR, LDRS, STR (unsigned offset), LDXR, LDAXR, STXR,
//     STLXR, LDAR, STLR
//   - System: SVC, BRK, HLT, UDF, MRS, MSR, CLREX, hints and barriers
//   - Branches: B, BL, B.cond, CBZ, CBNZ, TBZ, TBNZ, BR, BLR, RET
//
// Other valid encodings are classified as ordinary instructions with OpUnknown;
// invalid encodings are classified as undefined.
//
// Usage:
//
//	decoder := insts.NewDecoder()
//	inst := decoder.Decode(0x91002820) // ADD X0, X1, #10
//	fmt.Printf("Op: %v, Rd: %d, Rn: %d, Imm: %d\n", inst.Op, inst.Rd, inst.Rn, inst.Imm)
package insts

// Op represents an ARM64 opcode.
type Op uint16

// ARM64 opcodes.
const (
	OpUnknown Op = iota
	OpADD
	OpSUB
	OpAND
	OpORR
	OpEOR
	OpMOVZ
	OpMOVN
	OpMOVK
	OpB
	OpBL
	OpBCond
	OpCBZ
	OpCBNZ
	OpTBZ
	OpTBNZ
	OpBR
	OpBLR
	OpRET
	OpLDR
	OpLDRS
	OpSTR
	OpLDXR
	OpLDAXR
	OpSTXR
	OpSTLXR
	OpLDAR
	OpSTLR
	OpCLREX
	OpMRS
	OpMSR
	OpNOP
	OpBarrier
	OpSVC
	OpBRK
	OpHLT
	OpUDF
)

var opNames = [...]string{
	OpUnknown: "unknown",
	OpADD:     "add",
	OpSUB:     "sub",
	OpAND:     "and",
	OpORR:     "orr",
	OpEOR:     "eor",
	OpMOVZ:    "movz",
	OpMOVN:    "movn",
	OpMOVK:    "movk",
	OpB:       "b",
	OpBL:      "bl",
	OpBCond:   "b.cond",
	OpCBZ:     "cbz",
	OpCBNZ:    "cbnz",
	OpTBZ:     "tbz",
	OpTBNZ:    "tbnz",
	OpBR:      "br",
	OpBLR:     "blr",
	OpRET:     "ret",
	OpLDR:     "ldr",
	OpLDRS:    "ldrs",
	OpSTR:     "str",
	OpLDXR:    "ldxr",
	OpLDAXR:   "ldaxr",
	OpSTXR:    "stxr",
	OpSTLXR:   "stlxr",
	OpLDAR:    "ldar",
	OpSTLR:    "stlr",
	OpCLREX:   "clrex",
	OpMRS:     "mrs",
	OpMSR:     "msr",
	OpNOP:     "nop",
	OpBarrier: "barrier",
	OpSVC:     "svc",
	OpBRK:     "brk",
	OpHLT:     "hlt",
	OpUDF:     "udf",
}

// String returns the mnemonic of the opcode.
func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "invalid"
}

// Format represents an instruction encoding format.
type Format uint8

// Instruction formats.
const (
	FormatUnknown     Format = iota
	FormatDPImm              // Data Processing (Immediate)
	FormatDPReg              // Data Processing (Register)
	FormatMoveWide           // Move Wide (Immediate)
	FormatBranch             // Unconditional Branch (Immediate)
	FormatBranchCond         // Conditional Branch
	FormatCompareBranch      // Compare and Branch
	FormatTestBranch         // Test and Branch
	FormatBranchReg          // Branch to Register
	FormatLoadStoreImm       // Load/Store (Unsigned Immediate)
	FormatLoadStoreExcl      // Load/Store Exclusive and Ordered
	FormatException          // Exception Generation
	FormatSystem             // System (hints, barriers, MRS, MSR)
	FormatOther              // Valid encoding outside the families above
)

// Class tells how an instruction affects control flow.
type Class uint8

// Instruction classes.
const (
	// ClassOrdinary instructions fall through to the next word.
	ClassOrdinary Class = iota
	// ClassBranch is an always-taken direct branch (B).
	ClassBranch
	// ClassCondBranch is a direct branch that may fall through.
	ClassCondBranch
	// ClassCall is a direct subroutine call (BL).
	ClassCall
	// ClassIndirect branches through a register (BR, BLR, RET).
	ClassIndirect
	// ClassSyscall raises a supervisor call (SVC).
	ClassSyscall
	// ClassUndefined raises an undefined-instruction trap.
	ClassUndefined
)

// String returns the name of the class.
func (c Class) String() string {
	switch c {
	case ClassOrdinary:
		return "ordinary"
	case ClassBranch:
		return "branch"
	case ClassCondBranch:
		return "cond-branch"
	case ClassCall:
		return "call"
	case ClassIndirect:
		return "indirect"
	case ClassSyscall:
		return "syscall"
	case ClassUndefined:
		return "undefined"
	default:
		return "invalid"
	}
}

// Cond represents an ARM64 condition code.
type Cond uint8

// ARM64 condition codes.
const (
	CondEQ Cond = 0b0000 // Equal (Z == 1)
	CondNE Cond = 0b0001 // Not Equal (Z == 0)
	CondCS Cond = 0b0010 // Carry Set / Unsigned higher or same (C == 1)
	CondCC Cond = 0b0011 // Carry Clear / Unsigned lower (C == 0)
	CondMI Cond = 0b0100 // Minus / Negative (N == 1)
	CondPL Cond = 0b0101 // Plus / Positive or zero (N == 0)
	CondVS Cond = 0b0110 // Overflow (V == 1)
	CondVC Cond = 0b0111 // No overflow (V == 0)
	CondHI Cond = 0b1000 // Unsigned higher (C == 1 && Z == 0)
	CondLS Cond = 0b1001 // Unsigned lower or same (C == 0 || Z == 1)
	CondGE Cond = 0b1010 // Signed greater than or equal (N == V)
	CondLT Cond = 0b1011 // Signed less than (N != V)
	CondGT Cond = 0b1100 // Signed greater than (Z == 0 && N == V)
	CondLE Cond = 0b1101 // Signed less than or equal (Z == 1 || N != V)
	CondAL Cond = 0b1110 // Always (unconditional)
	CondNV Cond = 0b1111 // Always (unconditional, reserved)
)

// ShiftType represents a shift type for register operands.
type ShiftType uint8

// Shift types.
const (
	ShiftLSL ShiftType = 0b00 // Logical shift left
	ShiftLSR ShiftType = 0b01 // Logical shift right
	ShiftASR ShiftType = 0b10 // Arithmetic shift right
	ShiftROR ShiftType = 0b11 // Rotate right
)

// Instruction represents a decoded ARM64 instruction.
type Instruction struct {
	Op     Op     // Operation code
	Format Format // Encoding format
	Class  Class  // Control-flow class

	Address uint64 // Guest address the word was fetched from
	Word    uint32 // Raw encoding

	// Common fields
	Is64Bit  bool  // true for 64-bit (X registers), false for 32-bit (W registers)
	SetFlags bool  // true if instruction sets condition flags (S suffix)
	Rd       uint8 // Destination register, or transfer register for loads/stores
	Rn       uint8 // First source register, or base register for loads/stores
	Rm       uint8 // Second source register (for register format)
	Rs       uint8 // Status register for store-exclusive

	// Immediate operand
	Imm   uint64 // Immediate value
	Shift uint8  // Shift amount for immediate

	// Branch fields
	BranchOffset int64 // Signed branch offset in bytes
	Cond         Cond  // Condition code for conditional branches
	BitPos       uint8 // Tested bit for TBZ/TBNZ

	// Shift for register operand
	ShiftType   ShiftType // Type of shift applied to Rm
	ShiftAmount uint8     // Shift amount for Rm

	// Memory fields
	Size uint8 // Access size in bytes

	// System register id for MRS/MSR: op2 | CRm<<3 | CRn<<7 | op1<<11 | op0<<14
	SysReg uint16
}

// Target returns the destination of a direct branch.
func (i *Instruction) Target() uint64 {
	return i.Address + uint64(i.BranchOffset)
}

// Next returns the address of the following instruction.
func (i *Instruction) Next() uint64 {
	return i.Address + 4
}

// IsTerminator reports whether the instruction ends a basic block.
func (i *Instruction) IsTerminator() bool {
	return i.Class != ClassOrdinary
}

// IsDirect reports whether the instruction has a statically known target.
func (i *Instruction) IsDirect() bool {
	switch i.Class {
	case ClassBranch, ClassCondBranch, ClassCall:
		return true
	default:
		return false
	}
}
