package emu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/armhle/emu"
	"github.com/sarchlab/armhle/insts"
)

var _ = Describe("ALU", func() {
	var (
		regFile *emu.RegFile
		alu     *emu.ALU
	)

	BeforeEach(func() {
		regFile = &emu.RegFile{}
		alu = emu.NewALU(regFile)
	})

	Describe("ADD/SUB immediate", func() {
		It("should add a shifted immediate", func() {
			regFile.WriteReg(1, 0x10)

			alu.ExecuteDPImm(&insts.Instruction{
				Op: insts.OpADD, Is64Bit: true, Rd: 0, Rn: 1, Imm: 1, Shift: 12,
			})

			Expect(regFile.ReadReg(0)).To(Equal(uint64(0x1010)))
		})

		It("should use SP for register 31 without flags", func() {
			regFile.SP = 0x8000

			alu.ExecuteDPImm(&insts.Instruction{
				Op: insts.OpSUB, Is64Bit: true, Rd: 31, Rn: 31, Imm: 0x20,
			})

			Expect(regFile.SP).To(Equal(uint64(0x7FE0)))
		})

		It("should discard the result of CMP into XZR", func() {
			regFile.SP = 0x8000
			regFile.WriteReg(2, 5)

			alu.ExecuteDPImm(&insts.Instruction{
				Op: insts.OpSUB, Is64Bit: true, SetFlags: true, Rd: 31, Rn: 2, Imm: 5,
			})

			Expect(regFile.SP).To(Equal(uint64(0x8000)))
			Expect(regFile.PSTATE).To(Equal(emu.PSTATE{Z: true, C: true}))
		})

		It("should wrap 32-bit results and set carry", func() {
			regFile.WriteReg(1, 0xFFFFFFFF)

			alu.ExecuteDPImm(&insts.Instruction{
				Op: insts.OpADD, SetFlags: true, Rd: 0, Rn: 1, Imm: 1,
			})

			Expect(regFile.ReadReg(0)).To(BeZero())
			Expect(regFile.PSTATE.Z).To(BeTrue())
			Expect(regFile.PSTATE.C).To(BeTrue())
		})

		It("should set overflow on signed wrap", func() {
			regFile.WriteReg(1, 0x7FFFFFFFFFFFFFFF)

			alu.ExecuteDPImm(&insts.Instruction{
				Op: insts.OpADD, Is64Bit: true, SetFlags: true, Rd: 0, Rn: 1, Imm: 1,
			})

			Expect(regFile.PSTATE.N).To(BeTrue())
			Expect(regFile.PSTATE.V).To(BeTrue())
		})
	})

	Describe("Register operands", func() {
		It("should apply the shift to the second operand", func() {
			regFile.WriteReg(1, 1)
			regFile.WriteReg(2, 3)

			alu.ExecuteDPReg(&insts.Instruction{
				Op: insts.OpADD, Is64Bit: true, Rd: 0, Rn: 1, Rm: 2,
				ShiftType: insts.ShiftLSL, ShiftAmount: 4,
			})

			Expect(regFile.ReadReg(0)).To(Equal(uint64(0x31)))
		})

		It("should compute logic operations", func() {
			regFile.WriteReg(1, 0b1100)
			regFile.WriteReg(2, 0b1010)

			for op, want := range map[insts.Op]uint64{
				insts.OpAND: 0b1000,
				insts.OpORR: 0b1110,
				insts.OpEOR: 0b0110,
			} {
				alu.ExecuteDPReg(&insts.Instruction{Op: op, Is64Bit: true, Rd: 0, Rn: 1, Rm: 2})
				Expect(regFile.ReadReg(0)).To(Equal(want), op.String())
			}
		})

		It("should set flags for ANDS", func() {
			regFile.WriteReg(1, 0xF0)
			regFile.WriteReg(2, 0x0F)
			regFile.PSTATE.C = true

			alu.ExecuteDPReg(&insts.Instruction{
				Op: insts.OpAND, Is64Bit: true, SetFlags: true, Rd: 0, Rn: 1, Rm: 2,
			})

			Expect(regFile.PSTATE).To(Equal(emu.PSTATE{Z: true}))
		})
	})

	Describe("Move wide", func() {
		It("should build a constant from MOVZ and MOVK", func() {
			alu.ExecuteMoveWide(&insts.Instruction{Op: insts.OpMOVZ, Is64Bit: true, Rd: 0, Imm: 0xBEEF})
			alu.ExecuteMoveWide(&insts.Instruction{Op: insts.OpMOVK, Is64Bit: true, Rd: 0, Imm: 0xDEAD, Shift: 16})

			Expect(regFile.ReadReg(0)).To(Equal(uint64(0xDEADBEEF)))
		})

		It("should invert for MOVN and truncate 32-bit results", func() {
			alu.ExecuteMoveWide(&insts.Instruction{Op: insts.OpMOVN, Rd: 0, Imm: 0})

			Expect(regFile.ReadReg(0)).To(Equal(uint64(0xFFFFFFFF)))
		})
	})
})

var _ = Describe("BranchUnit", func() {
	var (
		regFile    *emu.RegFile
		branchUnit *emu.BranchUnit
	)

	BeforeEach(func() {
		regFile = &emu.RegFile{}
		branchUnit = emu.NewBranchUnit(regFile)
	})

	It("should branch and link", func() {
		branchUnit.Execute(&insts.Instruction{
			Op: insts.OpBL, Class: insts.ClassCall, Address: 0x1000, BranchOffset: 0x100,
		})

		Expect(regFile.PC).To(Equal(uint64(0x1100)))
		Expect(regFile.ReadReg(30)).To(Equal(uint64(0x1004)))
	})

	It("should fall through an untaken conditional branch", func() {
		regFile.PSTATE.Z = false

		branchUnit.Execute(&insts.Instruction{
			Op: insts.OpBCond, Cond: insts.CondEQ, Address: 0x1000, BranchOffset: -8,
		})

		Expect(regFile.PC).To(Equal(uint64(0x1004)))
	})

	It("should compare only the low word for 32-bit CBZ", func() {
		regFile.WriteReg(0, 0x100000000)

		branchUnit.Execute(&insts.Instruction{
			Op: insts.OpCBZ, Rd: 0, Address: 0x1000, BranchOffset: 0x40,
		})

		Expect(regFile.PC).To(Equal(uint64(0x1040)))
	})

	It("should test a single bit", func() {
		regFile.WriteReg(0, 1<<40)

		branchUnit.Execute(&insts.Instruction{
			Op: insts.OpTBNZ, Rd: 0, BitPos: 40, Address: 0x1000, BranchOffset: 0x20,
		})

		Expect(regFile.PC).To(Equal(uint64(0x1020)))
	})

	It("should read the BLR target before linking", func() {
		regFile.WriteReg(30, 0x4000)

		branchUnit.Execute(&insts.Instruction{Op: insts.OpBLR, Rn: 30, Address: 0x1000})

		Expect(regFile.PC).To(Equal(uint64(0x4000)))
		Expect(regFile.ReadReg(30)).To(Equal(uint64(0x1004)))
	})

	DescribeTable("condition codes",
		func(flags emu.PSTATE, cond insts.Cond, want bool) {
			regFile.PSTATE = flags
			Expect(branchUnit.CheckCondition(cond)).To(Equal(want))
		},
		Entry("HI with carry", emu.PSTATE{C: true}, insts.CondHI, true),
		Entry("HI with zero", emu.PSTATE{C: true, Z: true}, insts.CondHI, false),
		Entry("GE with N==V", emu.PSTATE{N: true, V: true}, insts.CondGE, true),
		Entry("LT with N!=V", emu.PSTATE{N: true}, insts.CondLT, true),
		Entry("GT with zero", emu.PSTATE{Z: true}, insts.CondGT, false),
		Entry("LE with zero", emu.PSTATE{Z: true}, insts.CondLE, true),
		Entry("AL", emu.PSTATE{}, insts.CondAL, true),
	)
})
