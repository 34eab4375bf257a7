package emu_test

import (
	"context"
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/armhle/emu"
	"github.com/sarchlab/armhle/insts"
	"github.com/sarchlab/armhle/memory"
)

const (
	codeBase = uint64(0x10000)
	dataBase = uint64(0x20000)
)

// Encodings used by the programs below.
const (
	nop   = 0xD503201F
	svc0  = 0xD4000001
	ret   = 0xD65F03C0
	brk0  = 0xD4200000
	udf0  = 0x00000000
	clrex = 0xD5033F5F
	bic   = 0x8A220020 // BIC X0, X1, X2
)

func movz(rd uint32, imm uint32) uint32 { return 0xD2800000 | imm<<5 | rd }

// movz16 is MOVZ Xd, #imm, LSL #16.
func movz16(rd uint32, imm uint32) uint32 { return 0xD2A00000 | imm<<5 | rd }

func addImm(rd, rn, imm uint32) uint32 { return 0x91000000 | imm<<10 | rn<<5 | rd }

func subsImm(rd, rn, imm uint32) uint32 { return 0xF1000000 | imm<<10 | rn<<5 | rd }

func bne(offset int32) uint32 { return 0x54000001 | (uint32(offset/4)&0x7FFFF)<<5 }

func b(offset int32) uint32 { return 0x14000000 | uint32(offset/4)&0x3FFFFFF }

func bl(offset int32) uint32 { return 0x94000000 | uint32(offset/4)&0x3FFFFFF }

func ldr(rt, rn uint32) uint32 { return 0xF9400000 | rn<<5 | rt }

func str(rt, rn uint32) uint32 { return 0xF9000000 | rn<<5 | rt }

func ldxr(rt, rn uint32) uint32 { return 0xC85F7C00 | rn<<5 | rt }

func stxr(rs, rt, rn uint32) uint32 { return 0xC8007C00 | rs<<16 | rn<<5 | rt }

// cbnzW is CBNZ Wt with a byte offset.
func cbnzW(rt uint32, offset int32) uint32 { return 0x35000000 | (uint32(offset/4)&0x7FFFF)<<5 | rt }

var exitWithX0 = emu.SyscallFunc(func(regs *emu.RegFile, _ uint32) emu.SyscallResult {
	return emu.SyscallResult{Exited: true, ExitCode: int64(regs.ReadReg(0))}
})

var _ = Describe("Executor", func() {
	var (
		space   *memory.Space
		acc     *memory.Accessor
		monitor *memory.ExclusiveMonitor
		regFile *emu.RegFile
	)

	load := func(words ...uint32) {
		Expect(space.Reprotect(codeBase, memory.PageSize, memory.PermRW)).To(Succeed())
		for i, w := range words {
			Expect(acc.Write32(codeBase+uint64(4*i), w)).To(Succeed())
		}
		Expect(space.Reprotect(codeBase, memory.PageSize, memory.PermRX)).To(Succeed())
	}

	newExecutor := func(opts ...emu.ExecutorOption) *emu.Executor {
		opts = append([]emu.ExecutorOption{
			emu.WithSyscallHandler(exitWithX0),
			emu.WithLogger(GinkgoLogr),
		}, opts...)
		return emu.NewExecutor(regFile, acc, monitor, opts...)
	}

	BeforeEach(func() {
		space = memory.NewSpace(memory.NewAllocator(64 * memory.PageSize))
		acc = memory.NewAccessor(space, memory.WithTLB(4, 2))
		monitor = memory.NewExclusiveMonitor()
		regFile = emu.NewRegFile(emu.CortexA57)
		regFile.ThreadID = 1
		regFile.PC = codeBase

		Expect(space.MapAndAllocate(codeBase, memory.PageSize, memory.TagCodeStatic, memory.PermRX)).To(Succeed())
		Expect(space.MapAndAllocate(dataBase, memory.PageSize, memory.TagNormal, memory.PermRW)).To(Succeed())
	})

	It("should run a counted loop", func() {
		load(
			movz(0, 0),
			movz(1, 5),
			addImm(0, 0, 2), // 0x10008
			subsImm(1, 1, 1),
			bne(-8),
			svc0,
		)

		e := newExecutor()
		code, err := e.Run(context.Background())

		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(int64(10)))
		Expect(e.InstructionCount()).To(Equal(uint64(18)))
		Expect(regFile.PC).To(Equal(codeBase + 0x18))
	})

	It("should call and return", func() {
		load(
			bl(12),
			addImm(0, 0, 1),
			svc0,
			movz(0, 41), // 0x1000C
			ret,
		)

		code, err := newExecutor().Run(context.Background())

		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(int64(42)))
		Expect(regFile.ReadReg(30)).To(Equal(codeBase + 4))
	})

	It("should load and store through the accessor", func() {
		load(
			movz16(2, 2),
			movz(0, 7),
			str(0, 2),
			ldr(3, 2),
			addImm(0, 3, 1),
			svc0,
		)

		code, err := newExecutor().Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(int64(8)))

		v, err := acc.Read64(dataBase)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(uint64(7)))
	})

	Describe("Exclusive pairs", func() {
		It("should store while the reservation is held", func() {
			load(
				movz16(2, 2),
				movz(1, 9),
				ldxr(0, 2),
				stxr(3, 1, 2),
				svc0,
			)

			_, err := newExecutor().Run(context.Background())
			Expect(err).NotTo(HaveOccurred())

			Expect(regFile.ReadReg(3)).To(BeZero())
			v, _ := acc.Read64(dataBase)
			Expect(v).To(Equal(uint64(9)))
			Expect(monitor.HeldCount()).To(BeZero())
		})

		It("should fail the store after CLREX", func() {
			load(
				movz16(2, 2),
				movz(1, 9),
				ldxr(0, 2),
				clrex,
				stxr(3, 1, 2),
				svc0,
			)

			_, err := newExecutor().Run(context.Background())
			Expect(err).NotTo(HaveOccurred())

			Expect(regFile.ReadReg(3)).To(Equal(uint64(1)))
			v, _ := acc.Read64(dataBase)
			Expect(v).To(BeZero())
		})

		It("should fail the store when another thread took the address", func() {
			load(
				movz16(2, 2),
				movz(1, 9),
				ldxr(0, 2),
				svc0,
				stxr(3, 1, 2),
				svc0,
			)

			steal := emu.SyscallFunc(func(regs *emu.RegFile, _ uint32) emu.SyscallResult {
				if regs.PC == codeBase+0x10 {
					monitor.RemoveThread(regs.ThreadID)
					Expect(monitor.SetExclusive(2, dataBase)).To(BeTrue())
					return emu.SyscallResult{}
				}
				return emu.SyscallResult{Exited: true}
			})

			_, err := newExecutor(emu.WithSyscallHandler(steal)).Run(context.Background())
			Expect(err).NotTo(HaveOccurred())

			Expect(regFile.ReadReg(3)).To(Equal(uint64(1)))
			Expect(monitor.TestExclusive(2, dataBase)).To(BeTrue())
		})

		It("should not lose increments between threads", func() {
			const rounds = 20000

			load(
				movz16(2, 2),
				movz(4, rounds),
				ldxr(0, 2), // 0x10008
				addImm(0, 0, 1),
				stxr(3, 0, 2),
				cbnzW(3, -12),
				subsImm(4, 4, 1),
				bne(-20),
				svc0,
			)

			var wg sync.WaitGroup
			for tid := uint64(1); tid <= 2; tid++ {
				regs := emu.NewRegFile(emu.CortexA57)
				regs.ThreadID = tid
				regs.PC = codeBase

				e := emu.NewExecutor(regs, memory.NewAccessor(space, memory.WithTLB(4, 2)), monitor,
					emu.WithSyscallHandler(exitWithX0))

				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()

					_, err := e.Run(context.Background())
					Expect(err).NotTo(HaveOccurred())
				}()
			}
			wg.Wait()

			v, err := acc.Read64(dataBase)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(uint64(2 * rounds)))
			Expect(monitor.HeldCount()).To(BeZero())
		})
	})

	Describe("System registers", func() {
		It("should move values through TPIDR_EL0", func() {
			load(
				movz(1, 0x1234),
				0xD51BD041, // MSR TPIDR_EL0, X1
				0xD53BD040, // MRS X0, TPIDR_EL0
				svc0,
			)

			code, err := newExecutor().Run(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(Equal(int64(0x1234)))
		})

		It("should trap writes to TPIDRRO_EL0", func() {
			load(
				0xD51BD061, // MSR TPIDRRO_EL0, X1
				svc0,
			)

			var trapped *insts.Instruction
			handler := emu.UndefinedFunc(func(regs *emu.RegFile, inst *insts.Instruction) emu.SyscallResult {
				trapped = inst
				return emu.SyscallResult{}
			})

			_, err := newExecutor(emu.WithUndefinedHandler(handler)).Run(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(trapped).NotTo(BeNil())
			Expect(trapped.Op).To(Equal(insts.OpMSR))
		})
	})

	Describe("Undefined instructions", func() {
		It("should halt by default", func() {
			load(udf0)

			code, err := newExecutor().Run(context.Background())

			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(Equal(int64(-1)))
		})

		It("should resume after the instruction when the handler returns", func() {
			load(
				brk0,
				movz(0, 3),
				svc0,
			)

			var pcs []uint64
			handler := emu.UndefinedFunc(func(regs *emu.RegFile, inst *insts.Instruction) emu.SyscallResult {
				pcs = append(pcs, regs.PC)
				Expect(inst.Op).To(Equal(insts.OpBRK))
				return emu.SyscallResult{}
			})

			code, err := newExecutor(emu.WithUndefinedHandler(handler)).Run(context.Background())

			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(Equal(int64(3)))
			Expect(pcs).To(Equal([]uint64{codeBase}))
		})

		It("should follow a handler that redirects PC", func() {
			load(
				udf0,
				movz(0, 3),
				svc0,
				movz(0, 4), // 0x1000C
				svc0,
			)

			handler := emu.UndefinedFunc(func(regs *emu.RegFile, _ *insts.Instruction) emu.SyscallResult {
				regs.PC = codeBase + 0xC
				return emu.SyscallResult{}
			})

			code, err := newExecutor(emu.WithUndefinedHandler(handler)).Run(context.Background())

			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(Equal(int64(4)))
		})

		It("should trap valid encodings it cannot execute", func() {
			load(
				movz(0, 1),
				bic,
				addImm(0, 0, 1),
				svc0,
			)

			var trapped []uint32
			handler := emu.UndefinedFunc(func(_ *emu.RegFile, inst *insts.Instruction) emu.SyscallResult {
				trapped = append(trapped, inst.Word)
				return emu.SyscallResult{}
			})

			code, err := newExecutor(emu.WithUndefinedHandler(handler)).Run(context.Background())

			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(Equal(int64(2)))
			Expect(trapped).To(Equal([]uint32{bic}))
		})
	})

	It("should report ENOSYS without a syscall handler", func() {
		load(svc0, udf0)

		e := emu.NewExecutor(regFile, acc, monitor)
		code, err := e.Run(context.Background())

		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(int64(-1)))
		Expect(int64(regFile.ReadReg(0))).To(Equal(int64(-emu.ENOSYS)))
	})

	Describe("Stopping", func() {
		BeforeEach(func() {
			load(nop, b(-4))
		})

		It("should return once the stop flag is raised", func() {
			polls := 0
			e := newExecutor(emu.WithStopFlag(func() bool {
				polls++
				return polls > 10
			}))

			_, err := e.Run(context.Background())

			Expect(err).To(MatchError(emu.ErrStopped))
			Expect(e.InstructionCount()).To(Equal(uint64(20)))
		})

		It("should honor context cancellation", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			_, err := newExecutor().Run(ctx)

			Expect(err).To(MatchError(context.Canceled))
		})

		It("should stop at the instruction limit", func() {
			e := newExecutor(emu.WithMaxInstructions(101))

			_, err := e.Run(context.Background())

			Expect(err).To(MatchError(emu.ErrInstructionLimit))
			Expect(e.InstructionCount()).To(Equal(uint64(101)))
			Expect(regFile.PC).To(Equal(codeBase + 4))
		})
	})

	Describe("Faults", func() {
		It("should fail on a data access to unmapped memory", func() {
			load(
				nop,
				ldr(0, 2),
				svc0,
			)

			_, err := newExecutor().Run(context.Background())

			Expect(errors.Is(err, memory.ErrPageFault)).To(BeTrue())
			Expect(memory.IsFatal(err)).To(BeTrue())
			Expect(regFile.PC).To(Equal(codeBase + 4))
		})

		It("should fail when control reaches unmapped code", func() {
			load(b(0x40000))

			_, err := newExecutor().Run(context.Background())

			var fault *memory.PageFaultError
			Expect(errors.As(err, &fault)).To(BeTrue())
			Expect(fault.Addr).To(Equal(codeBase + 0x40000))
			Expect(regFile.PC).To(Equal(codeBase + 0x40000))
		})

		It("should not execute data pages", func() {
			regFile.PC = dataBase

			_, err := newExecutor().Run(context.Background())

			Expect(errors.Is(err, memory.ErrPageFault)).To(BeTrue())
		})
	})

	It("should decode code again after the mapping changes", func() {
		load(movz(0, 1), svc0)

		e := newExecutor()
		code, err := e.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(int64(1)))
		Expect(e.SubroutineCount()).To(Equal(1))

		load(movz(0, 2), svc0)
		regFile.PC = codeBase

		code, err = e.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(int64(2)))
	})

	It("should reuse decoded blocks", func() {
		load(
			bl(12),
			bl(8),
			svc0,
			addImm(0, 0, 1), // 0x1000C
			ret,
		)

		e := newExecutor()
		code, err := e.Run(context.Background())

		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(int64(2)))
		Expect(e.SubroutineCount()).To(Equal(3))
	})
})
