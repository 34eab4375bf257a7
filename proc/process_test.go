package proc_test

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/armhle/config"
	"github.com/sarchlab/armhle/emu"
	"github.com/sarchlab/armhle/loader"
	"github.com/sarchlab/armhle/memory"
	"github.com/sarchlab/armhle/proc"
)

const (
	svc0 = 0xD4000001
	loop = 0x14000000 // B .
)

func movz(rd uint32, imm uint32) uint32 { return 0xD2800000 | imm<<5 | rd }

// movz16 is MOVZ Xd, #imm, LSL #16.
func movz16(rd uint32, imm uint32) uint32 { return 0xD2A00000 | imm<<5 | rd }

func ldr(rt, rn uint32) uint32 { return 0xF9400000 | rn<<5 | rt }

func ldxr(rt, rn uint32) uint32 { return 0xC85F7C00 | rn<<5 | rt }

var exitWithX0 = emu.SyscallFunc(func(regs *emu.RegFile, _ uint32) emu.SyscallResult {
	return emu.SyscallResult{Exited: true, ExitCode: int64(regs.ReadReg(0))}
})

// image builds a module whose text starts with code. The MOD0 header at
// text+0x80 points its dynamic section at the zeroed data segment and leaves
// the bss empty, so the image ends at base+0x1010.
func image(code ...uint32) *loader.Image {
	text := make([]byte, 0x100)
	for i, w := range code {
		binary.LittleEndian.PutUint32(text[4*i:], w)
	}

	mod0 := text[0x80:]
	binary.LittleEndian.PutUint32(mod0[0x00:], loader.Mod0Magic)
	binary.LittleEndian.PutUint32(mod0[0x04:], 0xF80) // dynamic at 0x1000
	binary.LittleEndian.PutUint32(mod0[0x08:], 0xF90) // bss start at 0x1010
	binary.LittleEndian.PutUint32(mod0[0x0C:], 0xF90) // bss end at 0x1010

	return &loader.Image{
		Text:       text,
		Data:       make([]byte, 0x10),
		DataOffset: 0x1000,
		Mod0Offset: 0x80,
	}
}

var _ = Describe("Process", func() {
	var (
		cfg *config.Config
		p   *proc.Process
		ctx context.Context
	)

	newProcess := func(opts ...proc.ProcessOption) *proc.Process {
		opts = append([]proc.ProcessOption{
			proc.WithConfig(cfg),
			proc.WithLogger(GinkgoLogr),
			proc.WithSyscallHandler(exitWithX0),
		}, opts...)

		created, err := proc.NewProcess(7, opts...)
		Expect(err).NotTo(HaveOccurred())

		return created
	}

	BeforeEach(func() {
		cfg = config.Default()
		cfg.ArenaSize = 16 << 20
		cfg.StackSize = 64 << 10

		ctx = context.Background()
	})

	Describe("boot", func() {
		BeforeEach(func() {
			p = newProcess()
		})

		It("should map the TLS region at the top of the address space", func() {
			Expect(p.ID()).To(Equal(uint64(7)))
			Expect(p.TLSBase()).To(Equal(uint64(0xFFFFFC000)))

			region := p.Space().RegionInfo(p.TLSBase())
			Expect(region.Tag).To(Equal(memory.TagThreadLocal))
			Expect(region.Perm).To(Equal(memory.PermRW))
			Expect(region.End()).To(Equal(memory.AddrSize))
		})

		It("should reject an invalid config", func() {
			cfg.TLSSlots = 1
			_, err := proc.NewProcess(1, proc.WithConfig(cfg))
			Expect(err).To(MatchError(ContainSubstring("tls_slots")))
		})
	})

	Describe("image placement", func() {
		BeforeEach(func() {
			p = newProcess()
		})

		It("should place images one after another", func() {
			first, err := p.LoadImage(image(svc0))
			Expect(err).NotTo(HaveOccurred())
			Expect(first.ImageBase).To(Equal(uint64(0x8000000)))
			Expect(first.ImageEnd).To(Equal(uint64(0x8001010)))
			Expect(p.ImageBase()).To(Equal(uint64(0x8002000)))

			second, err := p.LoadImage(image(svc0))
			Expect(err).NotTo(HaveOccurred())
			Expect(second.ImageBase).To(Equal(uint64(0x8002000)))
			Expect(p.Images()).To(HaveLen(2))
		})

		It("should reserve an argument page and align the heap", func() {
			_, err := p.LoadImage(image(svc0))
			Expect(err).NotTo(HaveOccurred())

			p.SetEmptyArgs()
			Expect(p.ImageBase()).To(Equal(uint64(0x8003000)))

			Expect(p.InitializeHeap()).To(Succeed())
			Expect(p.Space().HeapAddr()).To(Equal(uint64(0x40000000)))

			Expect(p.InitializeHeap()).NotTo(Succeed())
		})

		It("should fail on a bad module header", func() {
			img := image(svc0)
			img.Text[0x80] = 0

			_, err := p.LoadImage(img)
			Expect(errors.Is(err, loader.ErrBadMod0)).To(BeTrue())
		})
	})

	Describe("threads", func() {
		BeforeEach(func() {
			p = newProcess()
		})

		It("should set up the initial registers", func() {
			t, err := p.NewThread(0x8000000, 0x9000000, 0x1234, 20)
			Expect(err).NotTo(HaveOccurred())

			regs := t.Registers()
			Expect(t.ID()).To(Equal(uint64(1)))
			Expect(regs.PC).To(Equal(uint64(0x8000000)))
			Expect(regs.SP).To(Equal(uint64(0x9000000)))
			Expect(regs.ReadReg(0)).To(Equal(uint64(0x1234)))
			Expect(regs.ReadReg(1)).To(Equal(t.Handle()))
			Expect(regs.ProcessID).To(Equal(uint64(7)))
			Expect(regs.ThreadID).To(Equal(t.ID()))
			Expect(t.TLSAddr()).To(Equal(p.TLSBase() + 0x200))
			Expect(regs.TPIDRRO).To(Equal(t.TLSAddr()))
			Expect(t.Priority()).To(Equal(20))
			Expect(t.State()).To(Equal(proc.ThreadCreated))
		})

		It("should leave the stack to the caller", func() {
			used := p.Space().UsedMemory()

			_, err := p.NewThread(0x8000000, 0x9000000, 0, 20)
			Expect(err).NotTo(HaveOccurred())

			Expect(p.Space().UsedMemory()).To(Equal(used))
			Expect(p.Space().IsMapped(0x9000000 - memory.PageSize)).To(BeFalse())
		})

		It("should run out of TLS slots and reuse freed ones", func() {
			var threads []*proc.Thread
			for range 31 {
				t, err := p.NewThread(0x8000000, 0, 0, 30)
				Expect(err).NotTo(HaveOccurred())
				threads = append(threads, t)
			}

			Expect(threads[30].TLSAddr()).To(Equal(p.TLSBase() + 31*0x200))

			_, err := p.NewThread(0x8000000, 0, 0, 30)
			Expect(err).To(MatchError(proc.ErrNoTLSSlot))

			victim := threads[4]
			victim.Stop()
			Expect(victim.Alive()).To(BeFalse())
			Expect(p.Threads()).To(HaveLen(30))

			t, err := p.NewThread(0x8000000, 0, 0, 30)
			Expect(err).NotTo(HaveOccurred())
			Expect(t.TLSAddr()).To(Equal(victim.TLSAddr()))
			Expect(t.ID()).To(Equal(victim.ID()))
		})

		It("should report a stopped thread that never ran", func() {
			t, err := p.NewThread(0x8000000, 0, 0, 30)
			Expect(err).NotTo(HaveOccurred())

			t.Stop()

			_, err = t.Wait(ctx)
			Expect(err).To(MatchError(emu.ErrStopped))
			Expect(t.Start(ctx)).To(MatchError(proc.ErrThreadStarted))
		})

		It("should refuse to start twice", func() {
			_, err := p.LoadImage(image(loop))
			Expect(err).NotTo(HaveOccurred())

			t, err := p.NewThread(0x8000000, 0, 0, 30)
			Expect(err).NotTo(HaveOccurred())

			Expect(t.Start(ctx)).To(Succeed())
			Expect(t.Start(ctx)).To(MatchError(proc.ErrThreadStarted))

			t.Stop()
			Eventually(t.Done()).Should(BeClosed())
		})
	})

	Describe("Run", func() {
		It("should fail without an image", func() {
			p = newProcess()

			_, err := p.Run(ctx)
			Expect(err).To(MatchError(proc.ErrNoImage))
		})

		It("should run the main thread to its exit code", func() {
			p = newProcess()

			_, err := p.LoadImage(image(movz(0, 9), svc0))
			Expect(err).NotTo(HaveOccurred())

			t, err := p.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.MainThread()).To(BeIdenticalTo(t))
			Expect(t.Priority()).To(Equal(proc.MainThreadPriority))

			code, err := t.Wait(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(Equal(int64(9)))
			Expect(t.InstructionCount()).To(Equal(uint64(2)))
			Expect(t.Alive()).To(BeFalse())
			Expect(p.Threads()).To(BeEmpty())

			Expect(t.Registers().SP).To(Equal(p.TLSBase()))
			Expect(p.Space().IsMapped(p.TLSBase() - cfg.StackSize)).To(BeTrue())
			Expect(p.Space().IsMapped(p.TLSBase() - cfg.StackSize - 1)).To(BeFalse())
		})

		It("should drop a finished thread's reservation", func() {
			p = newProcess()

			Expect(p.Space().MapAndAllocate(0x10000000, memory.PageSize, memory.TagNormal, memory.PermRW)).
				To(Succeed())

			_, err := p.LoadImage(image(movz16(1, 0x1000), ldxr(0, 1), svc0))
			Expect(err).NotTo(HaveOccurred())

			t, err := p.Run(ctx)
			Expect(err).NotTo(HaveOccurred())

			_, err = t.Wait(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Monitor().HeldCount()).To(Equal(0))
		})

		It("should hand fatal faults to the supervisor", func() {
			faults := make(chan error, 1)

			p = newProcess(proc.WithFaultFunc(func(_ *proc.Thread, err error) {
				faults <- err
			}))

			_, err := p.LoadImage(image(movz16(1, 0x10), ldr(0, 1), svc0))
			Expect(err).NotTo(HaveOccurred())

			t, err := p.Run(ctx)
			Expect(err).NotTo(HaveOccurred())

			var fault error
			Eventually(faults).Should(Receive(&fault))
			Expect(errors.Is(fault, memory.ErrPageFault)).To(BeTrue())

			var pf *memory.PageFaultError
			Expect(errors.As(fault, &pf)).To(BeTrue())
			Expect(pf.Addr).To(Equal(uint64(0x100000)))

			_, err = t.Wait(ctx)
			Expect(err).To(MatchError(fault))
		})

		It("should honor the instruction limit", func() {
			cfg.MaxInstructions = 50
			p = newProcess()

			_, err := p.LoadImage(image(loop))
			Expect(err).NotTo(HaveOccurred())

			t, err := p.Run(ctx)
			Expect(err).NotTo(HaveOccurred())

			_, err = t.Wait(ctx)
			Expect(err).To(MatchError(emu.ErrInstructionLimit))
			Expect(t.InstructionCount()).To(Equal(uint64(50)))
		})
	})

	Describe("StopAll", func() {
		It("should stop spinning threads and refuse new ones", func() {
			p = newProcess()

			_, err := p.LoadImage(image(loop))
			Expect(err).NotTo(HaveOccurred())

			main, err := p.Run(ctx)
			Expect(err).NotTo(HaveOccurred())

			worker, err := p.NewThread(0x8000000, 0, 0, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(worker.Start(ctx)).To(Succeed())

			Consistently(main.Alive, 20*time.Millisecond).Should(BeTrue())

			Expect(p.StopAll(ctx)).To(Succeed())

			for _, t := range []*proc.Thread{main, worker} {
				Expect(t.Alive()).To(BeFalse())

				_, err := t.Wait(ctx)
				Expect(err).To(MatchError(emu.ErrStopped))
			}

			Expect(p.Threads()).To(BeEmpty())

			_, err = p.NewThread(0x8000000, 0, 0, 10)
			Expect(err).To(MatchError(proc.ErrProcessStopped))
		})

		It("should finish threads that never started", func() {
			p = newProcess()

			t, err := p.NewThread(0x8000000, 0, 0, 10)
			Expect(err).NotTo(HaveOccurred())

			Expect(p.StopAll(ctx)).To(Succeed())
			Expect(t.Done()).To(BeClosed())
		})

		It("should give up when the context ends", func() {
			entered := make(chan struct{}, 1)
			release := make(chan struct{})

			blocking := emu.SyscallFunc(func(*emu.RegFile, uint32) emu.SyscallResult {
				select {
				case entered <- struct{}{}:
				default:
				}
				<-release
				return emu.SyscallResult{}
			})

			p = newProcess(proc.WithSyscallHandler(blocking))

			_, err := p.LoadImage(image(svc0, loop))
			Expect(err).NotTo(HaveOccurred())

			t, err := p.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Eventually(entered).Should(Receive())

			short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
			defer cancel()

			Expect(p.StopAll(short)).To(MatchError(context.DeadlineExceeded))
			Expect(t.Alive()).To(BeTrue())

			close(release)

			_, err = t.Wait(ctx)
			Expect(err).To(MatchError(emu.ErrStopped))
		})
	})
})
