package engine_test

import (
	"bytes"
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/tierjit/config"
	"github.com/sarchlab/tierjit/emu"
	"github.com/sarchlab/tierjit/engine"
	"github.com/sarchlab/tierjit/pipeline"
)

// countdown:
//
//	0x1000: mov eax, 5
//	0x1005: dec eax
//	0x1007: jnz 0x1005
//	0x1009: hlt
var countdown = []byte{
	0xb8, 0x05, 0x00, 0x00, 0x00,
	0xff, 0xc8,
	0x75, 0xfc,
	0xf4,
}

// patcher rewrites the immediate of its own first instruction:
//
//	0x1000: mov eax, 5
//	0x1005: mov byte [0x1001], 9
//	0x100d: jmp 0x1000
var patcher = []byte{
	0xb8, 0x05, 0x00, 0x00, 0x00,
	0xc6, 0x04, 0x25, 0x01, 0x10, 0x00, 0x00, 0x09,
	0xeb, 0xf1,
}

// hltSkipper steps over one HLT per call and counts them.
type hltSkipper struct {
	calls int
}

func (h *hltSkipper) Step(cpu *emu.CPUState, mem *emu.Memory) error {
	h.calls++
	Expect(mem.Read8(cpu.RIP)).To(Equal(byte(0xf4)))
	cpu.RIP++
	return nil
}

func start(e *engine.Engine, code []byte) {
	e.Load(0x1000, code)
	cpu := e.CPU()
	cpu.RIP = 0x1000
	e.SetCPU(cpu)
}

var _ = Describe("Engine", func() {
	var (
		ctx context.Context
		cfg *config.Config
	)

	BeforeEach(func() {
		ctx = context.Background()
		cfg = smallConfig()
		cfg.Tier2Threshold = 2
	})

	It("should keep its state in linear memory", func() {
		e := newEngine(cfg)
		cpu := emu.CPUState{RIP: 0x1234, RFLAGS: 0x2}
		cpu.GPR[7] = 77

		e.SetCPU(cpu)

		Expect(e.CPU()).To(Equal(cpu))
		Expect(e.Memory().RAM()).To(HaveLen(int(cfg.GuestRAMSize)))
		Expect(e.Salt()).To(Equal(cfg.TLBSalt))
	})

	It("should draw a salt when none is configured", func() {
		cfg.TLBSalt = 0
		e := newEngine(cfg)

		Expect(e.Salt()).NotTo(BeZero())
	})

	It("should reject an invalid config", func() {
		cfg.GuestRAMSize = 100

		_, err := engine.New(ctx, cfg)

		Expect(err).To(MatchError(ContainSubstring("guest_ram_size")))
	})

	It("should run Tier-1 traces and promote hot entries", func() {
		var log bytes.Buffer
		e := newEngine(cfg, engine.WithLog(&log))
		start(e, countdown)

		var tiers []pipeline.Tier
		for i := 0; i < 4; i++ {
			r, err := e.Step(ctx)
			Expect(err).NotTo(HaveOccurred())
			tiers = append(tiers, r.Tier)
		}

		Expect(tiers).To(Equal([]pipeline.Tier{
			pipeline.Tier1, pipeline.Tier1, pipeline.Tier1, pipeline.Tier2,
		}))
		cpu := e.CPU()
		Expect(cpu.GPR[0]).To(BeZero())
		Expect(cpu.RIP).To(Equal(uint64(0x1009)))
		Expect(e.Stats().Tier1Compiles).To(Equal(uint64(2)))
		Expect(e.Stats().Tier2Compiles).To(Equal(uint64(1)))
		Expect(e.Stats().Promotions).To(Equal(uint64(1)))
		Expect(log.String()).To(ContainSubstring("engine: promoted 0x1005"))
	})

	It("should stop with no progress at an unsupported instruction", func() {
		e := newEngine(cfg)
		start(e, countdown)

		n, err := e.Run(ctx, 100)

		Expect(err).To(MatchError(engine.ErrNoProgress))
		Expect(n).To(Equal(4))
		Expect(e.CPU().RIP).To(Equal(uint64(0x1009)))
	})

	It("should give the same result on the wazero interpreter", func() {
		cfg.ForceInterpreterRuntime = true
		e := newEngine(cfg)
		start(e, countdown)

		_, err := e.Run(ctx, 100)

		Expect(err).To(MatchError(engine.ErrNoProgress))
		Expect(e.CPU().GPR[0]).To(BeZero())
		Expect(e.CPU().RIP).To(Equal(uint64(0x1009)))
	})

	It("should compile straight to Tier-2 with a zero threshold", func() {
		cfg.Tier2Threshold = 0
		e := newEngine(cfg)
		start(e, countdown)

		r, err := e.Step(ctx)

		Expect(err).NotTo(HaveOccurred())
		Expect(r.Tier).To(Equal(pipeline.Tier2))
		Expect(r.Next).To(Equal(uint64(0x1009)))
		Expect(e.Stats().Tier1Compiles).To(BeZero())
	})

	It("should hand unsupported instructions to the interpreter", func() {
		skipper := &hltSkipper{}
		e := newEngine(cfg, engine.WithInterpreter(skipper))
		// hlt; mov ebx, 7; hlt
		start(e, []byte{0xf4, 0xbb, 0x07, 0x00, 0x00, 0x00, 0xf4})

		n, err := e.Run(ctx, 3)

		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(3))
		Expect(skipper.calls).To(Equal(2))
		Expect(e.CPU().GPR[3]).To(Equal(uint64(7)))
		Expect(e.CPU().RIP).To(Equal(uint64(0x1007)))
		Expect(e.Stats().Interpreted).To(Equal(uint64(2)))
	})

	It("should recompile code that rewrote itself", func() {
		e := newEngine(cfg)
		start(e, patcher)

		r, err := e.Step(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Next).To(Equal(uint64(0x1000)))
		Expect(e.CPU().GPR[0]).To(Equal(uint64(5)))

		_, err = e.Step(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(e.CPU().GPR[0]).To(Equal(uint64(9)))
		Expect(e.Stats().Invalidations).To(Equal(uint64(1)))
		Expect(e.Stats().Tier1Compiles).To(Equal(uint64(2)))
	})

	It("should recompile after the host patches code", func() {
		e := newEngine(cfg)
		start(e, countdown)

		_, err := e.Step(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(e.CPU().GPR[0]).To(Equal(uint64(4)))

		e.Load(0x1001, []byte{0x03})
		cpu := e.CPU()
		cpu.RIP = 0x1000
		e.SetCPU(cpu)
		_, err = e.Step(ctx)

		Expect(err).NotTo(HaveOccurred())
		Expect(e.CPU().GPR[0]).To(Equal(uint64(2)))
		Expect(e.Stats().Invalidations).To(Equal(uint64(1)))
	})

	It("should close traces evicted from a full cache", func() {
		cfg.TraceCacheSets = 1
		cfg.TraceCacheWays = 1
		cfg.Tier2Threshold = 100
		e := newEngine(cfg)
		start(e, countdown)

		_, err := e.Run(ctx, 3)

		Expect(err).NotTo(HaveOccurred())
		Expect(e.Stats().Evictions).To(Equal(uint64(1)))
	})

	It("should stop on a cancelled context", func() {
		e := newEngine(cfg)
		start(e, countdown)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		n, err := e.Run(cctx, 10)

		Expect(err).To(MatchError(context.Canceled))
		Expect(n).To(BeZero())
	})

	It("should let its compiler build many entries in parallel", func() {
		e := newEngine(cfg)
		// mov eax, 5; hlt on pages 1..14
		var entries []uint64
		for page := uint64(1); page <= 14; page++ {
			e.Load(page<<12, []byte{0xb8, 0x05, 0x00, 0x00, 0x00, 0xf4})
			entries = append(entries, page<<12)
		}

		arts, err := e.Compiler().CompileAll(ctx, entries, pipeline.Tier2)

		Expect(err).NotTo(HaveOccurred())
		Expect(arts).To(HaveLen(len(entries)))
		for i, art := range arts {
			page := entries[i] >> 12
			Expect(art.CodePages).To(HaveKeyWithValue(page, uint64(0)))
			Expect(e.Memory().IsCode(entries[i])).To(BeTrue())
		}

		art, err := e.Compiler().Compile(entries[3], pipeline.Tier1)
		Expect(err).NotTo(HaveOccurred())
		tr, err := e.Instantiate(ctx, art)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { tr.Close(ctx) })
		next, err := tr.Call(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(next).To(Equal(uint64(0x4005)))
		Expect(e.CPU().GPR[0]).To(Equal(uint64(5)))
	})

	It("should warm the Tier-1 cache ahead of a run", func() {
		e := newEngine(cfg)
		start(e, countdown)

		n, err := e.Warm(ctx, []uint64{0x1000, 0x1005, 0x1009})

		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(2))
		Expect(e.Stats().Tier1Compiles).To(Equal(uint64(3)))

		r, err := e.Step(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Tier).To(Equal(pipeline.Tier1))
		Expect(r.Next).To(Equal(uint64(0x1005)))
		Expect(e.Stats().Tier1Compiles).To(Equal(uint64(3)))

		n, err = e.Warm(ctx, []uint64{0x1000, 0x1005, 0x1009})
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeZero())
		Expect(e.Stats().Tier1Compiles).To(Equal(uint64(4)))
	})
})
