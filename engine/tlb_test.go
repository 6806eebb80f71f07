package engine_test

import (
	"context"
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/tierjit/codegen"
	"github.com/sarchlab/tierjit/config"
	"github.com/sarchlab/tierjit/engine"
	"github.com/sarchlab/tierjit/ir"
	"github.com/sarchlab/tierjit/tier2"
)

// access is one memory operation of a straight-line test function. Loads
// land in consecutive registers starting at RAX.
type access struct {
	store bool
	addr  uint64
	width ir.Width
	value uint64
}

func accessFunction(accesses ...access) *tier2.Function {
	b := &tier2.Block{StartRIP: 0x1000, Len: 1, Term: &tier2.SideExit{RIP: 0x1001}}
	var v tier2.ValueID
	reg := 0
	for _, a := range accesses {
		if a.store {
			b.Instrs = append(b.Instrs, &tier2.Store{
				Addr: tier2.Imm(a.addr), Src: tier2.Imm(a.value), Width: a.width,
			})
			continue
		}
		b.Instrs = append(b.Instrs,
			&tier2.Load{Dst: v, Addr: tier2.Imm(a.addr), Width: a.width},
			&tier2.StoreReg{Index: reg, Src: tier2.Val(v)})
		v++
		reg++
	}
	return &tier2.Function{Blocks: []*tier2.Block{b}, NumValues: int(v)}
}

func runInline(e *engine.Engine, f *tier2.Function) {
	ctx := context.Background()
	bin, err := codegen.Tier2(f, codegen.Options{InlineTLB: true})
	Expect(err).NotTo(HaveOccurred())
	tr, err := e.InstantiateModule(ctx, bin)
	Expect(err).NotTo(HaveOccurred())
	defer tr.Close(ctx)

	next, err := tr.Call(ctx)
	Expect(err).NotTo(HaveOccurred())
	Expect(next).To(Equal(uint64(0x1001)))
}

var _ = Describe("Inline TLB", func() {
	var (
		cfg *config.Config
		e   *engine.Engine
	)

	BeforeEach(func() {
		cfg = smallConfig()
		cfg.GuestRAMSize = 2 << 20
	})

	JustBeforeEach(func() {
		e = newEngine(cfg)
	})

	It("should translate once and then hit", func() {
		e.Memory().Write64(0x2010, 0x1122334455667788)
		e.Memory().Write32(0x2020, 0xcafef00d)

		runInline(e, accessFunction(
			access{addr: 0x2010, width: ir.W64},
			access{addr: 0x2020, width: ir.W32},
		))

		Expect(e.CPU().GPR[0]).To(Equal(uint64(0x1122334455667788)))
		Expect(e.CPU().GPR[1]).To(Equal(uint64(0xcafef00d)))
		Expect(e.Stats().Translates).To(Equal(uint64(1)))
		Expect(e.Stats().SlowReads).To(BeZero())
	})

	It("should translate again after a colliding page evicts the line", func() {
		const other = 0x2010 + 256*4096
		e.Memory().Write16(0x2010, 0xaaaa)
		e.Memory().Write16(other, 0xbbbb)

		runInline(e, accessFunction(
			access{addr: 0x2010, width: ir.W16},
			access{addr: other, width: ir.W16},
			access{addr: 0x2010, width: ir.W16},
		))

		Expect(e.CPU().GPR[0]).To(Equal(uint64(0xaaaa)))
		Expect(e.CPU().GPR[1]).To(Equal(uint64(0xbbbb)))
		Expect(e.CPU().GPR[2]).To(Equal(uint64(0xaaaa)))
		Expect(e.Stats().Translates).To(Equal(uint64(3)))
		Expect(e.Stats().SlowReads).To(BeZero())
	})

	It("should take the slow path for an access that crosses a page", func() {
		e.Memory().Write64(0x2ffc, 0x0102030405060708)

		runInline(e, accessFunction(access{addr: 0x2ffc, width: ir.W64}))

		Expect(e.CPU().GPR[0]).To(Equal(uint64(0x0102030405060708)))
		Expect(e.Stats().Translates).To(BeZero())
		Expect(e.Stats().SlowReads).To(Equal(uint64(1)))
	})

	It("should store through the fast path", func() {
		runInline(e, accessFunction(
			access{store: true, addr: 0x4008, width: ir.W32, value: 0xdeadbeef},
			access{addr: 0x4008, width: ir.W64},
		))

		Expect(e.Memory().Read32(0x4008)).To(Equal(uint32(0xdeadbeef)))
		Expect(e.CPU().GPR[0]).To(Equal(uint64(0xdeadbeef)))
		Expect(e.Stats().Translates).To(Equal(uint64(1)))
		Expect(e.Stats().SlowWrites).To(BeZero())
	})

	It("should send stores to code pages through the slow path", func() {
		e.Memory().MarkCode(0x4000)

		runInline(e, accessFunction(
			access{store: true, addr: 0x4008, width: ir.W8, value: 0x7f},
			access{addr: 0x4008, width: ir.W8},
		))

		Expect(e.Memory().Read8(0x4008)).To(Equal(byte(0x7f)))
		Expect(e.CPU().GPR[0]).To(Equal(uint64(0x7f)))
		Expect(e.Stats().SlowWrites).To(Equal(uint64(1)))
		Expect(e.Stats().SlowReads).To(BeZero())
		Expect(e.Memory().PageVersion(4)).To(Equal(uint32(1)))
	})

	It("should not cache lines across a flush", func() {
		f := accessFunction(access{addr: 0x2010, width: ir.W8})
		runInline(e, f)
		e.FlushTLB()
		runInline(e, f)

		Expect(e.Stats().Translates).To(Equal(uint64(2)))
	})

	Context("with remapped high RAM", func() {
		const highBase = 0xffff_ffff_ffff_0000

		BeforeEach(func() {
			cfg.GuestRAMSize = 0x20000
			cfg.LowRAMEnd = 0x10000
			cfg.HighRAMBase = highBase
		})

		It("should resolve through wrapping arithmetic", func() {
			binary.LittleEndian.PutUint64(e.Memory().RAM()[0x10010:], 0x0badc0de12345678)

			runInline(e, accessFunction(access{addr: highBase + 0x10, width: ir.W64}))

			Expect(e.CPU().GPR[0]).To(Equal(uint64(0x0badc0de12345678)))
			Expect(e.Stats().Translates).To(Equal(uint64(1)))
			Expect(e.Stats().SlowReads).To(BeZero())
		})

		It("should read unbacked addresses as open bus", func() {
			runInline(e, accessFunction(access{addr: 0x18000, width: ir.W32}))

			Expect(e.CPU().GPR[0]).To(Equal(uint64(0xffffffff)))
			Expect(e.Stats().SlowReads).To(Equal(uint64(1)))
		})
	})
})
