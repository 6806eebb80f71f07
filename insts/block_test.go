package insts_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/arch/x86/x86asm"

	"github.com/sarchlab/tierjit/insts"
	"github.com/sarchlab/tierjit/ir"
)

var _ = Describe("Discover", func() {
	const base = 0x401000

	It("should stop at a control transfer", func() {
		bus := &byteBus{base: base, code: []byte{
			0x48, 0x01, 0xd8, // add rax, rbx
			0x90, // nop
			0xc3, // ret
			0x90,
		}}

		b := insts.Discover(bus, base, insts.DefaultLimits())
		Expect(b.End).To(Equal(insts.EndControl))
		Expect(b.Insts).To(HaveLen(3))
		Expect(b.Insts[0].Op.Op).To(Equal(x86asm.ADD))
		Expect(b.Last().Op.Op).To(Equal(x86asm.RET))
		Expect(b.Next).To(Equal(uint64(base + 5)))
		Expect(b.Len()).To(Equal(5))
	})

	It("should end with a limit exit at the instruction budget", func() {
		bus := &byteBus{base: base}

		b := insts.Discover(bus, base, insts.Limits{MaxInstructions: 4, MaxBytes: 1024})
		Expect(b.End).To(Equal(insts.EndLimit))
		Expect(b.Insts).To(HaveLen(4))
		Expect(b.Next).To(Equal(uint64(base + 4)))
	})

	It("should end with a limit exit at the byte budget", func() {
		code := make([]byte, 0, 64)
		for i := 0; i < 10; i++ {
			code = append(code, 0x48, 0x01, 0xd8)
		}
		bus := &byteBus{base: base, code: code}

		b := insts.Discover(bus, base, insts.Limits{MaxInstructions: 64, MaxBytes: 16})
		Expect(b.End).To(Equal(insts.EndLimit))
		Expect(b.Insts).To(HaveLen(5))
		Expect(b.Len()).To(Equal(15))
	})

	It("should yield a one-instruction block for undecodable bytes", func() {
		bus := &byteBus{base: base, code: []byte{0x06}}

		b := insts.Discover(bus, base, insts.DefaultLimits())
		Expect(b.End).To(Equal(insts.EndInvalid))
		Expect(b.Insts).To(HaveLen(1))
		Expect(b.Insts[0].Invalid).To(BeTrue())
		Expect(b.Next).To(Equal(uint64(base + 1)))
	})

	It("should keep instructions before an undecodable byte", func() {
		bus := &byteBus{base: base, code: []byte{0x90, 0x90, 0x06}}

		b := insts.Discover(bus, base, insts.DefaultLimits())
		Expect(b.End).To(Equal(insts.EndInvalid))
		Expect(b.Insts).To(HaveLen(3))
	})

	It("should treat conditional branches as block ends", func() {
		bus := &byteBus{base: base, code: []byte{0x74, 0x02}} // je +2

		b := insts.Discover(bus, base, insts.DefaultLimits())
		Expect(b.End).To(Equal(insts.EndControl))
		Expect(b.Insts[0].Op.Args[0]).To(Equal(x86asm.Rel(2)))
	})
})

var _ = Describe("GuestReg", func() {
	DescribeTable("register mapping",
		func(r x86asm.Reg, want ir.GuestReg) {
			got, ok := insts.GuestReg(r)
			Expect(ok).To(BeTrue())
			Expect(got).To(Equal(want))
		},
		Entry("al", x86asm.AL, ir.GPR(0, ir.W8)),
		Entry("ah", x86asm.AH, ir.High8(0)),
		Entry("bh", x86asm.BH, ir.High8(3)),
		Entry("spl", x86asm.SPB, ir.GPR(4, ir.W8)),
		Entry("r9b", x86asm.R9B, ir.GPR(9, ir.W8)),
		Entry("cx", x86asm.CX, ir.GPR(1, ir.W16)),
		Entry("r10d", x86asm.R10L, ir.GPR(10, ir.W32)),
		Entry("r15", x86asm.R15, ir.GPR(15, ir.W64)),
	)

	It("should reject segment registers", func() {
		_, ok := insts.GuestReg(x86asm.FS)
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("Entries", func() {
	const base = 0x1000

	It("should collect block starts and direct targets", func() {
		// mov ecx, 1000; xor eax, eax; loop: add eax, ecx; dec ecx; jnz loop; hlt
		bus := &byteBus{base: base, code: []byte{
			0xb9, 0xe8, 0x03, 0x00, 0x00,
			0x31, 0xc0,
			0x01, 0xc8,
			0xff, 0xc9,
			0x75, 0xfa,
			0xf4,
		}}

		entries := insts.Entries(bus, base, base+14, insts.DefaultLimits())

		Expect(entries).To(Equal([]uint64{base, base + 7, base + 13}))
	})

	It("should drop targets outside the range", func() {
		// call +0x100; hlt
		bus := &byteBus{base: base, code: []byte{0xe8, 0x00, 0x01, 0x00, 0x00, 0xf4}}

		entries := insts.Entries(bus, base, base+6, insts.DefaultLimits())

		Expect(entries).To(Equal([]uint64{base, base + 5}))
	})
})
