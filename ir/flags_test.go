package ir_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/tierjit/ir"
)

const (
	cf = 1 << 0
	pf = 1 << 2
	af = 1 << 4
	zf = 1 << 6
	sf = 1 << 7
	of = 1 << 11
)

var _ = Describe("Widths", func() {
	It("should mask and sign-extend", func() {
		Expect(ir.W32.Mask()).To(Equal(uint64(0xFFFFFFFF)))
		Expect(ir.W64.Mask()).To(Equal(^uint64(0)))
		Expect(ir.W16.SignExtend(0x8000)).To(Equal(uint64(0xFFFFFFFFFFFF8000)))
		Expect(ir.W8.SignExtend(0x7F)).To(Equal(uint64(0x7F)))
		Expect(ir.WidthForBytes(2)).To(Equal(ir.W16))
		Expect(ir.Width(12).Valid()).To(BeFalse())
	})
})

var _ = Describe("Flags", func() {
	DescribeTable("arithmetic",
		func(sub bool, a, b uint64, w ir.Width, want uint64) {
			Expect(ir.ArithFlags(sub, a, b, w)).To(Equal(uint64(want)))
		},
		Entry("8-bit carry out to zero", false, uint64(0xFF), uint64(1), ir.W8, uint64(cf|af|zf|pf)),
		Entry("8-bit signed overflow", false, uint64(0x7F), uint64(1), ir.W8, uint64(of|af|sf)),
		Entry("32-bit borrow", true, uint64(0), uint64(1), ir.W32, uint64(cf|af|sf|pf)),
		Entry("operands taken modulo width", false, uint64(0x1FF), uint64(0x101), ir.W8, uint64(cf|af|zf|pf)),
	)

	DescribeTable("signed multiply",
		func(a, b uint64, w ir.Width, want uint64) {
			Expect(ir.MulFlags(a, b, w)).To(Equal(uint64(want)))
		},
		Entry("64-bit overflow", uint64(1)<<32, uint64(1)<<32, ir.W64, uint64(cf|of|zf|pf)),
		Entry("64-bit negative fits", ^uint64(0), uint64(5), ir.W64, uint64(sf)),
		Entry("8-bit overflow", uint64(100), uint64(2), ir.W8, uint64(cf|of|sf)),
	)

	DescribeTable("shifts",
		func(op ir.BinOp, a, count uint64, w ir.Width, want uint64) {
			Expect(ir.ShiftFlags(op, a, count, w)).To(Equal(uint64(want)))
		},
		Entry("shl out of the top", ir.OpShl, uint64(0x81), uint64(1), ir.W8, uint64(cf|of)),
		Entry("shr of a negative", ir.OpShr, uint64(0x81), uint64(1), ir.W8, uint64(cf|of)),
		Entry("sar keeps the sign", ir.OpSar, uint64(0x81), uint64(1), ir.W8, uint64(cf|sf|pf)),
	)

	It("should mask shift counts like x86", func() {
		Expect(ir.ShiftCount(65, ir.W64)).To(Equal(uint64(1)))
		Expect(ir.ShiftCount(33, ir.W32)).To(Equal(uint64(1)))
		Expect(ir.ShiftCount(33, ir.W8)).To(Equal(uint64(1)))
		Expect(ir.Shift(ir.OpSar, 0x80000000, 31, ir.W32)).To(Equal(uint64(0xFFFFFFFF)))
	})

	It("should merge only the flags in the set", func() {
		s := ir.FlagSetOf(ir.FlagCF, ir.FlagZF)
		Expect(ir.ApplyFlags(0xFFFF, 0, s)).To(Equal(uint64(0xFFBE)))
		Expect(ir.ApplyFlags(0, ^uint64(0), s)).To(Equal(uint64(cf | zf)))
	})

	It("should format flag sets", func() {
		Expect(ir.FlagSetOf(ir.FlagCF, ir.FlagOF).String()).To(Equal("cf,of"))
		Expect(ir.NoFlags.String()).To(Equal("-"))
		Expect(ir.IncDecFlags.Has(ir.FlagCF)).To(BeFalse())
		Expect(ir.AllFlags.RFLAGSMask()).To(Equal(uint64(cf | pf | af | zf | sf | of)))
	})
})

var _ = Describe("Conditions", func() {
	DescribeTable("evaluation",
		func(c ir.Cond, rflags uint64, want bool) {
			Expect(c.Eval(rflags)).To(Equal(want))
		},
		Entry("l when sf != of", ir.CondL, uint64(sf), true),
		Entry("ge when sf != of", ir.CondGE, uint64(sf), false),
		Entry("be on zf", ir.CondBE, uint64(zf), true),
		Entry("a on zf", ir.CondA, uint64(zf), false),
		Entry("g with sf == of", ir.CondG, uint64(sf|of), true),
		Entry("np on pf", ir.CondNP, uint64(pf), false),
	)

	It("should report the flags each condition reads", func() {
		Expect(ir.CondNE.ReadFlags()).To(Equal(ir.FlagSetOf(ir.FlagZF)))
		Expect(ir.CondG.ReadFlags()).To(Equal(ir.FlagSetOf(ir.FlagZF, ir.FlagSF, ir.FlagOF)))
		Expect(ir.CondA.ReadFlags()).To(Equal(ir.FlagSetOf(ir.FlagCF, ir.FlagZF)))
	})
})
