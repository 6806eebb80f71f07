package emu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/tierjit/abi"
	"github.com/sarchlab/tierjit/emu"
	"github.com/sarchlab/tierjit/ir"
)

var _ = Describe("CPUState", func() {
	var cpu *emu.CPUState

	BeforeEach(func() {
		cpu = &emu.CPUState{}
		cpu.GPR[0] = 0x1122334455667788
	})

	Context("register aliasing", func() {
		It("should zero-extend 32-bit writes", func() {
			cpu.WriteGPR(0, ir.W32, false, 0xDEADBEEF)
			Expect(cpu.GPR[0]).To(Equal(uint64(0xDEADBEEF)))
		})

		It("should merge 16-bit writes", func() {
			cpu.WriteGPR(0, ir.W16, false, 0xABCD)
			Expect(cpu.GPR[0]).To(Equal(uint64(0x112233445566ABCD)))
		})

		It("should merge 8-bit writes", func() {
			cpu.WriteGPR(0, ir.W8, false, 0x1FF)
			Expect(cpu.GPR[0]).To(Equal(uint64(0x11223344556677FF)))
		})

		It("should read and write high-8 registers", func() {
			Expect(cpu.ReadGPR(0, ir.W8, true)).To(Equal(uint64(0x77)))
			cpu.WriteGPR(0, ir.W8, true, 0x42)
			Expect(cpu.GPR[0]).To(Equal(uint64(0x1122334455664288)))
		})

		It("should mask narrow reads", func() {
			Expect(cpu.ReadGPR(0, ir.W16, false)).To(Equal(uint64(0x7788)))
			Expect(cpu.Read(ir.GPR(0, ir.W32))).To(Equal(uint64(0x55667788)))
		})
	})

	Context("flags", func() {
		It("should set and clear individual flags", func() {
			cpu.SetFlag(ir.FlagZF, true)
			cpu.SetFlag(ir.FlagOF, true)
			Expect(cpu.RFLAGS).To(Equal(uint64(1<<abi.ZFBit | 1<<abi.OFBit)))

			cpu.SetFlag(ir.FlagZF, false)
			Expect(cpu.Flag(ir.FlagZF)).To(BeFalse())
			Expect(cpu.Flag(ir.FlagOF)).To(BeTrue())
		})

		It("should write flag registers from nonzero values", func() {
			cpu.Write(ir.FlagReg(ir.FlagCF), 2)
			Expect(cpu.Read(ir.FlagReg(ir.FlagCF))).To(Equal(uint64(1)))
		})
	})

	It("should round-trip through the ABI layout", func() {
		cpu.GPR[15] = 99
		cpu.RIP = 0x401000
		cpu.RFLAGS = 0x8C5

		buf := make([]byte, abi.CPUStateSize)
		cpu.Encode(buf)

		var out emu.CPUState
		out.Decode(buf)
		Expect(out.Equal(cpu)).To(BeTrue())
		Expect(buf[abi.RIPOffset+1]).To(Equal(byte(0x10)))
	})
})
