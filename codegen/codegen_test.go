package codegen_test

import (
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/tierjit/codegen"
	"github.com/sarchlab/tierjit/emu"
	"github.com/sarchlab/tierjit/engine"
	"github.com/sarchlab/tierjit/ir"
	"github.com/sarchlab/tierjit/tier1"
	"github.com/sarchlab/tierjit/tier2"
)

// countdown decrements RAX until it reaches zero, adding RAX into RBX on
// every iteration, then leaves at 0x2000.
func countdown() *tier2.Function {
	loop := &tier2.Block{
		ID:       0,
		StartRIP: 0x1000,
		Len:      8,
		Instrs: []tier2.Instr{
			&tier2.LoadReg{Dst: 0, Index: 0},
			&tier2.LoadReg{Dst: 1, Index: 3},
			&tier2.BinOp{Dst: 2, Op: ir.OpAdd, LHS: tier2.Val(1), RHS: tier2.Val(0)},
			&tier2.StoreReg{Index: 3, Src: tier2.Val(2)},
			&tier2.BinOp{Dst: 3, Op: ir.OpSub, LHS: tier2.Val(0), RHS: tier2.Imm(1)},
			&tier2.StoreReg{Index: 0, Src: tier2.Val(3)},
		},
		Term: &tier2.Branch{Cond: tier2.Val(3), Then: 0, Else: 1},
	}
	done := &tier2.Block{
		ID:       1,
		StartRIP: 0x1008,
		Len:      1,
		Term:     &tier2.SideExit{RIP: 0x2000},
	}
	return &tier2.Function{Blocks: []*tier2.Block{loop, done}, NumValues: 4}
}

var _ = Describe("Tier-2 dispatch", func() {
	var e *engine.Engine

	BeforeEach(func() {
		e = newEngine()
	})

	DescribeTable("should honor the block budget like the interpreter",
		func(rax uint64, budget int) {
			f := countdown()
			bin, err := codegen.Tier2(f, codegen.Options{Budget: budget})
			Expect(err).NotTo(HaveOccurred())

			cpu := emu.CPUState{}
			cpu.GPR[0] = rax
			e.SetCPU(cpu)
			exit := tier2.Interpret(f, &cpu, emu.NewMemory(ramSize), budget)

			next := run(e, bin)

			Expect(next).To(Equal(exit.NextRIP))
			Expect(e.CPU()).To(Equal(cpu))
		},
		Entry("unlimited", uint64(10), 0),
		Entry("budget larger than the loop", uint64(10), 100),
		Entry("budget runs out inside the loop", uint64(10), 3),
		Entry("budget of one", uint64(10), 1),
		Entry("budget runs out at the exit block", uint64(2), 2),
	)

	It("should stop at the start of the next block when the budget runs out", func() {
		bin, err := codegen.Tier2(countdown(), codegen.Options{Budget: 3})
		Expect(err).NotTo(HaveOccurred())
		cpu := emu.CPUState{}
		cpu.GPR[0] = 10
		e.SetCPU(cpu)

		next := run(e, bin)

		Expect(next).To(Equal(uint64(0x1000)))
		Expect(e.CPU().GPR[0]).To(Equal(uint64(7)))
		Expect(e.CPU().GPR[3]).To(Equal(uint64(10 + 9 + 8)))
		Expect(e.CPU().RIP).To(Equal(uint64(0x1000)))
	})

	It("should reject a multiply that updates flags", func() {
		f := &tier2.Function{
			Blocks: []*tier2.Block{{
				StartRIP: 0x1000,
				Instrs: []tier2.Instr{
					&tier2.BinOp{Dst: 0, Op: ir.OpMul, LHS: tier2.Imm(3), RHS: tier2.Imm(5),
						Flags: ir.FlagSetOf(ir.FlagCF), FlagWidth: ir.W64},
				},
				Term: &tier2.SideExit{RIP: 0x1004},
			}},
			NumValues: 1,
		}

		_, err := codegen.Tier2(f, codegen.Options{})

		Expect(err).To(MatchError(ContainSubstring("cannot update flags")))
	})

	It("should reject an invalid function", func() {
		_, err := codegen.Tier2(&tier2.Function{}, codegen.Options{})

		Expect(err).To(MatchError(tier2.ErrInvalidFunction))
	})
})

var _ = Describe("Code page guards", func() {
	var e *engine.Engine

	store := func() *tier1.Block {
		bd := tier1.NewBuilder(0x1ffc)
		bd.Store(tier1.Imm(0x3000), tier1.Imm(0xab), ir.W8)
		return bd.Finish(&tier1.Jump{Target: 0x2004}, 8)
	}

	BeforeEach(func() {
		e = newEngine()
	})

	It("should run when every page version matches", func() {
		bin, err := codegen.Tier1(store(), codegen.Options{Guards: map[uint64]uint64{1: 0, 2: 0}})
		Expect(err).NotTo(HaveOccurred())

		Expect(run(e, bin)).To(Equal(uint64(0x2004)))
		Expect(e.Memory().Read8(0x3000)).To(Equal(byte(0xab)))
	})

	It("should exit at entry without side effects when a page changed", func() {
		bin, err := codegen.Tier1(store(), codegen.Options{Guards: map[uint64]uint64{1: 0, 2: 5}})
		Expect(err).NotTo(HaveOccurred())
		before := bytes.Clone(e.Memory().RAM())

		Expect(run(e, bin)).To(Equal(uint64(0x1ffc)))
		Expect(e.CPU().RIP).To(Equal(uint64(0x1ffc)))
		Expect(bytes.Equal(e.Memory().RAM(), before)).To(BeTrue())
	})

	It("should guard every block of a Tier-2 function", func() {
		f := countdown()
		bin, err := codegen.Tier2(f, codegen.Options{Guards: map[uint64]uint64{1: 0}})
		Expect(err).NotTo(HaveOccurred())
		cpu := emu.CPUState{}
		cpu.GPR[0] = 3
		e.SetCPU(cpu)

		Expect(run(e, bin)).To(Equal(uint64(0x2000)))
		Expect(e.CPU().GPR[3]).To(Equal(uint64(6)))
	})
})
