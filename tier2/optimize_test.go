package tier2_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/tierjit/emu"
	"github.com/sarchlab/tierjit/ir"
	"github.com/sarchlab/tierjit/tier1"
	"github.com/sarchlab/tierjit/tier2"
)

func isOp(op ir.BinOp) func(tier2.Instr) bool {
	return func(in tier2.Instr) bool {
		b, ok := in.(*tier2.BinOp)
		return ok && b.Op == op
	}
}

func isAddr(in tier2.Instr) bool {
	_, ok := in.(*tier2.Addr)
	return ok
}

func onlyAddr(f *tier2.Function) *tier2.Addr {
	var found *tier2.Addr
	for _, in := range f.EntryBlock().Instrs {
		if a, ok := in.(*tier2.Addr); ok {
			Expect(found).To(BeNil())
			found = a
		}
	}
	Expect(found).NotTo(BeNil())
	return found
}

var _ = Describe("Optimize", func() {
	const entry = 0x5000

	// block builds rbx = emit(rax, rcx) with no flags.
	block := func(emit func(bd *tier1.Builder, x, y tier1.Operand) tier1.ValueID) *tier2.Function {
		bd := tier1.NewBuilder(entry)
		x := bd.ReadReg(ir.GPR(0, ir.W64))
		y := bd.ReadReg(ir.GPR(1, ir.W64))
		r := emit(bd, tier1.Val(x), tier1.Val(y))
		bd.WriteReg(ir.GPR(3, ir.W64), tier1.Val(r))
		return buildOne(bd.Finish(&tier1.ExitToInterpreter{NextRIP: entry + 4}, 4))
	}

	runBoth := func(f func() *tier2.Function, cpu *emu.CPUState) (plain, opt *emu.CPUState) {
		plain, opt = &emu.CPUState{}, &emu.CPUState{}
		*plain, *opt = *cpu, *cpu
		mem := emu.NewMemory(0x1000)

		tier2.Interpret(f(), plain, mem, 0)
		o := f()
		tier2.Optimize(o)
		Expect(tier2.Validate(o)).To(Succeed())
		tier2.Interpret(o, opt, mem, 0)
		return plain, opt
	}

	It("should turn a multiply by eight into a shift", func() {
		build := func() *tier2.Function {
			return block(func(bd *tier1.Builder, x, _ tier1.Operand) tier1.ValueID {
				return bd.BinOp(ir.OpMul, x, tier1.Imm(8), ir.W64, ir.NoFlags)
			})
		}

		f := build()
		st := tier2.Optimize(f)
		Expect(st.MulToShift).To(Equal(1))
		Expect(countOps(f, isOp(ir.OpMul))).To(BeZero())
		Expect(countOps(f, isOp(ir.OpShl))).To(Equal(1))

		cpu := &emu.CPUState{}
		cpu.GPR[0] = 7
		plain, opt := runBoth(build, cpu)
		Expect(opt.GPR[3]).To(Equal(uint64(56)))
		Expect(opt.Equal(plain)).To(BeTrue())
	})

	It("should accept the constant on the left", func() {
		f := block(func(bd *tier1.Builder, x, _ tier1.Operand) tier1.ValueID {
			c := bd.Const(ir.W64, 16)
			return bd.BinOp(ir.OpMul, tier1.Val(c), x, ir.W64, ir.NoFlags)
		})
		tier2.Optimize(f)
		Expect(countOps(f, isOp(ir.OpMul))).To(BeZero())
		shl := f.EntryBlock().Instrs[1].(*tier2.BinOp)
		Expect(shl.Op).To(Equal(ir.OpShl))
		Expect(shl.RHS).To(Equal(tier2.Imm(4)))
	})

	It("should leave other multipliers alone", func() {
		f := block(func(bd *tier1.Builder, x, _ tier1.Operand) tier1.ValueID {
			return bd.BinOp(ir.OpMul, x, tier1.Imm(6), ir.W64, ir.NoFlags)
		})
		tier2.Optimize(f)
		Expect(countOps(f, isOp(ir.OpMul))).To(Equal(1))
	})

	It("should turn a product of conditions into an and", func() {
		build := func() *tier2.Function {
			return block(func(bd *tier1.Builder, _, _ tier1.Operand) tier1.ValueID {
				c := bd.EvalCond(ir.CondB)
				z := bd.ReadReg(ir.FlagReg(ir.FlagZF))
				return bd.BinOp(ir.OpMul, tier1.Val(c), tier1.Val(z), ir.W8, ir.NoFlags)
			})
		}

		f := build()
		st := tier2.Optimize(f)
		Expect(st.MulToAnd).To(Equal(1))
		Expect(countOps(f, isOp(ir.OpMul))).To(BeZero())

		for _, rflags := range []uint64{0, 0x01, 0x40, 0x41} {
			cpu := &emu.CPUState{RFLAGS: rflags}
			plain, opt := runBoth(build, cpu)
			Expect(opt.Equal(plain)).To(BeTrue())
		}
	})

	It("should not rewrite operations that update flags", func() {
		f := &tier2.Function{
			NumValues: 3,
			Blocks: []*tier2.Block{{
				Instrs: []tier2.Instr{
					&tier2.LoadReg{Dst: 0, Index: 0},
					&tier2.BinOp{Dst: 1, Op: ir.OpMul, LHS: tier2.Val(0), RHS: tier2.Imm(8),
						Flags: ir.FlagSetOf(ir.FlagCF, ir.FlagOF), FlagWidth: ir.W64},
					&tier2.BinOp{Dst: 2, Op: ir.OpAdd, LHS: tier2.Val(1), RHS: tier2.Imm(4),
						Flags: ir.AllFlags, FlagWidth: ir.W64},
					&tier2.StoreReg{Index: 1, Src: tier2.Val(2)},
				},
				Term: &tier2.SideExit{RIP: entry},
			}},
		}

		st := tier2.Optimize(f)
		Expect(st.Rewrites()).To(BeZero())
		Expect(countOps(f, isOp(ir.OpMul))).To(Equal(1))
		Expect(countOps(f, isOp(ir.OpAdd))).To(Equal(1))
		Expect(countOps(f, isAddr)).To(BeZero())
	})

	It("should keep a flag-setting add that nobody reads", func() {
		f := block(func(bd *tier1.Builder, x, _ tier1.Operand) tier1.ValueID {
			bd.BinOp(ir.OpAdd, x, tier1.Imm(1), ir.W64, ir.AllFlags)
			return bd.Const(ir.W64, 0)
		})
		tier2.Optimize(f)
		Expect(countOps(f, isOp(ir.OpAdd))).To(Equal(1))
	})

	DescribeTable("address folding",
		func(second ir.BinOp, disp int64) {
			build := func() *tier2.Function {
				return block(func(bd *tier1.Builder, x, _ tier1.Operand) tier1.ValueID {
					a := bd.BinOp(ir.OpAdd, x, tier1.Imm(4), ir.W64, ir.NoFlags)
					return bd.BinOp(second, tier1.Val(a), tier1.Imm(8), ir.W64, ir.NoFlags)
				})
			}

			f := build()
			tier2.Optimize(f)
			a := onlyAddr(f)
			Expect(a.Disp).To(Equal(disp))
			Expect(a.HasIndex).To(BeFalse())
			Expect(countOps(f, isOp(ir.OpAdd))).To(BeZero())
			Expect(countOps(f, isOp(ir.OpSub))).To(BeZero())

			cpu := &emu.CPUState{}
			cpu.GPR[0] = 2
			plain, opt := runBoth(build, cpu)
			Expect(opt.GPR[3]).To(Equal(uint64(int64(2) + disp)))
			Expect(opt.Equal(plain)).To(BeTrue())
		},
		Entry("(x+4)+8", ir.OpAdd, int64(12)),
		Entry("(x+4)-8", ir.OpSub, int64(-4)),
	)

	It("should keep the inner address when it has other uses", func() {
		build := func() *tier2.Function {
			return block(func(bd *tier1.Builder, x, _ tier1.Operand) tier1.ValueID {
				a := bd.BinOp(ir.OpAdd, x, tier1.Imm(4), ir.W64, ir.NoFlags)
				bd.WriteReg(ir.GPR(2, ir.W64), tier1.Val(a))
				return bd.BinOp(ir.OpAdd, tier1.Val(a), tier1.Imm(8), ir.W64, ir.NoFlags)
			})
		}

		f := build()
		st := tier2.Optimize(f)
		Expect(st.AddrChained).To(Equal(1))
		Expect(countOps(f, isAddr)).To(Equal(2))

		var disps []int64
		var bases []tier2.ValueID
		for _, in := range f.EntryBlock().Instrs {
			if a, ok := in.(*tier2.Addr); ok {
				disps = append(disps, a.Disp)
				bases = append(bases, a.Base)
			}
		}
		Expect(disps).To(ConsistOf(int64(4), int64(12)))
		Expect(bases[0]).To(Equal(bases[1]))

		cpu := &emu.CPUState{}
		cpu.GPR[0] = 2
		plain, opt := runBoth(build, cpu)
		Expect(opt.GPR[2]).To(Equal(uint64(6)))
		Expect(opt.GPR[3]).To(Equal(uint64(14)))
		Expect(opt.Equal(plain)).To(BeTrue())
	})

	It("should fold a shifted index into a scaled address", func() {
		build := func() *tier2.Function {
			return block(func(bd *tier1.Builder, b, i tier1.Operand) tier1.ValueID {
				s := bd.BinOp(ir.OpShl, i, tier1.Imm(3), ir.W64, ir.NoFlags)
				return bd.BinOp(ir.OpAdd, b, tier1.Val(s), ir.W64, ir.NoFlags)
			})
		}

		f := build()
		st := tier2.Optimize(f)
		Expect(st.ScaledIndex).To(Equal(1))
		a := onlyAddr(f)
		Expect(a.HasIndex).To(BeTrue())
		Expect(a.Scale).To(Equal(uint8(8)))
		Expect(a.Disp).To(BeZero())
		Expect(countOps(f, isOp(ir.OpShl))).To(BeZero())

		cpu := &emu.CPUState{}
		cpu.GPR[0] = 0x1000
		cpu.GPR[1] = 3
		plain, opt := runBoth(build, cpu)
		Expect(opt.GPR[3]).To(Equal(uint64(0x1018)))
		Expect(opt.Equal(plain)).To(BeTrue())
	})

	It("should not scale by more than eight", func() {
		f := block(func(bd *tier1.Builder, b, i tier1.Operand) tier1.ValueID {
			s := bd.BinOp(ir.OpShl, i, tier1.Imm(4), ir.W64, ir.NoFlags)
			return bd.BinOp(ir.OpAdd, b, tier1.Val(s), ir.W64, ir.NoFlags)
		})
		tier2.Optimize(f)
		Expect(countOps(f, isAddr)).To(BeZero())
		Expect(countOps(f, isOp(ir.OpShl))).To(Equal(1))
	})

	It("should collapse nested constant masks", func() {
		build := func() *tier2.Function {
			return block(func(bd *tier1.Builder, x, _ tier1.Operand) tier1.ValueID {
				a := bd.BinOp(ir.OpAnd, x, tier1.Imm(0xFF00FF), ir.W64, ir.NoFlags)
				return bd.BinOp(ir.OpAnd, tier1.Val(a), tier1.Imm(0xFFFF), ir.W64, ir.NoFlags)
			})
		}

		f := build()
		st := tier2.Optimize(f)
		Expect(st.AndCollapsed).To(BeNumerically(">=", 1))
		Expect(countOps(f, isOp(ir.OpAnd))).To(Equal(1))
		and := f.EntryBlock().Instrs[1].(*tier2.BinOp)
		Expect(and.RHS).To(Equal(tier2.Imm(0xFF)))

		cpu := &emu.CPUState{}
		cpu.GPR[0] = 0x12345678
		plain, opt := runBoth(build, cpu)
		Expect(opt.GPR[3]).To(Equal(uint64(0x78)))
		Expect(opt.Equal(plain)).To(BeTrue())
	})

	It("should remove unused pure values but keep loads", func() {
		bd := tier1.NewBuilder(entry)
		bd.ReadReg(ir.GPR(0, ir.W64))
		bd.EvalCond(ir.CondE)
		bd.Load(tier1.Imm(0x100), ir.W32)
		f := buildOne(bd.Finish(&tier1.ExitToInterpreter{NextRIP: entry + 4}, 4))

		st := tier2.Optimize(f)
		Expect(st.DeadRemoved).To(Equal(2))
		Expect(f.EntryBlock().Instrs).To(HaveLen(1))
		Expect(f.EntryBlock().Instrs[0]).To(BeAssignableToTypeOf(&tier2.Load{}))
	})

	It("should reach a fixed point", func() {
		f := block(func(bd *tier1.Builder, x, _ tier1.Operand) tier1.ValueID {
			m := bd.BinOp(ir.OpMul, x, tier1.Imm(4), ir.W64, ir.NoFlags)
			a := bd.BinOp(ir.OpAdd, tier1.Val(m), tier1.Imm(1), ir.W64, ir.NoFlags)
			return bd.BinOp(ir.OpAdd, tier1.Val(a), tier1.Imm(2), ir.W64, ir.NoFlags)
		})
		tier2.Optimize(f)
		again := tier2.Optimize(f)
		Expect(again.Rewrites()).To(BeZero())
		Expect(again.DeadRemoved).To(BeZero())
		Expect(again.Passes).To(Equal(1))
	})
})
