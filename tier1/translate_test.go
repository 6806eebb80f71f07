package tier1_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/tierjit/emu"
	"github.com/sarchlab/tierjit/insts"
	"github.com/sarchlab/tierjit/ir"
	"github.com/sarchlab/tierjit/tier1"
)

var _ = Describe("Translate", func() {
	var (
		mem *emu.Memory
		cpu *emu.CPUState
	)

	BeforeEach(func() {
		mem = emu.NewMemory(0x10000)
		cpu = &emu.CPUState{}
	})

	run := func(code ...byte) uint64 {
		return tier1.Interpret(translate(mem, code...), cpu, mem)
	}

	Context("arithmetic", func() {
		It("should add and set carry and zero", func() {
			cpu.GPR[0] = ^uint64(0)
			cpu.GPR[3] = 1
			next := run(0x48, 0x01, 0xd8) // add rax, rbx

			Expect(next).To(Equal(uint64(codeBase + 3)))
			Expect(cpu.GPR[0]).To(BeZero())
			Expect(cpu.Flag(ir.FlagCF)).To(BeTrue())
			Expect(cpu.Flag(ir.FlagZF)).To(BeTrue())
			Expect(cpu.Flag(ir.FlagOF)).To(BeFalse())
		})

		It("should clear a register with xor", func() {
			cpu.GPR[0] = 0xFFFF_0000_1234
			cpu.SetFlag(ir.FlagCF, true)
			run(0x31, 0xc0) // xor eax, eax

			Expect(cpu.GPR[0]).To(BeZero())
			Expect(cpu.Flag(ir.FlagZF)).To(BeTrue())
			Expect(cpu.Flag(ir.FlagCF)).To(BeFalse())
		})

		It("should negate", func() {
			cpu.GPR[0] = 1
			run(0x48, 0xf7, 0xd8) // neg rax

			Expect(cpu.GPR[0]).To(Equal(^uint64(0)))
			Expect(cpu.Flag(ir.FlagCF)).To(BeTrue())
			Expect(cpu.Flag(ir.FlagSF)).To(BeTrue())
		})

		It("should invert", func() {
			cpu.GPR[0] = 0xF0
			cpu.SetFlag(ir.FlagZF, true)
			run(0x48, 0xf7, 0xd0) // not rax

			Expect(cpu.GPR[0]).To(Equal(^uint64(0xF0)))
			Expect(cpu.Flag(ir.FlagZF)).To(BeTrue())
		})

		It("should multiply with an immediate", func() {
			cpu.GPR[3] = 5
			run(0x48, 0x6b, 0xc3, 0x03) // imul rax, rbx, 3

			Expect(cpu.GPR[0]).To(Equal(uint64(15)))
			Expect(cpu.Flag(ir.FlagOF)).To(BeFalse())
		})

		It("should keep flags for a shift by zero", func() {
			cpu.GPR[0] = 1
			cpu.SetFlag(ir.FlagCF, true)
			run(0x48, 0xd3, 0xe0) // shl rax, cl

			Expect(cpu.GPR[0]).To(Equal(uint64(1)))
			Expect(cpu.Flag(ir.FlagCF)).To(BeTrue())
		})

		It("should shift by cl", func() {
			cpu.GPR[0] = 1
			cpu.GPR[1] = 4
			run(0x48, 0xd3, 0xe0) // shl rax, cl

			Expect(cpu.GPR[0]).To(Equal(uint64(16)))
			Expect(cpu.Flag(ir.FlagCF)).To(BeFalse())
		})

		It("should update a memory operand in place", func() {
			cpu.GPR[3] = 0x3000
			mem.Write8(0x3000, 0xFF)
			run(0x80, 0x03, 0x01) // add byte [rbx], 1

			Expect(mem.Read8(0x3000)).To(BeZero())
			Expect(mem.Read8(0x3001)).To(BeZero())
			Expect(cpu.Flag(ir.FlagCF)).To(BeTrue())
		})
	})

	Context("data movement", func() {
		It("should zero-extend 32-bit moves", func() {
			cpu.GPR[0] = ^uint64(0)
			run(0xb8, 0x78, 0x56, 0x34, 0x12) // mov eax, 0x12345678

			Expect(cpu.GPR[0]).To(Equal(uint64(0x12345678)))
		})

		It("should move between high and low bytes", func() {
			cpu.GPR[0] = 0x1234
			run(0x88, 0xe0) // mov al, ah

			Expect(cpu.GPR[0]).To(Equal(uint64(0x1212)))
		})

		It("should compute scaled addresses", func() {
			cpu.GPR[3] = 0x100
			cpu.GPR[1] = 2
			run(0x48, 0x8d, 0x44, 0x8b, 0x10) // lea rax, [rbx+rcx*4+0x10]

			Expect(cpu.GPR[0]).To(Equal(uint64(0x118)))
		})

		It("should resolve RIP-relative operands", func() {
			mem.Write64(0x1017, 0xABC)
			run(0x48, 0x8b, 0x05, 0x10, 0x00, 0x00, 0x00) // mov rax, [rip+0x10]

			Expect(cpu.GPR[0]).To(Equal(uint64(0xABC)))
		})

		It("should store and zero-extend loads", func() {
			cpu.GPR[0] = 0xAABBCCDD
			cpu.GPR[3] = 0x3000
			run(
				0x89, 0x03, // mov [rbx], eax
				0x0f, 0xb6, 0x0b, // movzx ecx, byte [rbx]
			)

			Expect(mem.Read32(0x3000)).To(Equal(uint32(0xAABBCCDD)))
			Expect(cpu.GPR[1]).To(Equal(uint64(0xDD)))
		})

		It("should sign-extend", func() {
			cpu.GPR[3] = 0x80
			run(0x48, 0x0f, 0xbe, 0xc3) // movsx rax, bl

			Expect(cpu.GPR[0]).To(Equal(uint64(0xFFFFFFFFFFFFFF80)))
		})

		It("should honour conditions in setcc and cmov", func() {
			cpu.GPR[0] = 0x100
			cpu.GPR[3] = 7
			cpu.SetFlag(ir.FlagZF, true)
			run(
				0x0f, 0x94, 0xc0, // sete al
				0x48, 0x0f, 0x45, 0xc3, // cmovne rax, rbx
			)

			Expect(cpu.GPR[0]).To(Equal(uint64(0x101)))
		})
	})

	Context("control flow", func() {
		It("should branch on compare", func() {
			cpu.GPR[0] = 4
			cpu.GPR[3] = 4
			code := []byte{
				0x48, 0x39, 0xd8, // cmp rax, rbx
				0x74, 0x10, // je +0x10
			}
			Expect(run(code...)).To(Equal(uint64(codeBase + 0x15)))

			cpu.GPR[3] = 5
			Expect(run(code...)).To(Equal(uint64(codeBase + 5)))
		})

		It("should push, pop and return", func() {
			cpu.GPR[3] = 0x5555
			cpu.GPR[4] = 0x8000
			mem.Write64(0x8000, 0x4321)
			next := run(0x53, 0x58, 0xc3) // push rbx; pop rax; ret

			Expect(next).To(Equal(uint64(0x4321)))
			Expect(cpu.RIP).To(Equal(uint64(0x4321)))
			Expect(cpu.GPR[0]).To(Equal(uint64(0x5555)))
			Expect(cpu.GPR[4]).To(Equal(uint64(0x8008)))
		})

		It("should push the return address on call", func() {
			cpu.GPR[4] = 0x8000
			b := translate(mem, 0xe8, 0x00, 0x01, 0x00, 0x00) // call +0x100

			Expect(b.Term).To(Equal(&tier1.Jump{Target: codeBase + 0x105}))
			tier1.Interpret(b, cpu, mem)
			Expect(cpu.GPR[4]).To(Equal(uint64(0x7FF8)))
			Expect(mem.Read64(0x7FF8)).To(Equal(uint64(codeBase + 5)))
		})

		It("should end an indirect jump with an indirect terminator", func() {
			b := translate(mem, 0xff, 0xe0) // jmp rax
			Expect(b.Term).To(BeAssignableToTypeOf(&tier1.IndirectJump{}))
		})

		It("should jump to the next address at a limit", func() {
			mem.LoadBytes(codeBase, []byte{0x90, 0x90, 0x90, 0x90})
			bb := insts.Discover(mem, codeBase, insts.Limits{MaxInstructions: 2, MaxBytes: 64})
			b := tier1.Translate(bb)

			Expect(b.Term).To(Equal(&tier1.Jump{Target: codeBase + 2}))
			Expect(b.Len).To(Equal(2))
		})
	})

	Context("unsupported instructions", func() {
		It("should run up to the instruction and exit there", func() {
			cpu.GPR[0] = 1
			b := translate(mem,
				0x48, 0xff, 0xc0, // inc rax
				0x0f, 0xa2, // cpuid
			)

			Expect(b.Len).To(Equal(3))
			Expect(b.Instrs[len(b.Instrs)-1]).To(Equal(&tier1.CallHelper{RIP: codeBase + 3}))
			Expect(b.Term).To(Equal(&tier1.ExitToInterpreter{NextRIP: codeBase + 3}))
			Expect(b.Unsupported()).To(BeTrue())

			Expect(tier1.Interpret(b, cpu, mem)).To(Equal(uint64(codeBase + 3)))
			Expect(cpu.GPR[0]).To(Equal(uint64(2)))
		})

		DescribeTable("should exit at the block start",
			func(code []byte) {
				b := translate(mem, code...)
				Expect(b.Len).To(BeZero())
				Expect(b.Instrs).To(Equal([]tier1.Instr{&tier1.CallHelper{RIP: codeBase}}))
				Expect(b.Term).To(Equal(&tier1.ExitToInterpreter{NextRIP: codeBase}))
			},
			Entry("locked", []byte{0xf0, 0x48, 0x01, 0x18}),
			Entry("undecodable", []byte{0x06}),
			Entry("segment override", []byte{0x64, 0x48, 0x8b, 0x03}),
			Entry("privileged", []byte{0xfa}),
		)
	})
})
