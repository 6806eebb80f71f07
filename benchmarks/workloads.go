package benchmarks

import "github.com/sarchlab/tierjit/emu"

// Workloads returns the standard set of workloads. Each one is a hot loop
// that is promoted to Tier-2 under the default configuration.
func Workloads() []Benchmark {
	return []Benchmark{
		arithmeticLoop(),
		memorySum(),
		memoryFill(),
		branchHeavy(),
		callReturn(),
	}
}

const dataBase = 0x8000

// arithmeticLoop sums 1..1000 in registers.
func arithmeticLoop() Benchmark {
	return Benchmark{
		Name:        "arithmetic_loop",
		Description: "register-only add/dec loop - measures dispatch and flag codegen",
		Program: []byte{
			0xb9, 0xe8, 0x03, 0x00, 0x00, // mov ecx, 1000
			0x31, 0xc0, // xor eax, eax
			0x01, 0xc8, // loop: add eax, ecx
			0xff, 0xc9, // dec ecx
			0x75, 0xfa, // jnz loop
			0xf4, // hlt
		},
		ExpectedRAX: 500500,
	}
}

// memorySum adds up 256 quadwords.
func memorySum() Benchmark {
	return Benchmark{
		Name:        "memory_sum",
		Description: "sequential 64-bit loads - measures the inline TLB hit path",
		Setup: func(_ *emu.CPUState, mem *emu.Memory) {
			for i := uint64(0); i < 256; i++ {
				mem.Write64(dataBase+8*i, i)
			}
		},
		Program: []byte{
			0xbe, 0x00, 0x80, 0x00, 0x00, // mov esi, 0x8000
			0xb9, 0x00, 0x01, 0x00, 0x00, // mov ecx, 256
			0x31, 0xc0, // xor eax, eax
			0x48, 0x03, 0x06, // loop: add rax, [rsi]
			0x48, 0x83, 0xc6, 0x08, // add rsi, 8
			0xff, 0xc9, // dec ecx
			0x75, 0xf5, // jnz loop
			0xf4, // hlt
		},
		ExpectedRAX: 255 * 256 / 2,
	}
}

// memoryFill stores a countdown into a page and reads back the last entry.
func memoryFill() Benchmark {
	return Benchmark{
		Name:        "memory_fill",
		Description: "sequential 64-bit stores - measures the inline store path",
		Program: []byte{
			0xbf, 0x00, 0x80, 0x00, 0x00, // mov edi, 0x8000
			0xb9, 0x00, 0x02, 0x00, 0x00, // mov ecx, 512
			0x48, 0x89, 0x0f, // loop: mov [rdi], rcx
			0x48, 0x83, 0xc7, 0x08, // add rdi, 8
			0xff, 0xc9, // dec ecx
			0x75, 0xf5, // jnz loop
			0x48, 0x8b, 0x47, 0xf8, // mov rax, [rdi-8]
			0xf4, // hlt
		},
		ExpectedRAX: 1,
	}
}

// branchHeavy counts the odd numbers in 1..1000.
func branchHeavy() Benchmark {
	return Benchmark{
		Name:        "branch_heavy",
		Description: "data-dependent branch every iteration - measures multi-block functions",
		Program: []byte{
			0xb9, 0xe8, 0x03, 0x00, 0x00, // mov ecx, 1000
			0x31, 0xc0, // xor eax, eax
			0xf6, 0xc1, 0x01, // loop: test cl, 1
			0x74, 0x02, // jz skip
			0xff, 0xc0, // inc eax
			0xff, 0xc9, // skip: dec ecx
			0x75, 0xf5, // jnz loop
			0xf4, // hlt
		},
		ExpectedRAX: 500,
	}
}

// callReturn calls a leaf function 100 times.
func callReturn() Benchmark {
	return Benchmark{
		Name:        "call_return",
		Description: "call/ret pairs - returns leave Tier-2 through side exits",
		Program: []byte{
			0xb9, 0x64, 0x00, 0x00, 0x00, // mov ecx, 100
			0x31, 0xc0, // xor eax, eax
			0xe8, 0x05, 0x00, 0x00, 0x00, // loop: call fn
			0xff, 0xc9, // dec ecx
			0x75, 0xf7, // jnz loop
			0xf4, // hlt
			0x83, 0xc0, 0x03, // fn: add eax, 3
			0xc3, // ret
		},
		ExpectedRAX: 300,
	}
}
