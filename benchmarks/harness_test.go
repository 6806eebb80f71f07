package benchmarks_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/tierjit/benchmarks"
	"github.com/sarchlab/tierjit/config"
)

var _ = Describe("Harness", func() {
	var out *bytes.Buffer

	BeforeEach(func() {
		out = &bytes.Buffer{}
	})

	runAll := func(cfg *config.Config) []benchmarks.Result {
		h := benchmarks.NewHarness(benchmarks.HarnessConfig{
			Config:   cfg,
			MaxSteps: 100_000,
			Output:   out,
		})
		h.AddBenchmarks(benchmarks.Workloads())
		return h.RunAll(context.Background())
	}

	expectValid := func(results []benchmarks.Result) {
		Expect(results).To(HaveLen(len(benchmarks.Workloads())))
		for _, r := range results {
			Expect(r.Err).To(BeEmpty(), r.Name)
			Expect(r.Halted).To(BeTrue(), r.Name)
			Expect(r.Valid).To(BeTrue(), "%s: RAX=%d", r.Name, r.RAX)
		}
	}

	It("should compute every workload's result with tiering", func() {
		results := runAll(config.Default())

		expectValid(results)
		for _, r := range results {
			Expect(r.Promotions).To(BeNumerically(">=", 1), r.Name)
			Expect(r.Warmed).To(BeNumerically(">=", 2), r.Name)
		}
	})

	It("should compute the same results in Tier-1 only", func() {
		cfg := config.Default()
		cfg.Tier2Threshold = 1 << 30

		results := runAll(cfg)

		expectValid(results)
		for _, r := range results {
			Expect(r.Tier2Compiles).To(BeZero(), r.Name)
		}
	})

	It("should compute the same results without optimizer or inline TLB", func() {
		cfg := config.Default()
		cfg.Optimize = false
		cfg.InlineTLB = false
		cfg.BlockBudget = 7

		results := runAll(cfg)

		expectValid(results)
		for _, r := range results {
			Expect(r.Translates).To(BeZero(), r.Name)
		}
	})

	It("should serve loads from the inline TLB", func() {
		results := runAll(config.Default())

		var sum benchmarks.Result
		for _, r := range results {
			if r.Name == "memory_sum" {
				sum = r
			}
		}
		Expect(sum.Translates).To(BeNumerically(">=", 1))
		Expect(sum.SlowReads).To(BeNumerically("<", 256))
	})

	It("should report a workload that does not halt", func() {
		h := benchmarks.NewHarness(benchmarks.HarnessConfig{MaxSteps: 3, Output: out})
		h.AddBenchmarks(benchmarks.Workloads()[:1])

		results := h.RunAll(context.Background())
		h.PrintResults(results)

		Expect(results[0].Halted).To(BeFalse())
		Expect(results[0].Valid).To(BeFalse())
		Expect(out.String()).To(ContainSubstring("did not halt"))
	})

	It("should print CSV with one row per workload", func() {
		h := benchmarks.NewHarness(benchmarks.HarnessConfig{MaxSteps: 100_000, Output: out})
		h.AddBenchmarks(benchmarks.Workloads())

		h.PrintCSV(h.RunAll(context.Background()))

		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		Expect(lines).To(HaveLen(1 + len(benchmarks.Workloads())))
		Expect(lines[0]).To(HavePrefix("name,steps,halted,valid"))
		Expect(lines[1]).To(HavePrefix("arithmetic_loop,"))
	})

	It("should print JSON", func() {
		h := benchmarks.NewHarness(benchmarks.HarnessConfig{MaxSteps: 100_000, Output: out})
		h.AddBenchmarks(benchmarks.Workloads()[:2])

		Expect(h.PrintJSON(h.RunAll(context.Background()))).To(Succeed())

		var decoded []benchmarks.Result
		Expect(json.Unmarshal(out.Bytes(), &decoded)).To(Succeed())
		Expect(decoded).To(HaveLen(2))
		Expect(decoded[1].Name).To(Equal("memory_sum"))
	})
})
