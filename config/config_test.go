package config_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/tierjit/config"
)

var _ = Describe("Config", func() {
	var tempDir string

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "tierjit-config")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	It("should have valid defaults", func() {
		c := config.Default()
		Expect(c.Validate()).To(Succeed())
		Expect(c.BlockBudget).To(Equal(4096))
		Expect(c.Tier2Threshold).To(Equal(8))
		Expect(c.Optimize).To(BeTrue())
		Expect(c.InlineTLB).To(BeTrue())
	})

	It("should round-trip through a file", func() {
		path := filepath.Join(tempDir, "jit.json")
		c := config.Default()
		c.BlockBudget = 17
		c.InlineTLB = false
		Expect(c.Save(path)).To(Succeed())

		loaded, err := config.Load(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded).To(Equal(c))
	})

	It("should keep defaults for missing fields", func() {
		path := filepath.Join(tempDir, "partial.json")
		Expect(os.WriteFile(path, []byte(`{"tier2_threshold": 2}`), 0644)).To(Succeed())

		loaded, err := config.Load(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded.Tier2Threshold).To(Equal(2))
		Expect(loaded.MaxFunctionBlocks).To(Equal(64))
	})

	It("should report a missing file", func() {
		_, err := config.Load(filepath.Join(tempDir, "absent.json"))
		Expect(err).To(HaveOccurred())
	})

	It("should report malformed JSON", func() {
		path := filepath.Join(tempDir, "bad.json")
		Expect(os.WriteFile(path, []byte(`{`), 0644)).To(Succeed())
		_, err := config.Load(path)
		Expect(err).To(MatchError(ContainSubstring("failed to parse config")))
	})

	DescribeTable("should reject invalid settings",
		func(mutate func(*config.Config)) {
			c := config.Default()
			mutate(c)
			Expect(c.Validate()).NotTo(Succeed())
		},
		Entry("zero block instructions", func(c *config.Config) { c.MaxBlockInstructions = 0 }),
		Entry("zero block bytes", func(c *config.Config) { c.MaxBlockBytes = 0 }),
		Entry("zero function blocks", func(c *config.Config) { c.MaxFunctionBlocks = 0 }),
		Entry("negative threshold", func(c *config.Config) { c.Tier2Threshold = -1 }),
		Entry("no cache ways", func(c *config.Config) { c.TraceCacheWays = 0 }),
		Entry("unaligned RAM", func(c *config.Config) { c.GuestRAMSize = 1000 }),
		Entry("low end past RAM", func(c *config.Config) { c.LowRAMEnd = c.GuestRAMSize + 4096 }),
		Entry("unaligned high base", func(c *config.Config) { c.HighRAMBase = 0x1001 }),
	)

	It("should clone independently", func() {
		c := config.Default()
		d := c.Clone()
		d.BlockBudget = 1
		Expect(c.BlockBudget).To(Equal(4096))
	})

	It("should default the RAM hole to the end of RAM", func() {
		c := config.Default()
		low, high := c.RAMLayout()
		Expect(low).To(Equal(c.GuestRAMSize))
		Expect(high).To(Equal(uint64(4 << 30)))
	})
})
