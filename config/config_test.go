/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package config_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/mochi-hpc/margo-go/cmn/cos"
	"github.com/mochi-hpc/margo-go/config"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "configuration document suite")
}

var _ = Describe("Default", func() {
	It("is valid as-is", func() {
		Expect(config.Default().Validate()).To(Succeed())
	})

	It("selects the loopback transport and a 16-entry handle cache", func() {
		d := config.Default()
		Expect(d.Transport.Class).To(Equal("loopback"))
		Expect(d.HandleCacheSize).To(Equal(16))
	})
})

var _ = Describe("Parse", func() {
	It("accepts a minimal well-formed document", func() {
		d, err := config.Parse([]byte(`{"mercury":{"class":"tcp","address":"127.0.0.1:1234"}}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Transport.Class).To(Equal("tcp"))
		Expect(d.Transport.Address).To(Equal("127.0.0.1:1234"))
	})

	It("parses a full pool/xstream topology", func() {
		doc := []byte(`{
			"argobots": {
				"pools": [{"name":"rpc","kind":"fifo","access":"mpmc"}],
				"xstreams": [{"name":"es1","pools":["rpc"]}]
			},
			"rpc_pool": "rpc"
		}`)
		d, err := config.Parse(doc)
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Argobots.Pools).To(HaveLen(1))
		Expect(d.RPCPool).To(Equal("rpc"))
	})

	It("rejects malformed JSON", func() {
		_, err := config.Parse([]byte(`{not json`))
		Expect(err).To(HaveOccurred())
		Expect(cos.KindOf(err)).To(Equal(cos.KindInvalidArgument))
	})
})

var _ = Describe("Validate", func() {
	It("rejects an unknown transport class", func() {
		d := config.Default()
		d.Transport.Class = "carrier-pigeon"
		Expect(d.Validate()).To(HaveOccurred())
	})

	It("rejects duplicate pool names", func() {
		d := config.Default()
		d.Argobots.Pools = []config.PoolSpec{
			{Name: "p1", Kind: "fifo", Access: "mpmc"},
			{Name: "p1", Kind: "fifo", Access: "mpmc"},
		}
		Expect(d.Validate()).To(HaveOccurred())
	})

	It("rejects an unknown pool kind or access class", func() {
		d := config.Default()
		d.Argobots.Pools = []config.PoolSpec{{Name: "p1", Kind: "bogus"}}
		Expect(d.Validate()).To(HaveOccurred())

		d2 := config.Default()
		d2.Argobots.Pools = []config.PoolSpec{{Name: "p1", Access: "bogus"}}
		Expect(d2.Validate()).To(HaveOccurred())
	})

	It("rejects an execution stream with a dangling pool reference", func() {
		d := config.Default()
		d.Argobots.XStreams = []config.ESSpec{{Name: "es1", Pools: []string{"does-not-exist"}}}
		Expect(d.Validate()).To(HaveOccurred())
	})

	It("allows an execution stream referencing the implicit __primary__ pool", func() {
		d := config.Default()
		d.Argobots.XStreams = []config.ESSpec{{Name: "es1", Pools: []string{"__primary__"}}}
		Expect(d.Validate()).NotTo(HaveOccurred())
	})

	It("rejects a dangling progress_pool or rpc_pool reference", func() {
		d := config.Default()
		d.ProgressPool = "ghost"
		Expect(d.Validate()).To(HaveOccurred())

		d2 := config.Default()
		d2.RPCPool = "ghost"
		Expect(d2.Validate()).To(HaveOccurred())
	})

	It("rejects negative timing and cache-size fields", func() {
		d := config.Default()
		d.ProgressTimeoutUBMsec = -1
		Expect(d.Validate()).To(HaveOccurred())

		d2 := config.Default()
		d2.HandleCacheSize = -1
		Expect(d2.Validate()).To(HaveOccurred())
	})
})
