/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package registry_test

import (
	"context"
	"sync"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/mochi-hpc/margo-go/cmn/cos"
	"github.com/mochi-hpc/margo-go/registry"
)

func TestRegistry(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "rpc registry suite")
}

var _ = Describe("identifier mux/demux", func() {
	It("round-trips a name hash and provider through Mux/Demux", func() {
		hash := registry.NameHash("my.rpc.name")
		id := registry.Mux(hash, 42)
		gotHash, gotProvider := registry.Demux(id)
		Expect(gotHash).To(Equal(hash))
		Expect(gotProvider).To(Equal(uint16(42)))
	})

	It("gives distinct names distinct hashes with high probability", func() {
		Expect(registry.NameHash("alpha")).NotTo(Equal(registry.NameHash("beta")))
	})
})

var _ = Describe("Registry", func() {
	It("looks up a registered handler by its muxed id", func() {
		r := registry.New()
		id, err := r.Register("echo", 0, "", func(_ context.Context, in []byte) ([]byte, error) {
			return in, nil
		})
		Expect(err).NotTo(HaveOccurred())

		h, _, err := r.Lookup(id)
		Expect(err).NotTo(HaveOccurred())
		out, err := h(context.Background(), []byte("hi"))
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal([]byte("hi")))
	})

	It("reports the registered target pool back from Lookup", func() {
		r := registry.New()
		id, err := r.Register("slow", 0, "heavy", func(context.Context, []byte) ([]byte, error) { return nil, nil })
		Expect(err).NotTo(HaveOccurred())

		_, pool, err := r.Lookup(id)
		Expect(err).NotTo(HaveOccurred())
		Expect(pool).To(Equal("heavy"))
	})

	It("lets a real Register replace an auto entry RegisterOnce installed, but not a real one", func() {
		r := registry.New()
		id := r.RegisterOnce("provisional", 0, "", func() registry.Handler {
			return func(context.Context, []byte) ([]byte, error) { return nil, cos.NewErr(cos.KindNoMatch, "placeholder") }
		})

		gotID, err := r.Register("provisional", 0, "", func(context.Context, []byte) ([]byte, error) { return []byte("real"), nil })
		Expect(err).NotTo(HaveOccurred())
		Expect(gotID).To(Equal(id))

		h, _, err := r.Lookup(id)
		Expect(err).NotTo(HaveOccurred())
		out, err := h(context.Background(), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal([]byte("real")))

		_, err = r.Register("provisional", 0, "", func(context.Context, []byte) ([]byte, error) { return nil, nil })
		Expect(err).To(HaveOccurred())
	})

	It("rejects registering the same name/provider twice", func() {
		r := registry.New()
		_, err := r.Register("dup", 0, "", func(context.Context, []byte) ([]byte, error) { return nil, nil })
		Expect(err).NotTo(HaveOccurred())
		_, err = r.Register("dup", 0, "", func(context.Context, []byte) ([]byte, error) { return nil, nil })
		Expect(err).To(HaveOccurred())
	})

	It("allows the same name under different providers", func() {
		r := registry.New()
		id1, err := r.Register("shared", 1, "", func(context.Context, []byte) ([]byte, error) { return nil, nil })
		Expect(err).NotTo(HaveOccurred())
		id2, err := r.Register("shared", 2, "", func(context.Context, []byte) ([]byte, error) { return nil, nil })
		Expect(err).NotTo(HaveOccurred())
		Expect(id1).NotTo(Equal(id2))
	})

	It("surfaces KindNoMatch for an id that was never registered", func() {
		r := registry.New()
		id := registry.Mux(registry.NameHash("nope"), 0)
		_, _, err := r.Lookup(id)
		Expect(err).To(HaveOccurred())
		Expect(cos.KindOf(err)).To(Equal(cos.KindNoMatch))
	})

	It("surfaces KindNoMatch for a known name under an unregistered provider", func() {
		r := registry.New()
		_, err := r.Register("echo", 0, "", func(context.Context, []byte) ([]byte, error) { return nil, nil })
		Expect(err).NotTo(HaveOccurred())

		id := registry.Mux(registry.NameHash("echo"), 99)
		_, _, err = r.Lookup(id)
		Expect(err).To(HaveOccurred())
		Expect(cos.KindOf(err)).To(Equal(cos.KindNoMatch))
	})

	It("never serves a torn read when Lookup races Deregister", func() {
		r := registry.New()
		id, err := r.Register("volatile", 0, "", func(context.Context, []byte) ([]byte, error) { return nil, nil })
		Expect(err).NotTo(HaveOccurred())

		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := r.Lookup(id)
				if err != nil {
					Expect(cos.KindOf(err)).To(Equal(cos.KindNoMatch))
				}
			}()
		}
		r.Deregister(id)
		wg.Wait()

		_, _, err = r.Lookup(id)
		Expect(err).To(HaveOccurred())
		Expect(cos.KindOf(err)).To(Equal(cos.KindNoMatch))
	})

	It("runs RegisterOnce's factory exactly once under concurrent callers", func() {
		r := registry.New()
		var calls int32
		var wg sync.WaitGroup
		ids := make([]uint64, 64)
		for i := 0; i < 64; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ids[i] = r.RegisterOnce("lazy", 0, "", func() registry.Handler {
					calls++
					return func(context.Context, []byte) ([]byte, error) { return nil, nil }
				})
			}(i)
		}
		wg.Wait()

		for _, id := range ids {
			Expect(id).To(Equal(ids[0]))
		}
		Expect(calls).To(Equal(int32(1)))
		_, _, err := r.Lookup(ids[0])
		Expect(err).NotTo(HaveOccurred())
	})
})

var _ = Describe("current RPC id context", func() {
	It("round-trips through WithCurrentRPCID/CurrentRPCID", func() {
		ctx := registry.WithCurrentRPCID(context.Background(), 0xdead)
		Expect(registry.CurrentRPCID(ctx)).To(Equal(uint64(0xdead)))
	})

	It("defaults to 0 when no id was stamped", func() {
		Expect(registry.CurrentRPCID(context.Background())).To(Equal(uint64(0)))
	})
})
