/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package transport_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/mochi-hpc/margo-go/cmn/cos"
	"github.com/mochi-hpc/margo-go/transport"
)

func TestTransport(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "transport suite")
}

var _ = Describe("Loopback", func() {
	It("rejects a second endpoint registered under the same address", func() {
		addr := transport.Addr("inproc://dup-addr-test")
		a, err := transport.NewLoopback(addr)
		Expect(err).NotTo(HaveOccurred())
		defer a.Close()

		_, err = transport.NewLoopback(addr)
		Expect(err).To(HaveOccurred())
	})

	It("delivers a forward to the inbound handler and completes via respond", func() {
		serverAddr := transport.Addr("inproc://lb-server")
		clientAddr := transport.Addr("inproc://lb-client")

		server, err := transport.NewLoopback(serverAddr)
		Expect(err).NotTo(HaveOccurred())
		defer server.Close()
		client, err := transport.NewLoopback(clientAddr)
		Expect(err).NotTo(HaveOccurred())
		defer client.Close()

		server.SetInbound(func(env transport.Envelope, replyTo *transport.Handle) {
			out := make([]byte, len(env.Payload))
			copy(out, env.Payload)
			_ = server.Respond(replyTo, transport.Envelope{Payload: out})
		})

		h, err := client.Connect(serverAddr)
		Expect(err).NotTo(HaveOccurred())

		respCh := make(chan transport.Envelope, 1)
		Expect(client.Forward(h, transport.Envelope{Payload: []byte("ping")}, func(resp transport.Envelope, err error) {
			Expect(err).NotTo(HaveOccurred())
			respCh <- resp
		})).To(Succeed())

		// drive progress/trigger manually, the way the progress loop would.
		Eventually(func() error {
			return client.Progress(context.Background(), 10*time.Millisecond)
		}, time.Second).Should(Succeed())
		client.Trigger()
		server.Trigger()
		client.Trigger()

		Eventually(respCh, time.Second).Should(Receive(Equal(transport.Envelope{Payload: []byte("ping")})))
	})

	It("reports KindNoMatch when forwarding to an endpoint with no inbound handler installed", func() {
		serverAddr := transport.Addr("inproc://lb-no-handler")
		clientAddr := transport.Addr("inproc://lb-no-handler-client")

		server, err := transport.NewLoopback(serverAddr)
		Expect(err).NotTo(HaveOccurred())
		defer server.Close()
		client, err := transport.NewLoopback(clientAddr)
		Expect(err).NotTo(HaveOccurred())
		defer client.Close()

		h, err := client.Connect(serverAddr)
		Expect(err).NotTo(HaveOccurred())

		done := make(chan error, 1)
		Expect(client.Forward(h, transport.Envelope{}, func(_ transport.Envelope, err error) {
			done <- err
		})).To(Succeed())

		client.Progress(context.Background(), 0)
		for i := 0; i < 5 && client.Trigger() == 0; i++ {
			time.Sleep(5 * time.Millisecond)
		}

		Eventually(done, time.Second).Should(Receive(WithTransform(cos.KindOf, Equal(cos.KindNoMatch))))
	})

	It("returns ErrTimeout from Progress when called with a zero timeout and nothing ready", func() {
		addr := transport.Addr("inproc://lb-progress-timeout")
		l, err := transport.NewLoopback(addr)
		Expect(err).NotTo(HaveOccurred())
		defer l.Close()

		err = l.Progress(context.Background(), 0)
		Expect(err).To(Equal(transport.ErrTimeout))
	})
})

var _ = Describe("HandleCache", func() {
	It("reuses the same handle across repeated Get calls to the same address", func() {
		addr := transport.Addr("inproc://cache-target")
		target, err := transport.NewLoopback(addr)
		Expect(err).NotTo(HaveOccurred())
		defer target.Close()

		c := transport.NewHandleCache(4)
		connects := 0
		connect := func() (*transport.Handle, error) {
			connects++
			return target.Connect(addr)
		}

		h1, err := c.Get(addr, connect)
		Expect(err).NotTo(HaveOccurred())
		h2, err := c.Get(addr, connect)
		Expect(err).NotTo(HaveOccurred())
		Expect(h1).To(BeIdenticalTo(h2))
		Expect(connects).To(Equal(1))
		Expect(c.Len()).To(Equal(1))

		c.Put(h1, nil)
		c.Put(h2, nil)
		Expect(c.Len()).To(Equal(1)) // moved to the free list, not dropped
	})

	It("evicts the oldest free handle once maxFree is exceeded", func() {
		c := transport.NewHandleCache(1)
		closed := make([]transport.Addr, 0, 2)
		closeFn := func(h *transport.Handle) { closed = append(closed, h.Addr) }

		addrs := []transport.Addr{"inproc://cache-evict-a", "inproc://cache-evict-b"}
		var backends []*transport.Loopback
		for _, a := range addrs {
			l, err := transport.NewLoopback(a)
			Expect(err).NotTo(HaveOccurred())
			backends = append(backends, l)
			defer l.Close()
		}

		for i, a := range addrs {
			backend := backends[i]
			h, err := c.Get(a, func() (*transport.Handle, error) { return backend.Connect(a) })
			Expect(err).NotTo(HaveOccurred())
			c.Put(h, closeFn)
		}

		Expect(closed).To(HaveLen(1))
		Expect(closed[0]).To(Equal(addrs[0]))
		Expect(c.Len()).To(Equal(1))
	})
})

var _ = Describe("Handle annotation", func() {
	It("reads back whatever was last set, or nil if nothing was", func() {
		addr := transport.Addr("inproc://annot-target")
		l, err := transport.NewLoopback(addr)
		Expect(err).NotTo(HaveOccurred())
		defer l.Close()

		h, err := l.Connect(addr)
		Expect(err).NotTo(HaveOccurred())
		Expect(h.GetAnnotation()).To(BeNil())

		h.SetAnnotation("tag-1")
		Expect(h.GetAnnotation()).To(Equal("tag-1"))

		h.SetAnnotation(42)
		Expect(h.GetAnnotation()).To(Equal(42))
	})
})
