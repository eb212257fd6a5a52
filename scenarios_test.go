/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package margo_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	margo "github.com/mochi-hpc/margo-go"
	"github.com/mochi-hpc/margo-go/cmn/cos"
	"github.com/mochi-hpc/margo-go/config"
	"github.com/mochi-hpc/margo-go/transport"
)

var seq int

func nextAddr(prefix string) transport.Addr {
	seq++
	return transport.Addr(fmt.Sprintf("inproc://%s-%d", prefix, seq))
}

func newLoopbackInstance(prefix string) (*margo.Instance, transport.Addr) {
	addr := nextAddr(prefix)
	lb, err := transport.NewLoopback(addr)
	Expect(err).NotTo(HaveOccurred())
	inst, err := margo.Init(config.Default(), lb)
	Expect(err).NotTo(HaveOccurred())
	return inst, addr
}

var _ = Describe("end-to-end request lifecycle", func() {
	var (
		client, server     *margo.Instance
		serverAddr         transport.Addr
		ctx                context.Context
		cancel             context.CancelFunc
	)

	BeforeEach(func() {
		client, _ = newLoopbackInstance("client")
		server, serverAddr = newLoopbackInstance("server")
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	})

	AfterEach(func() {
		cancel()
		client.Finalize(context.Background())
		server.Finalize(context.Background())
	})

	It("echoes a request end to end", func() {
		_, err := server.Register("echo", 0, "", func(_ context.Context, in []byte) ([]byte, error) {
			out := make([]byte, len(in))
			copy(out, in)
			return out, nil
		})
		Expect(err).NotTo(HaveOccurred())

		resp, err := client.Forward(ctx, serverAddr, "echo", 0, []byte("hello margo"), time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp).To(Equal([]byte("hello margo")))
	})

	It("surfaces KindNoMatch when forwarding to an unregistered provider", func() {
		_, err := server.Register("echo", 0, "", func(_ context.Context, in []byte) ([]byte, error) {
			return in, nil
		})
		Expect(err).NotTo(HaveOccurred())

		_, err = client.Forward(ctx, serverAddr, "echo", 7 /* unregistered provider */, []byte("x"), time.Second)
		Expect(err).To(HaveOccurred())
		Expect(cos.KindOf(err)).To(Equal(cos.KindNoMatch))
	})

	It("times out when the handler never responds within the deadline", func() {
		block := make(chan struct{})
		defer close(block)

		_, err := server.Register("stall", 0, "", func(ctx context.Context, _ []byte) ([]byte, error) {
			<-block
			return nil, nil
		})
		Expect(err).NotTo(HaveOccurred())

		_, err = client.Forward(ctx, serverAddr, "stall", 0, nil, 50*time.Millisecond)
		Expect(err).To(HaveOccurred())
		Expect(cos.KindOf(err)).To(Equal(cos.KindTimeout))
	})

	It("migrates the progress ULT to a newly created pool", func() {
		_, err := server.Register("echo", 0, "", func(_ context.Context, in []byte) ([]byte, error) {
			return in, nil
		})
		Expect(err).NotTo(HaveOccurred())

		_, err = server.Substrate().AddPool("alt_progress", 0, 0)
		Expect(err).NotTo(HaveOccurred())
		_, err = server.Substrate().AddES("alt_progress_es", []string{"alt_progress"})
		Expect(err).NotTo(HaveOccurred())
		Expect(server.MigrateProgressPool("alt_progress")).To(Succeed())

		Eventually(func() string {
			return server.Substrate().ProgressPoolName()
		}).Should(Equal("alt_progress"))

		resp, err := client.Forward(ctx, serverAddr, "echo", 0, []byte("still alive"), time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp).To(Equal([]byte("still alive")))
	})

	It("runs a handler ULT on the pool named at registration instead of the default pool", func() {
		_, err := server.Substrate().AddPool("handlers", 0, 0)
		Expect(err).NotTo(HaveOccurred())
		_, err = server.Substrate().AddES("handlers_es", []string{"handlers"})
		Expect(err).NotTo(HaveOccurred())

		ran := make(chan string, 1)
		_, err = server.Register("on-handlers", 0, "handlers", func(_ context.Context, in []byte) ([]byte, error) {
			ran <- "handlers"
			return in, nil
		})
		Expect(err).NotTo(HaveOccurred())

		_, err = client.Forward(ctx, serverAddr, "on-handlers", 0, []byte("x"), time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(<-ran).To(Equal("handlers"))
	})
})

var _ = Describe("deregister race", func() {
	It("never serves a torn read when deregister races concurrent forwards", func() {
		client, _ := newLoopbackInstance("dc")
		server, serverAddr := newLoopbackInstance("ds")
		defer client.Finalize(context.Background())
		defer server.Finalize(context.Background())

		id, err := server.Register("volatile", 0, "", func(_ context.Context, in []byte) ([]byte, error) {
			return in, nil
		})
		Expect(err).NotTo(HaveOccurred())

		var errs cos.Errs
		var wg sync.WaitGroup
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := client.Forward(ctx, serverAddr, "volatile", 0, []byte("x"), time.Second)
				errs.Add(err)
			}()
		}
		server.Deregister(id)
		wg.Wait()

		// the first recorded error, if any, must be KindNoMatch -- not a
		// panic, not a torn read, not some other kind.
		if errs.First() != nil {
			Expect(cos.KindOf(errs.First())).To(Equal(cos.KindNoMatch))
		}
	})
})

var _ = Describe("bulk transfer", func() {
	It("moves a large payload in parallel chunks", func() {
		inst, _ := newLoopbackInstance("bulk")
		defer inst.Finalize(context.Background())

		origin := make([]byte, 256*1024)
		for i := range origin {
			origin[i] = byte(i)
		}
		target := make([]byte, len(origin))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := inst.Bulk(ctx, transport.Bulk{Data: origin, Access: transport.BulkReadOnly}, transport.Bulk{Data: target, Access: transport.BulkWriteOnly}, 16*1024)
		Expect(err).NotTo(HaveOccurred())
		Expect(target).To(Equal(origin))
	})

	It("clamps the copy to a too-small target region without an error", func() {
		inst, _ := newLoopbackInstance("bulkerr")
		defer inst.Finalize(context.Background())

		origin := make([]byte, 64*1024)
		target := make([]byte, 64*1024)
		// force one chunk's target window out of range by shrinking target
		// after the size is computed is hard to express here, so instead
		// validate the boundary check directly via a too-small target.
		small := target[:32*1024]

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := inst.Bulk(ctx, transport.Bulk{Data: origin}, transport.Bulk{Data: small}, 16*1024)
		Expect(err).NotTo(HaveOccurred()) // Bulk clamps total to len(target); no error, partial copy
		Expect(small).To(Equal(origin[:len(small)]))
	})
})
