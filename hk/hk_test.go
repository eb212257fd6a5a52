/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package hk_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/mochi-hpc/margo-go/cmn/mono"
	"github.com/mochi-hpc/margo-go/hk"
)

func TestHK(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "timer wheel suite")
}

var _ = Describe("Housekeeper", func() {
	It("fires a registered timer after its deadline", func() {
		h := hk.New()
		defer h.Stop()

		fired := make(chan struct{})
		h.Reg("t1", 20*time.Millisecond, "", func() error { close(fired); return nil })
		Eventually(fired, time.Second).Should(BeClosed())
	})

	It("cancel-before-fire prevents the callback from ever running", func() {
		h := hk.New()
		defer h.Stop()

		fired := false
		h.Reg("t2", 200*time.Millisecond, "", func() error { fired = true; return nil })
		h.Unreg("t2")
		Consistently(func() bool { return fired }, 350*time.Millisecond).Should(BeFalse())
	})

	It("reports the earliest armed deadline via NextDeadline", func() {
		h := hk.New()
		defer h.Stop()

		_, ok := h.NextDeadline()
		Expect(ok).To(BeFalse())

		h.Reg("soon", 10*time.Millisecond, "", func() error { return nil })
		h.Reg("later", time.Hour, "", func() error { return nil })

		deadline, ok := h.NextDeadline()
		Expect(ok).To(BeTrue())

		// the reported deadline must be the near one, not the hour-out one.
		Expect(deadline - mono.NanoTime()).To(BeNumerically("<", time.Minute))
	})

	It("replaces a timer registered again under the same name", func() {
		h := hk.New()
		defer h.Stop()

		count := 0
		h.Reg("dup", 500*time.Millisecond, "", func() error { count++; return nil })
		h.Reg("dup", 20*time.Millisecond, "", func() error { count++; return nil })

		Eventually(func() int { return count }, time.Second).Should(Equal(1))
		Consistently(func() int { return count }, 300*time.Millisecond).Should(Equal(1))
	})

	It("dispatches a fired timer's callback onto its requested pool instead of running it inline", func() {
		h := hk.New()
		defer h.Stop()

		var gotPool string
		ran := make(chan struct{})
		h.SetDispatcher(func(pool string, fn func()) {
			gotPool = pool
			go fn()
		})

		h.Reg("t3", 10*time.Millisecond, "handlers", func() error { close(ran); return nil })
		Eventually(ran, time.Second).Should(BeClosed())
		Expect(gotPool).To(Equal("handlers"))
	})
})
