/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package monitor_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/mochi-hpc/margo-go/monitor"
)

func TestMonitor(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "monitoring callback tap suite")
}

type panickyMonitor struct{ monitor.NullMonitor }

func (panickyMonitor) OnRegister(string, uint64) { panic("boom") }

var _ = Describe("Safe", func() {
	It("recovers a panicking callback instead of propagating it", func() {
		m := monitor.Safe(panickyMonitor{})
		Expect(func() { m.OnRegister("x", 1) }).NotTo(Panic())
	})

	It("still delivers events to callbacks that don't panic", func() {
		var got uint64
		rec := &recordingMonitor{onDeregister: func(id uint64) { got = id }}
		m := monitor.Safe(rec)
		m.OnDeregister(7)
		Expect(got).To(Equal(uint64(7)))
	})
})

type recordingMonitor struct {
	monitor.NullMonitor
	onDeregister func(uint64)
}

func (r *recordingMonitor) OnDeregister(id uint64) {
	if r.onDeregister != nil {
		r.onDeregister(id)
	}
}
