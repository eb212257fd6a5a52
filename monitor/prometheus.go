/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus registers one counter or histogram per on_* event family named
// in margo-monitoring.h that it tracks: RPC register/deregister, lookup
// hits/misses, forward/respond/bulk/handler latency and errors, bulk bytes,
// progress wait and sleep time, finalize and fatal events.
type Prometheus struct {
	registered   prometheus.Counter
	deregistered prometheus.Counter
	lookupHit    prometheus.Counter
	lookupMiss   prometheus.Counter

	forwardLatency prometheus.Histogram
	forwardErrors  prometheus.Counter
	respondLatency prometheus.Histogram
	respondErrors  prometheus.Counter

	bulkBytes     prometheus.Counter
	bulkLatency   prometheus.Histogram
	bulkErrors    prometheus.Counter

	handlerLatency prometheus.Histogram
	handlerErrors  prometheus.Counter

	waitTime  prometheus.Histogram
	sleepTime prometheus.Histogram

	finalized prometheus.Counter
	fatal     prometheus.Counter
}

// NewPrometheus builds a Prometheus monitor and registers its collectors
// with reg (pass prometheus.DefaultRegisterer for the global registry).
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		registered:     prometheus.NewCounter(prometheus.CounterOpts{Name: "margo_rpc_registered_total"}),
		deregistered:   prometheus.NewCounter(prometheus.CounterOpts{Name: "margo_rpc_deregistered_total"}),
		lookupHit:      prometheus.NewCounter(prometheus.CounterOpts{Name: "margo_rpc_lookup_hit_total"}),
		lookupMiss:     prometheus.NewCounter(prometheus.CounterOpts{Name: "margo_rpc_lookup_miss_total"}),
		forwardLatency: prometheus.NewHistogram(prometheus.HistogramOpts{Name: "margo_forward_latency_seconds"}),
		forwardErrors:  prometheus.NewCounter(prometheus.CounterOpts{Name: "margo_forward_errors_total"}),
		respondLatency: prometheus.NewHistogram(prometheus.HistogramOpts{Name: "margo_respond_latency_seconds"}),
		respondErrors:  prometheus.NewCounter(prometheus.CounterOpts{Name: "margo_respond_errors_total"}),
		bulkBytes:      prometheus.NewCounter(prometheus.CounterOpts{Name: "margo_bulk_bytes_total"}),
		bulkLatency:    prometheus.NewHistogram(prometheus.HistogramOpts{Name: "margo_bulk_latency_seconds"}),
		bulkErrors:     prometheus.NewCounter(prometheus.CounterOpts{Name: "margo_bulk_errors_total"}),
		handlerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{Name: "margo_rpc_handler_latency_seconds"}),
		handlerErrors:  prometheus.NewCounter(prometheus.CounterOpts{Name: "margo_rpc_handler_errors_total"}),
		waitTime:       prometheus.NewHistogram(prometheus.HistogramOpts{Name: "margo_progress_wait_seconds"}),
		sleepTime:      prometheus.NewHistogram(prometheus.HistogramOpts{Name: "margo_thread_sleep_seconds"}),
		finalized:      prometheus.NewCounter(prometheus.CounterOpts{Name: "margo_finalize_total"}),
		fatal:          prometheus.NewCounter(prometheus.CounterOpts{Name: "margo_fatal_total"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			p.registered, p.deregistered, p.lookupHit, p.lookupMiss,
			p.forwardLatency, p.forwardErrors, p.respondLatency, p.respondErrors,
			p.bulkBytes, p.bulkLatency, p.bulkErrors,
			p.handlerLatency, p.handlerErrors,
			p.waitTime, p.sleepTime, p.finalized, p.fatal,
		} {
			reg.Register(c) //nolint:errcheck // duplicate registration is harmless here
		}
	}
	return p
}

func (p *Prometheus) OnRegister(string, uint64) { p.registered.Inc() }
func (p *Prometheus) OnDeregister(uint64)       { p.deregistered.Inc() }
func (p *Prometheus) OnLookup(_ uint64, found bool) {
	if found {
		p.lookupHit.Inc()
	} else {
		p.lookupMiss.Inc()
	}
}

func (p *Prometheus) OnForward(uint64) {}
func (p *Prometheus) OnForwardCB(_ uint64, d time.Duration, err error) {
	p.forwardLatency.Observe(d.Seconds())
	if err != nil {
		p.forwardErrors.Inc()
	}
}
func (p *Prometheus) OnRespond(uint64) {}
func (p *Prometheus) OnRespondCB(_ uint64, d time.Duration, err error) {
	p.respondLatency.Observe(d.Seconds())
	if err != nil {
		p.respondErrors.Inc()
	}
}

func (p *Prometheus) OnBulkCreate(size int64) { p.bulkBytes.Add(float64(size)) }
func (p *Prometheus) OnBulkTransfer(_ int64, d time.Duration, err error) {
	p.bulkLatency.Observe(d.Seconds())
	if err != nil {
		p.bulkErrors.Inc()
	}
}
func (p *Prometheus) OnBulkFree() {}

func (p *Prometheus) OnRPCHandlerStart(uint64) {}
func (p *Prometheus) OnRPCHandlerEnd(_ uint64, d time.Duration, err error) {
	p.handlerLatency.Observe(d.Seconds())
	if err != nil {
		p.handlerErrors.Inc()
	}
}
func (p *Prometheus) OnRPCULTStart(uint64) {}
func (p *Prometheus) OnRPCULTEnd(uint64)   {}

func (p *Prometheus) OnWait(d time.Duration)  { p.waitTime.Observe(d.Seconds()) }
func (p *Prometheus) OnSleep(d time.Duration) { p.sleepTime.Observe(d.Seconds()) }

func (p *Prometheus) OnPrefinalize() {}
func (p *Prometheus) OnFinalize()    { p.finalized.Inc() }
func (p *Prometheus) OnFatal(string) { p.fatal.Inc() }

func (p *Prometheus) OnUser(string, map[string]any) {}
