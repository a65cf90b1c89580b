/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package metrics exposes Prometheus counters and gauges for the ARQ
// transport and carrier layers: frames sent/received, retransmits,
// duplicate suppressions, and per-client carrier queue depth.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector implements prometheus.Collector over a set of session-scoped
// counters, the way the donor TCPInfoCollector gathers per-connection
// gauges under a mutex at Collect time.
type Collector struct {
	mu sync.Mutex

	framesSent        *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	retransmits       *prometheus.CounterVec
	duplicatesDropped *prometheus.CounterVec
	carrierQueueDepth *prometheus.GaugeVec

	descs []*prometheus.Desc
}

// New builds a Collector with the given const labels applied to every
// metric (e.g. a process-wide "mode" label).
func New(constLabels prometheus.Labels) *Collector {
	c := &Collector{
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "arqnet",
			Name:        "frames_sent_total",
			Help:        "Transport frames sent, by flag combination.",
			ConstLabels: constLabels,
		}, []string{"flags"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "arqnet",
			Name:        "frames_received_total",
			Help:        "Transport frames received and decoded successfully, by flag combination.",
			ConstLabels: constLabels,
		}, []string{"flags"}),
		retransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "arqnet",
			Name:        "retransmits_total",
			Help:        "Stop-and-Wait retransmissions, by the flag combination of the frame being retried.",
			ConstLabels: constLabels,
		}, []string{"flags"}),
		duplicatesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "arqnet",
			Name:        "duplicates_dropped_total",
			Help:        "Duplicate DATA frames re-acked without redelivery.",
			ConstLabels: constLabels,
		}, []string{"component"}),
		carrierQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "arqnet",
			Name:        "carrier_queue_depth",
			Help:        "Current depth of a carrier's per-client inbox/outbox queue.",
			ConstLabels: constLabels,
		}, []string{"client_id", "direction"}),
	}

	c.descs = []*prometheus.Desc{
		describeVec(c.framesSent),
		describeVec(c.framesReceived),
		describeVec(c.retransmits),
		describeVec(c.duplicatesDropped),
		describeVec(c.carrierQueueDepth),
	}

	return c
}

func describeVec(v interface{ Describe(chan<- *prometheus.Desc) }) *prometheus.Desc {
	ch := make(chan *prometheus.Desc, 1)
	v.Describe(ch)
	return <-ch
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		descs <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.framesSent.Collect(metrics)
	c.framesReceived.Collect(metrics)
	c.retransmits.Collect(metrics)
	c.duplicatesDropped.Collect(metrics)
	c.carrierQueueDepth.Collect(metrics)
}

// FrameSent records an outbound frame of the given flag combination. A nil
// receiver is a no-op, so callers can thread an optional *Collector through
// without branching at every call site.
func (c *Collector) FrameSent(flags string) {
	if c == nil {
		return
	}
	c.framesSent.WithLabelValues(flags).Inc()
}

// FrameReceived records a successfully decoded inbound frame.
func (c *Collector) FrameReceived(flags string) {
	if c == nil {
		return
	}
	c.framesReceived.WithLabelValues(flags).Inc()
}

// Retransmit records a Stop-and-Wait retry of the given flag combination.
func (c *Collector) Retransmit(flags string) {
	if c == nil {
		return
	}
	c.retransmits.WithLabelValues(flags).Inc()
}

// DuplicateDropped records a duplicate DATA frame re-acked without
// redelivery, attributed to the reporting component (e.g. "transport").
func (c *Collector) DuplicateDropped(component string) {
	if c == nil {
		return
	}
	c.duplicatesDropped.WithLabelValues(component).Inc()
}

// SetCarrierQueueDepth reports the current depth of a carrier's per-client
// queue in the given direction ("inbox" or "outbox").
func (c *Collector) SetCarrierQueueDepth(clientID, direction string, depth int) {
	if c == nil {
		return
	}
	c.carrierQueueDepth.WithLabelValues(clientID, direction).Set(float64(depth))
}
