// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package xchannel

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics collects per-Channel counters. A nil *metrics is valid and
// discards everything. Build gives every Channel a non-nil one, whether or
// not Config.Metrics is set; Config.Metrics only controls the Prometheus
// export (see promCollectors).
type metrics struct {
	mu      sync.Mutex
	counter map[string]int64
}

func newMetrics() *metrics {
	return &metrics{counter: make(map[string]int64)}
}

func (m *metrics) count(name string, n int64) {
	if m != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.counter[name] += n
	}
}

// Snapshot copies the current counter values into a fresh map.
func (m *metrics) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.counter {
		out[k] = v
	}
	return out
}

const (
	metricFramesSent       = "xchannel_frames_sent"
	metricFramesReceived   = "xchannel_frames_received"
	metricFramesDropped    = "xchannel_frames_dropped"
	metricHandshakeReady   = "xchannel_handshake_completed"
	metricHandlerPanics    = "xchannel_handler_panics"
	metricOutstandingCalls = "xchannel_outstanding_calls"
)

// promCollectors holds the optional Prometheus counters a Channel
// registers when Config.Metrics is set. They mirror the internal metrics
// map, except xchannel_outstanding_calls, which has no Prometheus
// counterpart. They are labeled by the channel's identity, so a process hosting
// several Channels gets one Prometheus time series per Channel rather than
// a single blended counter.
type promCollectors struct {
	sent       prometheus.Counter
	received   prometheus.Counter
	dropped    prometheus.Counter
	handshakes prometheus.Counter
	panics     prometheus.Counter
}

func newPromCollectors(reg prometheus.Registerer, identity string) *promCollectors {
	if reg == nil {
		return nil
	}
	labels := prometheus.Labels{"channel": identity}
	pc := &promCollectors{
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        metricFramesSent,
			Help:        "Frames transmitted by this channel.",
			ConstLabels: labels,
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        metricFramesReceived,
			Help:        "Frames accepted and dispatched by this channel.",
			ConstLabels: labels,
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        metricFramesDropped,
			Help:        "Frames dropped by origin, scope, or shape filtering.",
			ConstLabels: labels,
		}),
		handshakes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        metricHandshakeReady,
			Help:        "Ready handshakes completed by this channel.",
			ConstLabels: labels,
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        metricHandlerPanics,
			Help:        "Handler invocations that recovered from a panic.",
			ConstLabels: labels,
		}),
	}
	for _, c := range []prometheus.Collector{pc.sent, pc.received, pc.dropped, pc.handshakes, pc.panics} {
		// Registration failures (e.g. a second Channel reusing the same
		// identity label) are not fatal to Build; the channel simply runs
		// without that one counter wired to the registry.
		_ = reg.Register(c)
	}
	return pc
}
