package mutator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons reported by the router.
const (
	DropUndecodable  = "undecodable"
	DropUnknownType  = "unknown_type"
	DropIncomplete   = "incomplete"
	DropUnregistered = "unregistered_callback"
)

var (
	registerOnce sync.Once

	routedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mutator",
			Subsystem: "router",
			Name:      "frames_total",
			Help:      "Inbound frames routed, by envelope type.",
		},
		[]string{"type"},
	)
	droppedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mutator",
			Subsystem: "router",
			Name:      "dropped_frames_total",
			Help:      "Inbound frames dropped without effect.",
		},
		[]string{"reason"},
	)
	callbacksHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mutator",
			Subsystem: "router",
			Name:      "callbacks_total",
			Help:      "Server callbacks dispatched to a registered handler.",
		},
		[]string{"kind"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mutator",
			Subsystem: "session",
			Name:      "request_duration_seconds",
			Help:      "Round-trip time of session requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(routedFrames, droppedFrames, callbacksHandled, requestDuration)
	})
}

func recordRequest(op string, started time.Time, err error) {
	RegisterMetrics()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	requestDuration.WithLabelValues(op, outcome).Observe(time.Since(started).Seconds())
}

// Stats are per-session router counters.
type Stats struct {
	Routed          uint64
	Dropped         uint64
	CallbacksRun    uint64
	CallbackReplies uint64
}

type stats struct {
	routed          atomic.Uint64
	dropped         atomic.Uint64
	callbacksRun    atomic.Uint64
	callbackReplies atomic.Uint64
}

func (s *stats) snapshot() Stats {
	return Stats{
		Routed:          s.routed.Load(),
		Dropped:         s.dropped.Load(),
		CallbacksRun:    s.callbacksRun.Load(),
		CallbackReplies: s.callbackReplies.Load(),
	}
}
