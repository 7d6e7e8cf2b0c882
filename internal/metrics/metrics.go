// Package metrics exports shard events as prometheus metrics.
package metrics

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/luciancaetano/kephasgate"
)

// Collector turns shard events into metrics. Pass Observe to Manager.OnEvent.
type Collector struct {
	status       *prometheus.GaugeVec
	dispatches   *prometheus.CounterVec
	latency      prometheus.Histogram
	destroys     *prometheus.CounterVec
	decodeErrors prometheus.Counter
}

// NewCollector registers the metrics on reg, prometheus.DefaultRegisterer when nil.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		status: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kephasgate_shard_status",
			Help: "Current status of each shard, 0 idle through 4 ready",
		}, []string{"shard"}),
		dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kephasgate_dispatch_events_total",
			Help: "Dispatch events received by name",
		}, []string{"event"}),
		latency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kephasgate_heartbeat_latency_seconds",
			Help:    "Time between a heartbeat and its acknowledgement",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		destroys: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kephasgate_shard_destroys_total",
			Help: "Shard destroys by recovery mode",
		}, []string{"recovery"}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "kephasgate_decode_errors_total",
			Help: "Inbound frames dropped because they could not be decoded",
		}),
	}
}

// Observe records e.
func (c *Collector) Observe(e kephasgate.Event) {
	switch e.Type {
	case kephasgate.EventStatus:
		c.status.WithLabelValues(strconv.Itoa(e.ShardID)).Set(float64(e.Status))
	case kephasgate.EventDispatch:
		if e.Dispatch != nil {
			c.dispatches.WithLabelValues(e.Dispatch.Name).Inc()
		}
	case kephasgate.EventHeartbeatAck:
		if e.Latency > 0 {
			c.latency.Observe(e.Latency.Seconds())
		}
	case kephasgate.EventClosed:
		c.destroys.WithLabelValues(e.Recovery.String()).Inc()
	case kephasgate.EventError:
		var decodeErr *kephasgate.DecodeError
		if errors.As(e.Err, &decodeErr) {
			c.decodeErrors.Inc()
		}
	}
}
