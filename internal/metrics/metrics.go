package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "evroaming"

// Metrics bundles the collectors of the bridge. Each instance registers on its
// own registerer so tests can build as many as they like.
type Metrics struct {
	PushTotal      *prometheus.CounterVec
	SweepTotal     *prometheus.CounterVec
	SweepDuration  *prometheus.HistogramVec
	AuthTotal      *prometheus.CounterVec
	CDRTotal       *prometheus.CounterVec
	RemoteRequests *prometheus.CounterVec
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PushTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "push",
				Name:      "total",
				Help:      "Push synchronizer decisions by entity kind and result",
			},
			[]string{"kind", "result"},
		),
		SweepTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "sweeps_total",
				Help:      "Completed reconciliation passes",
			},
			[]string{"sweep", "result"},
		),
		SweepDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "sweep_duration_seconds",
				Help:      "Reconciliation pass duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"sweep"},
		),
		AuthTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "authz",
				Name:      "requests_total",
				Help:      "Authorization requests by operation and result",
			},
			[]string{"op", "result"},
		),
		CDRTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cdr",
				Name:      "forwarded_total",
				Help:      "Charge detail record forwards by outcome",
			},
			[]string{"outcome"},
		),
		RemoteRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "remote",
				Name:      "requests_total",
				Help:      "Requests sent to counterparties",
			},
			[]string{"counterparty", "op", "result"},
		),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Inbound HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Inbound HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "route"},
		),
	}
}

// NewNop returns collectors registered nowhere.
func NewNop() *Metrics { return New(prometheus.NewRegistry()) }
