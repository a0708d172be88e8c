package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"entitycore/internal/core"
)

var _ core.MetricsRecorder = (*PrometheusRecorder)(nil)

// PrometheusRecorder counts lifecycle operations by outcome and records their
// latency.
type PrometheusRecorder struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the entitycore collectors with reg, or with
// the default registerer when reg is nil.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &PrometheusRecorder{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitycore",
				Name:      "operations_total",
				Help:      "Total number of lifecycle and audit operations",
			},
			[]string{"operation", "success"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "entitycore",
				Name:      "operation_duration_seconds",
				Help:      "Histogram of lifecycle and audit operation latency",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"operation"},
		),
	}
	for _, c := range []prometheus.Collector{r.operations, r.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe implements core.MetricsRecorder.
func (r *PrometheusRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	r.operations.WithLabelValues(operation, strconv.FormatBool(success)).Inc()
	r.duration.WithLabelValues(operation).Observe(duration.Seconds())
}
