package dedupfs

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	operations   *prometheus.CounterVec
	written      prometheus.Counter
	deduplicated prometheus.Counter
	reclaimed    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &metrics{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dedupfs",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Engine operations by kind and outcome.",
		}, []string{"op", "result"}),
		written: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dedupfs",
			Subsystem: "engine",
			Name:      "blobs_written_total",
			Help:      "Blobs written to the blob store.",
		}),
		deduplicated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dedupfs",
			Subsystem: "engine",
			Name:      "blobs_deduplicated_total",
			Help:      "Uploads whose content was already stored.",
		}),
		reclaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dedupfs",
			Subsystem: "engine",
			Name:      "blobs_reclaimed_total",
			Help:      "Blobs deleted after their last reference went away.",
		}),
	}
}

func (m *metrics) observe(op string, err error, ok string) {
	m.operations.WithLabelValues(op, outcome(err, ok)).Inc()
}

func outcome(err error, ok string) string {
	switch {
	case err == nil:
		return ok
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	default:
		return "error"
	}
}
