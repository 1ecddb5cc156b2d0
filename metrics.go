package snapcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "snapcache"

// Metrics holds the cache's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	DocumentsDecoded   prometheus.Counter
	DocumentsMalformed prometheus.Counter
	StorePuts          prometheus.Counter
	StoreNoopPuts      prometheus.Counter
	StoreDeletes       prometheus.Counter
	Rebuilds           prometheus.Counter
	EventsApplied      *prometheus.CounterVec
	IndexSize          prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DocumentsDecoded: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "documents_decoded_total",
			Help:      "Stored documents decoded during warm start.",
		}),
		DocumentsMalformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "documents_malformed_total",
			Help:      "Stored documents skipped because they could not be decoded.",
		}),
		StorePuts: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "store_puts_total",
			Help:      "Documents written to the store.",
		}),
		StoreNoopPuts: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "store_noop_puts_total",
			Help:      "Document writes skipped because the stored payload was unchanged.",
		}),
		StoreDeletes: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "store_deletes_total",
			Help:      "Documents deleted from the store.",
		}),
		Rebuilds: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rebuilds_total",
			Help:      "Store rebuilds from the content source.",
		}),
		EventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_applied_total",
			Help:      "Change events applied to the cache, by kind.",
		}, []string{"kind"}),
		IndexSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "index_nodes",
			Help:      "Content nodes in the current index snapshot.",
		}),
	}
}

func (m *Metrics) decoded() {
	if m != nil {
		m.DocumentsDecoded.Inc()
	}
}

func (m *Metrics) malformed() {
	if m != nil {
		m.DocumentsMalformed.Inc()
	}
}

func (m *Metrics) wrote(w writeTally) {
	if m != nil {
		m.StorePuts.Add(float64(w.puts))
		m.StoreNoopPuts.Add(float64(w.noopPuts))
		m.StoreDeletes.Add(float64(w.deletes))
	}
}

func (m *Metrics) rebuild() {
	if m != nil {
		m.Rebuilds.Inc()
	}
}

func (m *Metrics) applied(kind EventKind) {
	if m != nil {
		m.EventsApplied.WithLabelValues(kind.String()).Inc()
	}
}

func (m *Metrics) indexSize(n int) {
	if m != nil {
		m.IndexSize.Set(float64(n))
	}
}
