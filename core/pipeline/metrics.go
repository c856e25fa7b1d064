package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts ingestion outcomes. Labels never carry case content.
type Metrics struct {
	IngestTotal        *prometheus.CounterVec
	PIIDetections      *prometheus.CounterVec
	VaultWrites        *prometheus.CounterVec
	ImageFetchFailures prometheus.Counter
	IngestDuration     prometheus.Histogram
	ClassifierDegraded prometheus.Counter
}

// NewMetrics registers the pipeline metrics with registerer. A nil registerer
// gets a private registry so repeated construction never collides.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	factory := promauto.With(registerer)
	return &Metrics{
		IngestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shomer_ingest_total",
			Help: "Ingestions by final status",
		}, []string{"status"}),
		PIIDetections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shomer_pii_detections_total",
			Help: "PII spans detected by entity type",
		}, []string{"entity_type"}),
		VaultWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shomer_vault_writes_total",
			Help: "Payloads quarantined in the vault by type",
		}, []string{"type"}),
		ImageFetchFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "shomer_image_fetch_failures_total",
			Help: "Images that could not be fetched or vaulted",
		}),
		IngestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "shomer_ingest_duration_seconds",
			Help:    "Wall time of one ingestion",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		ClassifierDegraded: factory.NewCounter(prometheus.CounterOpts{
			Name: "shomer_classifier_degraded_total",
			Help: "Classifications recorded as error",
		}),
	}
}

func (m *Metrics) observeIngest(status string, start time.Time) {
	m.IngestTotal.WithLabelValues(status).Inc()
	m.IngestDuration.Observe(time.Since(start).Seconds())
}
