// Package metrics exposes Prometheus instrumentation for the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CapturesTotal counts capture attempts by outcome (ok, error, stale,
	// canceled).
	CapturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "expensio",
		Name:      "captures_total",
		Help:      "Receipt capture attempts by outcome.",
	}, []string{"outcome"})

	// RecognitionsTotal counts recognition calls by outcome (ok, error,
	// rejected).
	RecognitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "expensio",
		Name:      "recognitions_total",
		Help:      "Receipt recognition calls by outcome.",
	}, []string{"outcome"})

	// ReportExportsTotal counts report assembly runs by outcome (ok,
	// rejected, error).
	ReportExportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "expensio",
		Name:      "report_exports_total",
		Help:      "Liquidation report exports by outcome.",
	}, []string{"outcome"})

	// BlobErrorsTotal counts isolated blob store failures that were absorbed
	// rather than escalated.
	BlobErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "expensio",
		Name:      "blob_errors_total",
		Help:      "Blob store failures absorbed during bulk operations.",
	})

	// ReportAssemblySeconds observes report assembly latency.
	ReportAssemblySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "expensio",
		Name:      "report_assembly_seconds",
		Help:      "Wall time spent assembling a report.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Handler returns the Prometheus scrape handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
