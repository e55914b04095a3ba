// Package metrics provides Prometheus metrics for the loft server.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all loft metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// ServerMetrics holds all Prometheus metrics for the storage server.
type ServerMetrics struct {
	UploadsTotal        prometheus.Counter
	UploadedBytes       prometheus.Counter
	DownloadsTotal      *prometheus.CounterVec // labels: kind (full, range, public)
	DownloadedBytes     prometheus.Counter
	RangeNotSatisfiable prometheus.Counter
	QuotaRejections     prometheus.Counter
	SharesActive        prometheus.Gauge
	RequestDuration     *prometheus.HistogramVec // labels: handler, status
}

// once ensures the metrics are registered a single time; subsequent New
// calls return the same instance.
var (
	once     sync.Once
	instance *ServerMetrics
)

// New initializes the server metrics on the package registry.
func New() *ServerMetrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *ServerMetrics {
	return &ServerMetrics{
		UploadsTotal: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "loft_uploads_total",
			Help: "Total files ingested",
		}),
		UploadedBytes: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "loft_uploaded_bytes_total",
			Help: "Total bytes ingested",
		}),
		DownloadsTotal: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "loft_downloads_total",
			Help: "Total download requests served",
		}, []string{"kind"}),
		DownloadedBytes: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "loft_downloaded_bytes_total",
			Help: "Total bytes served to clients",
		}),
		RangeNotSatisfiable: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "loft_range_not_satisfiable_total",
			Help: "Range requests rejected with 416",
		}),
		QuotaRejections: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "loft_quota_rejections_total",
			Help: "Uploads rejected because the user quota would be exceeded",
		}),
		SharesActive: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name: "loft_shares_active",
			Help: "Resources currently exposed through a public token",
		}),
		RequestDuration: promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loft_request_duration_seconds",
			Help:    "HTTP request duration by handler",
			Buckets: prometheus.DefBuckets,
		}, []string{"handler", "status"}),
	}
}

// Handler returns an HTTP handler exposing the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
