package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name.
const Namespace = "nadag"

// Metrics holds the Prometheus collectors for the aggregation pipeline.
type Metrics struct {
	// Feature API traffic.
	Requests        *prometheus.CounterVec // labels: outcome={success,error,retry}
	RequestDuration prometheus.Histogram
	PagesFetched    prometheus.Counter
	Truncations     prometheus.Counter
	ThrottleWait    prometheus.Histogram

	// Link resolution.
	LinksResolved *prometheus.CounterVec // labels: outcome={success,error,timeout,absent}
	MemoLookups   *prometheus.CounterVec // labels: result={hit,miss}

	// Assembly.
	Cells           *prometheus.CounterVec // labels: outcome={success,error}
	RowsProduced    *prometheus.CounterVec // labels: table={investigations,soundings,samples}
	NormalizeErrors prometheus.Counter
	QueryDuration   prometheus.Histogram
	QueriesRunning  prometheus.Gauge
}

func newMetrics() *Metrics {
	return &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "api_requests_total",
			Help:      "Feature API requests by outcome.",
		}, []string{"outcome"}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Feature API request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		PagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "pages_fetched_total",
			Help:      "Collection pages fetched while following next links.",
		}),
		Truncations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "truncation_reissues_total",
			Help:      "Documents re-requested because numberReturned < numberMatched.",
		}),
		ThrottleWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "throttle_wait_seconds",
			Help:      "Time a request waited for the per-host rate limiter.",
			Buckets:   []float64{0, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		LinksResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "links_resolved_total",
			Help:      "Reference links resolved by outcome.",
		}, []string{"outcome"}),
		MemoLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "memo_lookups_total",
			Help:      "Per-query document memo lookups by result.",
		}, []string{"result"}),
		Cells: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "grid_cells_total",
			Help:      "Grid cells processed by outcome.",
		}, []string{"outcome"}),
		RowsProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rows_produced_total",
			Help:      "Output rows produced by table.",
		}, []string{"table"}),
		NormalizeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "normalize_errors_total",
			Help:      "Documents that degraded to a best-effort normalization.",
		}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "query_duration_seconds",
			Help:      "Duration of a complete bounding-box assembly.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		QueriesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "queries_running",
			Help:      "Assemblies currently in progress.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Requests,
		m.RequestDuration,
		m.PagesFetched,
		m.Truncations,
		m.ThrottleWait,
		m.LinksResolved,
		m.MemoLookups,
		m.Cells,
		m.RowsProduced,
		m.NormalizeErrors,
		m.QueryDuration,
		m.QueriesRunning,
	}
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	m := newMetrics()
	prometheus.NewRegistry().MustRegister(m.collectors()...)
	return m
}
