package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tidewater/internal/logging"
)

const namespace = "tidewater"

var (
	DecodeWarnings = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_warnings_total",
		Help:      "Input lines skipped because they were not valid JSON.",
	})

	RecordsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_ingested_total",
		Help:      "Rows normalized and appended to a sink.",
	}, []string{"stream"})

	RecordsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_skipped_total",
		Help:      "Rows dropped by a skip validation policy.",
	}, []string{"stream"})

	Drains = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "drains_total",
		Help:      "Sink drains by outcome.",
	}, []string{"stream", "result"})

	RowsCommitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rows_committed_total",
		Help:      "Rows handed to the target in successful commits.",
	}, []string{"stream"})

	CommitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "commit_duration_seconds",
		Help:      "Latency of target commit calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stream"})

	StateEmits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "state_emits_total",
		Help:      "State snapshots written.",
	})
)

func init() {
	prometheus.MustRegister(DecodeWarnings, RecordsIngested, RecordsSkipped, Drains, RowsCommitted, CommitSeconds, StateEmits)
}

// Expose serves /metrics on port in the background. Port 0 disables it.
func Expose(port int) {
	if port <= 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
			logging.L().Error("metrics server stopped", "port", port, "err", err)
		}
	}()
}
