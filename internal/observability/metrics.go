package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

var (
	registerOnce sync.Once

	registry = prometheus.NewRegistry()

	provisionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ctrtools",
			Subsystem: "provision",
			Name:      "tools_total",
			Help:      "Tool provisioning attempts by outcome.",
		},
		[]string{"tool", "stage", "result"},
	)
	provisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ctrtools",
			Subsystem: "provision",
			Name:      "tool_duration_seconds",
			Help:      "Per-tool provisioning duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tool", "stage"},
	)
	downloadBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ctrtools",
			Subsystem: "fetch",
			Name:      "bytes_total",
			Help:      "Bytes downloaded per tool.",
		},
		[]string{"tool"},
	)
	lastSuccess = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ctrtools",
			Subsystem: "provision",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful provisioning per tool.",
		},
		[]string{"tool"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		registry.MustRegister(provisionTotal, provisionDuration, downloadBytes, lastSuccess)
	})
}

// Gatherer exposes the private registry for tests and exporters.
func Gatherer() prometheus.Gatherer {
	RegisterMetrics()
	return registry
}

// RecordTool records one tool outcome for a stage (provision or verify).
func RecordTool(tool, stage string, duration time.Duration, success bool) {
	RegisterMetrics()
	result := ResultOK
	if !success {
		result = ResultFailed
	}
	provisionTotal.WithLabelValues(tool, stage, result).Inc()
	provisionDuration.WithLabelValues(tool, stage).Observe(duration.Seconds())
	if success {
		lastSuccess.WithLabelValues(tool).SetToCurrentTime()
	}
}

func RecordDownload(tool string, bytes int64) {
	RegisterMetrics()
	if bytes <= 0 {
		return
	}
	downloadBytes.WithLabelValues(tool).Add(float64(bytes))
}

// WriteTextfile writes the registry in the node_exporter textfile format.
func WriteTextfile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, Gatherer()); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
