package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every tvlwatcher metric. A dedicated registry keeps the Go
// runtime collectors out of the textfile.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

// ── Fetch ─────────────────────────────────────────────────────────────

var (
	FetchTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tvlwatcher",
		Subsystem: "fetch",
		Name:      "total",
		Help:      "Protocol listing fetch attempts by status.",
	}, []string{"status"})

	ProtocolsFetched = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "tvlwatcher",
		Subsystem: "fetch",
		Name:      "protocols",
		Help:      "Number of protocol records returned by the last fetch.",
	})
)

// ── Threshold ─────────────────────────────────────────────────────────

var (
	AboveThreshold = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "tvlwatcher",
		Subsystem: "threshold",
		Name:      "protocols_above",
		Help:      "Protocols in the tracked category at or above the TVL threshold.",
	})

	NewCrossings = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "tvlwatcher",
		Subsystem: "threshold",
		Name:      "new_crossings_total",
		Help:      "Protocols that crossed the threshold for the first time.",
	})
)

// ── Alert delivery ────────────────────────────────────────────────────

var (
	DeliveriesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tvlwatcher",
		Subsystem: "alerts",
		Name:      "deliveries_total",
		Help:      "Per-recipient notification outcomes.",
	}, []string{"status"})
)

// ── Run ───────────────────────────────────────────────────────────────

var (
	RunSuccess = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "tvlwatcher",
		Subsystem: "run",
		Name:      "success",
		Help:      "1 if the last run succeeded, 0 otherwise.",
	})

	RunLastTimestamp = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "tvlwatcher",
		Subsystem: "run",
		Name:      "last_timestamp_seconds",
		Help:      "Unix timestamp of the last completed run.",
	})

	StateSaveFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tvlwatcher",
		Subsystem: "state",
		Name:      "save_failures_total",
		Help:      "Failed writes of persisted state by file kind.",
	}, []string{"kind"})
)

// WriteTextfile dumps the registry in the node_exporter textfile format.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, Registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
