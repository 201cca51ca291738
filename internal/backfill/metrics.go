package backfill

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this package.
	MetricsSubsystem = "backfill"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of trees being backfilled right now.
	TreesInFlight metrics.Gauge
	// Gaps detected, filled and failed.
	GapsFound  metrics.Counter
	GapsFilled metrics.Counter
	GapsFailed metrics.Counter
	// Signatures forwarded by the crawlers.
	SignaturesCrawled metrics.Counter
	// Transactions fetched, labeled by outcome.
	TransactionsFetched metrics.Counter
	// Changelog events written to the store.
	EventsApplied metrics.Counter
	// Instructions that could not be parsed.
	ParseFailures metrics.Counter
	// Duration of a full backfill pass in seconds.
	PassDuration metrics.Histogram
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		TreesInFlight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "trees_in_flight",
			Help:      "Number of trees currently being backfilled.",
		}, labels).With(labelsAndValues...),
		GapsFound: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "gaps_found",
			Help:      "Number of sequence gaps detected.",
		}, labels).With(labelsAndValues...),
		GapsFilled: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "gaps_filled",
			Help:      "Number of gaps whose history was crawled to the end.",
		}, labels).With(labelsAndValues...),
		GapsFailed: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "gaps_failed",
			Help:      "Number of gaps whose crawl was aborted.",
		}, labels).With(labelsAndValues...),
		SignaturesCrawled: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "signatures_crawled",
			Help:      "Number of transaction signatures queued for fetching.",
		}, labels).With(labelsAndValues...),
		TransactionsFetched: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "transactions_fetched",
			Help:      "Number of transactions fetched, by outcome.",
		}, append(labels, "outcome")).With(labelsAndValues...),
		EventsApplied: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "events_applied",
			Help:      "Number of changelog events written to the store.",
		}, labels).With(labelsAndValues...),
		ParseFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "parse_failures",
			Help:      "Number of instructions that failed to parse.",
		}, labels).With(labelsAndValues...),
		PassDuration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "pass_duration_seconds",
			Help:      "Time taken by a backfill pass over all trees.",
			Buckets:   stdprometheus.ExponentialBuckets(1, 2, 12),
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		TreesInFlight:       discard.NewGauge(),
		GapsFound:           discard.NewCounter(),
		GapsFilled:          discard.NewCounter(),
		GapsFailed:          discard.NewCounter(),
		SignaturesCrawled:   discard.NewCounter(),
		TransactionsFetched: discard.NewCounter(),
		EventsApplied:       discard.NewCounter(),
		ParseFailures:       discard.NewCounter(),
		PassDuration:        discard.NewHistogram(),
	}
}
