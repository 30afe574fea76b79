package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// ExchangeMetrics holds all the metric instruments for the page exchange
// and migration engines.
type ExchangeMetrics struct {
	PairsStartedCounter      metric.Int64Counter
	PairsSucceededCounter    metric.Int64Counter
	PairsFailedCounter       metric.Int64Counter
	PairsRetiredCounter      metric.Int64Counter
	PagesMigratedCounter     metric.Int64Counter
	BytesExchangedCounter    metric.Int64Counter
	ExchangeLatencyHistogram metric.Int64Histogram
	IsolatedUpDownCounter    metric.Int64UpDownCounter
	FallbacksCounter         metric.Int64Counter
}

// NewExchangeMetrics creates and registers all the metrics for the exchange
// and migration paths.
func NewExchangeMetrics(meter metric.Meter) (*ExchangeMetrics, error) {
	pairsStartedCounter, err := meter.Int64Counter(
		"tierswap.exchange.pairs_started_total",
		metric.WithDescription("Total number of exchange pairs attempted."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pairsSucceededCounter, err := meter.Int64Counter(
		"tierswap.exchange.pairs_succeeded_total",
		metric.WithDescription("Total number of exchange pairs completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pairsFailedCounter, err := meter.Int64Counter(
		"tierswap.exchange.pairs_failed_total",
		metric.WithDescription("Total number of exchange pairs that failed permanently."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pairsRetiredCounter, err := meter.Int64Counter(
		"tierswap.exchange.pairs_retired_total",
		metric.WithDescription("Total number of pairs retired because a page was freed mid-flight."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pagesMigratedCounter, err := meter.Int64Counter(
		"tierswap.migrate.pages_total",
		metric.WithDescription("Total number of base pages moved by plain migration."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	bytesExchangedCounter, err := meter.Int64Counter(
		"tierswap.exchange.bytes_total",
		metric.WithDescription("Total bytes swapped between frames."),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	exchangeLatencyHistogram, err := meter.Int64Histogram(
		"tierswap.exchange.pair_duration",
		metric.WithDescription("The latency of one pair exchange."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	isolatedUpDownCounter, err := meter.Int64UpDownCounter(
		"tierswap.exchange.isolated_pages",
		metric.WithDescription("Number of base pages currently isolated for exchange."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	fallbacksCounter, err := meter.Int64Counter(
		"tierswap.exchange.copy_fallbacks_total",
		metric.WithDescription("Times the multithreaded copy path fell back to a single worker."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &ExchangeMetrics{
		PairsStartedCounter:      pairsStartedCounter,
		PairsSucceededCounter:    pairsSucceededCounter,
		PairsFailedCounter:       pairsFailedCounter,
		PairsRetiredCounter:      pairsRetiredCounter,
		PagesMigratedCounter:     pagesMigratedCounter,
		BytesExchangedCounter:    bytesExchangedCounter,
		ExchangeLatencyHistogram: exchangeLatencyHistogram,
		IsolatedUpDownCounter:    isolatedUpDownCounter,
		FallbacksCounter:         fallbacksCounter,
	}, nil
}
