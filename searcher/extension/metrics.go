package extension

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/Cogwheel-Validator/spectra-searcher/searcher/extension"

// Skip reasons recorded on searcher.blocks.skipped
const (
	skipEmptyContract = "empty_contract"
	skipNoCandidates  = "no_candidates"
	skipSnapshot      = "snapshot_unavailable"
	skipEvaluation    = "evaluation_failed"
)

type loopMetrics struct {
	blocks          metric.Int64Counter
	skipped         metric.Int64Counter
	simulated       metric.Int64Counter
	failed          metric.Int64Counter
	selected        metric.Int64Counter
	forwarded       metric.Int64Counter
	forwardFailures metric.Int64Counter
	forwardDropped  metric.Int64Counter
	passDuration    metric.Float64Histogram
	finishedHeight  metric.Int64Gauge
	candidates      metric.Int64Gauge
}

// newLoopMetrics registers the loop instruments on the global meter provider. Instruments
// created before the provider is installed are delegated once it is.
func newLoopMetrics() *loopMetrics {
	m := otel.Meter(meterName)
	fallback := noop.NewMeterProvider().Meter(meterName)

	counter := func(name, desc string) metric.Int64Counter {
		c, err := m.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			extensionLog.Warn().Err(err).Str("instrument", name).Msg("Failed to create counter")
			c, _ = fallback.Int64Counter(name)
		}
		return c
	}
	gauge := func(name, desc string) metric.Int64Gauge {
		g, err := m.Int64Gauge(name, metric.WithDescription(desc))
		if err != nil {
			extensionLog.Warn().Err(err).Str("instrument", name).Msg("Failed to create gauge")
			g, _ = fallback.Int64Gauge(name)
		}
		return g
	}

	duration, err := m.Float64Histogram("searcher.pass.duration",
		metric.WithDescription("Duration of one evaluation pass"),
		metric.WithUnit("s"),
	)
	if err != nil {
		extensionLog.Warn().Err(err).Msg("Failed to create pass duration histogram")
		duration, _ = fallback.Float64Histogram("searcher.pass.duration")
	}

	return &loopMetrics{
		blocks:          counter("searcher.blocks.processed", "Block commits handled by the update loop"),
		skipped:         counter("searcher.blocks.skipped", "Block commits for which evaluation was skipped"),
		simulated:       counter("searcher.candidates.simulated", "Route candidates simulated"),
		failed:          counter("searcher.simulations.failed", "Simulations that reverted, timed out or returned malformed data"),
		selected:        counter("searcher.routes.selected", "Routes selected for forwarding"),
		forwarded:       counter("searcher.batches.forwarded", "Route batches handed to the output transport"),
		forwardFailures: counter("searcher.batches.failed", "Route batches the output transport failed to send"),
		forwardDropped:  counter("searcher.batches.dropped", "Route batches dropped because the forward queue was full"),
		passDuration:    duration,
		finishedHeight:  gauge("searcher.height.finished", "Last block height acknowledged to the host"),
		candidates:      gauge("searcher.candidates", "Route candidates in the extension state"),
	}
}

func (m *loopMetrics) skip(ctx context.Context, reason string) {
	m.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
