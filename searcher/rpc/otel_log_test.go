package rpc_test

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/Cogwheel-Validator/spectra-searcher/searcher/rpc"
	"github.com/rs/zerolog"
	"github.com/zeebo/assert"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/embedded"
)

type memoryLogger struct {
	embedded.Logger

	mu       sync.Mutex
	minLevel otellog.Severity
	records  []otellog.Record
}

func (l *memoryLogger) Emit(_ context.Context, record otellog.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
}

func (l *memoryLogger) Enabled(_ context.Context, param otellog.EnabledParameters) bool {
	return param.Severity >= l.minLevel
}

func TestOTelLogHookMirrorsEvents(t *testing.T) {
	sink := &memoryLogger{minLevel: otellog.SeverityInfo}
	logger := zerolog.New(io.Discard).Hook(rpc.NewOTelLogHookWithLogger(sink))

	logger.Debug().Msg("below the exporter level")
	logger.Info().Str("procedure", "/searcher.v1.SearcherService/GetStatus").Msg("Request handled")
	logger.Warn().Msg("Forward queue full")
	logger.Log().Msg("no level")

	assert.Equal(t, len(sink.records), 2)

	first := sink.records[0]
	assert.Equal(t, first.Body().AsString(), "Request handled")
	assert.Equal(t, first.Severity(), otellog.SeverityInfo)
	assert.Equal(t, first.SeverityText(), "info")
	assert.False(t, first.Timestamp().IsZero())

	assert.Equal(t, sink.records[1].Severity(), otellog.SeverityWarn)
}
