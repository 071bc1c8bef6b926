package rpc

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

// OTelLogHook mirrors zerolog events to an OpenTelemetry logger. Only the level, message and
// time are carried over; zerolog does not expose the event fields to hooks.
type OTelLogHook struct {
	logger otellog.Logger
}

// NewOTelLogHook emits to the global logger provider under name. Call it after NewOTelSDK has
// installed the provider.
func NewOTelLogHook(name string) OTelLogHook {
	return NewOTelLogHookWithLogger(global.GetLoggerProvider().Logger(name))
}

func NewOTelLogHookWithLogger(logger otellog.Logger) OTelLogHook {
	return OTelLogHook{logger: logger}
}

func (h OTelLogHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	severity, ok := otelSeverity(level)
	if !ok {
		return
	}
	ctx := e.GetCtx()
	if ctx == nil {
		ctx = context.Background()
	}
	if !h.logger.Enabled(ctx, otellog.EnabledParameters{Severity: severity}) {
		return
	}

	var record otellog.Record
	now := time.Now()
	record.SetTimestamp(now)
	record.SetObservedTimestamp(now)
	record.SetSeverity(severity)
	record.SetSeverityText(level.String())
	record.SetBody(otellog.StringValue(msg))
	h.logger.Emit(ctx, record)
}

func otelSeverity(level zerolog.Level) (otellog.Severity, bool) {
	switch level {
	case zerolog.TraceLevel:
		return otellog.SeverityTrace, true
	case zerolog.DebugLevel:
		return otellog.SeverityDebug, true
	case zerolog.InfoLevel:
		return otellog.SeverityInfo, true
	case zerolog.WarnLevel:
		return otellog.SeverityWarn, true
	case zerolog.ErrorLevel:
		return otellog.SeverityError, true
	case zerolog.FatalLevel:
		return otellog.SeverityFatal, true
	case zerolog.PanicLevel:
		return otellog.SeverityFatal4, true
	default:
		return 0, false
	}
}
