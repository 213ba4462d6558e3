package telemetry

import (
	"context"
	"fmt"
	"time"

	otellog "go.opentelemetry.io/otel/log"

	"github.com/szibis/telemetry-governor/internal/logging"
)

// NewLogHook returns a logging.LogHook that forwards every log line as an
// OTLP log record. It returns nil when telemetry is disabled.
func (t *Telemetry) NewLogHook() logging.LogHook {
	if !t.Enabled() {
		return nil
	}
	logger := t.logger
	return func(level logging.Level, msg string, attrs map[string]interface{}) {
		var record otellog.Record
		record.SetTimestamp(time.Now())
		record.SetBody(otellog.StringValue(msg))
		record.SetSeverity(severity(level))
		record.SetSeverityText(string(level))
		for k, v := range attrs {
			record.AddAttributes(otellog.KeyValue{Key: k, Value: value(v)})
		}
		logger.Emit(context.Background(), record)
	}
}

func severity(level logging.Level) otellog.Severity {
	switch level {
	case logging.LevelDebug:
		return otellog.SeverityDebug
	case logging.LevelWarn:
		return otellog.SeverityWarn
	case logging.LevelError:
		return otellog.SeverityError
	case logging.LevelFatal:
		return otellog.SeverityFatal
	}
	return otellog.SeverityInfo
}

func value(v interface{}) otellog.Value {
	switch val := v.(type) {
	case nil:
		return otellog.StringValue("<nil>")
	case string:
		return otellog.StringValue(val)
	case int:
		return otellog.IntValue(val)
	case int64:
		return otellog.Int64Value(val)
	case uint64:
		return otellog.Int64Value(int64(val))
	case float64:
		return otellog.Float64Value(val)
	case bool:
		return otellog.BoolValue(val)
	case time.Duration:
		return otellog.StringValue(val.String())
	case error:
		return otellog.StringValue(val.Error())
	}
	return otellog.StringValue(fmt.Sprint(v))
}
