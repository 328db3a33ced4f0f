package obs

import (
	"context"
	"log/slog"
	"os"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// bridgeHandler is a slog.Handler that writes human-readable text to
// stderr and, when otelLogger is non-nil, also emits each record to the
// OTel LoggerProvider. Existing slog.Logger call sites require zero
// changes to get both outputs.
type bridgeHandler struct {
	text  slog.Handler
	otel  otellog.Logger
	attrs []slog.Attr
}

func newLogger(lp *sdklog.LoggerProvider) *slog.Logger {
	h := &bridgeHandler{
		text: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}
	if lp != nil {
		h.otel = lp.Logger("zerowire")
	}
	return slog.New(h)
}

func (h *bridgeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.text.Enabled(ctx, level)
}

func (h *bridgeHandler) Handle(ctx context.Context, record slog.Record) error {
	if err := h.text.Handle(ctx, record.Clone()); err != nil {
		return err
	}
	if h.otel == nil {
		return nil
	}

	var rec otellog.Record
	rec.SetTimestamp(record.Time)
	rec.SetBody(otellog.StringValue(record.Message))
	rec.SetSeverity(severityOf(record.Level))
	for _, a := range h.attrs {
		rec.AddAttributes(attrOf(a))
	}
	record.Attrs(func(a slog.Attr) bool {
		rec.AddAttributes(attrOf(a))
		return true
	})
	h.otel.Emit(ctx, rec)
	return nil
}

func (h *bridgeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &bridgeHandler{
		text:  h.text.WithAttrs(attrs),
		otel:  h.otel,
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *bridgeHandler) WithGroup(name string) slog.Handler {
	return &bridgeHandler{text: h.text.WithGroup(name), otel: h.otel, attrs: h.attrs}
}

func severityOf(level slog.Level) otellog.Severity {
	switch {
	case level >= slog.LevelError:
		return otellog.SeverityError
	case level >= slog.LevelWarn:
		return otellog.SeverityWarn
	case level >= slog.LevelInfo:
		return otellog.SeverityInfo
	default:
		return otellog.SeverityDebug
	}
}

func attrOf(a slog.Attr) otellog.KeyValue {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return otellog.String(a.Key, v.String())
	case slog.KindInt64:
		return otellog.Int64(a.Key, v.Int64())
	case slog.KindFloat64:
		return otellog.Float64(a.Key, v.Float64())
	case slog.KindBool:
		return otellog.Bool(a.Key, v.Bool())
	default:
		return otellog.String(a.Key, v.String())
	}
}
