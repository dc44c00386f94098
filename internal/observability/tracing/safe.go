package tracing

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

const maxAttributeLength = 256

var allowedSpanKeys = map[attribute.Key]struct{}{
	"request_id":              {},
	"http.method":             {},
	"http.route":              {},
	"http.status_code":        {},
	"http.server_duration_ms": {},
	"ledger.project_id":       {},
	"ledger.entries":          {},
	"ledger.created":          {},
	"ledger.superseded":       {},
	"ledger.failed":           {},
	"ledger.lock_mode":        {},
	"ledger.history":          {},
	"job.type":                {},
	"job.id":                  {},
}

// SafeAttributes drops span attributes outside the allow list and truncates long values.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedSpanKeys[attr.Key]; !ok {
			continue
		}
		if attr.Value.Type() == attribute.STRING {
			value := attr.Value.AsString()
			if len(value) > maxAttributeLength {
				attr = attribute.String(string(attr.Key), value[:maxAttributeLength])
			}
		}
		out = append(out, attr)
	}
	return out
}

// SafeError returns an error whose message carries only the first line, truncated.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.TrimSpace(err.Error())
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		msg = msg[:idx]
	}
	if len(msg) > maxAttributeLength {
		msg = msg[:maxAttributeLength]
	}
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}

// ExtractContext pulls the remote span context out of carrier using the global propagator.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// InjectContext writes the span context of ctx into carrier.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	if ctx == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}
