package context

import (
	"context"
	"strings"
)

type requestIDKey struct{}

type jobKey struct{}

// Job identifies the queued job a context is running under.
type Job struct {
	ID   string
	Type string
}

// WithRequestID stores the inbound request identifier.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the request identifier or an empty string.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(requestIDKey{}).(string); ok {
		return value
	}
	return ""
}

// WithJob marks ctx as running the given job. A blank id leaves ctx unchanged.
func WithJob(ctx context.Context, id, jobType string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, jobKey{}, Job{ID: id, Type: strings.TrimSpace(jobType)})
}

func JobFromContext(ctx context.Context) (Job, bool) {
	if ctx == nil {
		return Job{}, false
	}
	job, ok := ctx.Value(jobKey{}).(Job)
	return job, ok
}
