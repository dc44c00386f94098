// Package jobqueue moves deferred ledger work through a Redis list.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/oklog/ulid/v2"
	obstracing "github.com/smallbiznis/drawledger/internal/observability/tracing"
	"github.com/smallbiznis/drawledger/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel/propagation"
)

var (
	ErrInvalidJob      = errors.New("invalid_job")
	ErrNotConfigured   = errors.New("job_queue_not_configured")
	ErrUnknownJobType  = errors.New("unknown_job_type")
	ErrJobAlreadyTaken = errors.New("job_already_claimed")
)

// Job is the queued envelope. Payload is handler specific JSON.
type Job struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Payload       json.RawMessage   `json:"payload"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Trace         map[string]string `json:"trace,omitempty"`
	EnqueuedAt    time.Time         `json:"enqueued_at"`
}

// NewJob stamps a job with a ULID, the caller's correlation id and trace context.
func NewJob(ctx context.Context, jobType string, payload any, now time.Time) (Job, error) {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return Job{}, ErrInvalidJob
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, err
	}

	_, cid := correlation.EnsureCorrelationID(ctx)
	carrier := propagation.MapCarrier{}
	obstracing.InjectContext(ctx, carrier)

	job := Job{
		ID:            ulid.Make().String(),
		Type:          jobType,
		Payload:       raw,
		CorrelationID: cid,
		EnqueuedAt:    now.UTC(),
	}
	if len(carrier) > 0 {
		job.Trace = map[string]string(carrier)
	}
	return job, nil
}

// Context restores the correlation id and remote span the job was enqueued under.
func (j Job) Context(ctx context.Context) context.Context {
	ctx = correlation.ContextWithCorrelationID(ctx, j.CorrelationID)
	if len(j.Trace) > 0 {
		ctx = obstracing.ExtractContext(ctx, propagation.MapCarrier(j.Trace))
	}
	return ctx
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return ErrInvalidJob
	}
	return json.Unmarshal(j.Payload, v)
}

// Encode serializes a job as snappy-compressed JSON.
func Encode(job Job) ([]byte, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func Decode(data []byte) (Job, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return Job{}, errors.Join(ErrInvalidJob, err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return Job{}, errors.Join(ErrInvalidJob, err)
	}
	if job.ID == "" || job.Type == "" {
		return Job{}, ErrInvalidJob
	}
	return job, nil
}
