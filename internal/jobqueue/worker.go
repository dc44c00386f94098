package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/drawledger/internal/clock"
	obscontext "github.com/smallbiznis/drawledger/internal/observability/context"
	obslogger "github.com/smallbiznis/drawledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/drawledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/drawledger/internal/observability/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	OutcomeSucceeded   = "succeeded"
	OutcomeFailed      = "failed"
	OutcomeSkipped     = "skipped"
	OutcomeUnknownType = "unknown_type"
)

// Handler runs one job. Jobs are not retried; handlers log their own partial results.
type Handler func(ctx context.Context, job Job) error

// Config controls polling and claim lifetimes.
type Config struct {
	PollTimeout  time.Duration
	ClaimTTL     time.Duration
	JobTimeout   time.Duration
	ErrorBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollTimeout:  5 * time.Second,
		ClaimTTL:     10 * time.Minute,
		JobTimeout:   5 * time.Minute,
		ErrorBackoff: time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaults.PollTimeout
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = defaults.ClaimTTL
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = defaults.ErrorBackoff
	}
	return c
}

type Params struct {
	fx.In

	Queue   Queue               `optional:"true"`
	Claimer *Claimer            `optional:"true"`
	Log     *zap.Logger
	Clock   clock.Clock
	Metrics *obsmetrics.Metrics `optional:"true"`
	Config  Config              `optional:"true"`
}

type Worker struct {
	queue   Queue
	claimer *Claimer
	log     *zap.Logger
	clock   clock.Clock
	cfg     Config
	otel    *obsmetrics.Metrics
	metrics *obsmetrics.LedgerMetrics

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewWorker(p Params) *Worker {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Worker{
		queue:    p.Queue,
		claimer:  p.Claimer,
		log:      log.Named("jobqueue.worker"),
		clock:    clk,
		cfg:      p.Config.withDefaults(),
		otel:     p.Metrics,
		metrics:  obsmetrics.Ledger(),
		handlers: map[string]Handler{},
	}
}

// Enabled reports whether a queue is wired.
func (w *Worker) Enabled() bool {
	return w != nil && w.queue != nil
}

// Register binds a handler to a job type, replacing any earlier one.
func (w *Worker) Register(jobType string, handler Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[strings.TrimSpace(jobType)] = handler
}

func (w *Worker) handler(jobType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

// Run polls until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	if !w.Enabled() {
		return
	}
	w.log.Info("jobqueue.worker.start")
	defer w.log.Info("jobqueue.worker.stop")

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.queue.Dequeue(ctx, w.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.ErrorBackoff):
			}
			continue
		}
		if job == nil {
			continue
		}
		_ = w.Process(ctx, *job)
	}
}

// Process runs a single job under its claim and records the outcome.
func (w *Worker) Process(parent context.Context, job Job) (err error) {
	start := w.clock.Now()
	ctx := obscontext.WithJob(job.Context(parent), job.ID, job.Type)
	log := obslogger.WithContext(ctx, w.log)

	outcome := OutcomeSucceeded
	defer func() {
		w.metrics.ObserveJob(job.Type, outcome, w.clock.Now().Sub(start))
		w.otel.RecordJob(ctx, job.Type, outcome)
	}()

	handler, ok := w.handler(job.Type)
	if !ok {
		outcome = OutcomeUnknownType
		log.Warn("jobqueue.job.unknown_type")
		return fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type)
	}

	if w.claimer != nil {
		token, claimed, claimErr := w.claimer.TryClaim(ctx, job.ID, w.cfg.ClaimTTL)
		if claimErr != nil {
			outcome = OutcomeFailed
			log.Warn("jobqueue.job.claim_failed", zap.Error(claimErr))
			return claimErr
		}
		if !claimed {
			outcome = OutcomeSkipped
			log.Info("jobqueue.job.already_claimed")
			return ErrJobAlreadyTaken
		}
		defer func() {
			if relErr := w.claimer.Release(context.WithoutCancel(ctx), job.ID, token); relErr != nil {
				log.Warn("jobqueue.job.release_failed", zap.Error(relErr))
			}
		}()
	}

	ctx, span := otel.Tracer("drawledger/jobqueue").Start(ctx, "job."+job.Type)
	span.SetAttributes(obstracing.SafeAttributes(
		attribute.String("job.type", job.Type),
		attribute.String("job.id", job.ID),
	)...)
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	log.Info("jobqueue.job.start", zap.Duration("queue_latency", start.Sub(job.EnqueuedAt)))
	err = w.safeRun(runCtx, handler, job)
	if err != nil {
		outcome = OutcomeFailed
		span.RecordError(obstracing.SafeError(err))
		span.SetStatus(codes.Error, "job failed")
		log.Error("jobqueue.job.finish",
			zap.Int64("duration_ms", w.clock.Now().Sub(start).Milliseconds()),
			zap.Bool("timeout", errors.Is(err, context.DeadlineExceeded)),
			zap.Error(err),
		)
		return err
	}
	log.Info("jobqueue.job.finish", zap.Int64("duration_ms", w.clock.Now().Sub(start).Milliseconds()))
	return nil
}

func (w *Worker) safeRun(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	return handler(ctx, job)
}
