// Package jobs runs ledger writes handed off through the job queue.
package jobs

import (
	"context"
	"fmt"

	"github.com/smallbiznis/drawledger/internal/drawing/domain"
	"github.com/smallbiznis/drawledger/internal/jobqueue"
	obslogger "github.com/smallbiznis/drawledger/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	TypeBatchUpsert = "drawing.batch_upsert"
	TypeAttach      = "drawing.attach"
)

// EntriesPayload is the payload of both job types.
type EntriesPayload struct {
	Entries []domain.Entry `json:"entries"`
	// Source tells operators where the job came from, e.g. "upload" or "publish".
	Source string `json:"source,omitempty"`
}

type handlers struct {
	svc domain.Service
	log *zap.Logger
}

// Register binds the drawing job types to worker.
func Register(worker *jobqueue.Worker, svc domain.Service, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	h := &handlers{svc: svc, log: log.Named("drawing.jobs")}
	worker.Register(TypeBatchUpsert, h.batchUpsert)
	worker.Register(TypeAttach, h.attach)
}

func (h *handlers) batchUpsert(ctx context.Context, job jobqueue.Job) error {
	var payload EntriesPayload
	if err := job.Decode(&payload); err != nil {
		return fmt.Errorf("%w: %v", jobqueue.ErrInvalidJob, err)
	}
	res, err := h.svc.BatchUpsert(ctx, payload.Entries)
	h.logResult(ctx, payload.Source, len(payload.Entries), res.Created, res.Superseded, res.Failed, err)
	return err
}

func (h *handlers) attach(ctx context.Context, job jobqueue.Job) error {
	var payload EntriesPayload
	if err := job.Decode(&payload); err != nil {
		return fmt.Errorf("%w: %v", jobqueue.ErrInvalidJob, err)
	}
	res, err := h.svc.Attach(ctx, payload.Entries)
	h.logResult(ctx, payload.Source, len(payload.Entries), res.Created, res.Superseded, res.Skipped, err)
	return err
}

func (h *handlers) logResult(ctx context.Context, source string, total, created, superseded int, failed []domain.EntryFailure, err error) {
	log := obslogger.WithContext(ctx, h.log).With(
		zap.String("source", source),
		zap.Int("entries", total),
		zap.Int("created", created),
		zap.Int("superseded", superseded),
		zap.Int("failed", len(failed)),
	)
	if err != nil {
		log.Error("drawing job aborted", zap.Error(err))
		return
	}
	for _, f := range failed {
		log.Warn("drawing job entry rejected",
			zap.Int("entry_index", f.Index),
			zap.Int64("project_id", f.ProjectID),
			zap.String("drawing_number", f.DrawingNumber),
			zap.String("reason", f.Reason),
		)
	}
	log.Info("drawing job applied")
}
