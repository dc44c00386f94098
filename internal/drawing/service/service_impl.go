package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/drawledger/internal/clock"
	"github.com/smallbiznis/drawledger/internal/config"
	"github.com/smallbiznis/drawledger/internal/drawing/domain"
	"github.com/smallbiznis/drawledger/internal/drawing/projectlock"
	"github.com/smallbiznis/drawledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/drawledger/internal/observability/metrics"
	"github.com/smallbiznis/drawledger/internal/observability/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	operationAttach  = "attach"
	operationPublish = "publish"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Repo          domain.Repository
	Resolver      domain.KeyResolver
	Serializer    projectlock.Serializer
	Config        *config.LedgerConfigHolder
	Clock         clock.Clock
	Metrics       *obsmetrics.Metrics `optional:"true"`
	// LedgerMetrics defaults to the process-wide registry.
	LedgerMetrics *obsmetrics.LedgerMetrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	resolver   domain.KeyResolver
	serializer projectlock.Serializer
	cfg        *config.LedgerConfigHolder
	clock      clock.Clock
	otel       *obsmetrics.Metrics
	metrics    *obsmetrics.LedgerMetrics
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	ledgerMetrics := p.LedgerMetrics
	if ledgerMetrics == nil {
		ledgerMetrics = obsmetrics.Ledger()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("drawing.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		resolver:   p.Resolver,
		serializer: p.Serializer,
		cfg:        p.Config,
		clock:      clk,
		otel:       p.Metrics,
		metrics:    ledgerMetrics,
	}
}

// pending is a validated entry waiting for its project group.
type pending struct {
	index int
	entry domain.Entry
}

func (s *Service) BatchUpsert(ctx context.Context, entries []domain.Entry) (domain.BatchResult, error) {
	return s.process(ctx, operationPublish, entries)
}

// Attach never deduplicates: attaching an identical entry twice yields two revisions,
// the second superseding the first.
func (s *Service) Attach(ctx context.Context, entries []domain.Entry) (domain.AttachResult, error) {
	res, err := s.process(ctx, operationAttach, entries)
	return domain.AttachResult{
		Created:    res.Created,
		Superseded: res.Superseded,
		Total:      len(entries),
		Skipped:    res.Failed,
	}, err
}

func (s *Service) process(ctx context.Context, operation string, entries []domain.Entry) (domain.BatchResult, error) {
	result := domain.BatchResult{Failed: []domain.EntryFailure{}}
	if len(entries) == 0 {
		return result, domain.ErrEmptyBatch
	}
	cfg := s.cfg.Get()
	if len(entries) > cfg.MaxEntriesPerBatch {
		return result, domain.ErrBatchTooLarge
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.BatchTimeout)
	defer cancel()

	ctx, span := otel.Tracer("drawledger/drawing").Start(ctx, "drawing."+operation)
	defer span.End()

	start := time.Now()
	log := logger.WithContext(ctx, s.log).With(zap.String("operation", operation))

	cols, err := s.columns(ctx)
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "resolve columns")
		return result, err
	}

	groups := map[int64][]pending{}
	for i, raw := range entries {
		entry, err := s.normalizeEntry(raw, cols)
		if err != nil {
			s.fail(log, operation, &result, i, raw.ProjectID, raw.DrawingNumber, err)
			continue
		}
		groups[entry.ProjectID] = append(groups[entry.ProjectID], pending{index: i, entry: entry})
	}

	// Ascending project order keeps two multi-project batches from deadlocking on
	// each other's advisory locks.
	projects := make([]int64, 0, len(groups))
	for projectID := range groups {
		projects = append(projects, projectID)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i] < projects[j] })

	var batchErr error
	for n, projectID := range projects {
		group := groups[projectID]
		if err := ctx.Err(); err != nil {
			for _, rest := range projects[n:] {
				for _, item := range groups[rest] {
					s.fail(log, operation, &result, item.index, rest, item.entry.DrawingNumber, err)
				}
			}
			batchErr = err
			break
		}

		created, superseded, failures, err := s.runProject(ctx, operation, cols, projectID, group)
		if err != nil {
			log.Warn("project group rolled back",
				zap.Int64("project_id", projectID),
				zap.Int("entries", len(group)),
				zap.String("reason", domain.Reason(err)),
				zap.Error(err),
			)
			for _, item := range group {
				cause, ok := failures[item.index]
				if !ok {
					cause = err
				}
				s.fail(log, operation, &result, item.index, projectID, item.entry.DrawingNumber, cause)
			}
			if ctx.Err() != nil {
				batchErr = ctx.Err()
			}
			continue
		}

		result.Created += created
		result.Superseded += superseded
		for _, item := range group {
			if cause, ok := failures[item.index]; ok {
				s.fail(log, operation, &result, item.index, projectID, item.entry.DrawingNumber, cause)
			}
		}
	}

	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].Index < result.Failed[j].Index })

	s.metrics.AddEntries(operation, obsmetrics.OutcomeCreated, result.Created)
	s.metrics.AddEntries(operation, obsmetrics.OutcomeSuperseded, result.Superseded)
	s.metrics.AddEntries(operation, obsmetrics.OutcomeFailed, len(result.Failed))
	s.metrics.ObserveBatchDuration(operation, time.Since(start))

	span.SetAttributes(tracing.SafeAttributes(
		attribute.Int("ledger.entries", len(entries)),
		attribute.Int("ledger.created", result.Created),
		attribute.Int("ledger.superseded", result.Superseded),
		attribute.Int("ledger.failed", len(result.Failed)),
	)...)
	if batchErr != nil {
		span.SetStatus(codes.Error, "batch aborted")
	}

	log.Info("ledger batch processed",
		zap.Int("entries", len(entries)),
		zap.Int("projects", len(projects)),
		zap.Int("created", result.Created),
		zap.Int("superseded", result.Superseded),
		zap.Int("failed", len(result.Failed)),
		zap.Duration("duration", time.Since(start)),
	)
	return result, batchErr
}

// runProject runs one project group in a single transaction holding the project lock.
// Each entry gets its own savepoint, so a failed entry leaves its siblings intact.
// Counts only become real once the outer transaction commits.
func (s *Service) runProject(ctx context.Context, operation string, cols domain.Columns, projectID int64, group []pending) (int, int, map[int]error, error) {
	mode := projectlock.ModeFor(len(group))
	s.otel.RecordBatch(ctx, operation, mode.String())

	var (
		created    int
		superseded int
		failures   = map[int]error{}
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.serializer.Acquire(ctx, tx, projectID, mode); err != nil {
			return classify(err)
		}
		for _, item := range group {
			if err := ctx.Err(); err != nil {
				return err
			}
			replaced, err := s.supersede(ctx, tx, cols, item.entry)
			if err != nil {
				failures[item.index] = err
				continue
			}
			created++
			if replaced {
				superseded++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, failures, classify(err)
	}
	s.otel.RecordEntries(ctx, operation, obsmetrics.OutcomeCreated, created)
	s.otel.RecordEntries(ctx, operation, obsmetrics.OutcomeSuperseded, superseded)
	return created, superseded, failures, nil
}

func (s *Service) fail(log *zap.Logger, operation string, result *domain.BatchResult, index int, projectID int64, drawingNumber string, err error) {
	reason := domain.Reason(err)
	result.Failed = append(result.Failed, domain.EntryFailure{
		Index:         index,
		ProjectID:     projectID,
		DrawingNumber: drawingNumber,
		Reason:        reason,
		Message:       err.Error(),
		Err:           err,
	})
	s.metrics.IncEntryFailure(operation, reason)
	if reason == domain.ReasonStoreUnavailable || reason == domain.ReasonConflict {
		s.metrics.IncStoreError(operation, err)
	}
	log.Warn("ledger entry skipped",
		zap.Int("entry_index", index),
		zap.Int64("project_id", projectID),
		zap.String("drawing_number", drawingNumber),
		zap.String("reason", reason),
		zap.Error(err),
	)
}

func (s *Service) normalizeEntry(entry domain.Entry, cols domain.Columns) (domain.Entry, error) {
	if entry.ClientID <= 0 {
		return domain.Entry{}, domain.ErrInvalidClient
	}
	if entry.ProjectID <= 0 {
		return domain.Entry{}, domain.ErrInvalidProject
	}
	if entry.PackageID != nil {
		if *entry.PackageID <= 0 {
			return domain.Entry{}, domain.ErrInvalidPackage
		}
		if !cols.HasPackage() {
			return domain.Entry{}, domain.ErrPackageUnsupported
		}
	}

	drawingNumber := domain.NormalizeDrawingNumber(entry.DrawingNumber)
	if drawingNumber == "" {
		return domain.Entry{}, domain.ErrInvalidDrawingNumber
	}

	out := domain.Entry{
		ClientID:      entry.ClientID,
		ProjectID:     entry.ProjectID,
		PackageID:     entry.PackageID,
		DrawingNumber: drawingNumber,
		Category:      strings.TrimSpace(entry.Category),
		FileNames:     make([]string, 0, len(entry.FileNames)),
	}
	if entry.Revision != nil {
		if rev := strings.TrimSpace(*entry.Revision); rev != "" {
			out.Revision = &rev
		}
	}
	for _, name := range entry.FileNames {
		if name = strings.TrimSpace(name); name != "" {
			out.FileNames = append(out.FileNames, name)
		}
	}

	issueDate := s.clock.Now()
	if entry.IssueDate != nil && !entry.IssueDate.IsZero() {
		issueDate = *entry.IssueDate
	}
	day := truncateDay(issueDate)
	out.IssueDate = &day
	return out, nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (s *Service) columns(ctx context.Context) (domain.Columns, error) {
	cols, err := s.resolver.Columns(ctx, s.db)
	if err != nil {
		return domain.Columns{}, fmt.Errorf("resolve ledger columns: %w", err)
	}
	return cols, nil
}
