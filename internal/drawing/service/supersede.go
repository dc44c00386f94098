package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/drawledger/internal/drawing/domain"
	obsmetrics "github.com/smallbiznis/drawledger/internal/observability/metrics"
	"github.com/smallbiznis/drawledger/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// errHeadMoved means the resolved head stopped being a head before it could be demoted.
var errHeadMoved = errors.New("head_moved")

// supersede replaces the head of the entry's lineage key inside tx. Each attempt runs
// in its own savepoint: lock the head, demote it to SUSPENDED, insert the new head,
// then link the old row forward. A failed attempt rolls back to the savepoint and
// leaves the previous head untouched.
//
// Under READ COMMITTED a caller that waited on a head which was superseded meanwhile
// resolves no row and then collides with the new head on the unique index. That
// attempt is retried against the fresh head.
func (s *Service) supersede(ctx context.Context, tx *gorm.DB, cols domain.Columns, entry domain.Entry) (bool, error) {
	key := domain.LineageKey{
		ProjectID:     entry.ProjectID,
		PackageID:     entry.PackageID,
		DrawingNumber: entry.DrawingNumber,
	}

	attempts := s.cfg.Get().MaxSupersedeAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		replaced, err := s.supersedeOnce(ctx, tx, cols, key, entry)
		if err == nil {
			return replaced, nil
		}
		retryable := db.IsDuplicateKeyErr(err) || errors.Is(err, errHeadMoved)
		if !retryable || attempt >= attempts || ctx.Err() != nil {
			if retryable {
				return false, fmt.Errorf("%w: %s still contended after %d attempts", domain.ErrConflict, key, attempt)
			}
			return false, classify(err)
		}
		s.metrics.IncSupersedeRetry()
		s.log.Debug("supersede retried",
			zap.String("lineage_key", key.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}

func (s *Service) supersedeOnce(ctx context.Context, tx *gorm.DB, cols domain.Columns, key domain.LineageKey, entry domain.Entry) (bool, error) {
	var replaced bool
	err := tx.Transaction(func(sp *gorm.DB) error {
		replaced = false

		lockStart := time.Now()
		head, err := s.resolver.ResolveActive(ctx, sp, cols, key, true)
		s.metrics.ObserveDBLockWait(obsmetrics.LockResourceRow, time.Since(lockStart))
		if err != nil {
			return err
		}

		now := s.clock.Now()
		if head != nil {
			ok, err := s.repo.Suspend(ctx, sp, cols, head.ID, now)
			if err != nil {
				return err
			}
			if !ok {
				return errHeadMoved
			}
		}

		rev := domain.DrawingRevision{
			ID:            s.genID.Generate(),
			ClientID:      entry.ClientID,
			ProjectID:     entry.ProjectID,
			PackageID:     entry.PackageID,
			DrawingNumber: entry.DrawingNumber,
			Category:      entry.Category,
			Revision:      entry.Revision,
			FileNames:     entry.FileNames,
			IssueDate:     *entry.IssueDate,
			Status:        domain.StatusActive,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.repo.Insert(ctx, sp, cols, &rev); err != nil {
			return err
		}

		if head != nil {
			if err := s.repo.LinkSuccessor(ctx, sp, cols, head.ID, rev.ID, now); err != nil {
				return err
			}
			replaced = true
		}
		return nil
	})
	return replaced, err
}

// classify folds storage errors into the ledger taxonomy. Context errors and errors
// already in the taxonomy pass through.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case domain.IsValidationError(err), errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrStoreUnavailable):
		return err
	case db.IsDuplicateKeyErr(err):
		return fmt.Errorf("%w: %w", domain.ErrConflict, err)
	case db.IsTransientErr(err):
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	default:
		return err
	}
}
