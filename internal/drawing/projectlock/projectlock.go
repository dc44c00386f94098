package projectlock

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/smallbiznis/drawledger/internal/config"
	obsmetrics "github.com/smallbiznis/drawledger/internal/observability/metrics"
	"github.com/smallbiznis/drawledger/pkg/db"
	"gorm.io/gorm"
)

type Mode int

const (
	// Shared is taken by single attaches; they only wait for bulk publishes.
	Shared Mode = iota
	// Exclusive is taken by bulk publishes.
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// ModeFor picks the lock mode for a project group of n entries.
func ModeFor(n int) Mode {
	if n > 1 {
		return Exclusive
	}
	return Shared
}

// Serializer takes a transaction-scoped lock on a project. The lock is released when
// the enclosing transaction commits or rolls back.
type Serializer interface {
	Acquire(ctx context.Context, tx *gorm.DB, projectID int64, mode Mode) error
}

// New picks the advisory serializer on Postgres and a no-op elsewhere.
func New(conn *gorm.DB, cfg *config.LedgerConfigHolder) Serializer {
	if db.IsPostgres(conn) {
		return &advisory{cfg: cfg}
	}
	return noop{}
}

// Key derives the advisory lock key for a project.
func Key(projectID int64) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("drawing_project:" + strconv.FormatInt(projectID, 10)))
	return int64(h.Sum64())
}

type advisory struct {
	cfg *config.LedgerConfigHolder
}

func (a *advisory) Acquire(ctx context.Context, tx *gorm.DB, projectID int64, mode Mode) error {
	if timeout := a.cfg.Get().LockTimeout; timeout > 0 {
		// SET LOCAL takes no bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = %d", timeout.Milliseconds())
		if err := tx.WithContext(ctx).Exec(stmt).Error; err != nil {
			return err
		}
	}

	start := time.Now()
	err := tx.WithContext(ctx).Exec(lockSQL(mode), Key(projectID)).Error
	obsmetrics.Ledger().ObserveDBLockWait(obsmetrics.LockResourceProject, time.Since(start))
	if err != nil {
		return fmt.Errorf("acquire %s project lock %d: %w", mode, projectID, err)
	}
	return nil
}

func lockSQL(mode Mode) string {
	if mode == Exclusive {
		return "SELECT pg_advisory_xact_lock(?)"
	}
	return "SELECT pg_advisory_xact_lock_shared(?)"
}

// noop serves SQLite, which already serializes writers database-wide.
type noop struct{}

func (noop) Acquire(ctx context.Context, _ *gorm.DB, _ int64, _ Mode) error {
	return ctx.Err()
}
