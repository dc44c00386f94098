package projectlock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/smallbiznis/drawledger/internal/config"
	"github.com/smallbiznis/drawledger/internal/drawing/drawingtest"
	"github.com/smallbiznis/drawledger/internal/drawing/projectlock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestAdvisoryAcquireOnPostgres(t *testing.T) {
	conn := drawingtest.OpenPostgres(t, 8)
	cfg := config.DefaultLedgerConfig()
	cfg.LockTimeout = 150 * time.Millisecond
	lock := projectlock.New(conn, config.NewStaticLedgerConfigHolder(cfg))
	ctx := context.Background()

	var baseline string
	require.NoError(t, conn.Raw("SHOW lock_timeout").Scan(&baseline).Error)

	begin := func() *gorm.DB {
		tx := conn.Begin()
		require.NoError(t, tx.Error)
		t.Cleanup(func() { tx.Rollback() })
		return tx
	}
	requireTimeout := func(err error) {
		t.Helper()
		var pgErr *pgconn.PgError
		require.True(t, errors.As(err, &pgErr), "%v", err)
		assert.Equal(t, "55P03", pgErr.Code)
	}

	first, second := begin(), begin()
	require.NoError(t, lock.Acquire(ctx, first, 7, projectlock.Shared))
	require.NoError(t, lock.Acquire(ctx, second, 7, projectlock.Shared))

	var timeout string
	require.NoError(t, second.Raw("SHOW lock_timeout").Scan(&timeout).Error)
	assert.Equal(t, "150ms", timeout)

	// Another project is independent of both holders.
	require.NoError(t, lock.Acquire(ctx, begin(), 8, projectlock.Exclusive))

	requireTimeout(lock.Acquire(ctx, begin(), 7, projectlock.Exclusive))

	require.NoError(t, first.Rollback().Error)
	require.NoError(t, second.Rollback().Error)

	writer := begin()
	require.NoError(t, lock.Acquire(ctx, writer, 7, projectlock.Exclusive))
	requireTimeout(lock.Acquire(ctx, begin(), 7, projectlock.Shared))
	require.NoError(t, writer.Commit().Error)

	require.NoError(t, lock.Acquire(ctx, begin(), 7, projectlock.Shared))

	// SET LOCAL ends with the transaction.
	var after string
	require.NoError(t, conn.Raw("SHOW lock_timeout").Scan(&after).Error)
	assert.Equal(t, baseline, after)
}
