// Package drawingtest builds in-memory ledgers for tests.
package drawingtest

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/smallbiznis/drawledger/internal/clock"
	"github.com/smallbiznis/drawledger/internal/config"
	"github.com/smallbiznis/drawledger/internal/drawing/domain"
	"github.com/smallbiznis/drawledger/internal/drawing/keyresolver"
	"github.com/smallbiznis/drawledger/internal/drawing/projectlock"
	"github.com/smallbiznis/drawledger/internal/drawing/repository"
	"github.com/smallbiznis/drawledger/internal/drawing/service"
	"github.com/smallbiznis/drawledger/internal/migration"
	obsmetrics "github.com/smallbiznis/drawledger/internal/observability/metrics"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Epoch is the fake clock start used by NewLedger.
var Epoch = time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC)

// OpenSQLite opens a private in-memory database on a single connection, so
// concurrent callers queue on the connection the way they would on a row lock.
func OpenSQLite(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormlogger.Discard,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return conn
}

// OpenLedgerDBFailingCommits is OpenLedgerDB over a pool whose transactions roll
// back and report commitErr when asked to commit. Savepoints work as usual.
func OpenLedgerDBFailingCommits(t testing.TB, commitErr error) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	sqlDB, err := sql.Open(sqlite.DriverName, dsn)
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	conn, err := gorm.Open(sqlite.Dialector{Conn: &failingCommitPool{DB: sqlDB, err: commitErr}}, &gorm.Config{
		Logger:  gormlogger.Discard,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	require.NoError(t, migration.ApplySQLiteSchema(conn))
	return conn
}

type failingCommitPool struct {
	*sql.DB
	err error
}

func (p *failingCommitPool) BeginTx(ctx context.Context, opts *sql.TxOptions) (gorm.ConnPool, error) {
	tx, err := p.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &failingCommitTx{Tx: tx, err: p.err}, nil
}

func (p *failingCommitPool) GetDBConn() (*sql.DB, error) {
	return p.DB, nil
}

type failingCommitTx struct {
	*sql.Tx
	err error
}

func (tx *failingCommitTx) Commit() error {
	_ = tx.Tx.Rollback()
	return tx.err
}

// OpenLedgerDB is OpenSQLite with the ledger schema applied.
func OpenLedgerDB(t testing.TB) *gorm.DB {
	t.Helper()
	conn := OpenSQLite(t)
	require.NoError(t, migration.ApplySQLiteSchema(conn))
	return conn
}

// Ledger bundles a service with the collaborators tests poke at.
type Ledger struct {
	DB       *gorm.DB
	Service  domain.Service
	Repo     domain.Repository
	Resolver domain.KeyResolver
	Clock    *clock.FakeClock
	Config   *config.LedgerConfigHolder
}

// Option adjusts the ledger before the service is built.
type Option func(*options)

type options struct {
	cfg     config.LedgerConfig
	repo    func(domain.Repository) domain.Repository
	metrics *obsmetrics.LedgerMetrics
}

func WithConfig(fn func(*config.LedgerConfig)) Option {
	return func(o *options) { fn(&o.cfg) }
}

// WithRepository wraps the real repository, e.g. to inject failures.
func WithRepository(wrap func(domain.Repository) domain.Repository) Option {
	return func(o *options) { o.repo = wrap }
}

// WithLedgerMetrics records into m instead of the process-wide registry.
func WithLedgerMetrics(m *obsmetrics.LedgerMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// NewLedger wires a ledger service over conn.
func NewLedger(t testing.TB, conn *gorm.DB, opts ...Option) *Ledger {
	t.Helper()
	o := options{cfg: config.DefaultLedgerConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	require.NoError(t, config.ValidateLedgerConfig(o.cfg))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	holder := config.NewStaticLedgerConfigHolder(o.cfg)
	repo := repository.Provide()
	if o.repo != nil {
		repo = o.repo(repo)
	}
	resolver := keyresolver.New(holder, zap.NewNop())
	clk := clock.NewFakeClock(Epoch)

	svc := service.New(service.Params{
		DB:            conn,
		Log:           zap.NewNop(),
		GenID:         node,
		Repo:          repo,
		Resolver:      resolver,
		Serializer:    projectlock.New(conn, holder),
		Config:        holder,
		Clock:         clk,
		LedgerMetrics: o.metrics,
	})
	return &Ledger{DB: conn, Service: svc, Repo: repo, Resolver: resolver, Clock: clk, Config: holder}
}

// CountHeads counts rows with no successor for a key, straight from the table.
func CountHeads(t testing.TB, conn *gorm.DB, projectID int64, packageID *int64, drawingNumber string) int64 {
	t.Helper()
	var count int64
	stmt := conn.Table("drawing_revisions").
		Where("project_id = ? AND drawing_number = ? AND superseded_by IS NULL", projectID, drawingNumber)
	if packageID != nil {
		stmt = stmt.Where("package_id = ?", *packageID)
	} else {
		stmt = stmt.Where("package_id IS NULL")
	}
	require.NoError(t, stmt.Count(&count).Error)
	return count
}

// CountRows counts every row of a project.
func CountRows(t testing.TB, conn *gorm.DB, projectID int64) int64 {
	t.Helper()
	var count int64
	require.NoError(t, conn.Table("drawing_revisions").Where("project_id = ?", projectID).Count(&count).Error)
	return count
}

func Int64(v int64) *int64 { return &v }

func String(v string) *string { return &v }
