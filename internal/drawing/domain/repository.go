package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository persists revisions. Implementations are stateless; callers pass the
// handle so every call can join the caller's transaction.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, cols Columns, rev *DrawingRevision) error
	Suspend(ctx context.Context, db *gorm.DB, cols Columns, id snowflake.ID, now time.Time) (bool, error)
	LinkSuccessor(ctx context.Context, db *gorm.DB, cols Columns, id, successor snowflake.ID, now time.Time) error
	FindByID(ctx context.Context, db *gorm.DB, cols Columns, id snowflake.ID) (*DrawingRevision, error)
	List(ctx context.Context, db *gorm.DB, cols Columns, filter ListFilter, headsOnly bool) ([]DrawingRevision, error)
	ListByKey(ctx context.Context, db *gorm.DB, cols Columns, key LineageKey) ([]DrawingRevision, error)
}

// KeyResolver discovers the live column layout and finds the head of a lineage key.
type KeyResolver interface {
	Columns(ctx context.Context, db *gorm.DB) (Columns, error)
	ResolveActive(ctx context.Context, db *gorm.DB, cols Columns, key LineageKey, forUpdate bool) (*Head, error)
}
