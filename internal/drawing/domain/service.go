package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// BatchUpsert attaches entries grouped by project. Rejected entries are reported in
	// Failed and never affect their siblings.
	BatchUpsert(ctx context.Context, entries []Entry) (BatchResult, error)
	// Attach is BatchUpsert for interactive callers; it also reports the input size.
	Attach(ctx context.Context, entries []Entry) (AttachResult, error)
	ListActive(ctx context.Context, filter ListFilter) ([]DrawingRevision, error)
	ListAll(ctx context.Context, filter ListFilter) ([]DrawingRevision, error)
	Get(ctx context.Context, id snowflake.ID) (DrawingRevision, error)
	Lineage(ctx context.Context, id snowflake.ID) ([]DrawingRevision, error)
	VerifyProject(ctx context.Context, projectID int64) (IntegrityReport, error)
}

var (
	ErrInvalidClient        = errors.New("invalid_client")
	ErrInvalidProject       = errors.New("invalid_project")
	ErrInvalidPackage       = errors.New("invalid_package")
	ErrInvalidDrawingNumber = errors.New("invalid_drawing_number")
	ErrPackageUnsupported   = errors.New("package_unsupported")
	ErrEmptyBatch           = errors.New("empty_batch")
	ErrBatchTooLarge        = errors.New("batch_too_large")
	ErrInvalidID            = errors.New("invalid_id")
	ErrNotFound             = errors.New("not_found")
	ErrConflict             = errors.New("conflict")
	ErrStoreUnavailable     = errors.New("store_unavailable")
)

const (
	ReasonValidation       = "validation"
	ReasonConflict         = "conflict"
	ReasonStoreUnavailable = "store_unavailable"
	ReasonCanceled         = "canceled"
	ReasonUnknown          = "unknown"
)

// IsValidationError reports whether err was raised before any transaction opened.
func IsValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidClient),
		errors.Is(err, ErrInvalidProject),
		errors.Is(err, ErrInvalidPackage),
		errors.Is(err, ErrInvalidDrawingNumber),
		errors.Is(err, ErrPackageUnsupported),
		errors.Is(err, ErrEmptyBatch),
		errors.Is(err, ErrBatchTooLarge),
		errors.Is(err, ErrInvalidID):
		return true
	default:
		return false
	}
}

// Reason maps err to a low-cardinality label for logs and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return ReasonUnknown
	case IsValidationError(err):
		return ReasonValidation
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCanceled
	case errors.Is(err, ErrConflict):
		return ReasonConflict
	case errors.Is(err, ErrStoreUnavailable):
		return ReasonStoreUnavailable
	default:
		return ReasonUnknown
	}
}
