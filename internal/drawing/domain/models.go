package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

type RevisionStatus string

const (
	StatusActive RevisionStatus = "ACTIVE"
	// StatusSuspended marks a head that is being replaced. It is only visible inside the
	// transaction that set it and frees the head slot of its lineage key.
	StatusSuspended  RevisionStatus = "SUSPENDED"
	StatusSuperseded RevisionStatus = "SUPERSEDED"
)

// DrawingRevision is one attach event. Rows are append-only; only SupersededBy, Status
// and UpdatedAt change after insert.
type DrawingRevision struct {
	ID            snowflake.ID   `json:"id"`
	ClientID      int64          `json:"client_id"`
	ProjectID     int64          `json:"project_id"`
	PackageID     *int64         `json:"package_id,omitempty"`
	DrawingNumber string         `json:"drawing_number"`
	Category      string         `json:"category"`
	Revision      *string        `json:"revision,omitempty"`
	FileNames     []string       `json:"file_names"`
	IssueDate     time.Time      `json:"issue_date"`
	Status        RevisionStatus `json:"status"`
	SupersededBy  *snowflake.ID  `json:"superseded_by,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// IsHead reports whether the revision is the current one for its lineage key.
func (r DrawingRevision) IsHead() bool {
	return r.SupersededBy == nil && r.Status != StatusSuspended
}

func (r DrawingRevision) Key() LineageKey {
	return LineageKey{
		ProjectID:     r.ProjectID,
		PackageID:     r.PackageID,
		DrawingNumber: r.DrawingNumber,
	}
}

// LineageKey identifies one logical drawing slot across its revisions.
// A nil PackageID is its own key and never matches a packaged row.
type LineageKey struct {
	ProjectID     int64  `json:"project_id"`
	PackageID     *int64 `json:"package_id,omitempty"`
	DrawingNumber string `json:"drawing_number"`
}

func (k LineageKey) String() string {
	if k.PackageID == nil {
		return fmt.Sprintf("%d/-/%s", k.ProjectID, k.DrawingNumber)
	}
	return fmt.Sprintf("%d/%d/%s", k.ProjectID, *k.PackageID, k.DrawingNumber)
}

// Head is the identity of the active row for a key, as seen by the resolver.
type Head struct {
	ID     snowflake.ID
	Status RevisionStatus
}

// Entry is one drawing to attach.
type Entry struct {
	ClientID      int64      `json:"client_id"`
	ProjectID     int64      `json:"project_id"`
	PackageID     *int64     `json:"package_id,omitempty"`
	DrawingNumber string     `json:"drawing_number"`
	Category      string     `json:"category"`
	Revision      *string    `json:"revision,omitempty"`
	FileNames     []string   `json:"file_names"`
	IssueDate     *time.Time `json:"issue_date,omitempty"`
}

// EntryFailure reports one entry that did not produce a revision.
type EntryFailure struct {
	Index         int    `json:"index"`
	ProjectID     int64  `json:"project_id"`
	DrawingNumber string `json:"drawing_number"`
	Reason        string `json:"reason"`
	Message       string `json:"message"`
	Err           error  `json:"-"`
}

type BatchResult struct {
	Created    int            `json:"created"`
	Superseded int            `json:"superseded"`
	Failed     []EntryFailure `json:"failed"`
}

type AttachResult struct {
	Created    int            `json:"created"`
	Superseded int            `json:"superseded"`
	Total      int            `json:"total"`
	Skipped    []EntryFailure `json:"skipped"`
}

// ListFilter scopes active-view and history queries.
type ListFilter struct {
	ProjectID     int64
	PackageID     *int64
	DrawingFilter string
}

// IntegrityReport lists ledger violations found for a project.
type IntegrityReport struct {
	ProjectID        int64          `json:"project_id"`
	Rows             int            `json:"rows"`
	Heads            int            `json:"heads"`
	DuplicateHeads   []LineageKey   `json:"duplicate_heads"`
	DanglingPointers []snowflake.ID `json:"dangling_pointers"`
	BackwardPointers []snowflake.ID `json:"backward_pointers"`
	CrossKeyPointers []snowflake.ID `json:"cross_key_pointers"`
	Suspended        []snowflake.ID `json:"suspended"`
}

func (r IntegrityReport) Healthy() bool {
	return len(r.DuplicateHeads) == 0 &&
		len(r.DanglingPointers) == 0 &&
		len(r.BackwardPointers) == 0 &&
		len(r.CrossKeyPointers) == 0 &&
		len(r.Suspended) == 0
}

// NormalizeDrawingNumber trims, collapses inner whitespace and upper-cases.
func NormalizeDrawingNumber(value string) string {
	return strings.ToUpper(strings.Join(strings.Fields(value), " "))
}
