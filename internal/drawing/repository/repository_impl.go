package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/drawledger/internal/drawing/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// revisionRow is the scan target; queries alias live columns to these canonical names.
type revisionRow struct {
	ID            int64          `gorm:"column:id"`
	ClientID      int64          `gorm:"column:client_id"`
	ProjectID     int64          `gorm:"column:project_id"`
	PackageID     *int64         `gorm:"column:package_id"`
	DrawingNumber string         `gorm:"column:drawing_number"`
	Category      *string        `gorm:"column:category"`
	Revision      *string        `gorm:"column:revision"`
	FileNames     datatypes.JSON `gorm:"column:file_names"`
	IssueDate     *time.Time     `gorm:"column:issue_date"`
	Status        *string        `gorm:"column:status"`
	SupersededBy  *int64         `gorm:"column:superseded_by"`
	CreatedAt     *time.Time     `gorm:"column:created_at"`
	UpdatedAt     *time.Time     `gorm:"column:updated_at"`
}

// decodeFileNames reads the file column. Rows written by older tools may hold a
// bare string or a single unquoted name instead of a JSON array.
func decodeFileNames(raw []byte) []string {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return []string{}
	}
	var names []string
	if err := json.Unmarshal([]byte(text), &names); err == nil {
		return nonNil(names)
	}
	var single string
	if err := json.Unmarshal([]byte(text), &single); err == nil {
		text = strings.TrimSpace(single)
	}
	if text == "" {
		return []string{}
	}
	return []string{text}
}

func (r revisionRow) toDomain() domain.DrawingRevision {
	rev := domain.DrawingRevision{
		ID:            snowflake.ID(r.ID),
		ClientID:      r.ClientID,
		ProjectID:     r.ProjectID,
		PackageID:     r.PackageID,
		DrawingNumber: r.DrawingNumber,
		Revision:      r.Revision,
		FileNames:     []string{},
		Status:        domain.StatusActive,
	}
	if r.Category != nil {
		rev.Category = *r.Category
	}
	rev.FileNames = decodeFileNames(r.FileNames)
	if r.IssueDate != nil {
		rev.IssueDate = r.IssueDate.UTC()
	}
	if r.Status != nil && *r.Status != "" {
		rev.Status = domain.RevisionStatus(*r.Status)
	}
	if r.SupersededBy != nil {
		next := snowflake.ID(*r.SupersededBy)
		rev.SupersededBy = &next
	}
	if r.CreatedAt != nil {
		rev.CreatedAt = r.CreatedAt.UTC()
	}
	if r.UpdatedAt != nil {
		rev.UpdatedAt = r.UpdatedAt.UTC()
	}
	return rev
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, cols domain.Columns, rev *domain.DrawingRevision) error {
	fileNames, err := json.Marshal(nonNil(rev.FileNames))
	if err != nil {
		return err
	}

	values := map[string]interface{}{
		"id":             int64(rev.ID),
		"client_id":      rev.ClientID,
		"project_id":     rev.ProjectID,
		"package_id":     rev.PackageID,
		"drawing_number": rev.DrawingNumber,
		"category":       rev.Category,
		"revision":       rev.Revision,
		"file_names":     datatypes.JSON(fileNames),
		"issue_date":     rev.IssueDate,
		"status":         string(rev.Status),
		"superseded_by":  nil,
		"created_at":     rev.CreatedAt,
		"updated_at":     rev.UpdatedAt,
	}

	fields := cols.Fields()
	canonical := make([]string, 0, len(fields))
	for name := range fields {
		canonical = append(canonical, name)
	}
	sort.Strings(canonical)

	names := make([]string, 0, len(canonical))
	args := make([]interface{}, 0, len(canonical))
	for _, name := range canonical {
		names = append(names, domain.Quote(fields[name]))
		args = append(args, values[name])
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		domain.Quote(cols.Table),
		strings.Join(names, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", "),
	)
	return db.WithContext(ctx).Exec(sql, args...).Error
}

// Suspend demotes a head to SUSPENDED. It reports false when the row is no longer a head.
func (r *repo) Suspend(ctx context.Context, db *gorm.DB, cols domain.Columns, id snowflake.ID, now time.Time) (bool, error) {
	q := domain.Quote
	set := fmt.Sprintf("%s = ?", q(cols.Status))
	args := []interface{}{string(domain.StatusSuspended)}
	if cols.UpdatedAt != "" {
		set += fmt.Sprintf(", %s = ?", q(cols.UpdatedAt))
		args = append(args, now)
	}
	args = append(args, int64(id), string(domain.StatusSuspended))

	res := db.WithContext(ctx).Exec(
		fmt.Sprintf("UPDATE %s SET %s WHERE %s = ? AND %s IS NULL AND %s <> ?",
			q(cols.Table), set, q(cols.ID), q(cols.SupersededBy), q(cols.Status)),
		args...,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// LinkSuccessor points a suspended row at its replacement and marks it SUPERSEDED.
func (r *repo) LinkSuccessor(ctx context.Context, db *gorm.DB, cols domain.Columns, id, successor snowflake.ID, now time.Time) error {
	q := domain.Quote
	set := fmt.Sprintf("%s = ?, %s = ?", q(cols.SupersededBy), q(cols.Status))
	args := []interface{}{int64(successor), string(domain.StatusSuperseded)}
	if cols.UpdatedAt != "" {
		set += fmt.Sprintf(", %s = ?", q(cols.UpdatedAt))
		args = append(args, now)
	}
	args = append(args, int64(id), string(domain.StatusSuspended))

	res := db.WithContext(ctx).Exec(
		fmt.Sprintf("UPDATE %s SET %s WHERE %s = ? AND %s = ?",
			q(cols.Table), set, q(cols.ID), q(cols.Status)),
		args...,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("%w: revision %s left the suspended state", domain.ErrConflict, id)
	}
	return nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, cols domain.Columns, id snowflake.ID) (*domain.DrawingRevision, error) {
	var rows []revisionRow
	err := r.selectFrom(ctx, db, cols).
		Where(fmt.Sprintf("%s = ?", domain.Quote(cols.ID)), int64(id)).
		Limit(1).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	rev := rows[0].toDomain()
	return &rev, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, cols domain.Columns, filter domain.ListFilter, headsOnly bool) ([]domain.DrawingRevision, error) {
	q := domain.Quote
	stmt := r.selectFrom(ctx, db, cols).
		Where(fmt.Sprintf("%s = ?", q(cols.ProjectID)), filter.ProjectID)
	if filter.PackageID != nil && cols.HasPackage() {
		stmt = stmt.Where(fmt.Sprintf("%s = ?", q(cols.PackageID)), *filter.PackageID)
	}
	if needle := strings.TrimSpace(filter.DrawingFilter); needle != "" {
		stmt = stmt.Where(
			fmt.Sprintf("UPPER(%s) LIKE ? ESCAPE '\\'", q(cols.DrawingNumber)),
			"%"+escapeLike(strings.ToUpper(needle))+"%",
		)
	}
	if headsOnly {
		stmt = stmt.Where(fmt.Sprintf("%s IS NULL", q(cols.SupersededBy))).
			Where(fmt.Sprintf("%s <> ?", q(cols.Status)), string(domain.StatusSuspended))
	}

	var rows []revisionRow
	err := stmt.
		Order(fmt.Sprintf("%s ASC, %s ASC", q(cols.DrawingNumber), q(cols.ID))).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomain(rows), nil
}

func (r *repo) ListByKey(ctx context.Context, db *gorm.DB, cols domain.Columns, key domain.LineageKey) ([]domain.DrawingRevision, error) {
	q := domain.Quote
	stmt := r.selectFrom(ctx, db, cols).
		Where(fmt.Sprintf("%s = ?", q(cols.ProjectID)), key.ProjectID).
		Where(fmt.Sprintf("%s = ?", q(cols.DrawingNumber)), key.DrawingNumber)
	if cols.HasPackage() {
		if key.PackageID != nil {
			stmt = stmt.Where(fmt.Sprintf("%s = ?", q(cols.PackageID)), *key.PackageID)
		} else {
			stmt = stmt.Where(fmt.Sprintf("%s IS NULL", q(cols.PackageID)))
		}
	}

	var rows []revisionRow
	if err := stmt.Order(fmt.Sprintf("%s ASC", q(cols.ID))).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return toDomain(rows), nil
}

func (r *repo) selectFrom(ctx context.Context, db *gorm.DB, cols domain.Columns) *gorm.DB {
	fields := cols.Fields()
	canonical := make([]string, 0, len(fields))
	for name := range fields {
		canonical = append(canonical, name)
	}
	sort.Strings(canonical)

	selects := make([]string, 0, len(canonical))
	for _, name := range canonical {
		selects = append(selects, fmt.Sprintf("%s AS %s", domain.Quote(fields[name]), name))
	}
	return db.WithContext(ctx).Table(cols.Table).Select(strings.Join(selects, ", "))
}

func toDomain(rows []revisionRow) []domain.DrawingRevision {
	out := make([]domain.DrawingRevision, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
