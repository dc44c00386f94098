package keyresolver

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/smallbiznis/drawledger/internal/config"
	"github.com/smallbiznis/drawledger/internal/drawing/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// synonyms lists, per canonical field, the column names seen across schema revisions.
// The first match in list order wins.
var synonyms = map[string][]string{
	"id":             {"id"},
	"client_id":      {"client_id", "customer_id", "clientid"},
	"project_id":     {"project_id", "projectid", "job_id"},
	"package_id":     {"package_id", "submission_package_id", "submittal_package_id", "pkg_id", "packageid"},
	"drawing_number": {"drawing_number", "drawing_no", "dwg_number", "dwg_no", "sheet_number", "drawingnumber"},
	"category":       {"category", "drawing_category", "drawing_type"},
	"revision":       {"revision", "rev", "revision_no"},
	"file_names":     {"file_names", "filenames", "files", "file_name"},
	"issue_date":     {"issue_date", "issued_on", "date_issued", "issue_dt"},
	"status":         {"status", "state"},
	"superseded_by":  {"superseded_by", "superseded_by_id", "replaced_by_id", "supersededby"},
	"created_at":     {"created_at", "createdat", "created_on"},
	"updated_at":     {"updated_at", "updatedat", "updated_on"},
}

var required = []string{"id", "project_id", "drawing_number", "status", "superseded_by"}

var ErrMissingColumn = errors.New("missing_required_column")

type resolver struct {
	cfg *config.LedgerConfigHolder
	log *zap.Logger

	mu          sync.RWMutex
	cached      *domain.Columns
	fingerprint string
}

// New returns a resolver that caches the discovered layout until the table name or
// the configured aliases change.
func New(cfg *config.LedgerConfigHolder, log *zap.Logger) domain.KeyResolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &resolver{cfg: cfg, log: log.Named("drawing.keyresolver")}
}

func (r *resolver) Columns(ctx context.Context, db *gorm.DB) (domain.Columns, error) {
	cfg := r.cfg.Get()
	fp := fingerprint(cfg)

	r.mu.RLock()
	if r.cached != nil && r.fingerprint == fp {
		cols := *r.cached
		r.mu.RUnlock()
		return cols, nil
	}
	r.mu.RUnlock()

	cols, err := r.discover(ctx, db, cfg)
	if err != nil {
		return domain.Columns{}, err
	}

	r.mu.Lock()
	r.cached = &cols
	r.fingerprint = fp
	r.mu.Unlock()

	r.log.Info("resolved ledger columns",
		zap.String("table", cols.Table),
		zap.Any("columns", cols.Fields()),
		zap.Bool("package_mode", cols.HasPackage()),
	)
	return cols, nil
}

func (r *resolver) discover(ctx context.Context, db *gorm.DB, cfg config.LedgerConfig) (domain.Columns, error) {
	rows, err := db.WithContext(ctx).Table(cfg.Table).Limit(0).Rows()
	if err != nil {
		return domain.Columns{}, fmt.Errorf("%w: inspect %s: %v", domain.ErrStoreUnavailable, cfg.Table, err)
	}
	names, err := rows.Columns()
	_ = rows.Close()
	if err != nil {
		return domain.Columns{}, fmt.Errorf("%w: read columns of %s: %v", domain.ErrStoreUnavailable, cfg.Table, err)
	}
	return Match(cfg.Table, names, cfg.ColumnAliases)
}

// Match maps live column names onto canonical fields. Configured aliases are tried
// before the built-in synonyms.
func Match(table string, live []string, aliases map[string][]string) (domain.Columns, error) {
	byLower := make(map[string]string, len(live))
	for _, name := range live {
		if !identifierPattern.MatchString(name) {
			continue
		}
		lower := strings.ToLower(name)
		if _, seen := byLower[lower]; !seen {
			byLower[lower] = name
		}
	}

	pick := func(field string) string {
		candidates := append([]string{}, aliases[field]...)
		candidates = append(candidates, synonyms[field]...)
		for _, candidate := range candidates {
			if actual, ok := byLower[strings.ToLower(candidate)]; ok {
				return actual
			}
		}
		return ""
	}

	cols := domain.Columns{
		Table:         table,
		ID:            pick("id"),
		ClientID:      pick("client_id"),
		ProjectID:     pick("project_id"),
		PackageID:     pick("package_id"),
		DrawingNumber: pick("drawing_number"),
		Category:      pick("category"),
		Revision:      pick("revision"),
		FileNames:     pick("file_names"),
		IssueDate:     pick("issue_date"),
		Status:        pick("status"),
		SupersededBy:  pick("superseded_by"),
		CreatedAt:     pick("created_at"),
		UpdatedAt:     pick("updated_at"),
	}

	present := cols.Fields()
	var missing []string
	for _, field := range required {
		if _, ok := present[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return domain.Columns{}, fmt.Errorf("%w: %s lacks %s", ErrMissingColumn, table, strings.Join(missing, ", "))
	}
	return cols, nil
}

func (r *resolver) ResolveActive(ctx context.Context, db *gorm.DB, cols domain.Columns, key domain.LineageKey, forUpdate bool) (*domain.Head, error) {
	q := domain.Quote
	stmt := db.WithContext(ctx).
		Table(cols.Table).
		Select(fmt.Sprintf("%s AS id, %s AS status", q(cols.ID), q(cols.Status))).
		Where(fmt.Sprintf("%s = ?", q(cols.ProjectID)), key.ProjectID).
		Where(fmt.Sprintf("%s = ?", q(cols.DrawingNumber)), domain.NormalizeDrawingNumber(key.DrawingNumber)).
		Where(fmt.Sprintf("%s IS NULL", q(cols.SupersededBy))).
		Where(fmt.Sprintf("%s <> ?", q(cols.Status)), domain.StatusSuspended)

	if cols.HasPackage() {
		if key.PackageID != nil {
			stmt = stmt.Where(fmt.Sprintf("%s = ?", q(cols.PackageID)), *key.PackageID)
		} else {
			stmt = stmt.Where(fmt.Sprintf("%s IS NULL", q(cols.PackageID)))
		}
	} else if key.PackageID != nil {
		return nil, domain.ErrPackageUnsupported
	}

	if forUpdate {
		// SQLite drops the locking clause; its writers are serialized database-wide.
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var heads []domain.Head
	if err := stmt.Order(q(cols.ID)).Limit(1).Scan(&heads).Error; err != nil {
		return nil, err
	}
	if len(heads) == 0 {
		return nil, nil
	}
	return &heads[0], nil
}

func fingerprint(cfg config.LedgerConfig) string {
	fields := make([]string, 0, len(cfg.ColumnAliases))
	for field := range cfg.ColumnAliases {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var b strings.Builder
	b.WriteString(cfg.Table)
	for _, field := range fields {
		b.WriteString("|")
		b.WriteString(field)
		b.WriteString("=")
		b.WriteString(strings.Join(cfg.ColumnAliases[field], ","))
	}
	return b.String()
}
