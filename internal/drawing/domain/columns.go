package domain

// Columns maps canonical ledger fields to the column names the live table uses.
// An empty name means the table has no such column.
type Columns struct {
	Table         string
	ID            string
	ClientID      string
	ProjectID     string
	PackageID     string
	DrawingNumber string
	Category      string
	Revision      string
	FileNames     string
	IssueDate     string
	Status        string
	SupersededBy  string
	CreatedAt     string
	UpdatedAt     string
}

// HasPackage reports whether the table carries a package column.
func (c Columns) HasPackage() bool {
	return c.PackageID != ""
}

// Fields returns canonical name to actual column for every column present.
func (c Columns) Fields() map[string]string {
	all := map[string]string{
		"id":             c.ID,
		"client_id":      c.ClientID,
		"project_id":     c.ProjectID,
		"package_id":     c.PackageID,
		"drawing_number": c.DrawingNumber,
		"category":       c.Category,
		"revision":       c.Revision,
		"file_names":     c.FileNames,
		"issue_date":     c.IssueDate,
		"status":         c.Status,
		"superseded_by":  c.SupersededBy,
		"created_at":     c.CreatedAt,
		"updated_at":     c.UpdatedAt,
	}
	out := make(map[string]string, len(all))
	for canonical, actual := range all {
		if actual != "" {
			out[canonical] = actual
		}
	}
	return out
}

// Quote wraps an identifier for both Postgres and SQLite.
func Quote(ident string) string {
	return `"` + ident + `"`
}
