package migration

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return conn
}

func TestApplySQLiteSchemaIsIdempotent(t *testing.T) {
	conn := openSQLite(t)

	require.NoError(t, ApplySQLiteSchema(conn))
	require.NoError(t, ApplySQLiteSchema(conn))

	assert.True(t, conn.Migrator().HasTable("drawing_revisions"))
	assert.True(t, conn.Migrator().HasIndex("drawing_revisions", "ux_drawing_revisions_head_package"))
	assert.True(t, conn.Migrator().HasIndex("drawing_revisions", "ux_drawing_revisions_head_project"))
}

func TestSQLiteHeadIndexIgnoresSuspended(t *testing.T) {
	conn := openSQLite(t)
	require.NoError(t, ApplySQLiteSchema(conn))

	insert := `INSERT INTO drawing_revisions
		(id, client_id, project_id, package_id, drawing_number, issue_date, status, created_at, updated_at)
		VALUES (?, 1, 10, NULL, 'A-101', '2024-01-01', ?, '2024-01-01', '2024-01-01')`

	require.NoError(t, conn.Exec(insert, 1, "ACTIVE").Error)
	require.Error(t, conn.Exec(insert, 2, "ACTIVE").Error, "second head for the same key must be rejected")

	require.NoError(t, conn.Exec(`UPDATE drawing_revisions SET status = 'SUSPENDED' WHERE id = 1`).Error)
	require.NoError(t, conn.Exec(insert, 3, "ACTIVE").Error)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("CREATE TABLE a (id INT);\n\n CREATE INDEX b ON a (id);  ;")
	assert.Equal(t, []string{"CREATE TABLE a (id INT)", "CREATE INDEX b ON a (id)"}, stmts)
}
