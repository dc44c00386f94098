package db

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.False(t, IsDuplicateKeyErr(nil))
	assert.True(t, IsDuplicateKeyErr(gorm.ErrDuplicatedKey))
	assert.True(t, IsDuplicateKeyErr(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.True(t, IsDuplicateKeyErr(errors.New("constraint failed: UNIQUE constraint failed: drawing_revisions.project_id (2067)")))
	assert.False(t, IsDuplicateKeyErr(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsDuplicateKeyErr(errors.New("boom")))
}

func TestIsTransientErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad_conn", driver.ErrBadConn, true},
		{"connection_exception", &pgconn.PgError{Code: "08006"}, true},
		{"admin_shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"lock_timeout", fmt.Errorf("lock: %w", &pgconn.PgError{Code: "55P03"}), true},
		{"unique_violation", &pgconn.PgError{Code: "23505"}, false},
		{"sqlite_busy", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"other", errors.New("boom"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransientErr(tc.err))
		})
	}
}
