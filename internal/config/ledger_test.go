package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateLedgerConfig(t *testing.T) {
	assert.NoError(t, ValidateLedgerConfig(DefaultLedgerConfig()))

	cfg := DefaultLedgerConfig()
	cfg.Table = "drawing_revisions; drop table x"
	assert.Error(t, ValidateLedgerConfig(cfg))

	cfg = DefaultLedgerConfig()
	cfg.ColumnAliases = map[string][]string{"drawing_number": {"dwg no"}}
	assert.Error(t, ValidateLedgerConfig(cfg))

	cfg = DefaultLedgerConfig()
	cfg.BatchTimeout = 0
	assert.Error(t, ValidateLedgerConfig(cfg))

	cfg = DefaultLedgerConfig()
	cfg.MaxSupersedeAttempts = 0
	assert.Error(t, ValidateLedgerConfig(cfg))
}

func TestLedgerConfigHolderGet(t *testing.T) {
	var nilHolder *LedgerConfigHolder
	assert.Equal(t, DefaultLedgerConfig().Table, nilHolder.Get().Table)

	cfg := DefaultLedgerConfig()
	cfg.BatchTimeout = 5 * time.Second
	holder := NewStaticLedgerConfigHolder(cfg)
	assert.Equal(t, 5*time.Second, holder.Get().BatchTimeout)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_TYPE", "SQLite")
	t.Setenv("UPLOAD_DEFER_BYTES", "1024")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := Load()
	assert.True(t, cfg.IsSQLite())
	assert.Equal(t, int64(1024), cfg.Upload.DeferBytes)
	assert.Equal(t, 0, cfg.Redis.DB)
	assert.Equal(t, "drawledger:jobs", cfg.Redis.QueueKey)
}
