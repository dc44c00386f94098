package config

import (
	"errors"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// LedgerConfig tunes the drawing revision ledger. It is reloaded from ledger.yml when the file changes.
type LedgerConfig struct {
	Table                string              `mapstructure:"table"`
	ColumnAliases        map[string][]string `mapstructure:"columnAliases"`
	BatchTimeout         time.Duration       `mapstructure:"batchTimeout"`
	LockTimeout          time.Duration       `mapstructure:"lockTimeout"`
	MaxEntriesPerBatch   int                 `mapstructure:"maxEntriesPerBatch"`
	MaxSupersedeAttempts int                 `mapstructure:"maxSupersedeAttempts"`
	PackageFallback      bool                `mapstructure:"packageFallback"`
}

func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		Table:                "drawing_revisions",
		ColumnAliases:        map[string][]string{},
		BatchTimeout:         2 * time.Minute,
		LockTimeout:          10 * time.Second,
		MaxEntriesPerBatch:   1000,
		MaxSupersedeAttempts: 3,
		PackageFallback:      true,
	}
}

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

type LedgerConfigHolder struct {
	current atomic.Value // holds LedgerConfig
}

// NewStaticLedgerConfigHolder returns a holder that never reloads.
func NewStaticLedgerConfigHolder(cfg LedgerConfig) *LedgerConfigHolder {
	holder := &LedgerConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewLedgerConfigHolder(log *zap.Logger) (*LedgerConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("ledger.config")

	v := viper.New()
	v.SetConfigName("ledger")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/drawledger")
	v.AddConfigPath(".")

	v.SetEnvPrefix("DRAWLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultLedgerConfig()
	v.SetDefault("ledger.table", defaults.Table)
	v.SetDefault("ledger.columnAliases", defaults.ColumnAliases)
	v.SetDefault("ledger.batchTimeout", defaults.BatchTimeout)
	v.SetDefault("ledger.lockTimeout", defaults.LockTimeout)
	v.SetDefault("ledger.maxEntriesPerBatch", defaults.MaxEntriesPerBatch)
	v.SetDefault("ledger.maxSupersedeAttempts", defaults.MaxSupersedeAttempts)
	v.SetDefault("ledger.packageFallback", defaults.PackageFallback)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg LedgerConfig
	if err := v.UnmarshalKey("ledger", &cfg); err != nil {
		return nil, err
	}
	if err := ValidateLedgerConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticLedgerConfigHolder(cfg)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated LedgerConfig
		if err := v.UnmarshalKey("ledger", &updated); err != nil {
			log.Warn("ledger config reload failed", zap.Error(err))
			return
		}
		if err := ValidateLedgerConfig(updated); err != nil {
			log.Warn("invalid ledger config ignored", zap.Error(err))
			return
		}
		// the lineage table cannot move under a running process
		updated.Table = holder.Get().Table
		holder.Set(updated)
		log.Info("ledger config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *LedgerConfigHolder) Get() LedgerConfig {
	if h == nil {
		return DefaultLedgerConfig()
	}
	cfg, ok := h.current.Load().(LedgerConfig)
	if !ok {
		return DefaultLedgerConfig()
	}
	return cfg
}

// Set swaps the active config. Callers validate first.
func (h *LedgerConfigHolder) Set(cfg LedgerConfig) {
	h.current.Store(cfg)
}

func ValidateLedgerConfig(cfg LedgerConfig) error {
	if !identifierPattern.MatchString(cfg.Table) {
		return errors.New("ledger.table must be a plain lower-case identifier")
	}
	for field, aliases := range cfg.ColumnAliases {
		for _, alias := range aliases {
			if !identifierPattern.MatchString(strings.ToLower(alias)) {
				return errors.New("ledger.columnAliases." + field + " contains an invalid identifier")
			}
		}
	}
	if cfg.BatchTimeout <= 0 {
		return errors.New("ledger.batchTimeout must be positive")
	}
	if cfg.LockTimeout < 0 {
		return errors.New("ledger.lockTimeout cannot be negative")
	}
	if cfg.MaxEntriesPerBatch <= 0 {
		return errors.New("ledger.maxEntriesPerBatch must be positive")
	}
	if cfg.MaxSupersedeAttempts <= 0 {
		return errors.New("ledger.maxSupersedeAttempts must be positive")
	}
	return nil
}
