// Package dualwrite writes validated telemetry to the new time-series store
// and, during the migration window, mirrors it into the legacy relational
// schema. The defining invariant: a legacy-store outage must never silently
// become a primary-path outage unless a category explicitly opts in via
// fail_on_old_error.
package dualwrite

import (
	"context"
	"sync"
	"time"

	"github.com/siteflux/ingest/errors"
	"github.com/siteflux/ingest/storage"
)

// GlobalConfig is the process-wide dual-write default. Category configs
// override it field by field.
type GlobalConfig struct {
	Enabled        bool `yaml:"enabled" json:"enabled"`
	WriteToNew     bool `yaml:"write_to_new" json:"write_to_new"`
	WriteToOld     bool `yaml:"write_to_old" json:"write_to_old"`
	FailOnOldError bool `yaml:"fail_on_old_error" json:"fail_on_old_error"`
	VerifyEnabled  bool `yaml:"verify_enabled" json:"verify_enabled"`
	VerifyInterval int  `yaml:"verify_interval_hours" json:"verify_interval_hours"`
}

// DefaultGlobalConfig writes to the new store only; dual-writing is opt-in.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		Enabled:        false,
		WriteToNew:     true,
		WriteToOld:     false,
		FailOnOldError: false,
		VerifyEnabled:  false,
		VerifyInterval: 24,
	}
}

// CategoryConfig is a per-category override. Created on first enable or
// loaded from the config table at boot; never implicitly deleted.
type CategoryConfig struct {
	CategoryCode     string    `json:"category_code"`
	Enabled          bool      `json:"enabled"`
	WriteToNew       bool      `json:"write_to_new"`
	WriteToOld       bool      `json:"write_to_old"`
	FailOnOldError   bool      `json:"fail_on_old_error"`
	VerifyEnabled    bool      `json:"verify_enabled"`
	VerifyInterval   int       `json:"verify_interval_hours"`
	LastVerifyTime   time.Time `json:"last_verify_time,omitempty"`
	LastVerifyResult string    `json:"last_verify_result,omitempty"`
}

// ConfigManager resolves write eligibility per category, falling back to the
// global default when no category override exists. Safe for concurrent use.
type ConfigManager struct {
	mu         sync.RWMutex
	global     GlobalConfig
	categories map[string]*CategoryConfig
}

// NewConfigManager creates a manager seeded with a global default.
func NewConfigManager(global GlobalConfig) *ConfigManager {
	return &ConfigManager{
		global:     global,
		categories: make(map[string]*CategoryConfig),
	}
}

// IsEnabled reports whether dual-writing applies to a category: the global
// flag OR the category flag.
func (m *ConfigManager) IsEnabled(categoryCode string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.global.Enabled {
		return true
	}
	if cat, ok := m.categories[categoryCode]; ok {
		return cat.Enabled
	}
	return false
}

// ShouldWriteToNew resolves the new-store flag for a category.
func (m *ConfigManager) ShouldWriteToNew(categoryCode string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cat, ok := m.categories[categoryCode]; ok {
		return cat.WriteToNew
	}
	return m.global.WriteToNew
}

// ShouldWriteToOld resolves the legacy-store flag for a category.
func (m *ConfigManager) ShouldWriteToOld(categoryCode string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cat, ok := m.categories[categoryCode]; ok {
		return cat.WriteToOld
	}
	return m.global.WriteToOld
}

// ShouldFailOnOldError resolves whether a legacy failure fails the write.
func (m *ConfigManager) ShouldFailOnOldError(categoryCode string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cat, ok := m.categories[categoryCode]; ok {
		return cat.FailOnOldError
	}
	return m.global.FailOnOldError
}

// Global returns a copy of the global default.
func (m *ConfigManager) Global() GlobalConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global
}

// SetGlobal replaces the global default.
func (m *ConfigManager) SetGlobal(cfg GlobalConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global = cfg
}

// Category returns a copy of a category override, if one exists.
func (m *ConfigManager) Category(categoryCode string) (CategoryConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cat, ok := m.categories[categoryCode]; ok {
		return *cat, true
	}
	return CategoryConfig{}, false
}

// SetCategory creates or replaces a category override.
func (m *ConfigManager) SetCategory(cfg CategoryConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cfg
	m.categories[cfg.CategoryCode] = &c
}

// RecordVerification updates the verification bookkeeping of a category,
// creating the override from the global default if it does not exist yet.
func (m *ConfigManager) RecordVerification(categoryCode, result string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cat, ok := m.categories[categoryCode]
	if !ok {
		cat = &CategoryConfig{
			CategoryCode:   categoryCode,
			Enabled:        m.global.Enabled,
			WriteToNew:     m.global.WriteToNew,
			WriteToOld:     m.global.WriteToOld,
			FailOnOldError: m.global.FailOnOldError,
			VerifyEnabled:  m.global.VerifyEnabled,
			VerifyInterval: m.global.VerifyInterval,
		}
		m.categories[categoryCode] = cat
	}
	cat.LastVerifyTime = at
	cat.LastVerifyResult = result
}

// Categories returns copies of all category overrides.
func (m *ConfigManager) Categories() []CategoryConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CategoryConfig, 0, len(m.categories))
	for _, cat := range m.categories {
		out = append(out, *cat)
	}
	return out
}

// configTable holds one global row (NULL category_code) plus one row per
// category override.
const configTable = "dual_write_config"

const createConfigTable = `
CREATE TABLE IF NOT EXISTS ` + configTable + ` (
	category_code         TEXT UNIQUE,
	enabled               BOOLEAN NOT NULL DEFAULT FALSE,
	write_to_new          BOOLEAN NOT NULL DEFAULT TRUE,
	write_to_old          BOOLEAN NOT NULL DEFAULT FALSE,
	fail_on_old_error     BOOLEAN NOT NULL DEFAULT FALSE,
	verify_enabled        BOOLEAN NOT NULL DEFAULT FALSE,
	verify_interval_hours INTEGER NOT NULL DEFAULT 24,
	last_verify_time      TIMESTAMPTZ,
	last_verify_result    TEXT
)`

// Load reads persisted configuration at boot. Missing table or rows leave
// the seeded defaults in place.
func (m *ConfigManager) Load(ctx context.Context, store storage.Relational) error {
	rows, err := store.Fetch(ctx, `SELECT category_code, enabled, write_to_new, write_to_old,
		fail_on_old_error, verify_enabled, verify_interval_hours, last_verify_time, last_verify_result
		FROM `+configTable)
	if err != nil {
		if errors.Is(err, errors.ErrTableMissing) {
			return nil
		}
		return errors.Wrap(err, "ConfigManager", "Load", "config fetch")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range rows {
		code, hasCode := row.String("category_code")
		cfg := rowToConfig(row)
		if !hasCode || code == "" {
			m.global = GlobalConfig{
				Enabled:        cfg.Enabled,
				WriteToNew:     cfg.WriteToNew,
				WriteToOld:     cfg.WriteToOld,
				FailOnOldError: cfg.FailOnOldError,
				VerifyEnabled:  cfg.VerifyEnabled,
				VerifyInterval: cfg.VerifyInterval,
			}
			continue
		}
		cfg.CategoryCode = code
		c := cfg
		m.categories[code] = &c
	}
	return nil
}

// Save persists the current configuration: the global row plus every
// category override. Called explicitly on change, never implicitly.
func (m *ConfigManager) Save(ctx context.Context, store storage.Relational) error {
	if err := store.Exec(ctx, createConfigTable); err != nil {
		return errors.Wrap(err, "ConfigManager", "Save", "table creation")
	}

	m.mu.RLock()
	global := m.global
	categories := make([]CategoryConfig, 0, len(m.categories))
	for _, cat := range m.categories {
		categories = append(categories, *cat)
	}
	m.mu.RUnlock()

	const upsert = `INSERT INTO ` + configTable + `
		(category_code, enabled, write_to_new, write_to_old, fail_on_old_error,
		 verify_enabled, verify_interval_hours, last_verify_time, last_verify_result)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (category_code) DO UPDATE SET
		 enabled = EXCLUDED.enabled,
		 write_to_new = EXCLUDED.write_to_new,
		 write_to_old = EXCLUDED.write_to_old,
		 fail_on_old_error = EXCLUDED.fail_on_old_error,
		 verify_enabled = EXCLUDED.verify_enabled,
		 verify_interval_hours = EXCLUDED.verify_interval_hours,
		 last_verify_time = EXCLUDED.last_verify_time,
		 last_verify_result = EXCLUDED.last_verify_result`

	// The global row has a NULL category code; NULLs never collide on the
	// unique index, so it is replaced rather than upserted.
	if err := store.Exec(ctx, `DELETE FROM `+configTable+` WHERE category_code IS NULL`); err != nil {
		return errors.Wrap(err, "ConfigManager", "Save", "global row delete")
	}
	if err := store.Exec(ctx, `INSERT INTO `+configTable+`
		(category_code, enabled, write_to_new, write_to_old, fail_on_old_error,
		 verify_enabled, verify_interval_hours)
		VALUES (NULL, $1, $2, $3, $4, $5, $6)`,
		global.Enabled, global.WriteToNew, global.WriteToOld,
		global.FailOnOldError, global.VerifyEnabled, global.VerifyInterval); err != nil {
		return errors.Wrap(err, "ConfigManager", "Save", "global row insert")
	}

	for _, cat := range categories {
		var lastVerify any
		if !cat.LastVerifyTime.IsZero() {
			lastVerify = cat.LastVerifyTime
		}
		if err := store.Exec(ctx, upsert, cat.CategoryCode, cat.Enabled, cat.WriteToNew,
			cat.WriteToOld, cat.FailOnOldError, cat.VerifyEnabled, cat.VerifyInterval,
			lastVerify, cat.LastVerifyResult); err != nil {
			return errors.Wrap(err, "ConfigManager", "Save", "category row upsert")
		}
	}
	return nil
}

func rowToConfig(row storage.Row) CategoryConfig {
	cfg := CategoryConfig{}
	cfg.Enabled = boolCol(row, "enabled")
	cfg.WriteToNew = boolCol(row, "write_to_new")
	cfg.WriteToOld = boolCol(row, "write_to_old")
	cfg.FailOnOldError = boolCol(row, "fail_on_old_error")
	cfg.VerifyEnabled = boolCol(row, "verify_enabled")
	if f, ok := row.Float("verify_interval_hours"); ok {
		cfg.VerifyInterval = int(f)
	}
	if t, ok := row["last_verify_time"].(time.Time); ok {
		cfg.LastVerifyTime = t
	}
	if s, ok := row.String("last_verify_result"); ok {
		cfg.LastVerifyResult = s
	}
	return cfg
}

func boolCol(row storage.Row, col string) bool {
	b, _ := row[col].(bool)
	return b
}
