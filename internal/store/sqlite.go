// Package store provides storage backends for convoroute routing configuration.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/convoroute/convoroute/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

const sqliteRuleColumns = `id, organization_id, domain_key, config_type, trigger_value, match_type,
	target_intent, target_node, priority, requires_auth, clears_context, is_enabled, metadata,
	created_at, updated_at`

const sqliteAwaitingColumns = `id, organization_id, domain_key, awaiting_type, target_node,
	valid_response_intents, validation_pattern, priority, is_enabled, created_at, updated_at`

const sqliteIntentColumns = `id, organization_id, domain_key, intent, confirmation_patterns,
	keywords, phrases, lemmas, created_at, updated_at`

// SQLiteStore is a Store backed by a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	slog.Debug("Opening SQLite database connection")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist and seed defaults are present
	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// GetRules implements Store.
func (s *SQLiteStore) GetRules(orgID, domainKey string, configType models.ConfigType) ([]models.RoutingRule, error) {
	rows, err := s.db.Query(`SELECT `+sqliteRuleColumns+` FROM routing_rules
		WHERE domain_key = ? AND config_type = ? AND is_enabled = 1
		AND (organization_id IS NULL OR organization_id = ?)
		ORDER BY priority DESC, id ASC`, domainKey, configType, orgID)
	if err != nil {
		slog.Error("SQLiteStore GetRules query failed", "error", err, "domain", domainKey, "config_type", configType)
		return nil, fmt.Errorf("failed to query routing rules: %w", err)
	}
	defer rows.Close()

	var rules []models.RoutingRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			slog.Error("SQLiteStore GetRules scan failed", "error", err)
			return nil, err
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore GetRules rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate rule rows: %w", err)
	}
	slog.Debug("SQLiteStore GetRules succeeded", "domain", domainKey, "config_type", configType, "count", len(rules))
	return shadowAndSortRules(rules), nil
}

// GetAwaitingConfig implements Store.
func (s *SQLiteStore) GetAwaitingConfig(orgID, domainKey, awaitingType string) (*models.AwaitingTypeConfig, error) {
	rows, err := s.db.Query(`SELECT `+sqliteAwaitingColumns+` FROM awaiting_type_configs
		WHERE domain_key = ? AND awaiting_type = ? AND is_enabled = 1
		AND (organization_id IS NULL OR organization_id = ?)
		ORDER BY organization_id IS NULL ASC`, domainKey, awaitingType, orgID)
	if err != nil {
		slog.Error("SQLiteStore GetAwaitingConfig query failed", "error", err, "awaiting_type", awaitingType)
		return nil, fmt.Errorf("failed to query awaiting config: %w", err)
	}
	defer rows.Close()

	// First row is the tenant record when one exists, otherwise the system default.
	if rows.Next() {
		c, err := scanAwaitingConfig(rows)
		if err != nil {
			slog.Error("SQLiteStore GetAwaitingConfig scan failed", "error", err)
			return nil, err
		}
		return &c, rows.Err()
	}
	slog.Debug("SQLiteStore GetAwaitingConfig not found", "domain", domainKey, "awaiting_type", awaitingType)
	return nil, rows.Err()
}

// GetDomainIntents implements Store.
func (s *SQLiteStore) GetDomainIntents(orgID, domainKey string) ([]models.DomainIntent, error) {
	rows, err := s.db.Query(`SELECT `+sqliteIntentColumns+` FROM domain_intents
		WHERE domain_key = ? AND (organization_id IS NULL OR organization_id = ?)
		ORDER BY id ASC`, domainKey, orgID)
	if err != nil {
		slog.Error("SQLiteStore GetDomainIntents query failed", "error", err, "domain", domainKey)
		return nil, fmt.Errorf("failed to query domain intents: %w", err)
	}
	defer rows.Close()

	var intents []models.DomainIntent
	for rows.Next() {
		d, err := scanDomainIntent(rows)
		if err != nil {
			slog.Error("SQLiteStore GetDomainIntents scan failed", "error", err)
			return nil, err
		}
		intents = append(intents, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate intent rows: %w", err)
	}
	return shadowIntents(intents, orgID), nil
}

// ListRules implements Store.
func (s *SQLiteStore) ListRules(orgID, domainKey string) ([]models.RoutingRule, error) {
	rows, err := s.db.Query(`SELECT `+sqliteRuleColumns+` FROM routing_rules
		WHERE domain_key = ? AND (organization_id IS NULL OR organization_id = ?)
		ORDER BY id ASC`, domainKey, orgID)
	if err != nil {
		slog.Error("SQLiteStore ListRules query failed", "error", err, "domain", domainKey)
		return nil, fmt.Errorf("failed to query routing rules: %w", err)
	}
	defer rows.Close()

	var rules []models.RoutingRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// SaveRule implements Store. The unique tuple (organization, domain, config
// type, trigger value) is upserted manually so NULL organization scoping
// behaves the same on both backends.
func (s *SQLiteStore) SaveRule(r models.RoutingRule) (int64, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	metadata, err := marshalJSON(r.Metadata)
	if err != nil {
		return 0, err
	}

	var existingID int64
	row := s.db.QueryRow(`SELECT id FROM routing_rules
		WHERE domain_key = ? AND config_type = ? AND trigger_value = ?
		AND ((organization_id IS NULL AND ? = '') OR organization_id = ?)`,
		r.DomainKey, r.ConfigType, r.TriggerValue, r.OrganizationID, nilIfEmpty(r.OrganizationID))
	switch err := row.Scan(&existingID); err {
	case nil:
		_, err := s.db.Exec(`UPDATE routing_rules SET match_type = ?, target_intent = ?, target_node = ?,
			priority = ?, requires_auth = ?, clears_context = ?, is_enabled = ?, metadata = ?, updated_at = ?
			WHERE id = ?`,
			string(r.EffectiveMatchType()), r.TargetIntent, nilIfEmpty(r.TargetNode),
			r.Priority, r.RequiresAuth, r.ClearsContext, r.Enabled, metadata, time.Now(), existingID)
		if err != nil {
			slog.Error("SQLiteStore SaveRule update failed", "error", err, "id", existingID)
			return 0, fmt.Errorf("failed to update rule %d: %w", existingID, err)
		}
		slog.Debug("SQLiteStore SaveRule updated", "id", existingID, "trigger", r.TriggerValue)
		return existingID, nil
	case sql.ErrNoRows:
		res, err := s.db.Exec(`INSERT INTO routing_rules (organization_id, domain_key, config_type,
			trigger_value, match_type, target_intent, target_node, priority, requires_auth,
			clears_context, is_enabled, metadata) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			nilIfEmpty(r.OrganizationID), r.DomainKey, r.ConfigType, r.TriggerValue,
			string(r.EffectiveMatchType()), r.TargetIntent, nilIfEmpty(r.TargetNode),
			r.Priority, r.RequiresAuth, r.ClearsContext, r.Enabled, metadata)
		if err != nil {
			slog.Error("SQLiteStore SaveRule insert failed", "error", err, "trigger", r.TriggerValue)
			return 0, fmt.Errorf("failed to insert rule for trigger %q: %w", r.TriggerValue, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("failed to read inserted rule id: %w", err)
		}
		slog.Debug("SQLiteStore SaveRule inserted", "id", id, "trigger", r.TriggerValue)
		return id, nil
	default:
		slog.Error("SQLiteStore SaveRule lookup failed", "error", err, "trigger", r.TriggerValue)
		return 0, fmt.Errorf("failed to look up rule for trigger %q: %w", r.TriggerValue, err)
	}
}

// DeleteRule implements Store.
func (s *SQLiteStore) DeleteRule(id int64) error {
	_, err := s.db.Exec(`DELETE FROM routing_rules WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore DeleteRule failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete rule %d: %w", id, err)
	}
	slog.Debug("SQLiteStore DeleteRule succeeded", "id", id)
	return nil
}

// SaveAwaitingConfig implements Store.
func (s *SQLiteStore) SaveAwaitingConfig(c models.AwaitingTypeConfig) (int64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	intents, err := marshalJSON(c.ValidResponseIntents)
	if err != nil {
		return 0, err
	}

	var existingID int64
	row := s.db.QueryRow(`SELECT id FROM awaiting_type_configs
		WHERE domain_key = ? AND awaiting_type = ?
		AND ((organization_id IS NULL AND ? = '') OR organization_id = ?)`,
		c.DomainKey, c.AwaitingType, c.OrganizationID, nilIfEmpty(c.OrganizationID))
	switch err := row.Scan(&existingID); err {
	case nil:
		_, err := s.db.Exec(`UPDATE awaiting_type_configs SET target_node = ?, valid_response_intents = ?,
			validation_pattern = ?, priority = ?, is_enabled = ?, updated_at = ? WHERE id = ?`,
			c.TargetNode, intents, nilIfEmpty(c.ValidationPattern), c.Priority, c.Enabled, time.Now(), existingID)
		if err != nil {
			return 0, fmt.Errorf("failed to update awaiting config %d: %w", existingID, err)
		}
		return existingID, nil
	case sql.ErrNoRows:
		res, err := s.db.Exec(`INSERT INTO awaiting_type_configs (organization_id, domain_key, awaiting_type,
			target_node, valid_response_intents, validation_pattern, priority, is_enabled)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			nilIfEmpty(c.OrganizationID), c.DomainKey, c.AwaitingType, c.TargetNode,
			intents, nilIfEmpty(c.ValidationPattern), c.Priority, c.Enabled)
		if err != nil {
			return 0, fmt.Errorf("failed to insert awaiting config %q: %w", c.AwaitingType, err)
		}
		return res.LastInsertId()
	default:
		return 0, fmt.Errorf("failed to look up awaiting config %q: %w", c.AwaitingType, err)
	}
}

// ListAwaitingConfigs implements Store.
func (s *SQLiteStore) ListAwaitingConfigs(orgID, domainKey string) ([]models.AwaitingTypeConfig, error) {
	rows, err := s.db.Query(`SELECT `+sqliteAwaitingColumns+` FROM awaiting_type_configs
		WHERE domain_key = ? AND (organization_id IS NULL OR organization_id = ?)
		ORDER BY id ASC`, domainKey, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to query awaiting configs: %w", err)
	}
	defer rows.Close()

	var configs []models.AwaitingTypeConfig
	for rows.Next() {
		c, err := scanAwaitingConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// SaveDomainIntent implements Store.
func (s *SQLiteStore) SaveDomainIntent(d models.DomainIntent) (int64, error) {
	if err := d.Validate(); err != nil {
		return 0, err
	}
	confirmations, err := marshalJSON(d.ConfirmationPatterns)
	if err != nil {
		return 0, err
	}
	keywords, err := marshalJSON(d.Keywords)
	if err != nil {
		return 0, err
	}
	phrases, err := marshalJSON(d.Phrases)
	if err != nil {
		return 0, err
	}
	lemmas, err := marshalJSON(d.Lemmas)
	if err != nil {
		return 0, err
	}

	var existingID int64
	row := s.db.QueryRow(`SELECT id FROM domain_intents
		WHERE domain_key = ? AND intent = ?
		AND ((organization_id IS NULL AND ? = '') OR organization_id = ?)`,
		d.DomainKey, d.Intent, d.OrganizationID, nilIfEmpty(d.OrganizationID))
	switch err := row.Scan(&existingID); err {
	case nil:
		_, err := s.db.Exec(`UPDATE domain_intents SET confirmation_patterns = ?, keywords = ?,
			phrases = ?, lemmas = ?, updated_at = ? WHERE id = ?`,
			confirmations, keywords, phrases, lemmas, time.Now(), existingID)
		if err != nil {
			return 0, fmt.Errorf("failed to update domain intent %d: %w", existingID, err)
		}
		return existingID, nil
	case sql.ErrNoRows:
		res, err := s.db.Exec(`INSERT INTO domain_intents (organization_id, domain_key, intent,
			confirmation_patterns, keywords, phrases, lemmas) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			nilIfEmpty(d.OrganizationID), d.DomainKey, d.Intent, confirmations, keywords, phrases, lemmas)
		if err != nil {
			return 0, fmt.Errorf("failed to insert domain intent %q: %w", d.Intent, err)
		}
		return res.LastInsertId()
	default:
		return 0, fmt.Errorf("failed to look up domain intent %q: %w", d.Intent, err)
	}
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
