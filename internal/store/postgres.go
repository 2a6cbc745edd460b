// Package store provides storage backends for convoroute routing configuration.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/convoroute/convoroute/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	slog.Debug("Opening Postgres database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure routing tables exist and seed defaults are present
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

const postgresRuleColumns = `id, organization_id, domain_key, config_type, trigger_value, match_type,
	target_intent, target_node, priority, requires_auth, clears_context, is_enabled, metadata,
	created_at, updated_at`

const postgresAwaitingColumns = `id, organization_id, domain_key, awaiting_type, target_node,
	valid_response_intents, validation_pattern, priority, is_enabled, created_at, updated_at`

const postgresIntentColumns = `id, organization_id, domain_key, intent, confirmation_patterns,
	keywords, phrases, lemmas, created_at, updated_at`

// GetRules implements Store.
func (s *PostgresStore) GetRules(orgID, domainKey string, configType models.ConfigType) ([]models.RoutingRule, error) {
	rows, err := s.db.Query(`SELECT `+postgresRuleColumns+` FROM routing_rules
		WHERE domain_key = $1 AND config_type = $2 AND is_enabled
		AND (organization_id IS NULL OR organization_id = $3)
		ORDER BY priority DESC, id ASC`, domainKey, configType, orgID)
	if err != nil {
		slog.Error("PostgresStore GetRules query failed", "error", err, "domain", domainKey, "config_type", configType)
		return nil, fmt.Errorf("failed to query routing rules: %w", err)
	}
	defer rows.Close()

	var rules []models.RoutingRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			slog.Error("PostgresStore GetRules scan failed", "error", err)
			return nil, err
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore GetRules rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate rule rows: %w", err)
	}
	slog.Debug("PostgresStore GetRules succeeded", "domain", domainKey, "config_type", configType, "count", len(rules))
	return shadowAndSortRules(rules), nil
}

// GetAwaitingConfig implements Store.
func (s *PostgresStore) GetAwaitingConfig(orgID, domainKey, awaitingType string) (*models.AwaitingTypeConfig, error) {
	rows, err := s.db.Query(`SELECT `+postgresAwaitingColumns+` FROM awaiting_type_configs
		WHERE domain_key = $1 AND awaiting_type = $2 AND is_enabled
		AND (organization_id IS NULL OR organization_id = $3)
		ORDER BY organization_id IS NULL ASC`, domainKey, awaitingType, orgID)
	if err != nil {
		slog.Error("PostgresStore GetAwaitingConfig query failed", "error", err, "awaiting_type", awaitingType)
		return nil, fmt.Errorf("failed to query awaiting config: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		c, err := scanAwaitingConfig(rows)
		if err != nil {
			slog.Error("PostgresStore GetAwaitingConfig scan failed", "error", err)
			return nil, err
		}
		return &c, rows.Err()
	}
	slog.Debug("PostgresStore GetAwaitingConfig not found", "domain", domainKey, "awaiting_type", awaitingType)
	return nil, rows.Err()
}

// GetDomainIntents implements Store.
func (s *PostgresStore) GetDomainIntents(orgID, domainKey string) ([]models.DomainIntent, error) {
	rows, err := s.db.Query(`SELECT `+postgresIntentColumns+` FROM domain_intents
		WHERE domain_key = $1 AND (organization_id IS NULL OR organization_id = $2)
		ORDER BY id ASC`, domainKey, orgID)
	if err != nil {
		slog.Error("PostgresStore GetDomainIntents query failed", "error", err, "domain", domainKey)
		return nil, fmt.Errorf("failed to query domain intents: %w", err)
	}
	defer rows.Close()

	var intents []models.DomainIntent
	for rows.Next() {
		d, err := scanDomainIntent(rows)
		if err != nil {
			slog.Error("PostgresStore GetDomainIntents scan failed", "error", err)
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
func (s *PostgresStore) ListRules(orgID, domainKey string) ([]models.RoutingRule, error) {
	rows, err := s.db.Query(`SELECT `+postgresRuleColumns+` FROM routing_rules
		WHERE domain_key = $1 AND (organization_id IS NULL OR organization_id = $2)
		ORDER BY id ASC`, domainKey, orgID)
	if err != nil {
		slog.Error("PostgresStore ListRules query failed", "error", err, "domain", domainKey)
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

// SaveRule implements Store.
func (s *PostgresStore) SaveRule(r models.RoutingRule) (int64, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	metadata, err := marshalJSON(r.Metadata)
	if err != nil {
		return 0, err
	}

	var existingID int64
	row := s.db.QueryRow(`SELECT id FROM routing_rules
		WHERE domain_key = $1 AND config_type = $2 AND trigger_value = $3
		AND COALESCE(organization_id, '') = $4`,
		r.DomainKey, r.ConfigType, r.TriggerValue, r.OrganizationID)
	switch err := row.Scan(&existingID); err {
	case nil:
		_, err := s.db.Exec(`UPDATE routing_rules SET match_type = $1, target_intent = $2, target_node = $3,
			priority = $4, requires_auth = $5, clears_context = $6, is_enabled = $7, metadata = $8, updated_at = NOW()
			WHERE id = $9`,
			string(r.EffectiveMatchType()), r.TargetIntent, nilIfEmpty(r.TargetNode),
			r.Priority, r.RequiresAuth, r.ClearsContext, r.Enabled, metadata, existingID)
		if err != nil {
			slog.Error("PostgresStore SaveRule update failed", "error", err, "id", existingID)
			return 0, fmt.Errorf("failed to update rule %d: %w", existingID, err)
		}
		slog.Debug("PostgresStore SaveRule updated", "id", existingID, "trigger", r.TriggerValue)
		return existingID, nil
	case sql.ErrNoRows:
		var id int64
		err := s.db.QueryRow(`INSERT INTO routing_rules (organization_id, domain_key, config_type,
			trigger_value, match_type, target_intent, target_node, priority, requires_auth,
			clears_context, is_enabled, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`,
			nilIfEmpty(r.OrganizationID), r.DomainKey, r.ConfigType, r.TriggerValue,
			string(r.EffectiveMatchType()), r.TargetIntent, nilIfEmpty(r.TargetNode),
			r.Priority, r.RequiresAuth, r.ClearsContext, r.Enabled, metadata).Scan(&id)
		if err != nil {
			slog.Error("PostgresStore SaveRule insert failed", "error", err, "trigger", r.TriggerValue)
			return 0, fmt.Errorf("failed to insert rule for trigger %q: %w", r.TriggerValue, err)
		}
		slog.Debug("PostgresStore SaveRule inserted", "id", id, "trigger", r.TriggerValue)
		return id, nil
	default:
		slog.Error("PostgresStore SaveRule lookup failed", "error", err, "trigger", r.TriggerValue)
		return 0, fmt.Errorf("failed to look up rule for trigger %q: %w", r.TriggerValue, err)
	}
}

// DeleteRule implements Store.
func (s *PostgresStore) DeleteRule(id int64) error {
	_, err := s.db.Exec(`DELETE FROM routing_rules WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore DeleteRule failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete rule %d: %w", id, err)
	}
	slog.Debug("PostgresStore DeleteRule succeeded", "id", id)
	return nil
}

// SaveAwaitingConfig implements Store.
func (s *PostgresStore) SaveAwaitingConfig(c models.AwaitingTypeConfig) (int64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	intents, err := marshalJSON(c.ValidResponseIntents)
	if err != nil {
		return 0, err
	}

	var existingID int64
	row := s.db.QueryRow(`SELECT id FROM awaiting_type_configs
		WHERE domain_key = $1 AND awaiting_type = $2 AND COALESCE(organization_id, '') = $3`,
		c.DomainKey, c.AwaitingType, c.OrganizationID)
	switch err := row.Scan(&existingID); err {
	case nil:
		_, err := s.db.Exec(`UPDATE awaiting_type_configs SET target_node = $1, valid_response_intents = $2,
			validation_pattern = $3, priority = $4, is_enabled = $5, updated_at = NOW() WHERE id = $6`,
			c.TargetNode, intents, nilIfEmpty(c.ValidationPattern), c.Priority, c.Enabled, existingID)
		if err != nil {
			return 0, fmt.Errorf("failed to update awaiting config %d: %w", existingID, err)
		}
		return existingID, nil
	case sql.ErrNoRows:
		var id int64
		err := s.db.QueryRow(`INSERT INTO awaiting_type_configs (organization_id, domain_key, awaiting_type,
			target_node, valid_response_intents, validation_pattern, priority, is_enabled)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
			nilIfEmpty(c.OrganizationID), c.DomainKey, c.AwaitingType, c.TargetNode,
			intents, nilIfEmpty(c.ValidationPattern), c.Priority, c.Enabled).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to insert awaiting config %q: %w", c.AwaitingType, err)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("failed to look up awaiting config %q: %w", c.AwaitingType, err)
	}
}

// ListAwaitingConfigs implements Store.
func (s *PostgresStore) ListAwaitingConfigs(orgID, domainKey string) ([]models.AwaitingTypeConfig, error) {
	rows, err := s.db.Query(`SELECT `+postgresAwaitingColumns+` FROM awaiting_type_configs
		WHERE domain_key = $1 AND (organization_id IS NULL OR organization_id = $2)
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
func (s *PostgresStore) SaveDomainIntent(d models.DomainIntent) (int64, error) {
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
		WHERE domain_key = $1 AND intent = $2 AND COALESCE(organization_id, '') = $3`,
		d.DomainKey, d.Intent, d.OrganizationID)
	switch err := row.Scan(&existingID); err {
	case nil:
		_, err := s.db.Exec(`UPDATE domain_intents SET confirmation_patterns = $1, keywords = $2,
			phrases = $3, lemmas = $4, updated_at = NOW() WHERE id = $5`,
			confirmations, keywords, phrases, lemmas, existingID)
		if err != nil {
			return 0, fmt.Errorf("failed to update domain intent %d: %w", existingID, err)
		}
		return existingID, nil
	case sql.ErrNoRows:
		var id int64
		err := s.db.QueryRow(`INSERT INTO domain_intents (organization_id, domain_key, intent,
			confirmation_patterns, keywords, phrases, lemmas)
			VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
			nilIfEmpty(d.OrganizationID), d.DomainKey, d.Intent, confirmations, keywords, phrases, lemmas).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to insert domain intent %q: %w", d.Intent, err)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("failed to look up domain intent %q: %w", d.Intent, err)
	}
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}
