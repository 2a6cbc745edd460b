// Package store provides storage backends for convoroute routing configuration.
//
// It includes SQLite and PostgreSQL backed stores plus an in-memory store for
// tests. Routing configuration is written by seed migrations and the admin
// API, and read-only at message-routing time.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/convoroute/convoroute/internal/models"
)

// Store defines access to persisted routing configuration.
//
// The Get* methods are the read path used during resolution: they apply
// tenant-override semantics (a tenant record shadows a system-wide record
// sharing the same trigger, awaiting type, or intent key) and only return
// enabled records. A missing record is reported as an empty result or nil,
// never as an error.
type Store interface {
	// GetRules returns enabled rules for the scope and config type, sorted by
	// priority descending with tenant rules shadowing system defaults.
	GetRules(orgID, domainKey string, configType models.ConfigType) ([]models.RoutingRule, error)
	// GetAwaitingConfig returns the enabled awaiting-type config for the scope,
	// falling back to the system-wide record. Returns nil when none exists.
	GetAwaitingConfig(orgID, domainKey, awaitingType string) (*models.AwaitingTypeConfig, error)
	// GetDomainIntents returns the enabled intent pattern sets for the scope,
	// tenant definitions shadowing system ones per intent key.
	GetDomainIntents(orgID, domainKey string) ([]models.DomainIntent, error)

	// ListRules returns all rules (enabled or not) visible to the scope.
	ListRules(orgID, domainKey string) ([]models.RoutingRule, error)
	// SaveRule inserts or updates a rule, keyed by the unique tuple
	// (organization, domain, config type, trigger value). Returns the rule ID.
	SaveRule(r models.RoutingRule) (int64, error)
	// DeleteRule removes a rule by ID.
	DeleteRule(id int64) error
	// SaveAwaitingConfig inserts or updates an awaiting-type config, keyed by
	// (organization, domain, awaiting type). Returns the config ID.
	SaveAwaitingConfig(c models.AwaitingTypeConfig) (int64, error)
	// ListAwaitingConfigs returns all awaiting-type configs visible to the scope.
	ListAwaitingConfigs(orgID, domainKey string) ([]models.AwaitingTypeConfig, error)
	// SaveDomainIntent inserts or updates a domain intent definition, keyed by
	// (organization, domain, intent). Returns the record ID.
	SaveDomainIntent(d models.DomainIntent) (int64, error)

	// Close releases any underlying resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// NewStore creates the store backend matching the configured DSN: PostgreSQL
// for postgres-style DSNs, SQLite for file paths, and an in-memory store when
// no DSN is configured at all.
func NewStore(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}

// DetectDSNType determines the database type from a DSN string.
// Returns "postgres" for PostgreSQL connection strings, "sqlite" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// InMemoryStore is a simple in-memory Store used in tests and for
// library-only embedding without a database.
type InMemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	rules    []models.RoutingRule
	awaiting []models.AwaitingTypeConfig
	intents  []models.DomainIntent
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{nextID: 1}
}

// GetRules implements Store.
func (s *InMemoryStore) GetRules(orgID, domainKey string, configType models.ConfigType) ([]models.RoutingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var candidates []models.RoutingRule
	for _, r := range s.rules {
		if r.DomainKey != domainKey || r.ConfigType != configType || !r.Enabled {
			continue
		}
		if r.OrganizationID != "" && r.OrganizationID != orgID {
			continue
		}
		candidates = append(candidates, r)
	}
	return shadowAndSortRules(candidates), nil
}

// GetAwaitingConfig implements Store.
func (s *InMemoryStore) GetAwaitingConfig(orgID, domainKey, awaitingType string) (*models.AwaitingTypeConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var system *models.AwaitingTypeConfig
	for i := range s.awaiting {
		c := s.awaiting[i]
		if c.DomainKey != domainKey || c.AwaitingType != awaitingType || !c.Enabled {
			continue
		}
		if c.OrganizationID == orgID && orgID != "" {
			cfg := c
			return &cfg, nil
		}
		if c.OrganizationID == "" {
			cfg := c
			system = &cfg
		}
	}
	return system, nil
}

// GetDomainIntents implements Store.
func (s *InMemoryStore) GetDomainIntents(orgID, domainKey string) ([]models.DomainIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var candidates []models.DomainIntent
	for _, d := range s.intents {
		if d.DomainKey != domainKey {
			continue
		}
		if d.OrganizationID != "" && d.OrganizationID != orgID {
			continue
		}
		candidates = append(candidates, d)
	}
	return shadowIntents(candidates, orgID), nil
}

// ListRules implements Store.
func (s *InMemoryStore) ListRules(orgID, domainKey string) ([]models.RoutingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.RoutingRule
	for _, r := range s.rules {
		if r.DomainKey != domainKey {
			continue
		}
		if r.OrganizationID != "" && r.OrganizationID != orgID {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveRule implements Store.
func (s *InMemoryStore) SaveRule(r models.RoutingRule) (int64, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for i := range s.rules {
		existing := &s.rules[i]
		if existing.OrganizationID == r.OrganizationID && existing.DomainKey == r.DomainKey &&
			existing.ConfigType == r.ConfigType && existing.TriggerValue == r.TriggerValue {
			r.ID = existing.ID
			r.CreatedAt = existing.CreatedAt
			r.UpdatedAt = now
			*existing = r
			return r.ID, nil
		}
	}
	r.ID = s.nextID
	s.nextID++
	r.CreatedAt = now
	r.UpdatedAt = now
	s.rules = append(s.rules, r)
	return r.ID, nil
}

// DeleteRule implements Store.
func (s *InMemoryStore) DeleteRule(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rules {
		if s.rules[i].ID == id {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			return nil
		}
	}
	return nil
}

// SaveAwaitingConfig implements Store.
func (s *InMemoryStore) SaveAwaitingConfig(c models.AwaitingTypeConfig) (int64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for i := range s.awaiting {
		existing := &s.awaiting[i]
		if existing.OrganizationID == c.OrganizationID && existing.DomainKey == c.DomainKey &&
			existing.AwaitingType == c.AwaitingType {
			c.ID = existing.ID
			c.CreatedAt = existing.CreatedAt
			c.UpdatedAt = now
			*existing = c
			return c.ID, nil
		}
	}
	c.ID = s.nextID
	s.nextID++
	c.CreatedAt = now
	c.UpdatedAt = now
	s.awaiting = append(s.awaiting, c)
	return c.ID, nil
}

// ListAwaitingConfigs implements Store.
func (s *InMemoryStore) ListAwaitingConfigs(orgID, domainKey string) ([]models.AwaitingTypeConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AwaitingTypeConfig
	for _, c := range s.awaiting {
		if c.DomainKey != domainKey {
			continue
		}
		if c.OrganizationID != "" && c.OrganizationID != orgID {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveDomainIntent implements Store.
func (s *InMemoryStore) SaveDomainIntent(d models.DomainIntent) (int64, error) {
	if err := d.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for i := range s.intents {
		existing := &s.intents[i]
		if existing.OrganizationID == d.OrganizationID && existing.DomainKey == d.DomainKey &&
			existing.Intent == d.Intent {
			d.ID = existing.ID
			d.CreatedAt = existing.CreatedAt
			d.UpdatedAt = now
			*existing = d
			return d.ID, nil
		}
	}
	d.ID = s.nextID
	s.nextID++
	d.CreatedAt = now
	d.UpdatedAt = now
	s.intents = append(s.intents, d)
	return d.ID, nil
}

// Close implements Store.
func (s *InMemoryStore) Close() error {
	return nil
}
