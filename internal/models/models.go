// Package models defines the core data structures for convoroute.
//
// It includes routing rules, awaiting-type configurations, domain intent
// patterns, and the routing decision value object shared across modules.
package models

import (
	"errors"
	"time"
)

// ConfigType identifies which routing tier a rule belongs to.
type ConfigType string

const (
	// ConfigTypeGlobalKeyword matches free text regardless of conversation state (subject to escape gating).
	ConfigTypeGlobalKeyword ConfigType = "global_keyword"
	// ConfigTypeButtonMapping matches a literal interactive button identifier.
	ConfigTypeButtonMapping ConfigType = "button_mapping"
	// ConfigTypeMenuOption matches a bare menu digit ("1".."9", "0").
	ConfigTypeMenuOption ConfigType = "menu_option"
	// ConfigTypeListSelection matches list row identifiers, optionally by glob ("account_*").
	ConfigTypeListSelection ConfigType = "list_selection"
	// ConfigTypeIntentNodeMapping maps a recognized intent key to its default handler node.
	ConfigTypeIntentNodeMapping ConfigType = "intent_node_mapping"
)

// MatchType defines how a rule's trigger value is evaluated against input.
type MatchType string

const (
	// MatchTypeExact requires the input to equal the trigger value.
	MatchTypeExact MatchType = "exact"
	// MatchTypeContains requires the input to contain the trigger value.
	MatchTypeContains MatchType = "contains"
	// MatchTypePrefix requires the input to start with the trigger value.
	MatchTypePrefix MatchType = "prefix"
	// MatchTypeRegex evaluates the trigger value as a regular expression.
	MatchTypeRegex MatchType = "regex"
	// MatchTypeGlob matches by prefix-before-wildcard (e.g. "account_*").
	MatchTypeGlob MatchType = "glob"
)

// Validation constants for rule input validation
const (
	// MaxTriggerValueLength defines the maximum allowed length for a rule trigger value
	MaxTriggerValueLength = 256
	// MaxPatternLength defines the maximum allowed length for a stored regex pattern.
	// Stored patterns are admin-supplied and treated as untrusted input.
	MaxPatternLength = 512
)

// Error variables for better error handling and testability
var (
	ErrEmptyDomainKey      = errors.New("domain key cannot be empty")
	ErrEmptyTriggerValue   = errors.New("trigger value cannot be empty")
	ErrTriggerValueTooLong = errors.New("trigger value exceeds maximum length")
	ErrInvalidConfigType   = errors.New("invalid config type")
	ErrInvalidMatchType    = errors.New("invalid match type")
	ErrEmptyTargetIntent   = errors.New("target intent cannot be empty")
	ErrEmptyAwaitingType   = errors.New("awaiting type cannot be empty")
	ErrEmptyTargetNode     = errors.New("target node cannot be empty")
	ErrPatternTooLong      = errors.New("validation pattern exceeds maximum length")
)

// IsValidConfigType checks if the given config type is supported.
func IsValidConfigType(ct ConfigType) bool {
	switch ct {
	case ConfigTypeGlobalKeyword, ConfigTypeButtonMapping, ConfigTypeMenuOption,
		ConfigTypeListSelection, ConfigTypeIntentNodeMapping:
		return true
	default:
		return false
	}
}

// IsValidMatchType checks if the given match type is supported.
func IsValidMatchType(mt MatchType) bool {
	switch mt {
	case MatchTypeExact, MatchTypeContains, MatchTypePrefix, MatchTypeRegex, MatchTypeGlob:
		return true
	default:
		return false
	}
}

// RuleMetadata carries the optional flags a rule can set. It is persisted as a
// JSON object; the key names are part of the storage compatibility contract.
// Flags the engine reads are explicit fields so a typo in configuration cannot
// silently change routing.
type RuleMetadata struct {
	// IsEscapeIntent marks a rule that may interrupt a restrictive awaiting state.
	IsEscapeIntent bool `json:"is_escape_intent,omitempty"`
	// Aliases lists alternate trigger spellings matched exactly alongside the trigger value.
	Aliases []string `json:"aliases,omitempty"`
}

// RoutingRule maps a trigger (keyword, button id, menu digit, pattern) to a
// target conversation node and intent, scoped by organization and domain.
// An empty OrganizationID means the rule is a system-wide default; a tenant
// rule with the same (domain, config type, trigger value) shadows it.
type RoutingRule struct {
	ID             int64        `json:"id,omitempty"`
	OrganizationID string       `json:"organization_id,omitempty"` // empty = system-wide default
	DomainKey      string       `json:"domain_key"`
	ConfigType     ConfigType   `json:"config_type"`
	TriggerValue   string       `json:"trigger_value"`
	MatchType      MatchType    `json:"match_type,omitempty"` // defaults to exact
	TargetIntent   string       `json:"target_intent"`
	TargetNode     string       `json:"target_node,omitempty"` // empty = stay on current node
	Priority       int          `json:"priority"`
	RequiresAuth   bool         `json:"requires_auth,omitempty"`
	ClearsContext  bool         `json:"clears_context,omitempty"`
	Enabled        bool         `json:"is_enabled"`
	Metadata       RuleMetadata `json:"metadata,omitempty"`
	CreatedAt      time.Time    `json:"created_at,omitempty"`
	UpdatedAt      time.Time    `json:"updated_at,omitempty"`
}

// Validate performs validation on a RoutingRule before it is persisted.
func (r *RoutingRule) Validate() error {
	if r.DomainKey == "" {
		return ErrEmptyDomainKey
	}
	if r.TriggerValue == "" {
		return ErrEmptyTriggerValue
	}
	if len(r.TriggerValue) > MaxTriggerValueLength {
		return ErrTriggerValueTooLong
	}
	if !IsValidConfigType(r.ConfigType) {
		return ErrInvalidConfigType
	}
	if r.MatchType != "" && !IsValidMatchType(r.MatchType) {
		return ErrInvalidMatchType
	}
	if r.TargetIntent == "" {
		return ErrEmptyTargetIntent
	}
	return nil
}

// EffectiveMatchType returns the rule's match type, defaulting to exact.
func (r *RoutingRule) EffectiveMatchType() MatchType {
	if r.MatchType == "" {
		return MatchTypeExact
	}
	return r.MatchType
}

// IsSystemWide reports whether the rule is a system-wide default rather than a tenant override.
func (r *RoutingRule) IsSystemWide() bool {
	return r.OrganizationID == ""
}

// AwaitingTypeConfig describes a state the conversation can be waiting in,
// such as awaiting a document number or a payment confirmation.
//
// ValidResponseIntents is the narrow "expected answers" set: a recognized
// intent in this list bypasses all other routing tiers. Rules flagged as
// escape intents form the wider "always admitted" set; everything else is
// rejected while the state is restrictive.
type AwaitingTypeConfig struct {
	ID                   int64     `json:"id,omitempty"`
	OrganizationID       string    `json:"organization_id,omitempty"`
	DomainKey            string    `json:"domain_key"`
	AwaitingType         string    `json:"awaiting_type"`
	TargetNode           string    `json:"target_node"`
	ValidResponseIntents []string  `json:"valid_response_intents,omitempty"`
	ValidationPattern    string    `json:"validation_pattern,omitempty"`
	Priority             int       `json:"priority"`
	Enabled              bool      `json:"is_enabled"`
	CreatedAt            time.Time `json:"created_at,omitempty"`
	UpdatedAt            time.Time `json:"updated_at,omitempty"`
}

// Validate performs validation on an AwaitingTypeConfig before it is persisted.
func (c *AwaitingTypeConfig) Validate() error {
	if c.DomainKey == "" {
		return ErrEmptyDomainKey
	}
	if c.AwaitingType == "" {
		return ErrEmptyAwaitingType
	}
	if c.TargetNode == "" {
		return ErrEmptyTargetNode
	}
	if len(c.ValidationPattern) > MaxPatternLength {
		return ErrPatternTooLong
	}
	return nil
}

// IsRestrictive reports whether the awaiting state constrains valid input:
// either a validation pattern is set or the expected answer set is narrow.
func (c *AwaitingTypeConfig) IsRestrictive() bool {
	return c.ValidationPattern != "" || len(c.ValidResponseIntents) > 0
}

// AllowsIntent reports whether the given intent is in the expected answer set.
func (c *AwaitingTypeConfig) AllowsIntent(intent string) bool {
	if intent == "" {
		return false
	}
	for _, allowed := range c.ValidResponseIntents {
		if allowed == intent {
			return true
		}
	}
	return false
}

// IntentPattern is a single phrase matcher inside a DomainIntent.
// The JSON key names (`pattern`, `pattern_type`) are part of the storage
// compatibility contract.
type IntentPattern struct {
	Pattern     string `json:"pattern"`
	PatternType string `json:"pattern_type"` // exact | contains | prefix
}

// DomainIntent defines the pattern set used to recognize one intent within a
// domain. Confirmation patterns are the most specific and are always tried
// before keywords, phrases, and lemmas.
type DomainIntent struct {
	ID                   int64           `json:"id,omitempty"`
	OrganizationID       string          `json:"organization_id,omitempty"`
	DomainKey            string          `json:"domain_key"`
	Intent               string          `json:"intent"`
	ConfirmationPatterns []string        `json:"confirmation_patterns,omitempty"` // short answers like "1", "si", "pagar total"
	Keywords             []string        `json:"keywords,omitempty"`              // plain strings, including literal button ids
	Phrases              []IntentPattern `json:"phrases,omitempty"`
	Lemmas               []string        `json:"lemmas,omitempty"` // word roots matched by token prefix
	CreatedAt            time.Time       `json:"created_at,omitempty"`
	UpdatedAt            time.Time       `json:"updated_at,omitempty"`
}

// Validate performs validation on a DomainIntent before it is persisted.
func (d *DomainIntent) Validate() error {
	if d.DomainKey == "" {
		return ErrEmptyDomainKey
	}
	if d.Intent == "" {
		return ErrEmptyTargetIntent
	}
	return nil
}
