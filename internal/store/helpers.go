package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/convoroute/convoroute/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// shadowAndSortRules applies tenant-override semantics and the deterministic
// ordering rules use at resolution time: a tenant rule shadows a system-wide
// rule sharing the same trigger value; the result is sorted by priority
// descending, then tenant before system, then rule ID ascending.
func shadowAndSortRules(rules []models.RoutingRule) []models.RoutingRule {
	tenantTriggers := make(map[string]bool)
	for _, r := range rules {
		if !r.IsSystemWide() {
			tenantTriggers[r.TriggerValue] = true
		}
	}

	out := rules[:0]
	for _, r := range rules {
		if r.IsSystemWide() && tenantTriggers[r.TriggerValue] {
			continue
		}
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.IsSystemWide() != b.IsSystemWide() {
			return !a.IsSystemWide()
		}
		return a.ID < b.ID
	})
	return out
}

// shadowIntents keeps the tenant definition of each intent key when both a
// tenant and a system-wide definition exist.
func shadowIntents(intents []models.DomainIntent, orgID string) []models.DomainIntent {
	tenantKeys := make(map[string]bool)
	for _, d := range intents {
		if d.OrganizationID == orgID && orgID != "" {
			tenantKeys[d.Intent] = true
		}
	}
	out := intents[:0]
	for _, d := range intents {
		if d.OrganizationID == "" && tenantKeys[d.Intent] {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// scanRule scans a RoutingRule from sql.Rows.
func scanRule(rows *sql.Rows) (models.RoutingRule, error) {
	var r models.RoutingRule
	var orgID, matchType, targetNode, metadataJSON sql.NullString
	err := rows.Scan(
		&r.ID, &orgID, &r.DomainKey, &r.ConfigType, &r.TriggerValue, &matchType,
		&r.TargetIntent, &targetNode, &r.Priority, &r.RequiresAuth, &r.ClearsContext,
		&r.Enabled, &metadataJSON, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return r, fmt.Errorf("scan routing rule failed: %w", err)
	}
	r.OrganizationID = orgID.String
	r.MatchType = models.MatchType(matchType.String)
	r.TargetNode = targetNode.String
	if metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &r.Metadata); err != nil {
			// A malformed metadata blob degrades to no flags rather than failing the query.
			slog.Warn("store: malformed rule metadata, ignoring", "rule_id", r.ID, "error", err)
			r.Metadata = models.RuleMetadata{}
		}
	}
	return r, nil
}

// scanAwaitingConfig scans an AwaitingTypeConfig from sql.Rows.
func scanAwaitingConfig(rows *sql.Rows) (models.AwaitingTypeConfig, error) {
	var c models.AwaitingTypeConfig
	var orgID, intentsJSON, validationPattern sql.NullString
	err := rows.Scan(
		&c.ID, &orgID, &c.DomainKey, &c.AwaitingType, &c.TargetNode,
		&intentsJSON, &validationPattern, &c.Priority, &c.Enabled, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, fmt.Errorf("scan awaiting config failed: %w", err)
	}
	c.OrganizationID = orgID.String
	c.ValidationPattern = validationPattern.String
	if intentsJSON.String != "" {
		if err := json.Unmarshal([]byte(intentsJSON.String), &c.ValidResponseIntents); err != nil {
			slog.Warn("store: malformed valid_response_intents, ignoring", "config_id", c.ID, "error", err)
			c.ValidResponseIntents = nil
		}
	}
	return c, nil
}

// scanDomainIntent scans a DomainIntent from sql.Rows.
func scanDomainIntent(rows *sql.Rows) (models.DomainIntent, error) {
	var d models.DomainIntent
	var orgID, confirmations, keywords, phrases, lemmas sql.NullString
	err := rows.Scan(
		&d.ID, &orgID, &d.DomainKey, &d.Intent,
		&confirmations, &keywords, &phrases, &lemmas, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return d, fmt.Errorf("scan domain intent failed: %w", err)
	}
	d.OrganizationID = orgID.String
	decodeJSONList(confirmations.String, &d.ConfirmationPatterns, d.ID, "confirmation_patterns")
	decodeJSONList(keywords.String, &d.Keywords, d.ID, "keywords")
	decodeJSONList(lemmas.String, &d.Lemmas, d.ID, "lemmas")
	if phrases.String != "" {
		if err := json.Unmarshal([]byte(phrases.String), &d.Phrases); err != nil {
			slog.Warn("store: malformed intent phrases, ignoring", "intent_id", d.ID, "error", err)
			d.Phrases = nil
		}
	}
	return d, nil
}

func decodeJSONList(raw string, dst *[]string, id int64, field string) {
	if raw == "" {
		return
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		slog.Warn("store: malformed intent pattern list, ignoring", "intent_id", id, "field", field, "error", err)
		*dst = nil
	}
}

// marshalJSON serializes v for a nullable JSON column, returning nil for
// empty values so the column stays NULL.
func marshalJSON(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column failed: %w", err)
	}
	s := string(data)
	if s == "null" || s == "[]" || s == "{}" {
		return nil, nil
	}
	return s, nil
}
