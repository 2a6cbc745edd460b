// Package router resolves one inbound message to a routing decision using
// tenant-scoped routing rules, awaiting-type configuration, and domain
// intent patterns.
package router

import (
	"log/slog"

	"github.com/convoroute/convoroute/internal/models"
	"github.com/convoroute/convoroute/internal/store"
)

// Snapshot is the read-only configuration bundle one resolution runs against.
// It is fetched up front so resolution itself is a pure computation with no
// I/O; callers may cache and reuse a snapshot across messages for the same
// scope and awaiting state.
type Snapshot struct {
	Scope models.TenantScope
	// Rules holds the enabled candidate rules per config type, already
	// tenant-shadowed and sorted by priority descending, tenant first, id
	// ascending.
	Rules map[models.ConfigType][]models.RoutingRule
	// Awaiting is the active awaiting-type config, nil when the conversation
	// is not waiting or reports an awaiting type the store has no record of.
	Awaiting *models.AwaitingTypeConfig
	// Intents is the domain's intent pattern set for the recognition step.
	Intents []models.DomainIntent
}

// snapshotConfigTypes lists the config types a snapshot preloads, in tier order.
var snapshotConfigTypes = []models.ConfigType{
	models.ConfigTypeGlobalKeyword,
	models.ConfigTypeButtonMapping,
	models.ConfigTypeMenuOption,
	models.ConfigTypeListSelection,
	models.ConfigTypeIntentNodeMapping,
}

// BuildSnapshot fetches the candidate rule set for the scope plus the active
// awaiting-type config, if any. An awaiting type the store does not know is
// treated as if no awaiting type were active: stale conversation states must
// not deadlock routing.
func BuildSnapshot(st store.Store, scope models.TenantScope, awaitingType string) (*Snapshot, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Scope: scope,
		Rules: make(map[models.ConfigType][]models.RoutingRule, len(snapshotConfigTypes)),
	}

	for _, ct := range snapshotConfigTypes {
		rules, err := st.GetRules(scope.OrganizationID, scope.DomainKey, ct)
		if err != nil {
			return nil, err
		}
		snap.Rules[ct] = rules
	}

	if awaitingType != "" {
		cfg, err := st.GetAwaitingConfig(scope.OrganizationID, scope.DomainKey, awaitingType)
		if err != nil {
			return nil, err
		}
		if cfg == nil {
			slog.Warn("router: unknown awaiting type, treating as inactive",
				"awaiting_type", awaitingType, "domain", scope.DomainKey, "org", scope.OrganizationID)
		}
		snap.Awaiting = cfg
	}

	intents, err := st.GetDomainIntents(scope.OrganizationID, scope.DomainKey)
	if err != nil {
		return nil, err
	}
	snap.Intents = intents

	return snap, nil
}
