package router

import "github.com/convoroute/convoroute/internal/models"

// EscapeGate decides whether a global keyword rule may interrupt an active
// awaiting state. A restrictive awaiting state (one with a validation pattern
// or an explicit valid-intent list) pins the user to its flow; only rules
// whose target intent the state lists, or rules flagged as escape intents,
// are allowed through.
type EscapeGate struct{}

// Admits reports whether rule may fire while cfg is the active awaiting
// state. A nil or non-restrictive config admits everything.
func (EscapeGate) Admits(rule models.RoutingRule, cfg *models.AwaitingTypeConfig) bool {
	if cfg == nil || !cfg.IsRestrictive() {
		return true
	}
	if cfg.AllowsIntent(rule.TargetIntent) {
		return true
	}
	return rule.Metadata.IsEscapeIntent
}
