package router

import (
	"errors"
	"log/slog"

	"github.com/convoroute/convoroute/internal/match"
	"github.com/convoroute/convoroute/internal/models"
)

// ErrUnresolved is returned when no rule, awaiting state, or intent mapping
// claims the input. Callers decide the fallback behavior; the resolver never
// invents a destination.
var ErrUnresolved = errors.New("router: no routing rule matched input")

// Resolver turns a normalized input plus a configuration snapshot into a
// routing decision. Resolution is deterministic: candidate sources are
// consulted in a fixed order and, within a source, rules are taken in the
// snapshot's sorted order (priority descending, tenant before system, id
// ascending).
type Resolver struct {
	matcher *match.Matcher
	gate    EscapeGate
}

func NewResolver() *Resolver {
	return &Resolver{matcher: match.NewMatcher()}
}

// Resolve evaluates the candidate sources in order:
//
//  1. An active awaiting state whose valid-intent list names the recognized
//     intent routes straight to the awaiting target.
//  2. Global keywords, filtered through the escape gate while a restrictive
//     awaiting state is active.
//  3. Button mappings, whenever the input carries a button id.
//  4. The awaiting state's own target node, as the unconditional default
//     while the state is active.
//  5. Menu options, list selections, and intent mappings, only when no
//     awaiting state is active.
//
// When nothing claims the input it returns ErrUnresolved.
func (rs *Resolver) Resolve(snap *Snapshot, input models.NormalizedInput, state models.ConversationState) (models.RoutingDecision, error) {
	var awaiting *models.AwaitingTypeConfig
	if state.AwaitingType != "" {
		awaiting = snap.Awaiting
	}

	slog.Debug("router: resolving input",
		"domain", snap.Scope.DomainKey, "org", snap.Scope.OrganizationID,
		"intent", input.RecognizedIntent, "button", input.ButtonID,
		"awaiting", state.AwaitingType)

	// Valid response to the question the conversation is waiting on.
	if awaiting != nil && awaiting.AllowsIntent(input.RecognizedIntent) {
		return rs.decided("awaiting_valid_response", models.RoutingDecision{
			TargetNode:   awaiting.TargetNode,
			TargetIntent: input.RecognizedIntent,
		}), nil
	}

	// Global keywords interrupt any flow, subject to the escape gate.
	if rule, groups, ok := rs.firstMatch(snap.Rules[models.ConfigTypeGlobalKeyword], input.RawText, func(r models.RoutingRule) bool {
		return rs.gate.Admits(r, awaiting)
	}); ok {
		return rs.decided("global_keyword", models.DecisionFromRule(rule, groups)), nil
	}

	// Button presses carry an explicit id and outrank free-text handling.
	if input.ButtonID != "" {
		if rule, groups, ok := rs.firstMatch(snap.Rules[models.ConfigTypeButtonMapping], input.ButtonID, nil); ok {
			return rs.decided("button_mapping", models.DecisionFromRule(rule, groups)), nil
		}
	}

	// Anything else sent while awaiting goes to the awaiting node, which
	// owns validation and re-prompting for its own question.
	if awaiting != nil {
		intent := input.RecognizedIntent
		if intent == "" {
			intent = awaiting.AwaitingType
		}
		return rs.decided("awaiting_default", models.RoutingDecision{
			TargetNode:   awaiting.TargetNode,
			TargetIntent: intent,
		}), nil
	}

	if rule, groups, ok := rs.firstMatch(snap.Rules[models.ConfigTypeMenuOption], input.RawText, nil); ok {
		return rs.decided("menu_option", models.DecisionFromRule(rule, groups)), nil
	}

	// List selections usually arrive as row ids but some channels deliver
	// them as plain text.
	selection := input.ButtonID
	if selection == "" {
		selection = input.RawText
	}
	if rule, groups, ok := rs.firstMatch(snap.Rules[models.ConfigTypeListSelection], selection, nil); ok {
		return rs.decided("list_selection", models.DecisionFromRule(rule, groups)), nil
	}

	if input.RecognizedIntent != "" {
		if rule, groups, ok := rs.firstMatch(snap.Rules[models.ConfigTypeIntentNodeMapping], input.RecognizedIntent, nil); ok {
			return rs.decided("intent_mapping", models.DecisionFromRule(rule, groups)), nil
		}
	}

	slog.Debug("router: no rule matched", "domain", snap.Scope.DomainKey, "text_len", len(input.RawText))
	return models.RoutingDecision{}, ErrUnresolved
}

func (rs *Resolver) decided(source string, d models.RoutingDecision) models.RoutingDecision {
	slog.Debug("router: resolved", "source", source, "target_node", d.TargetNode, "target_intent", d.TargetIntent)
	return d
}

// firstMatch returns the first rule in sorted order that matches the input
// and passes admit (nil admits all). When a second admitted rule at the same
// priority also matches, the first still wins but the ambiguity is logged as
// a data-quality warning.
func (rs *Resolver) firstMatch(rules []models.RoutingRule, input string, admit func(models.RoutingRule) bool) (models.RoutingRule, []string, bool) {
	for i, rule := range rules {
		matched, groups := rs.matcher.MatchRule(rule, input)
		if !matched {
			continue
		}
		if admit != nil && !admit(rule) {
			continue
		}
		for _, other := range rules[i+1:] {
			if other.Priority != rule.Priority {
				break
			}
			if ok, _ := rs.matcher.MatchRule(other, input); ok && (admit == nil || admit(other)) {
				slog.Warn("router: multiple rules matched at equal priority, using lowest id",
					"winner_id", rule.ID, "shadowed_id", other.ID,
					"config_type", rule.ConfigType, "priority", rule.Priority)
				break
			}
		}
		return rule, groups, true
	}
	return models.RoutingRule{}, nil, false
}
