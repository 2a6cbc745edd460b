// Package models defines the resolution contract types for convoroute.
package models

// TenantScope identifies whose configuration applies to a resolution.
// An empty OrganizationID scopes to system-wide defaults only.
type TenantScope struct {
	OrganizationID string `json:"organization_id,omitempty"`
	DomainKey      string `json:"domain_key"`
}

// Validate checks that the scope names a domain.
func (s *TenantScope) Validate() error {
	if s.DomainKey == "" {
		return ErrEmptyDomainKey
	}
	return nil
}

// NormalizedInput is one inbound message after normalization (lowercased,
// trimmed) by the channel layer. RecognizedIntent is filled by the intent
// recognition step when it produced a candidate; ButtonID is set for
// interactive button or list replies.
type NormalizedInput struct {
	RawText          string `json:"raw_text"`
	RecognizedIntent string `json:"recognized_intent,omitempty"`
	ButtonID         string `json:"button_id,omitempty"`
}

// IsEmpty reports whether the input carries nothing to match on.
func (in *NormalizedInput) IsEmpty() bool {
	return in.RawText == "" && in.RecognizedIntent == "" && in.ButtonID == ""
}

// ConversationState is the slice of conversation state the resolver reads:
// which awaiting type, if any, is active for the conversation.
type ConversationState struct {
	AwaitingType string `json:"awaiting_type,omitempty"`
}

// RoutingDecision is the outcome of resolving one inbound message. It is
// computed fresh per message, never persisted, and consumed immediately by
// the conversation dispatcher. The auth and context flags are declarative;
// executing them is the dispatcher's job.
type RoutingDecision struct {
	// TargetNode names the handler node; empty means the current node keeps the message.
	TargetNode string `json:"target_node,omitempty"`
	// TargetIntent is the intent key the node receives.
	TargetIntent string `json:"target_intent"`
	// RequiresAuth tells the dispatcher to gate the node behind authentication.
	RequiresAuth bool `json:"requires_auth,omitempty"`
	// ClearsContext tells the dispatcher to reset conversation context before dispatch.
	ClearsContext bool `json:"clears_context,omitempty"`
	// CapturedGroups holds regex capture groups from the winning trigger, if any
	// (used by flows like payment-amount extraction).
	CapturedGroups []string `json:"captured_groups,omitempty"`
}

// DecisionFromRule builds a RoutingDecision from a winning rule.
func DecisionFromRule(r RoutingRule, groups []string) RoutingDecision {
	return RoutingDecision{
		TargetNode:     r.TargetNode,
		TargetIntent:   r.TargetIntent,
		RequiresAuth:   r.RequiresAuth,
		ClearsContext:  r.ClearsContext,
		CapturedGroups: groups,
	}
}
