package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRoutingRuleValidate(t *testing.T) {
	valid := RoutingRule{
		DomainKey:    "pharmacy",
		ConfigType:   ConfigTypeGlobalKeyword,
		TriggerValue: "menu",
		TargetIntent: "show_menu",
		TargetNode:   "main_menu_node",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid rule, got %v", err)
	}

	cases := []struct {
		name   string
		mutate func(r *RoutingRule)
		want   error
	}{
		{"missing domain", func(r *RoutingRule) { r.DomainKey = "" }, ErrEmptyDomainKey},
		{"missing trigger", func(r *RoutingRule) { r.TriggerValue = "" }, ErrEmptyTriggerValue},
		{"trigger too long", func(r *RoutingRule) { r.TriggerValue = strings.Repeat("x", MaxTriggerValueLength+1) }, ErrTriggerValueTooLong},
		{"bad config type", func(r *RoutingRule) { r.ConfigType = "not_a_type" }, ErrInvalidConfigType},
		{"bad match type", func(r *RoutingRule) { r.MatchType = "fuzzy" }, ErrInvalidMatchType},
		{"missing intent", func(r *RoutingRule) { r.TargetIntent = "" }, ErrEmptyTargetIntent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := valid
			tc.mutate(&r)
			if err := r.Validate(); err != tc.want {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestRoutingRuleEffectiveMatchType(t *testing.T) {
	r := RoutingRule{}
	if got := r.EffectiveMatchType(); got != MatchTypeExact {
		t.Errorf("expected default exact, got %s", got)
	}
	r.MatchType = MatchTypeRegex
	if got := r.EffectiveMatchType(); got != MatchTypeRegex {
		t.Errorf("expected regex, got %s", got)
	}
}

func TestRuleMetadataJSONContract(t *testing.T) {
	// The persisted key names are a compatibility contract with the existing schema.
	meta := RuleMetadata{IsEscapeIntent: true, Aliases: []string{"cancelar", "salir"}}
	data, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	for _, key := range []string{`"is_escape_intent":true`, `"aliases":["cancelar","salir"]`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("expected %s in %s", key, data)
		}
	}

	var parsed RuleMetadata
	if err := json.Unmarshal([]byte(`{"is_escape_intent":true,"aliases":["menu"]}`), &parsed); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !parsed.IsEscapeIntent || len(parsed.Aliases) != 1 {
		t.Errorf("unexpected parsed metadata: %+v", parsed)
	}
}

func TestIntentPatternJSONContract(t *testing.T) {
	var p IntentPattern
	if err := json.Unmarshal([]byte(`{"pattern":"pagar deuda","pattern_type":"contains"}`), &p); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if p.Pattern != "pagar deuda" || p.PatternType != "contains" {
		t.Errorf("unexpected parsed pattern: %+v", p)
	}
}

func TestAwaitingTypeConfigRestrictive(t *testing.T) {
	open := AwaitingTypeConfig{DomainKey: "pharmacy", AwaitingType: "free_note", TargetNode: "notes"}
	if open.IsRestrictive() {
		t.Error("awaiting type without pattern or expected answers should not be restrictive")
	}
	withPattern := open
	withPattern.ValidationPattern = `^\d{7,8}$`
	if !withPattern.IsRestrictive() {
		t.Error("awaiting type with validation pattern should be restrictive")
	}
	withIntents := open
	withIntents.ValidResponseIntents = []string{"confirm_yes", "confirm_no"}
	if !withIntents.IsRestrictive() {
		t.Error("awaiting type with expected answers should be restrictive")
	}
	if !withIntents.AllowsIntent("confirm_yes") {
		t.Error("expected confirm_yes to be allowed")
	}
	if withIntents.AllowsIntent("pay_debt") {
		t.Error("pay_debt should not be allowed")
	}
	if withIntents.AllowsIntent("") {
		t.Error("empty intent should never be allowed")
	}
}

func TestAwaitingTypeConfigValidate(t *testing.T) {
	c := AwaitingTypeConfig{DomainKey: "pharmacy", AwaitingType: "dni", TargetNode: "auth_plex"}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	c.TargetNode = ""
	if err := c.Validate(); err != ErrEmptyTargetNode {
		t.Errorf("expected ErrEmptyTargetNode, got %v", err)
	}
	c.TargetNode = "auth_plex"
	c.ValidationPattern = strings.Repeat("a", MaxPatternLength+1)
	if err := c.Validate(); err != ErrPatternTooLong {
		t.Errorf("expected ErrPatternTooLong, got %v", err)
	}
}

func TestDecisionFromRule(t *testing.T) {
	r := RoutingRule{
		TargetNode:    "debt_manager",
		TargetIntent:  "pay_debt",
		RequiresAuth:  true,
		ClearsContext: true,
	}
	d := DecisionFromRule(r, []string{"1500"})
	if d.TargetNode != "debt_manager" || d.TargetIntent != "pay_debt" {
		t.Errorf("unexpected decision targets: %+v", d)
	}
	if !d.RequiresAuth || !d.ClearsContext {
		t.Errorf("expected flags carried over: %+v", d)
	}
	if len(d.CapturedGroups) != 1 || d.CapturedGroups[0] != "1500" {
		t.Errorf("expected captured groups carried over: %+v", d)
	}
}
