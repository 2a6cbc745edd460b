package router

import (
	"errors"
	"reflect"
	"testing"

	"github.com/convoroute/convoroute/internal/models"
	"github.com/convoroute/convoroute/internal/store"
)

// pharmaRules mirrors the shipped pharmacy defaults, in the sorted order the
// store delivers them (priority descending, id ascending).
func pharmaRules() map[models.ConfigType][]models.RoutingRule {
	return map[models.ConfigType][]models.RoutingRule{
		models.ConfigTypeGlobalKeyword: {
			{ID: 1, DomainKey: "pharmacy", ConfigType: models.ConfigTypeGlobalKeyword,
				TriggerValue: "menu", TargetIntent: "show_menu", TargetNode: "main_menu_node",
				Priority: 100, ClearsContext: true, Enabled: true,
				Metadata: models.RuleMetadata{IsEscapeIntent: true, Aliases: []string{"inicio", "volver"}}},
			{ID: 2, DomainKey: "pharmacy", ConfigType: models.ConfigTypeGlobalKeyword,
				TriggerValue: "cancelar", TargetIntent: "cancel", TargetNode: "main_menu_node",
				Priority: 90, ClearsContext: true, Enabled: true,
				Metadata: models.RuleMetadata{IsEscapeIntent: true, Aliases: []string{"salir", "cancel"}}},
			{ID: 3, DomainKey: "pharmacy", ConfigType: models.ConfigTypeGlobalKeyword,
				TriggerValue: "ayuda", TargetIntent: "help", TargetNode: "help_node",
				Priority: 80, Enabled: true,
				Metadata: models.RuleMetadata{IsEscapeIntent: true}},
			{ID: 4, DomainKey: "pharmacy", ConfigType: models.ConfigTypeGlobalKeyword,
				TriggerValue: "pagar deuda", MatchType: models.MatchTypeContains,
				TargetIntent: "pay_debt", TargetNode: "debt_manager",
				Priority: 60, RequiresAuth: true, Enabled: true,
				Metadata: models.RuleMetadata{IsEscapeIntent: true}},
			{ID: 5, DomainKey: "pharmacy", ConfigType: models.ConfigTypeGlobalKeyword,
				TriggerValue: "mi deuda", MatchType: models.MatchTypeContains,
				TargetIntent: "debt_query", TargetNode: "debt_manager",
				Priority: 50, RequiresAuth: true, Enabled: true},
		},
		models.ConfigTypeButtonMapping: {
			{ID: 6, DomainKey: "pharmacy", ConfigType: models.ConfigTypeButtonMapping,
				TriggerValue: "btn_pagar_deuda", TargetIntent: "pay_debt_menu", TargetNode: "debt_manager",
				Priority: 50, Enabled: true},
			{ID: 7, DomainKey: "pharmacy", ConfigType: models.ConfigTypeButtonMapping,
				TriggerValue: "btn_ver_deuda", TargetIntent: "debt_query", TargetNode: "debt_manager",
				Priority: 50, Enabled: true},
		},
		models.ConfigTypeMenuOption: {
			{ID: 8, DomainKey: "pharmacy", ConfigType: models.ConfigTypeMenuOption,
				TriggerValue: "1", TargetIntent: "debt_query", TargetNode: "debt_manager",
				Priority: 40, Enabled: true},
			{ID: 9, DomainKey: "pharmacy", ConfigType: models.ConfigTypeMenuOption,
				TriggerValue: "2", TargetIntent: "pay_debt_menu", TargetNode: "debt_manager",
				Priority: 40, Enabled: true},
		},
		models.ConfigTypeListSelection: {
			{ID: 10, DomainKey: "pharmacy", ConfigType: models.ConfigTypeListSelection,
				TriggerValue: "account_*", MatchType: models.MatchTypeGlob,
				TargetIntent: "select_account", TargetNode: "account_selector",
				Priority: 30, Enabled: true},
		},
		models.ConfigTypeIntentNodeMapping: {
			{ID: 11, DomainKey: "pharmacy", ConfigType: models.ConfigTypeIntentNodeMapping,
				TriggerValue: "pay_debt", TargetIntent: "pay_debt", TargetNode: "debt_manager",
				Priority: 20, RequiresAuth: true, Enabled: true},
			{ID: 12, DomainKey: "pharmacy", ConfigType: models.ConfigTypeIntentNodeMapping,
				TriggerValue: "greeting", TargetIntent: "greeting", TargetNode: "main_menu_node",
				Priority: 10, Enabled: true},
		},
	}
}

var (
	awaitingDNI = &models.AwaitingTypeConfig{
		DomainKey: "pharmacy", AwaitingType: "dni", TargetNode: "auth_plex",
		ValidationPattern: `^[0-9]{7,8}$`, Enabled: true,
	}
	awaitingPaymentConfirmation = &models.AwaitingTypeConfig{
		DomainKey: "pharmacy", AwaitingType: "payment_confirmation", TargetNode: "payment_processor",
		ValidResponseIntents: []string{"confirm_yes", "confirm_no"}, Enabled: true,
	}
	awaitingMenuSelection = &models.AwaitingTypeConfig{
		DomainKey: "pharmacy", AwaitingType: "menu_selection", TargetNode: "main_menu_node",
		Enabled: true,
	}
)

func pharmaSnapshot(awaiting *models.AwaitingTypeConfig) *Snapshot {
	return &Snapshot{
		Scope:    models.TenantScope{DomainKey: "pharmacy"},
		Rules:    pharmaRules(),
		Awaiting: awaiting,
	}
}

func mustResolve(t *testing.T, snap *Snapshot, input models.NormalizedInput, state models.ConversationState) models.RoutingDecision {
	t.Helper()
	d, err := NewResolver().Resolve(snap, input, state)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	return d
}

func TestResolveGlobalKeyword(t *testing.T) {
	d := mustResolve(t, pharmaSnapshot(nil),
		models.NormalizedInput{RawText: "menu"}, models.ConversationState{})
	if d.TargetNode != "main_menu_node" || d.TargetIntent != "show_menu" {
		t.Errorf("unexpected decision: %+v", d)
	}
	if !d.ClearsContext {
		t.Error("expected menu keyword to clear context")
	}
}

func TestResolveGlobalKeywordAlias(t *testing.T) {
	d := mustResolve(t, pharmaSnapshot(nil),
		models.NormalizedInput{RawText: "salir"}, models.ConversationState{})
	if d.TargetIntent != "cancel" {
		t.Errorf("expected alias to resolve to cancel, got %+v", d)
	}
}

func TestResolveEscapeKeywordInterruptsRestrictiveAwaiting(t *testing.T) {
	// "cancelar" carries the escape flag and must break out of the dni
	// capture flow instead of being swallowed by it.
	d := mustResolve(t, pharmaSnapshot(awaitingDNI),
		models.NormalizedInput{RawText: "cancelar"},
		models.ConversationState{AwaitingType: "dni"})
	if d.TargetNode != "main_menu_node" || d.TargetIntent != "cancel" {
		t.Errorf("expected escape to main menu, got %+v", d)
	}
}

func TestResolveNonEscapeKeywordGatedByRestrictiveAwaiting(t *testing.T) {
	// "mi deuda" matches a global keyword but has no escape flag, so the
	// dni flow keeps the turn.
	d := mustResolve(t, pharmaSnapshot(awaitingDNI),
		models.NormalizedInput{RawText: "mi deuda", RecognizedIntent: "debt_query"},
		models.ConversationState{AwaitingType: "dni"})
	if d.TargetNode != "auth_plex" {
		t.Errorf("expected awaiting node to keep the turn, got %+v", d)
	}
	if d.TargetIntent != "debt_query" {
		t.Errorf("expected recognized intent carried through, got %+v", d)
	}
}

func TestResolveUnmatchedTextGoesToAwaitingNode(t *testing.T) {
	d := mustResolve(t, pharmaSnapshot(awaitingDNI),
		models.NormalizedInput{RawText: "cualquier texto"},
		models.ConversationState{AwaitingType: "dni"})
	if d.TargetNode != "auth_plex" || d.TargetIntent != "dni" {
		t.Errorf("expected awaiting default with awaiting type as intent, got %+v", d)
	}
}

func TestResolveValidResponseIntentBypassesKeywords(t *testing.T) {
	// "1" also matches a menu option, but while payment confirmation is
	// pending a recognized valid response wins outright.
	d := mustResolve(t, pharmaSnapshot(awaitingPaymentConfirmation),
		models.NormalizedInput{RawText: "1", RecognizedIntent: "confirm_yes"},
		models.ConversationState{AwaitingType: "payment_confirmation"})
	if d.TargetNode != "payment_processor" || d.TargetIntent != "confirm_yes" {
		t.Errorf("expected valid response routed to payment processor, got %+v", d)
	}
}

func TestResolveButtonDuringNonRestrictiveAwaiting(t *testing.T) {
	// Button presses outrank the awaiting default while a menu is open.
	d := mustResolve(t, pharmaSnapshot(awaitingMenuSelection),
		models.NormalizedInput{ButtonID: "btn_pagar_deuda"},
		models.ConversationState{AwaitingType: "menu_selection"})
	if d.TargetNode != "debt_manager" || d.TargetIntent != "pay_debt_menu" {
		t.Errorf("expected button mapping to win, got %+v", d)
	}
}

func TestResolveButtonDuringRestrictiveAwaiting(t *testing.T) {
	// A button press carries an explicit id the user just tapped; it must
	// route to the button's node even while a restrictive state like dni
	// capture or payment confirmation holds the conversation.
	for _, tc := range []struct {
		name     string
		awaiting *models.AwaitingTypeConfig
	}{
		{"dni", awaitingDNI},
		{"payment_confirmation", awaitingPaymentConfirmation},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := mustResolve(t, pharmaSnapshot(tc.awaiting),
				models.NormalizedInput{ButtonID: "btn_pagar_deuda"},
				models.ConversationState{AwaitingType: tc.awaiting.AwaitingType})
			if d.TargetNode != "debt_manager" || d.TargetIntent != "pay_debt_menu" {
				t.Errorf("expected button mapping to win over %s awaiting, got %+v", tc.name, d)
			}
		})
	}
}

func TestResolveMenuOption(t *testing.T) {
	d := mustResolve(t, pharmaSnapshot(nil),
		models.NormalizedInput{RawText: "1"}, models.ConversationState{})
	if d.TargetNode != "debt_manager" || d.TargetIntent != "debt_query" {
		t.Errorf("unexpected decision: %+v", d)
	}
}

func TestResolveListSelectionGlob(t *testing.T) {
	d := mustResolve(t, pharmaSnapshot(nil),
		models.NormalizedInput{ButtonID: "account_123"}, models.ConversationState{})
	if d.TargetNode != "account_selector" || d.TargetIntent != "select_account" {
		t.Errorf("unexpected decision: %+v", d)
	}
}

func TestResolveIntentMapping(t *testing.T) {
	d := mustResolve(t, pharmaSnapshot(nil),
		models.NormalizedInput{RawText: "hola", RecognizedIntent: "greeting"},
		models.ConversationState{})
	if d.TargetNode != "main_menu_node" || d.TargetIntent != "greeting" {
		t.Errorf("unexpected decision: %+v", d)
	}
	if d.RequiresAuth {
		t.Error("greeting must not require auth")
	}
}

func TestResolveUnresolved(t *testing.T) {
	_, err := NewResolver().Resolve(pharmaSnapshot(nil),
		models.NormalizedInput{RawText: "texto sin sentido"}, models.ConversationState{})
	if !errors.Is(err, ErrUnresolved) {
		t.Errorf("expected ErrUnresolved, got %v", err)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	snap := pharmaSnapshot(awaitingDNI)
	input := models.NormalizedInput{RawText: "pagar deuda de la cuenta"}
	state := models.ConversationState{AwaitingType: "dni"}

	rs := NewResolver()
	first, err := rs.Resolve(snap, input, state)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	second, err := rs.Resolve(snap, input, state)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("resolution not deterministic: %+v vs %+v", first, second)
	}
}

func TestResolvePriorityOrderWins(t *testing.T) {
	// Two contains-rules both match; the higher priority one must win
	// regardless of insertion order.
	snap := &Snapshot{
		Scope: models.TenantScope{DomainKey: "pharmacy"},
		Rules: map[models.ConfigType][]models.RoutingRule{
			models.ConfigTypeGlobalKeyword: {
				{ID: 2, TriggerValue: "pagar", MatchType: models.MatchTypeContains,
					TargetIntent: "pay_debt", TargetNode: "debt_manager", Priority: 60, Enabled: true},
				{ID: 1, TriggerValue: "deuda", MatchType: models.MatchTypeContains,
					TargetIntent: "debt_query", TargetNode: "debt_manager", Priority: 50, Enabled: true},
			},
		},
	}
	d := mustResolve(t, snap, models.NormalizedInput{RawText: "pagar mi deuda"}, models.ConversationState{})
	if d.TargetIntent != "pay_debt" {
		t.Errorf("expected higher priority rule to win, got %+v", d)
	}
}

func TestResolveEqualPriorityLowestIDWins(t *testing.T) {
	snap := &Snapshot{
		Scope: models.TenantScope{DomainKey: "pharmacy"},
		Rules: map[models.ConfigType][]models.RoutingRule{
			models.ConfigTypeGlobalKeyword: {
				{ID: 4, TriggerValue: "deuda", MatchType: models.MatchTypeContains,
					TargetIntent: "first", TargetNode: "a", Priority: 50, Enabled: true},
				{ID: 9, TriggerValue: "deuda total", MatchType: models.MatchTypeContains,
					TargetIntent: "second", TargetNode: "b", Priority: 50, Enabled: true},
			},
		},
	}
	d := mustResolve(t, snap, models.NormalizedInput{RawText: "mi deuda total"}, models.ConversationState{})
	if d.TargetIntent != "first" {
		t.Errorf("expected lowest id to win the tie, got %+v", d)
	}
}

func TestResolveCapturedGroups(t *testing.T) {
	snap := &Snapshot{
		Scope: models.TenantScope{DomainKey: "pharmacy"},
		Rules: map[models.ConfigType][]models.RoutingRule{
			models.ConfigTypeGlobalKeyword: {
				{ID: 1, TriggerValue: `^cuota ([0-9]+)$`, MatchType: models.MatchTypeRegex,
					TargetIntent: "installment", TargetNode: "payment_processor", Priority: 50, Enabled: true},
			},
		},
	}
	d := mustResolve(t, snap, models.NormalizedInput{RawText: "cuota 3"}, models.ConversationState{})
	if len(d.CapturedGroups) != 1 || d.CapturedGroups[0] != "3" {
		t.Errorf("expected captured group [3], got %+v", d.CapturedGroups)
	}
}

func TestBuildSnapshotTenantOverride(t *testing.T) {
	s := store.NewInMemoryStore()
	mustSave := func(r models.RoutingRule) {
		t.Helper()
		if _, err := s.SaveRule(r); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}
	}
	mustSave(models.RoutingRule{
		DomainKey: "pharmacy", ConfigType: models.ConfigTypeGlobalKeyword,
		TriggerValue: "menu", TargetIntent: "show_menu", TargetNode: "main_menu_node",
		Priority: 100, Enabled: true,
	})
	mustSave(models.RoutingRule{
		OrganizationID: "org-farma", DomainKey: "pharmacy", ConfigType: models.ConfigTypeGlobalKeyword,
		TriggerValue: "menu", TargetIntent: "show_menu", TargetNode: "farma_menu_node",
		Priority: 100, Enabled: true,
	})

	snap, err := BuildSnapshot(s, models.TenantScope{OrganizationID: "org-farma", DomainKey: "pharmacy"}, "")
	if err != nil {
		t.Fatalf("BuildSnapshot failed: %v", err)
	}
	d := mustResolve(t, snap, models.NormalizedInput{RawText: "menu"}, models.ConversationState{})
	if d.TargetNode != "farma_menu_node" {
		t.Errorf("expected tenant override node, got %+v", d)
	}
}

func TestBuildSnapshotUnknownAwaitingType(t *testing.T) {
	s := store.NewInMemoryStore()
	if _, err := s.SaveRule(models.RoutingRule{
		DomainKey: "pharmacy", ConfigType: models.ConfigTypeIntentNodeMapping,
		TriggerValue: "greeting", TargetIntent: "greeting", TargetNode: "main_menu_node",
		Priority: 10, Enabled: true,
	}); err != nil {
		t.Fatalf("SaveRule failed: %v", err)
	}

	// A stale awaiting type with no config must not trap the conversation.
	snap, err := BuildSnapshot(s, models.TenantScope{DomainKey: "pharmacy"}, "stale_state")
	if err != nil {
		t.Fatalf("BuildSnapshot failed: %v", err)
	}
	if snap.Awaiting != nil {
		t.Fatalf("expected nil awaiting config, got %+v", snap.Awaiting)
	}
	d := mustResolve(t, snap,
		models.NormalizedInput{RawText: "hola", RecognizedIntent: "greeting"},
		models.ConversationState{AwaitingType: "stale_state"})
	if d.TargetNode != "main_menu_node" {
		t.Errorf("expected fallthrough to intent mapping, got %+v", d)
	}
}
