package router

import (
	"testing"

	"github.com/convoroute/convoroute/internal/models"
)

func TestEscapeGateAdmits(t *testing.T) {
	plain := models.RoutingRule{TargetIntent: "debt_query"}
	escape := models.RoutingRule{TargetIntent: "cancel", Metadata: models.RuleMetadata{IsEscapeIntent: true}}

	restrictive := &models.AwaitingTypeConfig{
		AwaitingType:      "dni",
		TargetNode:        "auth_plex",
		ValidationPattern: `^[0-9]{7,8}$`,
	}
	withIntents := &models.AwaitingTypeConfig{
		AwaitingType:         "payment_confirmation",
		TargetNode:           "payment_processor",
		ValidResponseIntents: []string{"confirm_yes", "confirm_no"},
	}
	open := &models.AwaitingTypeConfig{
		AwaitingType: "menu_selection",
		TargetNode:   "main_menu_node",
	}

	cases := []struct {
		name string
		rule models.RoutingRule
		cfg  *models.AwaitingTypeConfig
		want bool
	}{
		{"no awaiting state admits all", plain, nil, true},
		{"non-restrictive state admits all", plain, open, true},
		{"restrictive state rejects plain rule", plain, restrictive, false},
		{"restrictive state admits escape rule", escape, restrictive, true},
		{"listed intent admitted without escape flag",
			models.RoutingRule{TargetIntent: "confirm_yes"}, withIntents, true},
		{"unlisted intent rejected", plain, withIntents, false},
		{"escape flag overrides intent list", escape, withIntents, true},
	}

	var gate EscapeGate
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := gate.Admits(tc.rule, tc.cfg); got != tc.want {
				t.Errorf("Admits() = %v, want %v", got, tc.want)
			}
		})
	}
}
