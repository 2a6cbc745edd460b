package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/convoroute/convoroute/internal/models"
	"github.com/convoroute/convoroute/internal/store"
)

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st := store.NewInMemoryStore()
	seed := []models.RoutingRule{
		{DomainKey: "pharmacy", ConfigType: models.ConfigTypeGlobalKeyword,
			TriggerValue: "menu", TargetIntent: "show_menu", TargetNode: "main_menu_node",
			Priority: 100, ClearsContext: true, Enabled: true,
			Metadata: models.RuleMetadata{IsEscapeIntent: true}},
		{DomainKey: "pharmacy", ConfigType: models.ConfigTypeMenuOption,
			TriggerValue: "1", TargetIntent: "debt_query", TargetNode: "debt_manager",
			Priority: 40, Enabled: true},
	}
	for _, r := range seed {
		if _, err := st.SaveRule(r); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}
	}
	if _, err := st.SaveAwaitingConfig(models.AwaitingTypeConfig{
		DomainKey: "pharmacy", AwaitingType: "dni", TargetNode: "auth_plex",
		ValidationPattern: `^[0-9]{7,8}$`, Enabled: true,
	}); err != nil {
		t.Fatalf("SaveAwaitingConfig failed: %v", err)
	}
	return NewServer(st), st
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, models.APIResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var resp models.APIResponse
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
		}
	}
	return w, resp
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w, resp := doJSON(t, s.Handler(), http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK || resp.Status != string(models.APIStatusOK) {
		t.Errorf("unexpected health response: %d %+v", w.Code, resp)
	}
}

func TestResolveEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w, resp := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/resolve", resolveRequest{
		DomainKey: "pharmacy",
		Text:      "MENU",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if resp.Status != string(models.APIStatusOK) {
		t.Fatalf("unexpected response status: %+v", resp)
	}

	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("failed to re-marshal result: %v", err)
	}
	var result resolveResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if result.Decision.TargetNode != "main_menu_node" {
		t.Errorf("expected main_menu_node, got %+v", result.Decision)
	}
}

func TestResolveEndpointRespectsAwaiting(t *testing.T) {
	s, _ := newTestServer(t)
	_, resp := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/resolve", resolveRequest{
		DomainKey:    "pharmacy",
		Text:         "cualquier texto",
		AwaitingType: "dni",
	})
	if resp.Status != string(models.APIStatusOK) {
		t.Fatalf("unexpected response: %+v", resp)
	}
	raw, _ := json.Marshal(resp.Result)
	var result resolveResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if result.Decision.TargetNode != "auth_plex" {
		t.Errorf("expected awaiting node, got %+v", result.Decision)
	}
}

func TestResolveEndpointUnresolved(t *testing.T) {
	s, _ := newTestServer(t)
	w, resp := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/resolve", resolveRequest{
		DomainKey: "pharmacy",
		Text:      "texto sin sentido",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if resp.Status != string(models.APIStatusUnresolved) {
		t.Errorf("expected unresolved status, got %+v", resp)
	}
}

func TestResolveEndpointRequiresDomainKey(t *testing.T) {
	s, _ := newTestServer(t)
	w, _ := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/resolve", resolveRequest{Text: "menu"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing domain key, got %d", w.Code)
	}
}

func TestRulesListAndCreate(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	w, resp := doJSON(t, h, http.MethodPost, "/api/v1/rules", models.RoutingRule{
		DomainKey: "pharmacy", ConfigType: models.ConfigTypeGlobalKeyword,
		TriggerValue: "ayuda", TargetIntent: "help", TargetNode: "help_node",
		Priority: 80, Enabled: true,
	})
	if w.Code != http.StatusOK || resp.Status != string(models.APIStatusOK) {
		t.Fatalf("create failed: %d %+v", w.Code, resp)
	}

	w, resp = doJSON(t, h, http.MethodGet, "/api/v1/rules?domain_key=pharmacy", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list failed: %d", w.Code)
	}
	raw, _ := json.Marshal(resp.Result)
	var rules []models.RoutingRule
	if err := json.Unmarshal(raw, &rules); err != nil {
		t.Fatalf("failed to decode rules: %v", err)
	}
	if len(rules) != 3 {
		t.Errorf("expected 3 rules after create, got %d", len(rules))
	}
}

func TestRulesCreateValidationError(t *testing.T) {
	s, _ := newTestServer(t)
	w, _ := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/rules", models.RoutingRule{
		DomainKey: "pharmacy",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid rule, got %d", w.Code)
	}
}

func TestRuleDelete(t *testing.T) {
	s, st := newTestServer(t)
	id, err := st.SaveRule(models.RoutingRule{
		DomainKey: "pharmacy", ConfigType: models.ConfigTypeGlobalKeyword,
		TriggerValue: "borrar", TargetIntent: "x", Priority: 1, Enabled: true,
	})
	if err != nil {
		t.Fatalf("SaveRule failed: %v", err)
	}

	w, _ := doJSON(t, s.Handler(), http.MethodDelete, "/api/v1/rules/"+itoa(id), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete failed: %d", w.Code)
	}

	rules, err := st.ListRules("", "pharmacy")
	if err != nil {
		t.Fatalf("ListRules failed: %v", err)
	}
	for _, r := range rules {
		if r.ID == id {
			t.Error("expected rule to be deleted")
		}
	}
}

func TestRuleByIDInvalidID(t *testing.T) {
	s, _ := newTestServer(t)
	w, _ := doJSON(t, s.Handler(), http.MethodDelete, "/api/v1/rules/abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad id, got %d", w.Code)
	}
}

func TestAwaitingConfigsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	w, resp := doJSON(t, h, http.MethodPost, "/api/v1/awaiting-configs", models.AwaitingTypeConfig{
		DomainKey: "pharmacy", AwaitingType: "payment_amount", TargetNode: "payment_processor",
		ValidationPattern: `^[0-9]+$`, Enabled: true,
	})
	if w.Code != http.StatusOK || resp.Status != string(models.APIStatusOK) {
		t.Fatalf("create failed: %d %+v", w.Code, resp)
	}

	w, resp = doJSON(t, h, http.MethodGet, "/api/v1/awaiting-configs?domain_key=pharmacy", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list failed: %d", w.Code)
	}
	raw, _ := json.Marshal(resp.Result)
	var configs []models.AwaitingTypeConfig
	if err := json.Unmarshal(raw, &configs); err != nil {
		t.Fatalf("failed to decode configs: %v", err)
	}
	if len(configs) != 2 {
		t.Errorf("expected 2 awaiting configs, got %d", len(configs))
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)
	w, _ := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/resolve", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
