package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/convoroute/convoroute/internal/dispatch"
	"github.com/convoroute/convoroute/internal/intent"
	"github.com/convoroute/convoroute/internal/models"
	"github.com/convoroute/convoroute/internal/router"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}

// resolveRequest is the body for POST /api/v1/resolve.
type resolveRequest struct {
	OrganizationID string `json:"organization_id,omitempty"`
	DomainKey      string `json:"domain_key"`
	Text           string `json:"text,omitempty"`
	ButtonID       string `json:"button_id,omitempty"`
	AwaitingType   string `json:"awaiting_type,omitempty"`
}

// resolveResult is the payload returned for a successful resolution.
type resolveResult struct {
	Decision         models.RoutingDecision `json:"decision"`
	RecognizedIntent string                 `json:"recognized_intent,omitempty"`
}

func (s *Server) resolveHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.resolveHandler: processing resolve request", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.resolveHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	scope := models.TenantScope{OrganizationID: req.OrganizationID, DomainKey: req.DomainKey}
	if err := scope.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	snap, err := router.BuildSnapshot(s.st, scope, req.AwaitingType)
	if err != nil {
		slog.Error("Server.resolveHandler: failed to build snapshot", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load routing configuration"))
		return
	}

	input := dispatch.Normalize(models.InboundMessage{Body: req.Text, ButtonID: req.ButtonID})
	input.RecognizedIntent = intent.Recognize(input, snap.Intents)

	decision, err := s.resolver.Resolve(snap, input, models.ConversationState{AwaitingType: req.AwaitingType})
	if errors.Is(err, router.ErrUnresolved) {
		writeJSONResponse(w, http.StatusOK, models.Unresolved("No routing rule matched the input"))
		return
	}
	if err != nil {
		slog.Error("Server.resolveHandler: resolution failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Resolution failed"))
		return
	}

	slog.Debug("Server.resolveHandler: resolved", "target_node", decision.TargetNode, "target_intent", decision.TargetIntent)
	writeJSONResponse(w, http.StatusOK, models.Success(resolveResult{
		Decision:         decision,
		RecognizedIntent: input.RecognizedIntent,
	}))
}

func (s *Server) rulesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodGet:
		s.listRules(w, r)
	case http.MethodPost:
		s.saveRule(w, r)
	default:
		w.Header().Set("Allow", strings.Join([]string{http.MethodGet, http.MethodPost}, ", "))
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("organization_id")
	domainKey := r.URL.Query().Get("domain_key")
	if domainKey == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("domain_key query parameter is required"))
		return
	}

	rules, err := s.st.ListRules(orgID, domainKey)
	if err != nil {
		slog.Error("Server.listRules: store error", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list rules"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rules))
}

func (s *Server) saveRule(w http.ResponseWriter, r *http.Request) {
	var rule models.RoutingRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		slog.Warn("Server.saveRule: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	id, err := s.st.SaveRule(rule)
	if err != nil {
		if isValidationError(err) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.saveRule: store error", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save rule"))
		return
	}

	rule.ID = id
	slog.Info("Server.saveRule: rule saved", "id", id, "domain", rule.DomainKey, "trigger", rule.TriggerValue)
	writeJSONResponse(w, http.StatusOK, models.Success(rule))
}

func (s *Server) ruleByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}

	idStr := strings.TrimPrefix(r.URL.Path, "/api/v1/rules/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid rule id"))
		return
	}

	switch r.Method {
	case http.MethodPut:
		var rule models.RoutingRule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		rule.ID = id
		savedID, err := s.st.SaveRule(rule)
		if err != nil {
			if isValidationError(err) {
				writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
				return
			}
			slog.Error("Server.ruleByIDHandler: store error", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update rule"))
			return
		}
		rule.ID = savedID
		writeJSONResponse(w, http.StatusOK, models.Success(rule))
	case http.MethodDelete:
		if err := s.st.DeleteRule(id); err != nil {
			slog.Error("Server.ruleByIDHandler: delete failed", "error", err, "id", id)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete rule"))
			return
		}
		slog.Info("Server.ruleByIDHandler: rule deleted", "id", id)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Rule deleted", nil))
	default:
		w.Header().Set("Allow", strings.Join([]string{http.MethodPut, http.MethodDelete}, ", "))
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) awaitingConfigsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodGet:
		orgID := r.URL.Query().Get("organization_id")
		domainKey := r.URL.Query().Get("domain_key")
		if domainKey == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("domain_key query parameter is required"))
			return
		}
		configs, err := s.st.ListAwaitingConfigs(orgID, domainKey)
		if err != nil {
			slog.Error("Server.awaitingConfigsHandler: store error", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list awaiting configs"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(configs))
	case http.MethodPost:
		var cfg models.AwaitingTypeConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		id, err := s.st.SaveAwaitingConfig(cfg)
		if err != nil {
			if isValidationError(err) {
				writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
				return
			}
			slog.Error("Server.awaitingConfigsHandler: store error", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save awaiting config"))
			return
		}
		cfg.ID = id
		writeJSONResponse(w, http.StatusOK, models.Success(cfg))
	default:
		w.Header().Set("Allow", strings.Join([]string{http.MethodGet, http.MethodPost}, ", "))
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) intentsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodGet:
		orgID := r.URL.Query().Get("organization_id")
		domainKey := r.URL.Query().Get("domain_key")
		if domainKey == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("domain_key query parameter is required"))
			return
		}
		intents, err := s.st.GetDomainIntents(orgID, domainKey)
		if err != nil {
			slog.Error("Server.intentsHandler: store error", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list intents"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(intents))
	case http.MethodPost:
		var di models.DomainIntent
		if err := json.NewDecoder(r.Body).Decode(&di); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		id, err := s.st.SaveDomainIntent(di)
		if err != nil {
			if isValidationError(err) {
				writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
				return
			}
			slog.Error("Server.intentsHandler: store error", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save intent"))
			return
		}
		di.ID = id
		writeJSONResponse(w, http.StatusOK, models.Success(di))
	default:
		w.Header().Set("Allow", strings.Join([]string{http.MethodGet, http.MethodPost}, ", "))
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// isValidationError reports whether err is one of the model validation
// sentinels, which map to 400 rather than 500.
func isValidationError(err error) bool {
	for _, sentinel := range []error{
		models.ErrEmptyDomainKey,
		models.ErrEmptyTriggerValue,
		models.ErrTriggerValueTooLong,
		models.ErrInvalidConfigType,
		models.ErrInvalidMatchType,
		models.ErrEmptyTargetIntent,
		models.ErrEmptyAwaitingType,
		models.ErrEmptyTargetNode,
		models.ErrPatternTooLong,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
