package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/pictolex/usage-guard/anomaly"
	"github.com/pictolex/usage-guard/engine"
	"github.com/pictolex/usage-guard/fraud"
	"github.com/pictolex/usage-guard/models"
	"github.com/pictolex/usage-guard/repository"
)

// AdminHandler is the operator API: rule and pattern management,
// audit queries, unblocking and event resolution. Configuration errors
// surface here; admission-path errors never do.
type AdminHandler struct {
	guard     *engine.Guard
	auditRepo *repository.AuditRepository
	logger    *zap.Logger
}

func NewAdminHandler(guard *engine.Guard, auditRepo *repository.AuditRepository, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		guard:     guard,
		auditRepo: auditRepo,
		logger:    logger.Named("admin"),
	}
}

func (h *AdminHandler) GetRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.guard.Fraud().Rules())
}

func (h *AdminHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing rule id")
		return
	}

	var update models.FraudRuleUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "malformed update body")
		return
	}

	if err := h.guard.Fraud().UpdateRule(id, update); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, fraud.ErrUnknownRule) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "rule": id})
}

func (h *AdminHandler) GetPatterns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.guard.Anomaly().Patterns())
}

func (h *AdminHandler) UpdatePattern(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing pattern id")
		return
	}

	var update models.AnomalyPatternUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "malformed update body")
		return
	}

	if err := h.guard.Anomaly().UpdatePattern(id, update); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, anomaly.ErrUnknownPattern) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "pattern": id})
}

func (h *AdminHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	limit := queryInt(r, "limit", 50)

	if identifier != "" {
		writeJSON(w, http.StatusOK, h.guard.Fraud().RecentEvents(identifier, limit))
		return
	}

	if h.auditRepo == nil {
		writeError(w, http.StatusBadRequest, "missing identifier")
		return
	}
	records, err := h.auditRepo.GetRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("audit query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "audit store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *AdminHandler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	if identifier == "" {
		writeError(w, http.StatusBadRequest, "missing identifier")
		return
	}
	limit := queryInt(r, "limit", 50)
	writeJSON(w, http.StatusOK, h.guard.Anomaly().RecentAlerts(identifier, limit))
}

func (h *AdminHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	if identifier == "" {
		writeError(w, http.StatusBadRequest, "missing identifier")
		return
	}
	profile := h.guard.Profiles().Get(r.Context(), identifier)
	if profile == nil {
		writeError(w, http.StatusNotFound, "no profile for identifier")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *AdminHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Identifier string `json:"identifier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Identifier == "" {
		writeError(w, http.StatusBadRequest, "missing identifier")
		return
	}
	if err := h.guard.Limiter().Unblock(r.Context(), body.Identifier); err != nil {
		h.logger.Error("unblock failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "unblock failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked", "identifier": body.Identifier})
}

func (h *AdminHandler) ResolveEvent(w http.ResponseWriter, r *http.Request) {
	if h.auditRepo == nil {
		writeError(w, http.StatusServiceUnavailable, "audit store not configured")
		return
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" {
		writeError(w, http.StatusBadRequest, "missing event id")
		return
	}
	if err := h.auditRepo.Resolve(r.Context(), body.ID); err != nil {
		h.logger.Error("resolve failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "resolve failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved", "id": body.ID})
}

func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(r *http.Request, name string, fallback int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
