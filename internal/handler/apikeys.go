package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/magnet-cms/magnet/internal/server/middleware"
	"github.com/magnet-cms/magnet/internal/service"
)

// APIKeysHandler serves API key management. Keys are always scoped to the
// calling session user; keys cannot be used to manage keys.
type APIKeysHandler struct {
	keys *service.APIKeyService
}

// NewAPIKeysHandler creates an APIKeysHandler.
func NewAPIKeysHandler(keys *service.APIKeyService) *APIKeysHandler {
	return &APIKeysHandler{keys: keys}
}

// caller returns the session user id behind the request, or writes an error
// and returns "". API-key principals are rejected: a leaked key must not be
// able to mint replacements.
func (h *APIKeysHandler) caller(w http.ResponseWriter, r *http.Request) string {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil || principal.Type == middleware.PrincipalPublic {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return ""
	}
	if principal.Type != middleware.PrincipalSession {
		writeError(w, http.StatusForbidden, "API keys cannot manage keys; sign in with a session")
		return ""
	}
	return principal.UserID
}

// List handles GET /api-keys. Disabled keys are included with
// ?include_disabled=true.
func (h *APIKeysHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := h.caller(w, r)
	if userID == "" {
		return
	}

	keys, err := h.keys.List(r.Context(), userID, queryBool(r, "include_disabled"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"api_keys": keys})
}

type createKeyRequest struct {
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	Permissions    []string   `json:"permissions"`
	AllowedSchemas []string   `json:"allowed_schemas"`
	AllowedOrigins []string   `json:"allowed_origins"`
	AllowedIPs     []string   `json:"allowed_ips"`
	RateLimit      int        `json:"rate_limit"`
	ExpiresAt      *time.Time `json:"expires_at"`
}

// Create handles POST /api-keys. The response carries the plaintext key once;
// it is not recoverable afterwards.
func (h *APIKeysHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := h.caller(w, r)
	if userID == "" {
		return
	}

	var req createKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	key, plaintext, err := h.keys.Create(r.Context(), userID, service.CreateAPIKeyParams{
		Name:           req.Name,
		Description:    req.Description,
		Permissions:    req.Permissions,
		AllowedSchemas: req.AllowedSchemas,
		AllowedOrigins: req.AllowedOrigins,
		AllowedIPs:     req.AllowedIPs,
		RateLimit:      req.RateLimit,
		ExpiresAt:      req.ExpiresAt,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"api_key": key,
		"key":     plaintext,
	})
}

// Get handles GET /api-keys/{id}.
func (h *APIKeysHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := h.caller(w, r)
	if userID == "" {
		return
	}

	key, err := h.keys.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

type updateKeyRequest struct {
	Name           *string    `json:"name"`
	Description    *string    `json:"description"`
	Permissions    []string   `json:"permissions"`
	AllowedSchemas []string   `json:"allowed_schemas"`
	AllowedOrigins []string   `json:"allowed_origins"`
	AllowedIPs     []string   `json:"allowed_ips"`
	RateLimit      *int       `json:"rate_limit"`
	Enabled        *bool      `json:"enabled"`
	ExpiresAt      *time.Time `json:"expires_at"`
}

// Update handles PATCH /api-keys/{id}.
func (h *APIKeysHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID := h.caller(w, r)
	if userID == "" {
		return
	}

	var req updateKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	key, err := h.keys.Update(r.Context(), userID, chi.URLParam(r, "id"), service.UpdateAPIKeyParams{
		Name:           req.Name,
		Description:    req.Description,
		Permissions:    req.Permissions,
		AllowedSchemas: req.AllowedSchemas,
		AllowedOrigins: req.AllowedOrigins,
		AllowedIPs:     req.AllowedIPs,
		RateLimit:      req.RateLimit,
		Enabled:        req.Enabled,
		ExpiresAt:      req.ExpiresAt,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// Delete handles DELETE /api-keys/{id}. This erases the key and its usage
// history; revoking is the audit-preserving alternative.
func (h *APIKeysHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := h.caller(w, r)
	if userID == "" {
		return
	}

	if err := h.keys.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type revokeKeyRequest struct {
	Reason string `json:"reason"`
}

// Revoke handles POST /api-keys/{id}/revoke.
func (h *APIKeysHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	userID := h.caller(w, r)
	if userID == "" {
		return
	}

	var req revokeKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	key, err := h.keys.Revoke(r.Context(), userID, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// Rotate handles POST /api-keys/{id}/rotate. The response carries the
// replacement's plaintext once.
func (h *APIKeysHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	userID := h.caller(w, r)
	if userID == "" {
		return
	}

	key, plaintext, err := h.keys.Rotate(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		// A replacement may exist even when the revoke step failed; in that
		// case the client gets the error and retries the revoke explicitly.
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"api_key": key,
		"key":     plaintext,
	})
}

// Usage handles GET /api-keys/{id}/usage. Aggregated stats over ?days
// (default 7).
func (h *APIKeysHandler) Usage(w http.ResponseWriter, r *http.Request) {
	userID := h.caller(w, r)
	if userID == "" {
		return
	}

	stats, err := h.keys.GetUsageStats(r.Context(), userID, chi.URLParam(r, "id"), queryInt(r, "days", 7))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// UsageHistory handles GET /api-keys/{id}/usage/history with ?limit and
// ?offset paging.
func (h *APIKeysHandler) UsageHistory(w http.ResponseWriter, r *http.Request) {
	userID := h.caller(w, r)
	if userID == "" {
		return
	}

	records, err := h.keys.GetUsageHistory(r.Context(), userID, chi.URLParam(r, "id"),
		queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"meta": map[string]interface{}{
			"count": len(records),
		},
	})
}
