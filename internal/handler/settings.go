package handler

import (
	"net/http"

	"github.com/magnet-cms/magnet/internal/service"
	"github.com/magnet-cms/magnet/internal/store"
)

// SettingsHandler serves the runtime-tunable settings. Values written here
// override the YAML defaults live.
type SettingsHandler struct {
	store    *store.Store
	settings *service.Settings
}

// NewSettingsHandler creates a SettingsHandler.
func NewSettingsHandler(st *store.Store, settings *service.Settings) *SettingsHandler {
	return &SettingsHandler{store: st, settings: settings}
}

// Get handles GET /rbac/settings. It reports the effective values after
// overrides.
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"api_keys.default_rate_limit":   h.settings.DefaultRateLimit(ctx),
		"api_keys.max_keys_per_user":    h.settings.MaxKeysPerUser(ctx),
		"api_keys.usage_retention_days": h.settings.UsageRetentionDays(ctx),
		"rbac.allow_public_access":      h.settings.AllowPublicAccess(ctx),
		"rbac.strict_mode":              h.settings.StrictMode(ctx),
	})
}

// Update handles PUT /rbac/settings. The body is a flat map of setting keys
// to string values; unknown keys are rejected.
func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	known := map[string]bool{
		"api_keys.default_rate_limit":   true,
		"api_keys.max_keys_per_user":    true,
		"api_keys.usage_retention_days": true,
		"rbac.allow_public_access":      true,
		"rbac.strict_mode":              true,
	}
	for key := range req {
		if !known[key] {
			writeError(w, http.StatusBadRequest, "Unknown setting: "+key)
			return
		}
	}

	for key, value := range req {
		if err := h.store.SetSetting(r.Context(), key, value); err != nil {
			writeError(w, http.StatusInternalServerError, "Internal error")
			return
		}
	}
	h.Get(w, r)
}
