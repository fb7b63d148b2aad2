package handler

import (
	"net/http"

	"github.com/magnet-cms/magnet/internal/permission"
	"github.com/magnet-cms/magnet/internal/server/middleware"
	"github.com/magnet-cms/magnet/internal/service"
)

// PermissionsHandler serves the permission catalog and check endpoints.
type PermissionsHandler struct {
	catalog *permission.Catalog
	roles   *service.RoleService
	keys    *service.APIKeyService
}

// NewPermissionsHandler creates a PermissionsHandler.
func NewPermissionsHandler(catalog *permission.Catalog, roles *service.RoleService, keys *service.APIKeyService) *PermissionsHandler {
	return &PermissionsHandler{catalog: catalog, roles: roles, keys: keys}
}

// List handles GET /rbac/permissions. It returns the catalog grouped by API.
func (h *PermissionsHandler) List(w http.ResponseWriter, r *http.Request) {
	groups := h.catalog.GetGrouped()
	writeJSON(w, http.StatusOK, map[string]interface{}{"groups": groups})
}

// Categorized handles GET /rbac/permissions/categorized. It splits the
// catalog into collection types, plugins, and system areas for the admin UI.
func (h *PermissionsHandler) Categorized(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.catalog.GetCategorized())
}

// MyPermissions handles GET /rbac/my-permissions. For session principals it
// returns the role's effective list (wildcard expanded); for API keys, the
// key's own list.
func (h *PermissionsHandler) MyPermissions(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil || principal.Type == middleware.PrincipalPublic {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	switch principal.Type {
	case middleware.PrincipalSession:
		perms, err := h.roles.GetUserPermissions(r.Context(), principal.UserID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"permissions": perms})
	case middleware.PrincipalAPIKey:
		writeJSON(w, http.StatusOK, map[string]interface{}{"permissions": principal.Key.Permissions})
	}
}

type checkRequest struct {
	Permission string `json:"permission"`
}

// Check handles POST /rbac/check. It evaluates the caller's own access to a
// single permission id without performing the operation.
func (h *PermissionsHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Permission == "" {
		writeError(w, http.StatusBadRequest, "Permission id is required")
		return
	}

	principal := middleware.GetPrincipal(r.Context())
	if principal == nil || principal.Type == middleware.PrincipalPublic {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var allowed bool
	switch principal.Type {
	case middleware.PrincipalSession:
		var err error
		allowed, err = h.roles.RoleHasPermission(r.Context(), principal.Role, req.Permission)
		if err != nil {
			writeServiceError(w, err)
			return
		}
	case middleware.PrincipalAPIKey:
		allowed = h.keys.HasPermission(principal.Key, req.Permission)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"permission": req.Permission,
		"allowed":    allowed,
	})
}
