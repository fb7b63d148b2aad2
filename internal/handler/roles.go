package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/magnet-cms/magnet/internal/permission"
	"github.com/magnet-cms/magnet/internal/service"
)

// RolesHandler serves role administration: CRUD, permission assignment, and
// user-role binding.
type RolesHandler struct {
	roles   *service.RoleService
	catalog *permission.Catalog
}

// NewRolesHandler creates a RolesHandler.
func NewRolesHandler(roles *service.RoleService, catalog *permission.Catalog) *RolesHandler {
	return &RolesHandler{roles: roles, catalog: catalog}
}

// List handles GET /rbac/roles.
func (h *RolesHandler) List(w http.ResponseWriter, r *http.Request) {
	roles, err := h.roles.List(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"roles": roles})
}

// Get handles GET /rbac/roles/{id}.
func (h *RolesHandler) Get(w http.ResponseWriter, r *http.Request) {
	role, err := h.roles.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

type createRoleRequest struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

// Create handles POST /rbac/roles.
func (h *RolesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	role, err := h.roles.Create(r.Context(), service.CreateRoleParams{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Description: req.Description,
		Permissions: req.Permissions,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

type updateRoleRequest struct {
	DisplayName *string `json:"display_name"`
	Description *string `json:"description"`
}

// Update handles PATCH /rbac/roles/{id}. Display metadata only.
func (h *RolesHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateRoleRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	role, err := h.roles.Update(r.Context(), chi.URLParam(r, "id"), service.UpdateRoleParams{
		DisplayName: req.DisplayName,
		Description: req.Description,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

// Delete handles DELETE /rbac/roles/{id}.
func (h *RolesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.roles.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type duplicateRoleRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// Duplicate handles POST /rbac/roles/{id}/duplicate.
func (h *RolesHandler) Duplicate(w http.ResponseWriter, r *http.Request) {
	var req duplicateRoleRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	role, err := h.roles.Duplicate(r.Context(), chi.URLParam(r, "id"), service.DuplicateRoleParams{
		Name:        req.Name,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

// GetPermissions handles GET /rbac/roles/{id}/permissions. It returns the
// full grouped catalog with the role's grants marked, which is what a
// permission-matrix UI renders.
func (h *RolesHandler) GetPermissions(w http.ResponseWriter, r *http.Request) {
	role, err := h.roles.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	groups := permission.MarkPermissions(h.catalog.GetGrouped(), role.Permissions)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"role":   role,
		"groups": groups,
	})
}

type updatePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

// UpdatePermissions handles PUT /rbac/roles/{id}/permissions. The permission
// set is replaced wholesale.
func (h *RolesHandler) UpdatePermissions(w http.ResponseWriter, r *http.Request) {
	var req updatePermissionsRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	role, err := h.roles.UpdatePermissions(r.Context(), chi.URLParam(r, "id"), req.Permissions)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

type assignRoleRequest struct {
	Role string `json:"role"`
}

// AssignRole handles PUT /rbac/users/{id}/role.
func (h *RolesHandler) AssignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Role == "" {
		writeError(w, http.StatusBadRequest, "Role name is required")
		return
	}

	if err := h.roles.AssignRoleToUser(r.Context(), chi.URLParam(r, "id"), req.Role); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
