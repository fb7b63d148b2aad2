package handler

import (
	"net/http"

	"github.com/magnet-cms/magnet/internal/server/middleware"
	"github.com/magnet-cms/magnet/internal/service"
)

// SessionHandler serves interactive login and session introspection.
type SessionHandler struct {
	auth  *service.AuthService
	roles *service.RoleService
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(auth *service.AuthService, roles *service.RoleService) *SessionHandler {
	return &SessionHandler{auth: auth, roles: roles}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login handles POST /auth/session. On success it returns a bearer token and
// the signed-in user.
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	user, token, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_in": int(h.auth.TokenTTL().Seconds()),
		"user":       user,
	})
}

// Me handles GET /auth/session. It reports the authenticated principal and
// its effective permissions.
func (h *SessionHandler) Me(w http.ResponseWriter, r *http.Request) {
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
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"type":        principal.Type,
			"user_id":     principal.UserID,
			"email":       principal.Email,
			"role":        principal.Role,
			"permissions": perms,
		})
	case middleware.PrincipalAPIKey:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"type":        principal.Type,
			"key_id":      principal.Key.ID,
			"key_prefix":  principal.Key.KeyPrefix,
			"permissions": principal.Key.Permissions,
		})
	}
}

// Logout handles DELETE /auth/session. Session tokens are stateless, so this
// only acknowledges; the client discards the token.
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
