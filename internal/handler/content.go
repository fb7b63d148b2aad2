package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/magnet-cms/magnet/internal/server/middleware"
)

// ContentHandler serves the guarded content endpoints. Magnet does not store
// content itself; these routes are the authorization surface the CMS fronts
// with. A request that reaches the handler has already passed the guard, so
// the response is an authorization verdict the upstream can trust
// (forward-auth style).
type ContentHandler struct{}

// NewContentHandler creates a ContentHandler.
func NewContentHandler() *ContentHandler {
	return &ContentHandler{}
}

// Authorize answers any guarded content route. The action is bound at route
// registration time.
func (h *ContentHandler) Authorize(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		schema := chi.URLParam(r, "schema")

		resp := map[string]interface{}{
			"authorized": true,
			"schema":     schema,
			"action":     action,
		}
		if p := middleware.GetPrincipal(r.Context()); p != nil {
			resp["principal"] = p.Type
			switch p.Type {
			case middleware.PrincipalAPIKey:
				resp["key_id"] = p.Key.ID
			case middleware.PrincipalSession:
				resp["user_id"] = p.UserID
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
