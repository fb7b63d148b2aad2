package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/magnet-cms/magnet/internal/model"
	"github.com/magnet-cms/magnet/internal/service"
)

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope. The optional ctx map provides additional context fields.
func writeError(w http.ResponseWriter, code int, message string, ctx ...map[string]interface{}) {
	var ctxMap map[string]interface{}
	if len(ctx) > 0 {
		ctxMap = ctx[0]
	}
	writeJSON(w, code, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Message: message,
			Context: ctxMap,
		},
	})
}

// readJSON decodes the request body as JSON into v. The body is closed after
// decoding regardless of success or failure.
func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// queryInt extracts an integer query parameter, returning defaultVal if the
// parameter is missing or cannot be parsed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryBool extracts a boolean query parameter. Returns false if the parameter
// is missing or not "true"/"1".
func queryBool(r *http.Request, key string) bool {
	val := r.URL.Query().Get(key)
	return val == "true" || val == "1"
}

// writeServiceError maps service-layer errors onto the HTTP error envelope.
func writeServiceError(w http.ResponseWriter, err error) {
	var verr *service.ValidationError
	var inv *service.InvariantError
	var denied *service.PermissionDeniedError

	switch {
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, service.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
	case errors.Is(err, service.ErrAuthRequired):
		writeError(w, http.StatusUnauthorized, "Authentication required")
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Message)
	case errors.As(err, &inv):
		ctx := map[string]interface{}{}
		if inv.BlockingCount > 0 {
			ctx["blocking_count"] = inv.BlockingCount
		}
		writeError(w, http.StatusConflict, inv.Message, ctx)
	case errors.As(err, &denied):
		writeError(w, http.StatusForbidden, denied.Error())
	default:
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
}
