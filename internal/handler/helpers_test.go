package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/magnet-cms/magnet/internal/model"
	"github.com/magnet-cms/magnet/internal/service"
)

// ---------------------------------------------------------------------------
// queryInt tests
// ---------------------------------------------------------------------------

func TestQueryInt(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		key        string
		defaultVal int
		want       int
	}{
		{"returns default for missing param", "/test", "limit", 25, 25},
		{"parses integer param", "/test?limit=100", "limit", 25, 100},
		{"returns default for non-integer", "/test?limit=abc", "limit", 25, 25},
		{"parses zero", "/test?offset=0", "offset", 10, 0},
		{"parses negative", "/test?offset=-5", "offset", 0, -5},
		{"returns default for empty value", "/test?limit=", "limit", 25, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			got := queryInt(r, tt.key, tt.defaultVal)
			if got != tt.want {
				t.Errorf("queryInt(%q, %d) = %d, want %d", tt.key, tt.defaultVal, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// queryBool tests
// ---------------------------------------------------------------------------

func TestQueryBool(t *testing.T) {
	tests := []struct {
		name string
		url  string
		key  string
		want bool
	}{
		{"true for 'true'", "/test?include_disabled=true", "include_disabled", true},
		{"true for '1'", "/test?include_disabled=1", "include_disabled", true},
		{"false for 'false'", "/test?include_disabled=false", "include_disabled", false},
		{"false for missing", "/test", "include_disabled", false},
		{"false for '0'", "/test?include_disabled=0", "include_disabled", false},
		{"false for empty", "/test?include_disabled=", "include_disabled", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			got := queryBool(r, tt.key)
			if got != tt.want {
				t.Errorf("queryBool(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// writeServiceError tests
// ---------------------------------------------------------------------------

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"not found", service.ErrNotFound, http.StatusNotFound},
		{"invalid credentials", service.ErrInvalidCredentials, http.StatusUnauthorized},
		{"auth required", service.ErrAuthRequired, http.StatusUnauthorized},
		{"validation error", &service.ValidationError{Message: "Name is required"}, http.StatusBadRequest},
		{"invariant error", &service.InvariantError{Message: "Role is in use", BlockingCount: 3}, http.StatusConflict},
		{"permission denied", &service.PermissionDeniedError{Permission: "roles.delete"}, http.StatusForbidden},
		{"unknown error", errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeServiceError(rec, tt.err)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}

			var resp model.ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode error envelope: %v", err)
			}
			if resp.Error.Code != tt.wantStatus {
				t.Errorf("envelope code = %d, want %d", resp.Error.Code, tt.wantStatus)
			}
			if resp.Error.Message == "" {
				t.Error("envelope message is empty")
			}
		})
	}

	t.Run("invariant error carries blocking count", func(t *testing.T) {
		rec := httptest.NewRecorder()
		writeServiceError(rec, &service.InvariantError{Message: "Role is in use", BlockingCount: 3})

		var resp model.ErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode error envelope: %v", err)
		}
		if got := resp.Error.Context["blocking_count"]; got != float64(3) {
			t.Errorf("blocking_count = %v, want 3", got)
		}
	})
}

// ---------------------------------------------------------------------------
// writeError tests
// ---------------------------------------------------------------------------

func TestWriteError(t *testing.T) {
	t.Run("sets content type and envelope", func(t *testing.T) {
		rec := httptest.NewRecorder()
		writeError(rec, http.StatusBadRequest, "Bad input")

		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}

		var resp model.ErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode error envelope: %v", err)
		}
		if resp.Error.Message != "Bad input" {
			t.Errorf("message = %q, want %q", resp.Error.Message, "Bad input")
		}
		if resp.Error.Context != nil {
			t.Errorf("context = %v, want nil", resp.Error.Context)
		}
	})

	t.Run("includes optional context", func(t *testing.T) {
		rec := httptest.NewRecorder()
		writeError(rec, http.StatusConflict, "Conflict", map[string]interface{}{"field": "email"})

		var resp model.ErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode error envelope: %v", err)
		}
		if resp.Error.Context["field"] != "email" {
			t.Errorf("context[field] = %v, want email", resp.Error.Context["field"])
		}
	})
}
