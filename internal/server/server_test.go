package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/magnet-cms/magnet/internal/config"
	"github.com/magnet-cms/magnet/internal/metrics"
	"github.com/magnet-cms/magnet/internal/model"
	"github.com/magnet-cms/magnet/internal/permission"
	"github.com/magnet-cms/magnet/internal/service"
	"github.com/magnet-cms/magnet/internal/store"
)

type testEnv struct {
	srv   *Server
	store *store.Store
	svcs  Services
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	cfg.Content.Schemas = []config.SchemaConfig{
		{APIName: "posts", DisplayName: "Posts"},
		{APIName: "pages", DisplayName: "Pages"},
	}
	cfg.Auth.JWTSecret = "test-secret"

	st, err := store.New("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	catalog := permission.NewCatalog()
	registry := permission.NewRegistry()
	events := service.NewEventService(logger)
	settings := service.NewSettings(st, cfg)
	roles := service.NewRoleService(st, catalog, events, logger, service.RoleServiceOptions{})
	if err := roles.EnsureSystemRoles(context.Background()); err != nil {
		t.Fatalf("seed roles: %v", err)
	}
	keys := service.NewAPIKeyService(st, settings, events, logger)
	auth := service.NewAuthService(st, cfg.Auth.JWTSecret, time.Hour)

	svcs := Services{Auth: auth, Roles: roles, Keys: keys, Settings: settings}
	srv := New(cfg, st, svcs, catalog, registry, metrics.New(), logger)

	schemas := make([]permission.SchemaDef, 0, len(cfg.Content.Schemas))
	for _, sc := range cfg.Content.Schemas {
		schemas = append(schemas, permission.SchemaDef{APIName: sc.APIName, DisplayName: sc.DisplayName})
	}
	catalog.Rebuild(permission.Sources{Schemas: schemas, Routes: registry})

	return &testEnv{srv: srv, store: st, svcs: svcs}
}

func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	hash, err := service.HashPassword("root-password")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	user := &model.User{
		ID:           uuid.NewString(),
		Email:        "admin@example.com",
		PasswordHash: hash,
		Role:         model.RoleAdmin,
		IsActive:     true,
	}
	if err := e.store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("create admin: %v", err)
	}
	token, err := e.svcs.Auth.IssueJWT(user.ID, user.Email)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.10:54321"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestProbes(t *testing.T) {
	env := newTestServer(t)

	if rec := env.do(t, "GET", "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", rec.Code)
	}
	if rec := env.do(t, "GET", "/readyz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("readyz = %d, want 200", rec.Code)
	}
	if rec := env.do(t, "GET", "/metrics", "", nil); rec.Code != http.StatusOK {
		t.Errorf("metrics = %d, want 200", rec.Code)
	}
}

func TestLoginFlow(t *testing.T) {
	env := newTestServer(t)
	env.adminToken(t) // seeds the admin user

	rec := env.do(t, "POST", "/api/v1/auth/session", "", map[string]string{
		"email": "admin@example.com", "password": "root-password",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	decode(t, rec, &resp)
	if resp.Token == "" {
		t.Fatal("login response missing token")
	}

	me := env.do(t, "GET", "/api/v1/auth/session", resp.Token, nil)
	if me.Code != http.StatusOK {
		t.Fatalf("session introspection = %d: %s", me.Code, me.Body.String())
	}
	var meResp struct {
		Role        string   `json:"role"`
		Permissions []string `json:"permissions"`
	}
	decode(t, me, &meResp)
	if meResp.Role != model.RoleAdmin {
		t.Errorf("role = %q, want admin", meResp.Role)
	}
	if len(meResp.Permissions) == 0 {
		t.Error("admin should see the expanded catalog")
	}

	bad := env.do(t, "POST", "/api/v1/auth/session", "", map[string]string{
		"email": "admin@example.com", "password": "wrong",
	})
	if bad.Code != http.StatusUnauthorized {
		t.Errorf("bad login = %d, want 401", bad.Code)
	}
}

func TestRoleAdministrationFlow(t *testing.T) {
	env := newTestServer(t)
	token := env.adminToken(t)

	// Create a role.
	rec := env.do(t, "POST", "/api/v1/rbac/roles", token, map[string]interface{}{
		"name":         "editor",
		"display_name": "Editor",
		"permissions":  []string{"content.posts.*"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create role = %d: %s", rec.Code, rec.Body.String())
	}
	var role model.Role
	decode(t, rec, &role)

	// The marked permission matrix shows the wildcard's effect.
	rec = env.do(t, "GET", "/api/v1/rbac/roles/"+role.ID+"/permissions", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("role permissions = %d: %s", rec.Code, rec.Body.String())
	}
	var matrix struct {
		Groups []model.PermissionGroup `json:"groups"`
	}
	decode(t, rec, &matrix)
	checked := map[string]bool{}
	for _, g := range matrix.Groups {
		for _, p := range g.Permissions {
			checked[p.ID] = p.Checked
		}
	}
	if !checked["content.posts.find"] || !checked["content.posts.delete"] {
		t.Error("posts permissions should be marked for the wildcard grant")
	}
	if checked["content.pages.find"] {
		t.Error("pages permissions should not be marked")
	}

	// Replace the permission set.
	rec = env.do(t, "PUT", "/api/v1/rbac/roles/"+role.ID+"/permissions", token, map[string]interface{}{
		"permissions": []string{"content.pages.find"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update permissions = %d: %s", rec.Code, rec.Body.String())
	}

	// Deleting the built-in admin role is blocked.
	admin, err := env.svcs.Roles.GetByName(context.Background(), model.RoleAdmin)
	if err != nil {
		t.Fatalf("get admin role: %v", err)
	}
	rec = env.do(t, "DELETE", "/api/v1/rbac/roles/"+admin.ID, token, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("delete system role = %d, want 409", rec.Code)
	}

	// Non-admin callers are rejected by the guard.
	rec = env.do(t, "GET", "/api/v1/rbac/roles", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous role list = %d, want 401", rec.Code)
	}
}

func TestPermissionEnforcementForSessions(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()

	// A limited user who can read roles but not create them.
	if _, err := env.svcs.Roles.Create(ctx, service.CreateRoleParams{
		Name:        "auditor",
		Permissions: []string{"roles.read"},
	}); err != nil {
		t.Fatalf("create auditor role: %v", err)
	}
	hash, _ := service.HashPassword("auditor-pass")
	auditor := &model.User{
		ID: uuid.NewString(), Email: "aud@example.com", PasswordHash: hash,
		Role: "auditor", IsActive: true,
	}
	if err := env.store.CreateUser(ctx, auditor); err != nil {
		t.Fatalf("create auditor: %v", err)
	}
	audToken, err := env.svcs.Auth.IssueJWT(auditor.ID, auditor.Email)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if rec := env.do(t, "GET", "/api/v1/rbac/roles", audToken, nil); rec.Code != http.StatusOK {
		t.Errorf("auditor role list = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, "POST", "/api/v1/rbac/roles", audToken, map[string]string{"name": "sneaky"}); rec.Code != http.StatusForbidden {
		t.Errorf("auditor role create = %d, want 403", rec.Code)
	}
}

func TestAPIKeyLifecycleOverHTTP(t *testing.T) {
	env := newTestServer(t)
	token := env.adminToken(t)

	// Create a key scoped to posts.
	rec := env.do(t, "POST", "/api/v1/api-keys", token, map[string]interface{}{
		"name":            "site-frontend",
		"permissions":     []string{"content.posts.find", "content.posts.findOne"},
		"allowed_schemas": []string{"posts"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create key = %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		APIKey model.APIKey `json:"api_key"`
		Key    string       `json:"key"`
	}
	decode(t, rec, &created)
	if created.Key == "" {
		t.Fatal("plaintext key missing from create response")
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("key_hash")) {
		t.Error("key hash leaked in response")
	}

	// Use it against the guarded content surface.
	req := httptest.NewRequest("GET", "/api/v1/content/posts", nil)
	req.RemoteAddr = "192.0.2.10:54321"
	req.Header.Set("X-API-Key", created.Key)
	recorder := httptest.NewRecorder()
	env.srv.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("content read with key = %d: %s", recorder.Code, recorder.Body.String())
	}
	if recorder.Header().Get("X-RateLimit-Limit") == "" {
		t.Error("rate limit headers missing")
	}

	// Write action is outside the key's grants.
	req = httptest.NewRequest("POST", "/api/v1/content/posts", bytes.NewReader([]byte(`{}`)))
	req.RemoteAddr = "192.0.2.10:54321"
	req.Header.Set("X-API-Key", created.Key)
	recorder = httptest.NewRecorder()
	env.srv.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusForbidden {
		t.Errorf("content create with read-only key = %d, want 403", recorder.Code)
	}

	// Rotate, then the old plaintext stops working.
	rec = env.do(t, "POST", "/api/v1/api-keys/"+created.APIKey.ID+"/rotate", token, map[string]string{})
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate = %d: %s", rec.Code, rec.Body.String())
	}
	var rotated struct {
		Key string `json:"key"`
	}
	decode(t, rec, &rotated)

	req = httptest.NewRequest("GET", "/api/v1/content/posts", nil)
	req.RemoteAddr = "192.0.2.10:54321"
	req.Header.Set("X-API-Key", created.Key)
	recorder = httptest.NewRecorder()
	env.srv.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusUnauthorized {
		t.Errorf("old key after rotation = %d, want 401", recorder.Code)
	}

	req = httptest.NewRequest("GET", "/api/v1/content/posts", nil)
	req.RemoteAddr = "192.0.2.10:54321"
	req.Header.Set("X-API-Key", rotated.Key)
	recorder = httptest.NewRecorder()
	env.srv.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Errorf("rotated key = %d, want 200", recorder.Code)
	}
}

func TestCatalogEndpoints(t *testing.T) {
	env := newTestServer(t)
	token := env.adminToken(t)

	rec := env.do(t, "GET", "/api/v1/rbac/permissions", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("catalog = %d: %s", rec.Code, rec.Body.String())
	}
	var cat struct {
		Groups []model.PermissionGroup `json:"groups"`
	}
	decode(t, rec, &cat)
	if len(cat.Groups) == 0 {
		t.Fatal("catalog is empty")
	}

	// Route-derived static permissions show up alongside schema CRUD.
	found := map[string]bool{}
	for _, g := range cat.Groups {
		for _, p := range g.Permissions {
			found[p.ID] = true
		}
	}
	for _, want := range []string{"content.posts.find", "content.pages.publish", "roles.read", "users.assign-role"} {
		if !found[want] {
			t.Errorf("catalog missing %q", want)
		}
	}
	// Templated content-route permissions must not be cataloged.
	if found["content.{schema}.find"] {
		t.Error("templated permission leaked into the catalog")
	}

	rec = env.do(t, "POST", "/api/v1/rbac/check", token, map[string]string{"permission": "roles.delete"})
	if rec.Code != http.StatusOK {
		t.Fatalf("check = %d: %s", rec.Code, rec.Body.String())
	}
	var check struct {
		Allowed bool `json:"allowed"`
	}
	decode(t, rec, &check)
	if !check.Allowed {
		t.Error("admin check should allow everything")
	}
}

func TestSettingsEndpoints(t *testing.T) {
	env := newTestServer(t)
	token := env.adminToken(t)

	rec := env.do(t, "PUT", "/api/v1/rbac/settings", token, map[string]string{
		"api_keys.max_keys_per_user": "3",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update settings = %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, "GET", "/api/v1/rbac/settings", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get settings = %d: %s", rec.Code, rec.Body.String())
	}
	var settings map[string]interface{}
	decode(t, rec, &settings)
	if settings["api_keys.max_keys_per_user"] != float64(3) {
		t.Errorf("max keys = %v, want 3", settings["api_keys.max_keys_per_user"])
	}

	rec = env.do(t, "PUT", "/api/v1/rbac/settings", token, map[string]string{"bogus.key": "1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown setting = %d, want 400", rec.Code)
	}
}
