package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/magnet-cms/magnet/internal/config"
	"github.com/magnet-cms/magnet/internal/model"
	"github.com/magnet-cms/magnet/internal/store"
)

func newTestAPIKeyService(t *testing.T) (*APIKeyService, *store.Store) {
	t.Helper()
	st := testStore(t)
	settings := NewSettings(st, config.Default())
	svc := NewAPIKeyService(st, settings, NewEventService(testLogger()), testLogger())
	return svc, st
}

func TestCreateAndValidateKey(t *testing.T) {
	svc, _ := newTestAPIKeyService(t)
	ctx := context.Background()

	key, plaintext, err := svc.Create(ctx, "user-1", CreateAPIKeyParams{Name: "ci"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if !strings.HasPrefix(plaintext, model.KeyPrefix) {
		t.Errorf("plaintext %q should start with %q", plaintext, model.KeyPrefix)
	}
	if key.KeyPrefix != plaintext[:model.KeyDisplayLength] {
		t.Errorf("display prefix = %q, want %q", key.KeyPrefix, plaintext[:model.KeyDisplayLength])
	}
	if key.KeyHash == plaintext || strings.Contains(key.KeyHash, plaintext) {
		t.Error("stored hash must not contain the plaintext key")
	}
	if len(key.Permissions) != 1 || key.Permissions[0] != "*" {
		t.Errorf("default permissions = %v, want [*]", key.Permissions)
	}
	if key.RateLimit != config.Default().APIKeys.DefaultRateLimit {
		t.Errorf("rate limit = %d, want default %d", key.RateLimit, config.Default().APIKeys.DefaultRateLimit)
	}

	got, err := svc.Validate(ctx, plaintext)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.ID != key.ID {
		t.Errorf("validated key id = %q, want %q", got.ID, key.ID)
	}

	if _, err := svc.Validate(ctx, plaintext+"x"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("tampered key: err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Validate(ctx, "sk_notourformat"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("foreign prefix: err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Validate(ctx, model.KeyPrefix); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("bare prefix: err = %v, want ErrInvalidCredentials", err)
	}
}

func TestValidateExpiredKey(t *testing.T) {
	svc, _ := newTestAPIKeyService(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	_, plaintext, err := svc.Create(ctx, "user-1", CreateAPIKeyParams{Name: "old", ExpiresAt: &past})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.Validate(ctx, plaintext); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expired key: err = %v, want ErrInvalidCredentials", err)
	}
}

func TestRevokeDisablesKey(t *testing.T) {
	svc, _ := newTestAPIKeyService(t)
	ctx := context.Background()

	key, plaintext, err := svc.Create(ctx, "user-1", CreateAPIKeyParams{Name: "temp"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	revoked, err := svc.Revoke(ctx, "user-1", key.ID, "compromised")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked.Enabled {
		t.Error("revoked key should be disabled")
	}
	if revoked.RevokedAt == nil || revoked.RevokedReason != "compromised" {
		t.Errorf("revocation metadata = (%v, %q)", revoked.RevokedAt, revoked.RevokedReason)
	}

	if _, err := svc.Validate(ctx, plaintext); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("revoked key: err = %v, want ErrInvalidCredentials", err)
	}

	// Record survives for audit.
	got, err := svc.Get(ctx, "user-1", key.ID)
	if err != nil {
		t.Fatalf("get revoked key: %v", err)
	}
	if got.Enabled {
		t.Error("revoked key record should remain disabled")
	}
}

func TestRotateKey(t *testing.T) {
	svc, _ := newTestAPIKeyService(t)
	ctx := context.Background()

	old, oldPlain, err := svc.Create(ctx, "user-1", CreateAPIKeyParams{
		Name:           "prod",
		Permissions:    []string{"content.posts.*"},
		AllowedSchemas: []string{"posts"},
		RateLimit:      250,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	newKey, newPlain, err := svc.Rotate(ctx, "user-1", old.ID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if newPlain == oldPlain {
		t.Error("rotation must issue a fresh plaintext key")
	}
	if newKey.Name != "prod (rotated)" {
		t.Errorf("rotated key name = %q, want %q", newKey.Name, "prod (rotated)")
	}
	if newKey.RateLimit != 250 {
		t.Errorf("rotated key should carry scoping: rate=%d, want 250", newKey.RateLimit)
	}
	if len(newKey.Permissions) != 1 || newKey.Permissions[0] != "content.posts.*" {
		t.Errorf("rotated permissions = %v", newKey.Permissions)
	}

	if _, err := svc.Validate(ctx, oldPlain); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("old key after rotation: err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Validate(ctx, newPlain); err != nil {
		t.Errorf("new key after rotation: %v", err)
	}

	oldReloaded, err := svc.Get(ctx, "user-1", old.ID)
	if err != nil {
		t.Fatalf("reload old key: %v", err)
	}
	if oldReloaded.RevokedReason != "Key rotation" {
		t.Errorf("revoked reason = %q, want %q", oldReloaded.RevokedReason, "Key rotation")
	}
}

func TestRotateAtKeyCeiling(t *testing.T) {
	svc, st := newTestAPIKeyService(t)
	ctx := context.Background()

	if err := st.SetSetting(ctx, "api_keys.max_keys_per_user", "1"); err != nil {
		t.Fatalf("set setting: %v", err)
	}

	old, oldPlain, err := svc.Create(ctx, "user-1", CreateAPIKeyParams{Name: "only"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The replacement is minted before the original is disabled, so rotation
	// must not trip the active-key ceiling.
	newKey, newPlain, err := svc.Rotate(ctx, "user-1", old.ID)
	if err != nil {
		t.Fatalf("rotate at ceiling: %v", err)
	}
	if newKey.Name != "only (rotated)" {
		t.Errorf("rotated key name = %q, want %q", newKey.Name, "only (rotated)")
	}
	if _, err := svc.Validate(ctx, oldPlain); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("old key after rotation: err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Validate(ctx, newPlain); err != nil {
		t.Errorf("new key after rotation: %v", err)
	}

	// Plain creates still honor the ceiling.
	var verr *ValidationError
	if _, _, err := svc.Create(ctx, "user-1", CreateAPIKeyParams{Name: "extra"}); !errors.As(err, &verr) {
		t.Errorf("create at ceiling: err = %v, want ValidationError", err)
	}
}

func TestMaxKeysPerUser(t *testing.T) {
	svc, st := newTestAPIKeyService(t)
	ctx := context.Background()

	if err := st.SetSetting(ctx, "api_keys.max_keys_per_user", "2"); err != nil {
		t.Fatalf("set setting: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, _, err := svc.Create(ctx, "user-1", CreateAPIKeyParams{Name: "k"}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	var verr *ValidationError
	if _, _, err := svc.Create(ctx, "user-1", CreateAPIKeyParams{Name: "overflow"}); !errors.As(err, &verr) {
		t.Fatalf("over-limit create: err = %v, want ValidationError", err)
	}

	// Other users are unaffected, and revoking frees a slot.
	if _, _, err := svc.Create(ctx, "user-2", CreateAPIKeyParams{Name: "other"}); err != nil {
		t.Errorf("other user create: %v", err)
	}
	keys, err := svc.List(ctx, "user-1", false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, err := svc.Revoke(ctx, "user-1", keys[0].ID, "make room"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, _, err := svc.Create(ctx, "user-1", CreateAPIKeyParams{Name: "replacement"}); err != nil {
		t.Errorf("create after revoke: %v", err)
	}
}

func TestCheckRateLimitWindow(t *testing.T) {
	svc, _ := newTestAPIKeyService(t)
	ctx := context.Background()

	key, _, err := svc.Create(ctx, "user-1", CreateAPIKeyParams{Name: "limited", RateLimit: 3})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	windowStart := time.Now().UTC().Truncate(time.Hour)

	// A record from the previous window does not count.
	if err := svc.LogUsageSync(ctx, model.APIKeyUsage{
		KeyID: key.ID, Endpoint: "/content/posts", Method: "GET", StatusCode: 200,
		Timestamp: windowStart.Add(-time.Minute),
	}); err != nil {
		t.Fatalf("log stale usage: %v", err)
	}

	for i := 0; i < 3; i++ {
		result, err := svc.CheckRateLimit(ctx, key)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if result.Remaining != 3-i {
			t.Errorf("request %d remaining = %d, want %d", i, result.Remaining, 3-i)
		}
		if err := svc.LogUsageSync(ctx, model.APIKeyUsage{
			KeyID: key.ID, Endpoint: "/content/posts", Method: "GET", StatusCode: 200,
			Timestamp: windowStart.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("log usage %d: %v", i, err)
		}
	}

	result, err := svc.CheckRateLimit(ctx, key)
	if err != nil {
		t.Fatalf("final check: %v", err)
	}
	if result.Allowed {
		t.Error("fourth request in window should be rejected")
	}
	if result.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", result.Remaining)
	}
	if !result.ResetAt.Equal(windowStart.Add(time.Hour)) {
		t.Errorf("resetAt = %v, want %v", result.ResetAt, windowStart.Add(time.Hour))
	}
}

func TestKeyScopingChecks(t *testing.T) {
	svc, _ := newTestAPIKeyService(t)

	open := &model.APIKey{}
	scoped := &model.APIKey{
		Permissions:    []string{"content.posts.*"},
		AllowedSchemas: []string{"posts"},
		AllowedIPs:     []string{"10.0.0.5"},
		AllowedOrigins: []string{"https://app.example.com"},
	}

	if !svc.HasSchemaAccess(open, "anything") {
		t.Error("empty schema list should allow all schemas")
	}
	if !svc.HasSchemaAccess(scoped, "posts") || svc.HasSchemaAccess(scoped, "pages") {
		t.Error("schema scoping mismatch")
	}

	if !svc.IsIPAllowed(open, "203.0.113.9") {
		t.Error("empty IP list should allow all addresses")
	}
	if !svc.IsIPAllowed(scoped, "10.0.0.5") || svc.IsIPAllowed(scoped, "10.0.0.6") {
		t.Error("IP scoping mismatch")
	}

	if !svc.IsOriginAllowed(scoped, "") {
		t.Error("requests without an Origin header pass the origin list")
	}
	if !svc.IsOriginAllowed(scoped, "https://app.example.com") || svc.IsOriginAllowed(scoped, "https://evil.example.com") {
		t.Error("origin scoping mismatch")
	}

	if !svc.HasPermission(scoped, "content.posts.find") || svc.HasPermission(scoped, "content.pages.find") {
		t.Error("key permission matching mismatch")
	}
}

func TestKeyOwnershipHidden(t *testing.T) {
	svc, _ := newTestAPIKeyService(t)
	ctx := context.Background()

	key, _, err := svc.Create(ctx, "owner", CreateAPIKeyParams{Name: "private"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.Get(ctx, "intruder", key.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-user get: err = %v, want ErrNotFound", err)
	}
	if _, err := svc.Revoke(ctx, "intruder", key.ID, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-user revoke: err = %v, want ErrNotFound", err)
	}
	if err := svc.Delete(ctx, "intruder", key.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-user delete: err = %v, want ErrNotFound", err)
	}
	if _, err := svc.GetUsageStats(ctx, "intruder", key.ID, 7); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-user stats: err = %v, want ErrNotFound", err)
	}
}

func TestUsageStatsAndCleanup(t *testing.T) {
	svc, _ := newTestAPIKeyService(t)
	ctx := context.Background()

	key, _, err := svc.Create(ctx, "user-1", CreateAPIKeyParams{Name: "metered"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now().UTC()
	records := []model.APIKeyUsage{
		{KeyID: key.ID, Endpoint: "/content/posts", Method: "GET", StatusCode: 200, ResponseTimeMs: 10, Timestamp: now.Add(-time.Minute)},
		{KeyID: key.ID, Endpoint: "/content/posts", Method: "POST", StatusCode: 201, ResponseTimeMs: 30, Timestamp: now.Add(-2 * time.Minute)},
		{KeyID: key.ID, Endpoint: "/content/posts", Method: "GET", StatusCode: 403, ResponseTimeMs: 5, Timestamp: now.Add(-3 * time.Minute)},
		// Outside the default retention window.
		{KeyID: key.ID, Endpoint: "/content/posts", Method: "GET", StatusCode: 200, ResponseTimeMs: 5, Timestamp: now.AddDate(0, 0, -90)},
	}
	for i := range records {
		if err := svc.LogUsageSync(ctx, records[i]); err != nil {
			t.Fatalf("log usage %d: %v", i, err)
		}
	}

	stats, err := svc.GetUsageStats(ctx, "user-1", key.ID, 7)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalRequests != 3 {
		t.Errorf("total = %d, want 3 (90-day-old record excluded)", stats.TotalRequests)
	}
	if stats.SuccessCount != 2 || stats.ErrorCount != 1 {
		t.Errorf("success/error = %d/%d, want 2/1", stats.SuccessCount, stats.ErrorCount)
	}

	deleted, err := svc.CleanupUsageRecords(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("cleanup deleted %d, want 1", deleted)
	}

	// An explicit retention override prunes ahead of the configured window.
	if err := svc.LogUsageSync(ctx, model.APIKeyUsage{
		KeyID: key.ID, Endpoint: "/content/posts", Method: "GET", StatusCode: 200,
		Timestamp: now.AddDate(0, 0, -2),
	}); err != nil {
		t.Fatalf("log usage: %v", err)
	}
	deleted, err = svc.CleanupUsageRecords(ctx, 1)
	if err != nil {
		t.Fatalf("cleanup with override: %v", err)
	}
	if deleted != 1 {
		t.Errorf("override cleanup deleted %d, want 1", deleted)
	}

	history, err := svc.GetUsageHistory(ctx, "user-1", key.ID, 0, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Errorf("history length = %d, want 3", len(history))
	}
	if len(history) > 1 && history[0].Timestamp.Before(history[1].Timestamp) {
		t.Error("history should be newest first")
	}
}
