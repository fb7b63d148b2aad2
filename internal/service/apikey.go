package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/magnet-cms/magnet/internal/model"
	"github.com/magnet-cms/magnet/internal/permission"
	"github.com/magnet-cms/magnet/internal/store"
)

// APIKeyService owns the API key lifecycle: generation, validation,
// per-key scoping (permissions, schemas, IPs, origins), rate limiting, and
// usage accounting.
type APIKeyService struct {
	store    *store.Store
	settings *Settings
	events   *EventService
	logger   *slog.Logger
}

// NewAPIKeyService creates an APIKeyService.
func NewAPIKeyService(st *store.Store, settings *Settings, events *EventService, logger *slog.Logger) *APIKeyService {
	return &APIKeyService{store: st, settings: settings, events: events, logger: logger}
}

// CreateAPIKeyParams is the input for Create.
type CreateAPIKeyParams struct {
	Name           string
	Description    string
	Permissions    []string
	AllowedSchemas []string
	AllowedOrigins []string
	AllowedIPs     []string
	RateLimit      int
	ExpiresAt      *time.Time
}

// UpdateAPIKeyParams is the input for Update. Nil fields are left unchanged.
type UpdateAPIKeyParams struct {
	Name           *string
	Description    *string
	Permissions    []string
	AllowedSchemas []string
	AllowedOrigins []string
	AllowedIPs     []string
	RateLimit      *int
	Enabled        *bool
	ExpiresAt      *time.Time
}

// RateLimitResult carries the outcome of one window check. ResetAt is the
// start of the next hour-aligned window.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// generateKey returns the plaintext key: the fixed prefix plus 32 random
// bytes, base64url without padding.
func generateKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate key material: %w", err)
	}
	return model.KeyPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// Create generates a new key for the user. The returned string is the
// plaintext key, available only from this call; the store keeps the hash and
// a short display prefix.
func (s *APIKeyService) Create(ctx context.Context, userID string, params CreateAPIKeyParams) (*model.APIKey, string, error) {
	if params.Name == "" {
		return nil, "", &ValidationError{Message: "key name is required"}
	}

	max := s.settings.MaxKeysPerUser(ctx)
	count, err := s.store.CountActiveKeysByUser(ctx, userID)
	if err != nil {
		return nil, "", fmt.Errorf("count keys: %w", err)
	}
	if count >= max {
		return nil, "", &ValidationError{Message: fmt.Sprintf("active key limit reached (%d)", max)}
	}

	return s.mint(ctx, userID, params)
}

// mint generates and persists a key without the active-key ceiling. Rotation
// calls it directly: a user at the ceiling must still be able to rotate,
// since the replacement exists before the original is disabled.
func (s *APIKeyService) mint(ctx context.Context, userID string, params CreateAPIKeyParams) (*model.APIKey, string, error) {
	plaintext, err := generateKey()
	if err != nil {
		return nil, "", err
	}

	perms := params.Permissions
	if len(perms) == 0 {
		perms = []string{permission.Wildcard}
	}
	rateLimit := params.RateLimit
	if rateLimit <= 0 {
		rateLimit = s.settings.DefaultRateLimit(ctx)
	}

	key := &model.APIKey{
		ID:             uuid.NewString(),
		Name:           params.Name,
		Description:    params.Description,
		KeyHash:        store.HashKey(plaintext),
		KeyPrefix:      plaintext[:model.KeyDisplayLength],
		UserID:         userID,
		Permissions:    perms,
		AllowedSchemas: params.AllowedSchemas,
		AllowedOrigins: params.AllowedOrigins,
		AllowedIPs:     params.AllowedIPs,
		ExpiresAt:      params.ExpiresAt,
		Enabled:        true,
		RateLimit:      rateLimit,
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("create api key: %w", err)
	}

	s.events.Emit("apikey.created", map[string]interface{}{
		"key_id": key.ID, "user": userID, "name": key.Name,
	})
	return key, plaintext, nil
}

// Validate authenticates a plaintext key. Malformed, unknown, disabled, and
// expired keys all fail with ErrInvalidCredentials; storage errors propagate
// so the caller fails closed. On success the last-used bookkeeping is bumped
// in the background.
func (s *APIKeyService) Validate(ctx context.Context, plaintext string) (*model.APIKey, error) {
	if len(plaintext) <= len(model.KeyPrefix) || plaintext[:len(model.KeyPrefix)] != model.KeyPrefix {
		return nil, ErrInvalidCredentials
	}

	key, err := s.store.GetAPIKeyByHash(ctx, store.HashKey(plaintext))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("look up api key: %w", err)
	}
	if !key.Enabled {
		return nil, ErrInvalidCredentials
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidCredentials
	}

	go func(id string) {
		bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.TouchAPIKey(bg, id); err != nil {
			s.logger.Warn("touch api key failed", "key_id", id, "error", err)
		}
	}(key.ID)

	return key, nil
}

// HasPermission evaluates the key's own permission list.
func (s *APIKeyService) HasPermission(key *model.APIKey, permissionID string) bool {
	return permission.Matches(key.Permissions, permissionID)
}

// HasSchemaAccess reports whether the key may touch the schema. An empty
// allow-list means unrestricted.
func (s *APIKeyService) HasSchemaAccess(key *model.APIKey, schema string) bool {
	if len(key.AllowedSchemas) == 0 {
		return true
	}
	for _, allowed := range key.AllowedSchemas {
		if allowed == schema {
			return true
		}
	}
	return false
}

// IsIPAllowed reports whether the caller address passes the key's IP
// allow-list. An empty allow-list means unrestricted.
func (s *APIKeyService) IsIPAllowed(key *model.APIKey, ip string) bool {
	if len(key.AllowedIPs) == 0 {
		return true
	}
	for _, allowed := range key.AllowedIPs {
		if allowed == ip {
			return true
		}
	}
	return false
}

// IsOriginAllowed reports whether the request origin passes the key's origin
// allow-list. An empty allow-list means unrestricted, and a request with no
// Origin header is never blocked by the list.
func (s *APIKeyService) IsOriginAllowed(key *model.APIKey, origin string) bool {
	if len(key.AllowedOrigins) == 0 || origin == "" {
		return true
	}
	for _, allowed := range key.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

// CheckRateLimit counts the key's usage records inside the current
// hour-aligned window. The count is recomputed from storage on every call,
// so it survives restarts and stays correct across processes.
func (s *APIKeyService) CheckRateLimit(ctx context.Context, key *model.APIKey) (RateLimitResult, error) {
	windowStart := time.Now().UTC().Truncate(time.Hour)
	resetAt := windowStart.Add(time.Hour)

	count, err := s.store.CountUsageSince(ctx, key.ID, windowStart)
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("count window usage: %w", err)
	}

	remaining := key.RateLimit - count
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Allowed:   count < key.RateLimit,
		Limit:     key.RateLimit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// LogUsage records one request against a key in the background. Failures are
// logged and swallowed: usage accounting never fails a request.
func (s *APIKeyService) LogUsage(record model.APIKeyUsage) {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	go func() {
		bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.InsertUsage(bg, &record); err != nil {
			s.logger.Warn("usage log failed", "key_id", record.KeyID, "error", err)
		}
	}()
}

// LogUsageSync records one request synchronously. The rate-limit window is
// derived from these records, so the request path writes them inline; the
// async variant exists for callers that only need the audit trail.
func (s *APIKeyService) LogUsageSync(ctx context.Context, record model.APIKeyUsage) error {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	return s.store.InsertUsage(ctx, &record)
}

// GetUsageStats aggregates a key's usage over the trailing N days
// (default 7). Ownership is enforced.
func (s *APIKeyService) GetUsageStats(ctx context.Context, userID, keyID string, days int) (model.UsageStats, error) {
	if _, err := s.getOwned(ctx, userID, keyID); err != nil {
		return model.UsageStats{}, err
	}
	if days <= 0 {
		days = 7
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	return s.store.UsageStatsSince(ctx, keyID, since)
}

// GetUsageHistory returns a page of a key's raw usage records, newest first.
func (s *APIKeyService) GetUsageHistory(ctx context.Context, userID, keyID string, limit, offset int) ([]model.APIKeyUsage, error) {
	if _, err := s.getOwned(ctx, userID, keyID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListUsage(ctx, keyID, limit, offset)
}

// Get returns one of the user's keys.
func (s *APIKeyService) Get(ctx context.Context, userID, keyID string) (*model.APIKey, error) {
	return s.getOwned(ctx, userID, keyID)
}

// List returns the user's keys, optionally including disabled ones.
func (s *APIKeyService) List(ctx context.Context, userID string, includeDisabled bool) ([]model.APIKey, error) {
	return s.store.ListAPIKeysByUser(ctx, userID, includeDisabled)
}

// Update applies partial changes to one of the user's keys.
func (s *APIKeyService) Update(ctx context.Context, userID, keyID string, params UpdateAPIKeyParams) (*model.APIKey, error) {
	key, err := s.getOwned(ctx, userID, keyID)
	if err != nil {
		return nil, err
	}

	if params.Name != nil {
		if *params.Name == "" {
			return nil, &ValidationError{Message: "key name is required"}
		}
		key.Name = *params.Name
	}
	if params.Description != nil {
		key.Description = *params.Description
	}
	if params.Permissions != nil {
		key.Permissions = params.Permissions
	}
	if params.AllowedSchemas != nil {
		key.AllowedSchemas = params.AllowedSchemas
	}
	if params.AllowedOrigins != nil {
		key.AllowedOrigins = params.AllowedOrigins
	}
	if params.AllowedIPs != nil {
		key.AllowedIPs = params.AllowedIPs
	}
	if params.RateLimit != nil {
		if *params.RateLimit <= 0 {
			return nil, &ValidationError{Message: "rate limit must be positive"}
		}
		key.RateLimit = *params.RateLimit
	}
	if params.Enabled != nil {
		key.Enabled = *params.Enabled
	}
	if params.ExpiresAt != nil {
		key.ExpiresAt = params.ExpiresAt
	}

	if err := s.store.UpdateAPIKey(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Revoke disables a key with a reason, keeping the record for audit.
func (s *APIKeyService) Revoke(ctx context.Context, userID, keyID, reason string) (*model.APIKey, error) {
	key, err := s.getOwned(ctx, userID, keyID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	key.Enabled = false
	key.RevokedAt = &now
	key.RevokedReason = reason

	if err := s.store.UpdateAPIKey(ctx, key); err != nil {
		return nil, err
	}

	s.events.Emit("apikey.revoked", map[string]interface{}{
		"key_id": key.ID, "user": userID, "reason": reason,
	})
	return key, nil
}

// Rotate creates a replacement with the old key's scoping under a derived
// name, then revokes the original. The replacement skips the active-key
// ceiling so rotation works for a user already at the limit. The two steps
// are not atomic: if the revoke fails the new key is kept and the error
// surfaced, so for a window both keys may be live. The caller should retry
// the revoke.
func (s *APIKeyService) Rotate(ctx context.Context, userID, keyID string) (*model.APIKey, string, error) {
	old, err := s.getOwned(ctx, userID, keyID)
	if err != nil {
		return nil, "", err
	}

	newKey, plaintext, err := s.mint(ctx, userID, CreateAPIKeyParams{
		Name:           old.Name + " (rotated)",
		Description:    old.Description,
		Permissions:    old.Permissions,
		AllowedSchemas: old.AllowedSchemas,
		AllowedOrigins: old.AllowedOrigins,
		AllowedIPs:     old.AllowedIPs,
		RateLimit:      old.RateLimit,
		ExpiresAt:      old.ExpiresAt,
	})
	if err != nil {
		return nil, "", err
	}

	if _, err := s.Revoke(ctx, userID, keyID, "Key rotation"); err != nil {
		return newKey, plaintext, fmt.Errorf("revoke rotated key: %w", err)
	}

	s.events.Emit("apikey.rotated", map[string]interface{}{
		"old_key_id": keyID, "new_key_id": newKey.ID, "user": userID,
	})
	return newKey, plaintext, nil
}

// Delete removes a key and its usage records entirely. Revoke is usually the
// better choice; delete erases the audit trail.
func (s *APIKeyService) Delete(ctx context.Context, userID, keyID string) error {
	key, err := s.getOwned(ctx, userID, keyID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteAPIKey(ctx, keyID); err != nil {
		return err
	}
	s.events.Emit("apikey.deleted", map[string]interface{}{
		"key_id": key.ID, "user": userID,
	})
	return nil
}

// CleanupUsageRecords prunes usage records older than the retention window
// and returns how many were removed. The configured retention can be
// overridden with an explicit positive day count.
func (s *APIKeyService) CleanupUsageRecords(ctx context.Context, retentionDays ...int) (int64, error) {
	days := s.settings.UsageRetentionDays(ctx)
	if len(retentionDays) > 0 && retentionDays[0] > 0 {
		days = retentionDays[0]
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	n, err := s.store.DeleteUsageBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("pruned usage records", "deleted", n, "retention_days", days)
	}
	return n, nil
}

// getOwned loads a key and enforces ownership. Another user's key looks the
// same as a missing one.
func (s *APIKeyService) getOwned(ctx context.Context, userID, keyID string) (*model.APIKey, error) {
	key, err := s.store.GetAPIKey(ctx, keyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if key.UserID != userID {
		return nil, ErrNotFound
	}
	return key, nil
}
