package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/magnet-cms/magnet/internal/model"
)

// apiKeyRow is a flat struct that maps 1:1 to the api_keys table columns.
// The list-valued fields are stored as JSON-encoded arrays.
type apiKeyRow struct {
	ID                 string     `db:"id"`
	Name               string     `db:"name"`
	Description        string     `db:"description"`
	KeyHash            string     `db:"key_hash"`
	KeyPrefix          string     `db:"key_prefix"`
	UserID             string     `db:"user_id"`
	PermissionsJSON    string     `db:"permissions_json"`
	AllowedSchemasJSON string     `db:"allowed_schemas_json"`
	AllowedOriginsJSON string     `db:"allowed_origins_json"`
	AllowedIPsJSON     string     `db:"allowed_ips_json"`
	ExpiresAt          *time.Time `db:"expires_at"`
	Enabled            bool       `db:"enabled"`
	RateLimit          int        `db:"rate_limit"`
	CreatedAt          time.Time  `db:"created_at"`
	LastUsedAt         *time.Time `db:"last_used_at"`
	UsageCount         int64      `db:"usage_count"`
	RevokedAt          *time.Time `db:"revoked_at"`
	RevokedReason      string     `db:"revoked_reason"`
}

func marshalStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalStrings(data string) ([]string, error) {
	if data == "" {
		return []string{}, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func apiKeyRowFromModel(key *model.APIKey) (apiKeyRow, error) {
	perms, err := marshalStrings(key.Permissions)
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("marshal permissions: %w", err)
	}
	schemas, err := marshalStrings(key.AllowedSchemas)
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("marshal allowed schemas: %w", err)
	}
	origins, err := marshalStrings(key.AllowedOrigins)
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("marshal allowed origins: %w", err)
	}
	ips, err := marshalStrings(key.AllowedIPs)
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("marshal allowed ips: %w", err)
	}
	return apiKeyRow{
		ID:                 key.ID,
		Name:               key.Name,
		Description:        key.Description,
		KeyHash:            key.KeyHash,
		KeyPrefix:          key.KeyPrefix,
		UserID:             key.UserID,
		PermissionsJSON:    perms,
		AllowedSchemasJSON: schemas,
		AllowedOriginsJSON: origins,
		AllowedIPsJSON:     ips,
		ExpiresAt:          key.ExpiresAt,
		Enabled:            key.Enabled,
		RateLimit:          key.RateLimit,
		CreatedAt:          key.CreatedAt,
		LastUsedAt:         key.LastUsedAt,
		UsageCount:         key.UsageCount,
		RevokedAt:          key.RevokedAt,
		RevokedReason:      key.RevokedReason,
	}, nil
}

func (r apiKeyRow) toModel() (model.APIKey, error) {
	perms, err := unmarshalStrings(r.PermissionsJSON)
	if err != nil {
		return model.APIKey{}, fmt.Errorf("unmarshal permissions: %w", err)
	}
	schemas, err := unmarshalStrings(r.AllowedSchemasJSON)
	if err != nil {
		return model.APIKey{}, fmt.Errorf("unmarshal allowed schemas: %w", err)
	}
	origins, err := unmarshalStrings(r.AllowedOriginsJSON)
	if err != nil {
		return model.APIKey{}, fmt.Errorf("unmarshal allowed origins: %w", err)
	}
	ips, err := unmarshalStrings(r.AllowedIPsJSON)
	if err != nil {
		return model.APIKey{}, fmt.Errorf("unmarshal allowed ips: %w", err)
	}
	return model.APIKey{
		ID:             r.ID,
		Name:           r.Name,
		Description:    r.Description,
		KeyHash:        r.KeyHash,
		KeyPrefix:      r.KeyPrefix,
		UserID:         r.UserID,
		Permissions:    perms,
		AllowedSchemas: schemas,
		AllowedOrigins: origins,
		AllowedIPs:     ips,
		ExpiresAt:      r.ExpiresAt,
		Enabled:        r.Enabled,
		RateLimit:      r.RateLimit,
		CreatedAt:      r.CreatedAt,
		LastUsedAt:     r.LastUsedAt,
		UsageCount:     r.UsageCount,
		RevokedAt:      r.RevokedAt,
		RevokedReason:  r.RevokedReason,
	}, nil
}

// CreateAPIKey inserts a new API key record. The key_hash must already be set
// (use HashKey). The CreatedAt field is populated on insert.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	key.CreatedAt = time.Now().UTC()

	row, err := apiKeyRowFromModel(key)
	if err != nil {
		return err
	}

	const q = `INSERT INTO api_keys
		(id, name, description, key_hash, key_prefix, user_id, permissions_json,
		 allowed_schemas_json, allowed_origins_json, allowed_ips_json, expires_at,
		 enabled, rate_limit, created_at, last_used_at, usage_count, revoked_at, revoked_reason)
		VALUES
		(:id, :name, :description, :key_hash, :key_prefix, :user_id, :permissions_json,
		 :allowed_schemas_json, :allowed_origins_json, :allowed_ips_json, :expires_at,
		 :enabled, :rate_limit, :created_at, :last_used_at, :usage_count, :revoked_at, :revoked_reason)`

	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetAPIKey returns an API key by ID.
func (s *Store) GetAPIKey(ctx context.Context, id string) (*model.APIKey, error) {
	return s.getAPIKey(ctx, "SELECT * FROM api_keys WHERE id = ?", id)
}

// GetAPIKeyByHash looks up an API key by its SHA-256 hash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	return s.getAPIKey(ctx, "SELECT * FROM api_keys WHERE key_hash = ?", hash)
}

func (s *Store) getAPIKey(ctx context.Context, query, arg string) (*model.APIKey, error) {
	var row apiKeyRow
	if err := s.db.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	key, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// ListAPIKeysByUser returns a user's API keys, newest first. Disabled keys
// are excluded unless includeDisabled is set.
func (s *Store) ListAPIKeysByUser(ctx context.Context, userID string, includeDisabled bool) ([]model.APIKey, error) {
	q := "SELECT * FROM api_keys WHERE user_id = ?"
	if !includeDisabled {
		q += " AND enabled = 1"
	}
	q += " ORDER BY created_at DESC"

	var rows []apiKeyRow
	if err := s.db.SelectContext(ctx, &rows, q, userID); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}

	keys := make([]model.APIKey, 0, len(rows))
	for _, r := range rows {
		key, err := r.toModel()
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// CountActiveKeysByUser returns the number of enabled keys a user holds.
func (s *Store) CountActiveKeysByUser(ctx context.Context, userID string) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM api_keys WHERE user_id = ? AND enabled = 1", userID); err != nil {
		return 0, fmt.Errorf("count active keys: %w", err)
	}
	return count, nil
}

// UpdateAPIKey persists mutable key fields (name, description, permissions,
// allow-lists, rate limit, enabled flag, revocation state).
func (s *Store) UpdateAPIKey(ctx context.Context, key *model.APIKey) error {
	row, err := apiKeyRowFromModel(key)
	if err != nil {
		return err
	}

	const q = `UPDATE api_keys SET
		name = :name, description = :description, permissions_json = :permissions_json,
		allowed_schemas_json = :allowed_schemas_json, allowed_origins_json = :allowed_origins_json,
		allowed_ips_json = :allowed_ips_json, expires_at = :expires_at, enabled = :enabled,
		rate_limit = :rate_limit, revoked_at = :revoked_at, revoked_reason = :revoked_reason
		WHERE id = :id`

	result, err := s.db.NamedExecContext(ctx, q, row)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update api key rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAPIKey removes a key record entirely, along with its usage records.
func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM api_keys WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete api key rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM api_key_usage WHERE key_id = ?", id); err != nil {
		return fmt.Errorf("delete api key usage: %w", err)
	}
	return nil
}

// TouchAPIKey bumps last_used_at and increments usage_count. Called
// best-effort after every successful validation.
func (s *Store) TouchAPIKey(ctx context.Context, id string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET last_used_at = ?, usage_count = usage_count + 1 WHERE id = ?", now, id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch api key rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
