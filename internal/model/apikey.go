package model

import "time"

// KeyPrefix is the fixed prefix of every plaintext API key. Credentials not
// bearing it are rejected before any storage lookup.
const KeyPrefix = "mgnt_"

// KeyDisplayLength is how many characters of the plaintext key are retained
// for display. The stored prefix is never used for validation; validation
// always rehashes and compares against KeyHash.
const KeyDisplayLength = 12

// APIKey is a long-lived credential for non-interactive access. The raw key
// is generated once and never stored; only a SHA-256 hash and a short display
// prefix are persisted. Disabling is distinct from deletion: revoked and
// rotated keys are retained with RevokedAt/RevokedReason for audit.
type APIKey struct {
	ID             string     `json:"id" db:"id"`
	Name           string     `json:"name" db:"name"`
	Description    string     `json:"description,omitempty" db:"description"`
	KeyHash        string     `json:"-" db:"key_hash"` // SHA-256 hash, never expose
	KeyPrefix      string     `json:"key_prefix" db:"key_prefix"`
	UserID         string     `json:"user_id" db:"user_id"`
	Permissions    []string   `json:"permissions"`
	AllowedSchemas []string   `json:"allowed_schemas,omitempty"`
	AllowedOrigins []string   `json:"allowed_origins,omitempty"`
	AllowedIPs     []string   `json:"allowed_ips,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	Enabled        bool       `json:"enabled" db:"enabled"`
	RateLimit      int        `json:"rate_limit" db:"rate_limit"` // requests per rolling hour
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	UsageCount     int64      `json:"usage_count" db:"usage_count"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	RevokedReason  string     `json:"revoked_reason,omitempty" db:"revoked_reason"`
}
