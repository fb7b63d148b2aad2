package service

import (
	"context"
	"strconv"
	"time"

	"github.com/magnet-cms/magnet/internal/config"
	"github.com/magnet-cms/magnet/internal/store"
)

// Settings keys recognized in the store's settings table. A stored value
// overrides the YAML default live, without a restart.
const (
	settingDefaultRateLimit   = "api_keys.default_rate_limit"
	settingMaxKeysPerUser     = "api_keys.max_keys_per_user"
	settingUsageRetentionDays = "api_keys.usage_retention_days"
	settingAllowPublicAccess  = "rbac.allow_public_access"
	settingStrictMode         = "rbac.strict_mode"
)

// Settings serves live configuration: values from the settings table layered
// over the YAML config defaults.
type Settings struct {
	store    *store.Store
	defaults config.Config
}

// NewSettings creates a settings service.
func NewSettings(st *store.Store, defaults config.Config) *Settings {
	return &Settings{store: st, defaults: defaults}
}

func (s *Settings) intSetting(ctx context.Context, key string, def int) int {
	if s.store == nil {
		return def
	}
	v, err := s.store.GetSetting(ctx, key)
	if err != nil {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (s *Settings) boolSetting(ctx context.Context, key string, def bool) bool {
	if s.store == nil {
		return def
	}
	v, err := s.store.GetSetting(ctx, key)
	if err != nil {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// DefaultRateLimit returns the hourly request budget assigned to new keys.
func (s *Settings) DefaultRateLimit(ctx context.Context) int {
	return s.intSetting(ctx, settingDefaultRateLimit, s.defaults.APIKeys.DefaultRateLimit)
}

// MaxKeysPerUser returns the per-user active key ceiling.
func (s *Settings) MaxKeysPerUser(ctx context.Context) int {
	return s.intSetting(ctx, settingMaxKeysPerUser, s.defaults.APIKeys.MaxKeysPerUser)
}

// UsageRetentionDays returns how long usage records are kept.
func (s *Settings) UsageRetentionDays(ctx context.Context) int {
	return s.intSetting(ctx, settingUsageRetentionDays, s.defaults.APIKeys.UsageRetentionDays)
}

// AllowPublicAccess reports whether unauthenticated requests are evaluated
// against the public role instead of being rejected outright.
func (s *Settings) AllowPublicAccess(ctx context.Context) bool {
	return s.boolSetting(ctx, settingAllowPublicAccess, s.defaults.RBAC.AllowPublicAccess)
}

// StrictMode reports whether permission checks require cataloged ids.
func (s *Settings) StrictMode(ctx context.Context) bool {
	return s.boolSetting(ctx, settingStrictMode, s.defaults.RBAC.StrictMode)
}

// CachePermissions reports whether the role permission-check cache is on.
func (s *Settings) CachePermissions() bool {
	return s.defaults.RBAC.CachePermissions
}

// CacheTTL returns the permission-check cache entry lifetime.
func (s *Settings) CacheTTL() time.Duration {
	return config.ParseDuration(s.defaults.RBAC.CacheTTL, 5*time.Minute)
}
