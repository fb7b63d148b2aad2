package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/magnet-cms/magnet/internal/metrics"
	"github.com/magnet-cms/magnet/internal/model"
	"github.com/magnet-cms/magnet/internal/permission"
	"github.com/magnet-cms/magnet/internal/store"
)

var roleNamePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// cacheKeySep joins role name and permission id in cache keys. Role names
// cannot contain it, so prefix scans for invalidation are unambiguous.
const cacheKeySep = "\x1f"

const permCacheSize = 4096

// RoleService owns role CRUD, the three built-in system roles, and the
// cached permission-check path. The cache is purely an optimization: results
// are identical with caching disabled.
type RoleService struct {
	store   *store.Store
	catalog *permission.Catalog
	events  *EventService
	logger  *slog.Logger

	cacheEnabled bool
	cache        *lru.LRU[string, bool]
	metrics      *metrics.Metrics
}

// RoleServiceOptions configures the permission-check cache. Metrics is
// optional; when set, cache hits and misses are counted.
type RoleServiceOptions struct {
	CacheEnabled bool
	CacheTTL     time.Duration
	Metrics      *metrics.Metrics
}

// NewRoleService creates a RoleService.
func NewRoleService(st *store.Store, catalog *permission.Catalog, events *EventService, logger *slog.Logger, opts RoleServiceOptions) *RoleService {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	s := &RoleService{
		store:        st,
		catalog:      catalog,
		events:       events,
		logger:       logger,
		cacheEnabled: opts.CacheEnabled,
		metrics:      opts.Metrics,
	}
	if opts.CacheEnabled {
		s.cache = lru.NewLRU[string, bool](permCacheSize, nil, ttl)
	}
	return s
}

// CreateRoleParams is the input for Create.
type CreateRoleParams struct {
	Name        string
	DisplayName string
	Description string
	Permissions []string
}

// UpdateRoleParams is the input for Update. Only display metadata is
// mutable here; permissions change through UpdatePermissions.
type UpdateRoleParams struct {
	DisplayName *string
	Description *string
}

// EnsureSystemRoles idempotently seeds the admin, authenticated, and public
// roles. Runs once at startup.
func (s *RoleService) EnsureSystemRoles(ctx context.Context) error {
	seeds := []model.Role{
		{Name: model.RoleAdmin, DisplayName: "Administrator", Description: "Full access to everything", Permissions: []string{"*"}},
		{Name: model.RoleAuthenticated, DisplayName: "Authenticated", Description: "Default role for signed-in users", Permissions: []string{}},
		{Name: model.RolePublic, DisplayName: "Public", Description: "Unauthenticated visitors", Permissions: []string{}},
	}

	for _, seed := range seeds {
		_, err := s.store.GetRoleByName(ctx, seed.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("check system role %q: %w", seed.Name, err)
		}

		role := seed
		role.ID = uuid.NewString()
		role.IsSystem = true
		if err := s.store.CreateRole(ctx, &role); err != nil {
			// Another instance may have seeded concurrently.
			if errors.Is(err, store.ErrDuplicate) {
				continue
			}
			return fmt.Errorf("seed system role %q: %w", seed.Name, err)
		}
		s.logger.Info("seeded system role", "role", role.Name)
	}
	return nil
}

// Create validates and persists a new non-system role.
func (s *RoleService) Create(ctx context.Context, params CreateRoleParams) (*model.Role, error) {
	if err := validateRoleName(params.Name); err != nil {
		return nil, err
	}
	if _, err := s.store.GetRoleByName(ctx, params.Name); err == nil {
		return nil, &ValidationError{Message: fmt.Sprintf("role %q already exists", params.Name)}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check role name: %w", err)
	}

	displayName := params.DisplayName
	if displayName == "" {
		displayName = params.Name
	}
	perms := params.Permissions
	if perms == nil {
		perms = []string{}
	}

	role := &model.Role{
		ID:          uuid.NewString(),
		Name:        params.Name,
		DisplayName: displayName,
		Description: params.Description,
		Permissions: perms,
		IsSystem:    false,
	}
	if err := s.store.CreateRole(ctx, role); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, &ValidationError{Message: fmt.Sprintf("role %q already exists", params.Name)}
		}
		return nil, err
	}

	s.events.Emit("role.created", map[string]interface{}{"role": role.Name, "id": role.ID})
	return role, nil
}

// Get returns a role by id.
func (s *RoleService) Get(ctx context.Context, id string) (*model.Role, error) {
	role, err := s.store.GetRole(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return role, nil
}

// GetByName returns a role by its unique name.
func (s *RoleService) GetByName(ctx context.Context, name string) (*model.Role, error) {
	role, err := s.store.GetRoleByName(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return role, nil
}

// List returns all roles.
func (s *RoleService) List(ctx context.Context) ([]model.Role, error) {
	return s.store.ListRoles(ctx)
}

// Update changes a role's display name and description only.
func (s *RoleService) Update(ctx context.Context, id string, params UpdateRoleParams) (*model.Role, error) {
	role, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if params.DisplayName != nil {
		role.DisplayName = *params.DisplayName
	}
	if params.Description != nil {
		role.Description = *params.Description
	}

	if err := s.store.UpdateRole(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

// UpdatePermissions replaces a role's permission set wholesale and
// invalidates its cache entries.
func (s *RoleService) UpdatePermissions(ctx context.Context, id string, permissions []string) (*model.Role, error) {
	role, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if permissions == nil {
		permissions = []string{}
	}
	role.Permissions = permissions
	if err := s.store.UpdateRole(ctx, role); err != nil {
		return nil, err
	}

	s.invalidateRole(role.Name)
	s.events.Emit("role.permissions.updated", map[string]interface{}{
		"role": role.Name, "count": len(permissions),
	})
	return role, nil
}

// Delete removes a non-system role that no user references.
func (s *RoleService) Delete(ctx context.Context, id string) error {
	role, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return &InvariantError{Message: fmt.Sprintf("system role %q cannot be deleted", role.Name)}
	}

	count, err := s.store.CountUsersByRole(ctx, role.Name)
	if err != nil {
		return fmt.Errorf("count role references: %w", err)
	}
	if count > 0 {
		return &InvariantError{
			Message:       fmt.Sprintf("role %q is assigned to %d user(s)", role.Name, count),
			BlockingCount: count,
		}
	}

	if err := s.store.DeleteRole(ctx, id); err != nil {
		return err
	}

	s.invalidateRole(role.Name)
	s.events.Emit("role.deleted", map[string]interface{}{"role": role.Name, "id": role.ID})
	return nil
}

// DuplicateRoleParams is the input for Duplicate.
type DuplicateRoleParams struct {
	Name        string
	DisplayName string
}

// Duplicate copies a role's permissions and description into a new
// non-system role.
func (s *RoleService) Duplicate(ctx context.Context, id string, params DuplicateRoleParams) (*model.Role, error) {
	src, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	perms := make([]string, len(src.Permissions))
	copy(perms, src.Permissions)

	return s.Create(ctx, CreateRoleParams{
		Name:        params.Name,
		DisplayName: params.DisplayName,
		Description: src.Description,
		Permissions: perms,
	})
}

// HasPermission resolves the user's role and evaluates the permission.
func (s *RoleService) HasPermission(ctx context.Context, userID, permissionID string) (bool, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("look up user: %w", err)
	}
	return s.RoleHasPermission(ctx, user.Role, permissionID)
}

// RoleHasPermission evaluates whether the named role's stored permission set
// satisfies the permission id. Results are cached per (role, permission)
// with TTL expiry when caching is enabled; an unknown role is a plain deny,
// not an error.
func (s *RoleService) RoleHasPermission(ctx context.Context, roleName, permissionID string) (bool, error) {
	cacheKey := roleName + cacheKeySep + permissionID
	if s.cacheEnabled {
		if allowed, ok := s.cache.Get(cacheKey); ok {
			if s.metrics != nil {
				s.metrics.CacheHits.Inc()
			}
			return allowed, nil
		}
		if s.metrics != nil {
			s.metrics.CacheMisses.Inc()
		}
	}

	role, err := s.store.GetRoleByName(ctx, roleName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load role %q: %w", roleName, err)
	}

	allowed := permission.Matches(role.Permissions, permissionID)
	if s.cacheEnabled {
		s.cache.Add(cacheKey, allowed)
	}
	return allowed, nil
}

// GetUserPermissions returns the user's effective permission list. A role
// holding the global wildcard is expanded to every cataloged id so the UI
// can render the full grant; otherwise the raw stored list is returned.
func (s *RoleService) GetUserPermissions(ctx context.Context, userID string) ([]string, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	role, err := s.store.GetRoleByName(ctx, user.Role)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return []string{}, nil
		}
		return nil, err
	}

	if role.HasGlobalWildcard() {
		return s.catalog.IDs(), nil
	}
	return role.Permissions, nil
}

// AssignRoleToUser validates the role exists and points the user at it.
func (s *RoleService) AssignRoleToUser(ctx context.Context, userID, roleName string) error {
	if _, err := s.store.GetRoleByName(ctx, roleName); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &ValidationError{Message: fmt.Sprintf("role %q does not exist", roleName)}
		}
		return err
	}

	if err := s.store.UpdateUserRole(ctx, userID, roleName); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	s.events.Emit("user.role.assigned", map[string]interface{}{
		"user": userID, "role": roleName,
	})
	return nil
}

// invalidateRole drops every cached check for the role. Keys are
// role-scoped, so no cross-role invalidation is needed.
func (s *RoleService) invalidateRole(roleName string) {
	if !s.cacheEnabled {
		return
	}
	prefix := roleName + cacheKeySep
	for _, key := range s.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.cache.Remove(key)
		}
	}
}

func validateRoleName(name string) error {
	if name == "" {
		return &ValidationError{Message: "role name is required"}
	}
	if !roleNamePattern.MatchString(name) {
		return &ValidationError{Message: fmt.Sprintf("role name %q must match ^[a-z][a-z0-9-]*$", name)}
	}
	return nil
}
