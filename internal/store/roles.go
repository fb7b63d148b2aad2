package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/magnet-cms/magnet/internal/model"
)

// roleRow is a flat struct that maps 1:1 to the roles table columns. The
// permissions_json column stores the JSON-encoded permission set.
type roleRow struct {
	ID              string     `db:"id"`
	Name            string     `db:"name"`
	DisplayName     string     `db:"display_name"`
	Description     string     `db:"description"`
	PermissionsJSON string     `db:"permissions_json"`
	IsSystem        bool       `db:"is_system"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       *time.Time `db:"updated_at"`
}

func roleRowFromModel(role *model.Role) (roleRow, error) {
	perms := role.Permissions
	if perms == nil {
		perms = []string{}
	}
	permsJSON, err := json.Marshal(perms)
	if err != nil {
		return roleRow{}, fmt.Errorf("marshal permissions: %w", err)
	}
	return roleRow{
		ID:              role.ID,
		Name:            role.Name,
		DisplayName:     role.DisplayName,
		Description:     role.Description,
		PermissionsJSON: string(permsJSON),
		IsSystem:        role.IsSystem,
		CreatedAt:       role.CreatedAt,
		UpdatedAt:       role.UpdatedAt,
	}, nil
}

func (r roleRow) toModel() (model.Role, error) {
	perms := []string{}
	if r.PermissionsJSON != "" {
		if err := json.Unmarshal([]byte(r.PermissionsJSON), &perms); err != nil {
			return model.Role{}, fmt.Errorf("unmarshal permissions: %w", err)
		}
	}
	return model.Role{
		ID:          r.ID,
		Name:        r.Name,
		DisplayName: r.DisplayName,
		Description: r.Description,
		Permissions: perms,
		IsSystem:    r.IsSystem,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

// CreateRole inserts a new role. The CreatedAt field is populated on insert.
func (s *Store) CreateRole(ctx context.Context, role *model.Role) error {
	role.CreatedAt = time.Now().UTC()

	row, err := roleRowFromModel(role)
	if err != nil {
		return err
	}

	const q = `INSERT INTO roles
		(id, name, display_name, description, permissions_json, is_system, created_at, updated_at)
		VALUES
		(:id, :name, :display_name, :description, :permissions_json, :is_system, :created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert role: %w", err)
	}
	return nil
}

// GetRole returns a role by ID.
func (s *Store) GetRole(ctx context.Context, id string) (*model.Role, error) {
	return s.getRole(ctx, "SELECT * FROM roles WHERE id = ?", id)
}

// GetRoleByName returns a role by its unique name.
func (s *Store) GetRoleByName(ctx context.Context, name string) (*model.Role, error) {
	return s.getRole(ctx, "SELECT * FROM roles WHERE name = ?", name)
}

func (s *Store) getRole(ctx context.Context, query, arg string) (*model.Role, error) {
	var row roleRow
	if err := s.db.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get role: %w", err)
	}
	role, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &role, nil
}

// ListRoles returns all roles ordered by name.
func (s *Store) ListRoles(ctx context.Context) ([]model.Role, error) {
	var rows []roleRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM roles ORDER BY name"); err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}

	roles := make([]model.Role, 0, len(rows))
	for _, r := range rows {
		role, err := r.toModel()
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// UpdateRole updates an existing role. The UpdatedAt field is refreshed
// automatically.
func (s *Store) UpdateRole(ctx context.Context, role *model.Role) error {
	now := time.Now().UTC()
	role.UpdatedAt = &now

	row, err := roleRowFromModel(role)
	if err != nil {
		return err
	}

	const q = `UPDATE roles SET
		name = :name, display_name = :display_name, description = :description,
		permissions_json = :permissions_json, updated_at = :updated_at
		WHERE id = :id`

	result, err := s.db.NamedExecContext(ctx, q, row)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("update role: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update role rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRole removes a role by ID. System-role and referenced-role guards
// live in the service layer; the store deletes unconditionally.
func (s *Store) DeleteRole(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM roles WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete role rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
