package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/magnet-cms/magnet/internal/service"
	"github.com/magnet-cms/magnet/internal/store"
)

func newRoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "Manage roles",
		Long:  "Create, list, and grant permissions to roles.",
	}

	cmd.AddCommand(newRoleCreateCmd())
	cmd.AddCommand(newRoleListCmd())
	cmd.AddCommand(newRoleGrantCmd())
	cmd.AddCommand(newRoleDeleteCmd())
	cmd.AddCommand(newRoleCatalogCmd())

	return cmd
}

// newRoleServices opens the store and builds the role service with a catalog
// sourced from config. The caller must Close the returned store.
func newRoleServices() (*store.Store, *service.RoleService, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := openStore()
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	logger := quietLogger()
	catalog := buildCatalog(cfg, nil)
	roles := service.NewRoleService(st, catalog, service.NewEventService(logger), logger, service.RoleServiceOptions{})
	return st, roles, nil
}

// ---------- role create ----------

func newRoleCreateCmd() *cobra.Command {
	var (
		displayName string
		description string
		permissions []string
	)

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a new role",
		Example: `  magnet role create editor --display-name Editor --permission 'content.posts.*'
  magnet role create viewer --permission content.posts.find --permission content.pages.find`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoleCreate(args[0], displayName, description, permissions)
		},
	}

	cmd.Flags().StringVar(&displayName, "display-name", "", "Human-readable name")
	cmd.Flags().StringVar(&description, "description", "", "Role description")
	cmd.Flags().StringArrayVar(&permissions, "permission", nil, "Permission to grant (repeatable)")

	return cmd
}

func runRoleCreate(name, displayName, description string, permissions []string) error {
	st, roles, err := newRoleServices()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := adminContext()
	defer cancel()

	if err := seedRoles(ctx, roles); err != nil {
		return err
	}

	role, err := roles.Create(ctx, service.CreateRoleParams{
		Name:        name,
		DisplayName: displayName,
		Description: description,
		Permissions: permissions,
	})
	if err != nil {
		return fmt.Errorf("create role: %w", err)
	}

	fmt.Printf("Created role %s (%s)\n", role.Name, role.ID)
	return nil
}

// ---------- role list ----------

func newRoleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoleList()
		},
	}
}

func runRoleList() error {
	st, roles, err := newRoleServices()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := adminContext()
	defer cancel()

	if err := seedRoles(ctx, roles); err != nil {
		return err
	}

	list, err := roles.List(ctx)
	if err != nil {
		return fmt.Errorf("list roles: %w", err)
	}

	for _, r := range list {
		kind := ""
		if r.IsSystem {
			kind = " (system)"
		}
		fmt.Printf("%-20s %-24s %d permission(s)%s\n", r.Name, r.DisplayName, len(r.Permissions), kind)
	}
	return nil
}

// ---------- role grant ----------

func newRoleGrantCmd() *cobra.Command {
	var replace bool

	cmd := &cobra.Command{
		Use:   "grant ROLE PERMISSION...",
		Short: "Grant permissions to a role",
		Long:  "Add permission ids (wildcards allowed) to a role's grant set, or replace the set with --replace.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoleGrant(args[0], args[1:], replace)
		},
	}

	cmd.Flags().BoolVar(&replace, "replace", false, "Replace the permission set instead of appending")

	return cmd
}

func runRoleGrant(roleName string, grants []string, replace bool) error {
	st, roles, err := newRoleServices()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := adminContext()
	defer cancel()

	role, err := roles.GetByName(ctx, roleName)
	if err != nil {
		return fmt.Errorf("look up role %q: %w", roleName, err)
	}

	perms := grants
	if !replace {
		seen := make(map[string]bool, len(role.Permissions))
		merged := make([]string, 0, len(role.Permissions)+len(grants))
		for _, p := range append(append([]string{}, role.Permissions...), grants...) {
			if !seen[p] {
				seen[p] = true
				merged = append(merged, p)
			}
		}
		perms = merged
	}

	updated, err := roles.UpdatePermissions(ctx, role.ID, perms)
	if err != nil {
		return fmt.Errorf("update permissions: %w", err)
	}

	fmt.Printf("Role %s now holds: %s\n", updated.Name, strings.Join(updated.Permissions, ", "))
	return nil
}

// ---------- role delete ----------

func newRoleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a role",
		Long:  "Delete a custom role. System roles and roles still assigned to users are refused.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoleDelete(args[0])
		},
	}
}

func runRoleDelete(name string) error {
	st, roles, err := newRoleServices()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := adminContext()
	defer cancel()

	role, err := roles.GetByName(ctx, name)
	if err != nil {
		return fmt.Errorf("look up role %q: %w", name, err)
	}
	if err := roles.Delete(ctx, role.ID); err != nil {
		return fmt.Errorf("delete role: %w", err)
	}

	fmt.Printf("Deleted role %s\n", name)
	return nil
}

// ---------- role catalog ----------

func newRoleCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "Print the discovered permission catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoleCatalog()
		},
	}
}

func runRoleCatalog() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	catalog := buildCatalog(cfg, nil)

	for _, group := range catalog.GetGrouped() {
		fmt.Printf("%s:\n", group.Name)
		for _, p := range group.Permissions {
			fmt.Printf("  %-40s %s\n", p.ID, p.Name)
		}
	}
	return nil
}
