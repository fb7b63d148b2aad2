package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/magnet-cms/magnet/internal/model"
	"github.com/magnet-cms/magnet/internal/service"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
		Long:  "Create users and assign roles. The first created user typically gets the admin role.",
	}

	cmd.AddCommand(newUserCreateCmd())
	cmd.AddCommand(newUserListCmd())
	cmd.AddCommand(newUserAssignRoleCmd())

	return cmd
}

// ---------- user create ----------

func newUserCreateCmd() *cobra.Command {
	var (
		name     string
		role     string
		password string
	)

	cmd := &cobra.Command{
		Use:   "create EMAIL",
		Short: "Create a user account",
		Long: `Create a user account. The password is prompted interactively unless
--password is given. When no user exists yet, the account defaults to the
admin role so the instance has an operator.`,
		Example: `  magnet user create admin@example.com --role admin
  magnet user create editor@example.com --role editor --name "Site Editor"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserCreate(args[0], name, role, password)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&role, "role", "", "Role name (defaults to admin for the first user, authenticated otherwise)")
	cmd.Flags().StringVar(&password, "password", "", "Password (prompted when omitted)")

	return cmd
}

func runUserCreate(email, name, roleName, password string) error {
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

	if roleName == "" {
		hasAny, err := st.HasAnyUser(ctx)
		if err != nil {
			return fmt.Errorf("check existing users: %w", err)
		}
		if hasAny {
			roleName = model.RoleAuthenticated
		} else {
			roleName = model.RoleAdmin
		}
	}
	if _, err := roles.GetByName(ctx, roleName); err != nil {
		return fmt.Errorf("role %q does not exist", roleName)
	}

	if password == "" {
		password, err = promptPassword()
		if err != nil {
			return err
		}
	}
	if len(password) < 8 {
		return errors.New("password must be at least 8 characters")
	}

	hash, err := service.HashPassword(password)
	if err != nil {
		return err
	}

	user := &model.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Name:         name,
		Role:         roleName,
		IsActive:     true,
	}
	if err := st.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Printf("Created user %s with role %s\n", user.Email, user.Role)
	return nil
}

func promptPassword() (string, error) {
	fmt.Print("Password: ")
	pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}

	fmt.Print("Confirm password: ")
	confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password confirmation: %w", err)
	}

	if string(pwBytes) != string(confirmBytes) {
		return "", errors.New("passwords do not match")
	}
	return string(pwBytes), nil
}

// ---------- user list ----------

func newUserListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List user accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserList()
		},
	}
}

func runUserList() error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := adminContext()
	defer cancel()

	users, err := st.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	for _, u := range users {
		state := "active"
		if !u.IsActive {
			state = "inactive"
		}
		fmt.Printf("%-32s %-16s %s\n", u.Email, u.Role, state)
	}
	return nil
}

// ---------- user assign-role ----------

func newUserAssignRoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign-role EMAIL ROLE",
		Short: "Assign a role to a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserAssignRole(args[0], args[1])
		},
	}
}

func runUserAssignRole(email, roleName string) error {
	st, roles, err := newRoleServices()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := adminContext()
	defer cancel()

	user, err := st.GetUserByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("look up user %q: %w", email, err)
	}
	if err := roles.AssignRoleToUser(ctx, user.ID, roleName); err != nil {
		return fmt.Errorf("assign role: %w", err)
	}

	fmt.Printf("Assigned role %s to %s\n", roleName, email)
	return nil
}
