package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/magnet-cms/magnet/internal/service"
	"github.com/magnet-cms/magnet/internal/store"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, and revoke API keys used to authenticate against the content API.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyRotateCmd())

	return cmd
}

// newKeyServices opens the store and builds the services key commands need.
// The caller must Close the returned store.
func newKeyServices() (*store.Store, *service.APIKeyService, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := openStore()
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	logger := quietLogger()
	settings := service.NewSettings(st, cfg)
	keys := service.NewAPIKeyService(st, settings, service.NewEventService(logger), logger)
	return st, keys, nil
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		user        string
		permissions []string
		schemas     []string
		rateLimit   int
	)

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a new API key",
		Long:  "Generate a new API key. The raw key is shown once and cannot be retrieved again.",
		Example: `  magnet key create frontend --user admin@example.com --permission 'content.posts.*'
  magnet key create ci --user ops@example.com --permission '*' --rate-limit 5000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyCreate(args[0], user, permissions, schemas, rateLimit)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Email of the owning user (required)")
	cmd.Flags().StringArrayVar(&permissions, "permission", nil, "Permission to grant (repeatable; defaults to *)")
	cmd.Flags().StringArrayVar(&schemas, "schema", nil, "Schema to scope the key to (repeatable; empty means all)")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "Requests per hour (defaults to the configured value)")
	cmd.MarkFlagRequired("user")

	return cmd
}

func runKeyCreate(name, userEmail string, permissions, schemas []string, rateLimit int) error {
	st, keys, err := newKeyServices()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := adminContext()
	defer cancel()

	owner, err := st.GetUserByEmail(ctx, userEmail)
	if err != nil {
		return fmt.Errorf("look up user %q: %w", userEmail, err)
	}

	key, plaintext, err := keys.Create(ctx, owner.ID, service.CreateAPIKeyParams{
		Name:           name,
		Permissions:    permissions,
		AllowedSchemas: schemas,
		RateLimit:      rateLimit,
	})
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	fmt.Println("API key created:")
	fmt.Println()
	fmt.Printf("  Key:         %s\n", plaintext)
	fmt.Printf("  Name:        %s\n", key.Name)
	fmt.Printf("  Owner:       %s\n", owner.Email)
	fmt.Printf("  Permissions: %s\n", strings.Join(key.Permissions, ", "))
	if len(key.AllowedSchemas) > 0 {
		fmt.Printf("  Schemas:     %s\n", strings.Join(key.AllowedSchemas, ", "))
	}
	fmt.Printf("  Rate limit:  %d/hour\n", key.RateLimit)
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		user string
		all  bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(user, all)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Email of the owning user (required)")
	cmd.Flags().BoolVar(&all, "all", false, "Include disabled and revoked keys")
	cmd.MarkFlagRequired("user")

	return cmd
}

func runKeyList(userEmail string, includeDisabled bool) error {
	st, keys, err := newKeyServices()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := adminContext()
	defer cancel()

	owner, err := st.GetUserByEmail(ctx, userEmail)
	if err != nil {
		return fmt.Errorf("look up user %q: %w", userEmail, err)
	}

	list, err := keys.List(ctx, owner.ID, includeDisabled)
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No API keys.")
		return nil
	}

	for _, k := range list {
		state := "active"
		if !k.Enabled {
			state = "disabled"
			if k.RevokedAt != nil {
				state = "revoked"
			}
		}
		fmt.Printf("%s  %-20s  %s  %s  %d/hour  used %d times\n",
			k.ID, k.Name, k.KeyPrefix+"...", state, k.RateLimit, k.UsageCount)
	}
	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	var (
		user   string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "revoke KEY_ID",
		Short: "Revoke an API key",
		Long:  "Disable a key while keeping its record and usage history for audit.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(args[0], user, reason)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Email of the owning user (required)")
	cmd.Flags().StringVar(&reason, "reason", "Revoked via CLI", "Reason recorded with the revocation")
	cmd.MarkFlagRequired("user")

	return cmd
}

// ---------- key rotate ----------

func newKeyRotateCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "rotate KEY_ID",
		Short: "Rotate an API key",
		Long:  "Create a replacement key with the same scoping, then revoke the old one. The new raw key is shown once.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRotate(args[0], user)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Email of the owning user (required)")
	cmd.MarkFlagRequired("user")

	return cmd
}

func runKeyRotate(keyID, userEmail string) error {
	st, keys, err := newKeyServices()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := adminContext()
	defer cancel()

	owner, err := st.GetUserByEmail(ctx, userEmail)
	if err != nil {
		return fmt.Errorf("look up user %q: %w", userEmail, err)
	}

	newKey, plaintext, err := keys.Rotate(ctx, owner.ID, keyID)
	if err != nil {
		if newKey == nil {
			return fmt.Errorf("rotate api key: %w", err)
		}
		// The replacement exists but the old key could not be revoked.
		fmt.Printf("Warning: old key is still active (%v); revoke it manually.\n", err)
	}

	fmt.Printf("Rotated key %s (%s)\n", newKey.ID, newKey.Name)
	fmt.Println()
	fmt.Printf("  New key: %s\n", plaintext)
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

func runKeyRevoke(keyID, userEmail, reason string) error {
	st, keys, err := newKeyServices()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := adminContext()
	defer cancel()

	owner, err := st.GetUserByEmail(ctx, userEmail)
	if err != nil {
		return fmt.Errorf("look up user %q: %w", userEmail, err)
	}

	key, err := keys.Revoke(ctx, owner.ID, keyID, reason)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}

	fmt.Printf("Revoked key %s (%s)\n", key.ID, key.Name)
	return nil
}
