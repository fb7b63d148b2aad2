package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/magnet-cms/magnet/internal/config"
	"github.com/magnet-cms/magnet/internal/jobs"
	"github.com/magnet-cms/magnet/internal/metrics"
	"github.com/magnet-cms/magnet/internal/permission"
	"github.com/magnet-cms/magnet/internal/server"
	"github.com/magnet-cms/magnet/internal/service"
	"github.com/magnet-cms/magnet/internal/store"
)

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
		dev  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Magnet authorization server",
		Long:  "Start the HTTP server that resolves permissions and authenticates API keys for the content API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(host, port, dev)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 1340, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (verbose logging)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(host string, port int, dev bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	logLevel := slog.LevelInfo
	if dev || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)

	st, err := store.New(resolveDataDir())
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer st.Close()
	logger.Info("store initialized", "path", resolveDataDir())

	jwtSecret := cfg.Auth.JWTSecret
	if env := viper.GetString("auth.jwt_secret"); env != "" {
		jwtSecret = env
	}
	if jwtSecret == "" {
		jwtSecret = "magnet-dev-secret-change-me"
		logger.Warn("no JWT secret configured, using the development default")
	}

	events := service.NewEventService(logger)
	events.Start()
	defer events.Stop()

	m := metrics.New()
	registry := permission.NewRegistry()
	catalog := permission.NewCatalog()
	settings := service.NewSettings(st, cfg)
	roles := service.NewRoleService(st, catalog, events, logger, service.RoleServiceOptions{
		CacheEnabled: settings.CachePermissions(),
		CacheTTL:     settings.CacheTTL(),
		Metrics:      m,
	})
	keys := service.NewAPIKeyService(st, settings, events, logger)
	auth := service.NewAuthService(st, jwtSecret, config.ParseDuration(cfg.Auth.JWTExpiry, 0))

	if err := roles.EnsureSystemRoles(context.Background()); err != nil {
		return fmt.Errorf("seed system roles: %w", err)
	}

	srv := server.New(cfg, st, server.Services{
		Auth: auth, Roles: roles, Keys: keys, Settings: settings,
	}, catalog, registry, m, logger)

	// The router is built, so the registry now holds every static route
	// permission; rebuild the catalog with all three discovery sources.
	rebuilt := buildCatalogInto(catalog, cfg, registry)
	logger.Info("permission catalog built",
		"definitions", rebuilt,
		"schemas", len(cfg.Content.Schemas),
		"plugins", len(cfg.Plugins),
	)

	scheduler := jobs.NewScheduler(keys, logger)
	if schedule := cfg.APIKeys.CleanupSchedule; schedule != "" {
		if err := scheduler.Start(schedule); err != nil {
			return fmt.Errorf("start cleanup scheduler: %w", err)
		}
		defer scheduler.Stop()
	}

	return srv.ListenAndServe()
}

// buildCatalogInto rebuilds an existing catalog in place and reports how many
// definitions it holds.
func buildCatalogInto(catalog *permission.Catalog, cfg config.Config, registry *permission.Registry) int {
	schemas := make([]permission.SchemaDef, 0, len(cfg.Content.Schemas))
	for _, s := range cfg.Content.Schemas {
		schemas = append(schemas, permission.SchemaDef{APIName: s.APIName, DisplayName: s.DisplayName})
	}
	plugins := make([]permission.PluginManifest, 0, len(cfg.Plugins))
	for _, p := range cfg.Plugins {
		manifest := permission.PluginManifest{Name: p.Name, DisplayName: p.DisplayName}
		for _, pp := range p.Permissions {
			manifest.Permissions = append(manifest.Permissions, permission.PluginPermission{
				ID: pp.ID, Name: pp.Name, Description: pp.Description,
			})
		}
		plugins = append(plugins, manifest)
	}
	catalog.Rebuild(permission.Sources{Schemas: schemas, Routes: registry, Plugins: plugins})
	return len(catalog.IDs())
}
