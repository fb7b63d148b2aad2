package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/magnet-cms/magnet/internal/config"
	"github.com/magnet-cms/magnet/internal/permission"
	"github.com/magnet-cms/magnet/internal/service"
	"github.com/magnet-cms/magnet/internal/store"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from --data-dir flag,
// MAGNET_DATA_DIR env var, or ~/.magnet as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("MAGNET_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".magnet")
}

// openStore opens the SQLite store under the resolved data directory.
func openStore() (*store.Store, error) {
	return store.New(resolveDataDir())
}

// loadConfig reads the YAML config from --config or the default search path.
func loadConfig() (config.Config, error) {
	return config.Load(cfgFile)
}

// quietLogger is for one-shot administrative commands, where structured
// request logs would only be noise.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// buildCatalog builds a permission catalog from the config-declared schemas
// and plugins, plus any registered routes.
func buildCatalog(cfg config.Config, registry *permission.Registry) *permission.Catalog {
	catalog := permission.NewCatalog()
	buildCatalogInto(catalog, cfg, registry)
	return catalog
}

// adminContext is a bounded context for one-shot CLI operations.
func adminContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// seedRoles ensures the built-in system roles exist before any CLI operation
// that references them.
func seedRoles(ctx context.Context, roles *service.RoleService) error {
	return roles.EnsureSystemRoles(ctx)
}
