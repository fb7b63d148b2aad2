// Package server wires the HTTP surface: router, middleware chain, and the
// per-route permission registry.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/magnet-cms/magnet/internal/config"
	"github.com/magnet-cms/magnet/internal/handler"
	"github.com/magnet-cms/magnet/internal/metrics"
	"github.com/magnet-cms/magnet/internal/permission"
	"github.com/magnet-cms/magnet/internal/server/middleware"
	"github.com/magnet-cms/magnet/internal/service"
	"github.com/magnet-cms/magnet/internal/store"
)

// Services bundles the domain services the server fronts.
type Services struct {
	Auth     *service.AuthService
	Roles    *service.RoleService
	Keys     *service.APIKeyService
	Settings *service.Settings
}

// Server is the top-level HTTP server for Magnet. It owns the Chi router,
// the permission registry, and the guard that enforces every route's
// declared permission.
type Server struct {
	cfg        config.Config
	router     chi.Router
	store      *store.Store
	svcs       Services
	catalog    *permission.Catalog
	registry   *permission.Registry
	guard      *middleware.Guard
	metrics    *metrics.Metrics
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Server, wires up all routes and middleware, and returns it
// ready to listen. Route permissions are registered into the registry as the
// router is built, so the caller should rebuild the catalog afterwards to
// pick them up.
func New(cfg config.Config, st *store.Store, svcs Services, catalog *permission.Catalog,
	registry *permission.Registry, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		svcs:     svcs,
		catalog:  catalog,
		registry: registry,
		metrics:  m,
		logger:   logger,
	}
	s.guard = middleware.NewGuard(svcs.Auth, svcs.Roles, svcs.Keys, svcs.Settings, catalog, st, m, logger)
	s.setupRouter()
	return s
}

// guarded registers a route's permission requirements and returns the guard
// middleware enforcing them, keeping declaration and enforcement on one line
// at the route site.
func (s *Server) guarded(opts permission.RouteOptions) func(http.Handler) http.Handler {
	return s.guard.Require(s.registry.Register(opts))
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger, s.metrics))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Server.CORS.Origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if s.cfg.Server.RequestsPerMin > 0 {
		r.Use(middleware.RateLimit(s.cfg.Server.RequestsPerMin))
	}
	r.Use(chimw.Compress(5))

	// --- Probes and metrics (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method("GET", "/metrics", s.metrics.Handler())

	sessionHandler := handler.NewSessionHandler(s.svcs.Auth, s.svcs.Roles)
	rolesHandler := handler.NewRolesHandler(s.svcs.Roles, s.catalog)
	permsHandler := handler.NewPermissionsHandler(s.catalog, s.svcs.Roles, s.svcs.Keys)
	keysHandler := handler.NewAPIKeysHandler(s.svcs.Keys)
	usersHandler := handler.NewUsersHandler(s.store, s.svcs.Roles)
	settingsHandler := handler.NewSettingsHandler(s.store, s.svcs.Settings)
	contentHandler := handler.NewContentHandler()

	r.Route("/api/v1", func(r chi.Router) {

		// Login is unauthenticated and throttled; everything else carries a
		// principal resolved by the guard.
		r.With(middleware.LoginRateLimit(10)).Post("/auth/session", sessionHandler.Login)

		r.Group(func(r chi.Router) {
			r.Use(s.guard.Authenticate)

			r.Get("/auth/session", sessionHandler.Me)
			r.Delete("/auth/session", sessionHandler.Logout)

			// Self-service key management: any session principal may manage
			// its own keys, so these routes need authentication but no
			// catalog permission.
			r.Route("/api-keys", func(r chi.Router) {
				r.Get("/", keysHandler.List)
				r.Post("/", keysHandler.Create)
				r.Get("/{id}", keysHandler.Get)
				r.Patch("/{id}", keysHandler.Update)
				r.Delete("/{id}", keysHandler.Delete)
				r.Post("/{id}/revoke", keysHandler.Revoke)
				r.Post("/{id}/rotate", keysHandler.Rotate)
				r.Get("/{id}/usage", keysHandler.Usage)
				r.Get("/{id}/usage/history", keysHandler.UsageHistory)
			})

			r.Route("/rbac", func(r chi.Router) {
				// Catalog introspection is open to any authenticated caller.
				r.Get("/permissions", permsHandler.List)
				r.Get("/permissions/categorized", permsHandler.Categorized)
				r.Get("/my-permissions", permsHandler.MyPermissions)
				r.Post("/check", permsHandler.Check)

				r.With(s.guarded(permission.RouteOptions{
					Method: "GET", Pattern: "/rbac/roles", Permission: "roles.read",
				})).Get("/roles", rolesHandler.List)
				r.With(s.guarded(permission.RouteOptions{
					Method: "POST", Pattern: "/rbac/roles", Permission: "roles.create",
				})).Post("/roles", rolesHandler.Create)
				r.With(s.guarded(permission.RouteOptions{
					Method: "GET", Pattern: "/rbac/roles/{id}", Permission: "roles.read",
				})).Get("/roles/{id}", rolesHandler.Get)
				r.With(s.guarded(permission.RouteOptions{
					Method: "PATCH", Pattern: "/rbac/roles/{id}", Permission: "roles.update",
				})).Patch("/roles/{id}", rolesHandler.Update)
				r.With(s.guarded(permission.RouteOptions{
					Method: "DELETE", Pattern: "/rbac/roles/{id}", Permission: "roles.delete",
				})).Delete("/roles/{id}", rolesHandler.Delete)
				r.With(s.guarded(permission.RouteOptions{
					Method: "POST", Pattern: "/rbac/roles/{id}/duplicate", Permission: "roles.create",
				})).Post("/roles/{id}/duplicate", rolesHandler.Duplicate)
				r.With(s.guarded(permission.RouteOptions{
					Method: "GET", Pattern: "/rbac/roles/{id}/permissions", Permission: "roles.read",
				})).Get("/roles/{id}/permissions", rolesHandler.GetPermissions)
				r.With(s.guarded(permission.RouteOptions{
					Method: "PUT", Pattern: "/rbac/roles/{id}/permissions", Permission: "roles.permissions",
				})).Put("/roles/{id}/permissions", rolesHandler.UpdatePermissions)

				r.With(s.guarded(permission.RouteOptions{
					Method: "GET", Pattern: "/rbac/users", Permission: "users.read",
				})).Get("/users", usersHandler.List)
				r.With(s.guarded(permission.RouteOptions{
					Method: "POST", Pattern: "/rbac/users", Permission: "users.create",
				})).Post("/users", usersHandler.Create)
				r.With(s.guarded(permission.RouteOptions{
					Method: "GET", Pattern: "/rbac/users/{id}", Permission: "users.read",
				})).Get("/users/{id}", usersHandler.Get)
				r.With(s.guarded(permission.RouteOptions{
					Method: "PUT", Pattern: "/rbac/users/{id}/role", Permission: "users.assign-role",
				})).Put("/users/{id}/role", rolesHandler.AssignRole)

				r.With(s.guarded(permission.RouteOptions{
					Method: "GET", Pattern: "/rbac/settings", Permission: "settings.read",
				})).Get("/settings", settingsHandler.Get)
				r.With(s.guarded(permission.RouteOptions{
					Method: "PUT", Pattern: "/rbac/settings", Permission: "settings.update",
				})).Put("/settings", settingsHandler.Update)
			})

			// Guarded content surface. The permission and schema scope are
			// templates resolved per request, so these entries never reach
			// the catalog; the schema-derived CRUD ids come from config.
			r.Route("/content/{schema}", func(r chi.Router) {
				register := func(method, suffix, action string) permission.RouteOptions {
					return s.registry.Register(permission.RouteOptions{
						Method:     method,
						Pattern:    "/content/{schema}" + suffix,
						Permission: "content.{schema}." + action,
						Schema:     "{schema}",
					})
				}

				r.With(s.guard.Require(register("GET", "", "find"))).
					Get("/", contentHandler.Authorize("find"))
				r.With(s.guard.Require(register("GET", "/{id}", "findOne"))).
					Get("/{id}", contentHandler.Authorize("findOne"))
				r.With(s.guard.Require(register("POST", "", "create"))).
					Post("/", contentHandler.Authorize("create"))
				r.With(s.guard.Require(register("PUT", "/{id}", "update"))).
					Put("/{id}", contentHandler.Authorize("update"))
				r.With(s.guard.Require(register("DELETE", "/{id}", "delete"))).
					Delete("/{id}", contentHandler.Authorize("delete"))
				r.With(s.guard.Require(register("POST", "/{id}/publish", "publish"))).
					Post("/{id}/publish", contentHandler.Authorize("publish"))
			})
		})
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when storage is reachable.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"degraded","checks":{"store":"` + "error" + `"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","checks":{"store":"ok"}}`))
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received, then drains in-flight requests before returning.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		config.ParseDuration(s.cfg.Server.ShutdownTimeout, 30*time.Second))
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
