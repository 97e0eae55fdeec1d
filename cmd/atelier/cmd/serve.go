package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/atelier-ai/atelier/internal/api"
	"github.com/atelier-ai/atelier/internal/auth"
	"github.com/atelier-ai/atelier/internal/config"
	"github.com/atelier-ai/atelier/internal/engine"
	"github.com/atelier-ai/atelier/internal/logging"
	"github.com/atelier-ai/atelier/internal/mcp"
	"github.com/atelier-ai/atelier/internal/metrics"
	"github.com/atelier-ai/atelier/internal/repository"
	"github.com/atelier-ai/atelier/internal/services"
	atlstls "github.com/atelier-ai/atelier/internal/tls"
	"github.com/atelier-ai/atelier/pkg/models"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workflow service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Log.Level)
	defer logger.Sync()

	logger.Info("starting atelier",
		"version", appVersion,
		"addr", cfg.Server.Addr,
		"engine_api", cfg.Engine.APIURL)

	pool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("database initialization failed: %w", err)
	}
	defer pool.Close()

	if err := repository.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	logger.Info("database connected")

	store := repository.NewPostgresStore(pool)
	collector := metrics.NewCollector()

	engineClient := engine.New(engine.Config{
		APIURL:         cfg.Engine.APIURL,
		WSURL:          cfg.Engine.WSURL,
		RequestTimeout: cfg.Engine.RequestTimeout,
		MonitorTimeout: cfg.Engine.MonitorTimeout,
	})

	workflowService := services.NewWorkflowService(store, logger)
	executionService := services.NewExecutionService(store, engineClient, logger, collector, services.ExecutionConfig{
		MonitorEnabled:     cfg.Engine.MonitorEnabled,
		LegacySubstitution: cfg.Engine.LegacySubstitution,
	})

	authz, err := auth.New(ctx, cfg, store, logger)
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ErrorHandler(logger)
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("atelier"))
	e.Use(collector.Middleware())

	e.GET("/login", authz.LoginHandler)
	e.GET("/auth/callback", authz.CallbackHandler)
	e.GET("/logout", authz.LogoutHandler)

	server := api.NewServer(workflowService, executionService, store, logger)
	apiGroup := e.Group("/api", authz.RequireAuth())
	publicGroup := e.Group("/api")
	server.Register(apiGroup, publicGroup)

	e.GET("/healthz", server.HandleHealth)
	e.GET("/metrics", collector.Handler())

	identity, err := serviceAccount(ctx, store)
	if err != nil {
		return fmt.Errorf("mcp service account provisioning failed: %w", err)
	}
	mcpServer := mcp.NewServer(workflowService, executionService, identity)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp", echo.WrapHandler(mcpHandlers))
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))

	logger.Info("handlers mounted",
		"monitor_enabled", cfg.Engine.MonitorEnabled,
		"legacy_substitution", cfg.Engine.LegacySubstitution)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr, "tls", cfg.Server.TLS.Enable)
		if cfg.Server.TLS.Enable {
			if err := ensureCertificate(cfg, logger); err != nil {
				serverErrors <- err
				return
			}
			serverErrors <- httpServer.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			serverErrors <- httpServer.ListenAndServe()
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
			if err := httpServer.Close(); err != nil {
				logger.Error("server close error", "error", err)
			}
		}
		logger.Info("server stopped")
	}
	return nil
}

// serviceAccount returns the user all MCP tool calls run as, creating it
// on first start.
func serviceAccount(ctx context.Context, store repository.Store) (*models.User, error) {
	const subject = "mcp-service"

	user, err := store.GetUserBySubject(ctx, subject)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	user = &models.User{
		Subject: subject,
		Email:   "mcp@localhost",
		Role:    models.RoleUser,
	}
	if err := store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func ensureCertificate(cfg *config.Config, logger *logging.Logger) error {
	tlsCfg := cfg.Server.TLS
	if tlsCfg.CertFile == "" || tlsCfg.KeyFile == "" {
		return errors.New("tls enabled but cert_file/key_file not configured")
	}
	if _, err := os.Stat(tlsCfg.CertFile); os.IsNotExist(err) {
		if len(tlsCfg.Hostnames) == 0 {
			return errors.New("tls certificate missing and no hostnames configured for self-signing")
		}
		logger.Info("generating self-signed certificate", "hosts", tlsCfg.Hostnames)
		if err := atlstls.GenerateSelfSignedCert(tlsCfg.CertFile, tlsCfg.KeyFile, tlsCfg.Hostnames); err != nil {
			return fmt.Errorf("generate self-signed certificate: %w", err)
		}
	}
	return nil
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("initializing database connection")

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
