// Package main is the entry point for the auditcore server binary.
// It dispatches three subcommands (serve, migrate and version) via a switch on
// os.Args. The serve command runs auto-migration on startup so freshly
// deployed containers never need a separate migration step.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/auditcore/auditcore/internal/api"
	"github.com/auditcore/auditcore/internal/audit"
	"github.com/auditcore/auditcore/internal/audit/pipeline"
	"github.com/auditcore/auditcore/internal/auth"
	"github.com/auditcore/auditcore/internal/config"
	"github.com/auditcore/auditcore/internal/db"
	"github.com/auditcore/auditcore/internal/middleware"
	"github.com/auditcore/auditcore/internal/redact"
	"github.com/auditcore/auditcore/internal/storage"
	"github.com/auditcore/auditcore/internal/telemetry"

	// Archive backends register themselves with the storage factory.
	_ "github.com/auditcore/auditcore/internal/storage/azure"
	_ "github.com/auditcore/auditcore/internal/storage/gcs"
	_ "github.com/auditcore/auditcore/internal/storage/local"
	_ "github.com/auditcore/auditcore/internal/storage/s3"
)

const (
	version = "0.1.0"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}
	if command == "version" {
		fmt.Printf("auditcore v%s\n", version)
		return nil
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, v, err := config.LoadViper(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg, v)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

// resources are the long-lived connections owned by serve.
type resources struct {
	db    *sqlx.DB
	redis *redis.Client
}

func (r *resources) close() {
	if r.redis != nil {
		_ = r.redis.Close()
	}
	if r.db != nil {
		_ = r.db.Close()
	}
}

// needsDB reports whether any enabled writer or the query API needs the database.
func needsDB(cfg *config.Config) bool {
	if !cfg.Audit.Enabled {
		return false
	}
	for _, w := range cfg.Audit.Writers {
		if w.Enabled && w.Type == "store" {
			return true
		}
	}
	return false
}

func connect(cfg *config.Config) (*resources, error) {
	res := &resources{}
	if needsDB(cfg) {
		database, err := db.Connect(&cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		res.db = database
		slog.Info("connected to database", "driver", cfg.Database.Driver)

		if err := db.RunMigrations(database.DB, cfg.Database.Driver, "up"); err != nil {
			res.close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		if v, dirty, err := db.MigrationVersion(database.DB, cfg.Database.Driver); err != nil {
			slog.Warn("failed to get migration version", "error", err)
		} else {
			slog.Info("database schema ready", "version", v, "dirty", dirty)
		}
		telemetry.StartDBStatsCollector(database.DB)
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			res.close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		res.redis = rdb
		slog.Info("connected to redis", "addr", cfg.Redis.Addr)
	}
	return res, nil
}

func serve(cfg *config.Config, v *viper.Viper) error {
	levels, err := telemetry.SetupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	config.WatchLogging(v, levels.Apply)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	red, err := redact.New(cfg.Redaction.Patterns, cfg.Redaction.Headers)
	if err != nil {
		return err
	}

	res, err := connect(cfg)
	if err != nil {
		return err
	}
	defer res.close()

	deps := audit.Deps{
		DB:     res.db,
		Redis:  res.redis,
		Logger: telemetry.Component("audit"),
	}

	var archive storage.Storage
	if cfg.Archive.Backend != "" {
		archive, err = storage.New(&cfg.Archive)
		if err != nil {
			return fmt.Errorf("failed to create archive storage: %w", err)
		}
		deps.Archiver = storage.NewArchiver(archive, cfg.Archive.Prefix, slog.Default())
		slog.Info("audit archive enabled", "backend", cfg.Archive.Backend, "prefix", cfg.Archive.Prefix)
	}

	p, err := pipeline.Build(cfg.Audit, deps, red)
	if err != nil {
		return fmt.Errorf("failed to build audit pipeline: %w", err)
	}

	keys, err := auth.NewKeyRing(cfg.Auth.APIKeys)
	if err != nil {
		return fmt.Errorf("invalid auth configuration: %w", err)
	}
	var jwtm *auth.JWTManager
	if cfg.Auth.JWTSecret != "" {
		if jwtm, err = auth.NewJWTManager(cfg.Auth.JWTSecret); err != nil {
			return fmt.Errorf("invalid auth configuration: %w", err)
		}
	}
	if keys.Len() == 0 && jwtm == nil {
		slog.Warn("no API keys or JWT secret configured; the query API rejects every request")
	}

	var limiter middleware.Limiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewLimiter(middleware.RateLimitConfigFrom(cfg.RateLimit), res.redis)
		if s, ok := limiter.(interface{ Stop() }); ok {
			defer s.Stop()
		}
	}

	routerDeps := api.Deps{
		Audit:    p.Logger,
		Reader:   p.Reader,
		Redactor: red,
		Limiter:  limiter,
		Keys:     keys,
		JWT:      jwtm,
		Logger:   telemetry.Component("http"),
		Version:  version,
	}
	if res.db != nil {
		routerDeps.DB = res.db
	}
	if archive != nil {
		routerDeps.Archive = archive
	}
	router := api.NewRouter(cfg, routerDeps)

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var metricsServer *http.Server
	if cfg.Telemetry.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	p.Logger.Log(context.Background(), audit.NewEvent(audit.EventSystem).
		Actor(audit.SystemActor()).
		Resource(audit.ResourceSystem, cfg.Telemetry.ServiceName).
		Action(audit.ActionStartup).
		Outcome(audit.OutcomeSuccess).
		Detail("version", version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", server.Addr, "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	if metricsServer != nil {
		g.Go(func() error {
			slog.Info("starting Prometheus metrics server", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
		}
		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}

		p.Logger.Log(shutdownCtx, audit.NewEvent(audit.EventSystem).
			Actor(audit.SystemActor()).
			Resource(audit.ResourceSystem, cfg.Telemetry.ServiceName).
			Action(audit.ActionShutdown).
			Outcome(audit.OutcomeSuccess))
		if err := p.Logger.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("audit logger did not drain: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	slog.Info("running migrations", "direction", direction, "driver", cfg.Database.Driver)
	if err := db.RunMigrations(database.DB, cfg.Database.Driver, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	v, dirty, err := db.MigrationVersion(database.DB, cfg.Database.Driver)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	slog.Info("migration completed", "version", v, "dirty", dirty)
	return nil
}
