// Command tap-server starts the tap ledger HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/and161185/tapledger/internal/config"
	"github.com/and161185/tapledger/internal/limiter"
	"github.com/and161185/tapledger/internal/logger"
	"github.com/and161185/tapledger/internal/metrics"
	"github.com/and161185/tapledger/internal/migrate"
	"github.com/and161185/tapledger/internal/repository/postgres"
	httpserver "github.com/and161185/tapledger/internal/server/http"
	"github.com/and161185/tapledger/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, runs migrations and serves HTTP until SIGINT/SIGTERM.
func main() {
	cfgPath := flag.String("config", "", "config file (yaml/json/toml)")
	addr := flag.String("addr", "", "listen address (overrides http.addr)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides database.dsn)")
	jwtKey := flag.String("jwt-key", "", "HS256 signing key (overrides auth.jwt_key)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}
	if *jwtKey != "" {
		cfg.Auth.JWTKey = *jwtKey
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()
	log.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("limits", cfg.Limits.Backend),
	)

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Database.Migrate {
		if err := migrate.Up(ctx, cfg.Database.DSN); err != nil {
			log.Fatal("migrate up", zap.Error(err))
		}
	}

	db, err := postgres.New(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		log.Fatal("postgres", zap.Error(err))
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Repositories
	accounts := postgres.NewAccountRepo(db)
	ledgers := postgres.NewLedgerRepo(db)
	tokens := postgres.NewTokenRepo(db)
	points := postgres.NewPointRepo(db)
	audits := postgres.NewAuditRepo(db)

	// Limiter backend; the redis counter store is fed by the audit recorder.
	var (
		lim    limiter.Limiter = limiter.NewPG(db.Pool)
		mirror service.Mirror
	)
	if cfg.Limits.Backend == config.BackendRedis {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("redis ping", zap.Error(err))
		}
		rl := limiter.NewRedis(rdb, cfg.Redis.Prefix, cfg.LongestWindow())
		lim, mirror = rl, rl
	}

	// Services
	ledgerSvc := service.NewLedgerService(db, ledgers, cfg.Credits.Allowed, m)
	auditRec := service.NewAuditRecorder(audits, mirror, cfg.Audit.WriteTimeout, log.Named("audit"), m)
	registry := service.NewPointRegistry(points, audits)
	authority := service.NewTokenAuthority(service.TokenDeps{
		Tx:       db,
		Tokens:   tokens,
		Points:   points,
		Accounts: accounts,
		Ledger:   ledgerSvc,
		Audit:    auditRec,
		Limiter:  lim,
		Policies: limiter.Policies{
			Device:  limiter.Policy(cfg.Limits.Device),
			Address: limiter.Policy(cfg.Limits.Address),
		},
	}, service.TokenOptions{
		TTL:         cfg.Tokens.TTL,
		UnitTimeout: cfg.Database.UnitTimeout,
	}, log.Named("tokens"), m)

	go authority.RunSweeper(ctx, cfg.Tokens.SweepInterval)

	api := httpserver.New(authority, ledgerSvc, registry, httpserver.Options{
		SignKey:        []byte(cfg.Auth.JWTKey),
		TrustProxy:     cfg.HTTP.TrustProxy,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Gatherer:       reg,
	}, log.Named("http"), m)

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.HTTP.Addr))
		errCh <- srv.ListenAndServe()
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("graceful shutdown", zap.Error(err))
			_ = srv.Close()
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}

	log.Info("shutdown complete")
}
