package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"bastion.dev/internal/audit"
	"bastion.dev/internal/auth"
	"bastion.dev/internal/cache"
	"bastion.dev/internal/config"
	"bastion.dev/internal/httpapi"
	"bastion.dev/internal/jobs"
	"bastion.dev/internal/obs"
	"bastion.dev/internal/stream"
	"bastion.dev/internal/tracing"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("BASTION_CONFIG"), "optional YAML config file")
	flag.Parse()

	cfg, errs := config.Load(*configPath)
	logger := obs.Setup(slog.LevelInfo)
	if len(errs) > 0 {
		for _, err := range errs {
			logger.Error("invalid configuration", "error", err)
		}
		os.Exit(1)
	}
	logger = obs.Setup(obs.ParseLevel(cfg.LogLevel))

	obs.Init()
	obs.InitBuildInfo(version, commit)

	if err := run(cfg, logger); err != nil {
		logger.Error("bastion exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.NewProvider(tracing.Config{
		ServiceName:  "bastion",
		Version:      version,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Protocol:     cfg.OTLPProtocol,
		SamplingRate: cfg.TraceSampling,
		Insecure:     true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	openCtx, cancelOpen := context.WithTimeout(ctx, 10*time.Second)
	defer cancelOpen()
	if err := db.PingContext(openCtx); err != nil {
		return err
	}
	store, err := cache.Open(openCtx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer store.Close()

	// Alerts and audit events.
	auditStore := audit.NewPGStore(db)
	hub := stream.New(0)
	alerter := audit.NewAlerter(audit.MultiSink{audit.LogSink{}, audit.StoreSink{Store: auditStore}, hub}, nil)
	pipeline := audit.NewPipeline(auditStore,
		audit.WithBatchSize(cfg.AuditBatchSize),
		audit.WithFlushInterval(cfg.AuditFlushInterval),
		audit.WithMaxBuffered(cfg.AuditMaxBuffered),
		audit.WithDetectors(audit.DefaultDetectors(store, alerter)...),
	)
	alerts := audit.NewAlertService(auditStore, pipeline, nil)

	// Credentials.
	codec, err := auth.NewAccessCodec(cfg.AccessTokenSecret,
		auth.WithIssuer(cfg.TokenIssuer),
		auth.WithAudience(cfg.TokenAudience),
	)
	if err != nil {
		return err
	}
	credStore := auth.NewPGStore(db)
	refresh, err := auth.NewRefreshService(credStore, store, codec, cfg.RefreshTokenSecret,
		auth.WithAccessTTL(cfg.AccessTokenTTL),
		auth.WithRefreshTTL(cfg.RefreshTokenTTL),
		auth.WithAuditLogger(pipeline),
		auth.WithClaimsResolver(func(_ context.Context, userID string) (auth.AccessClaims, error) {
			return auth.AccessClaims{UserID: userID, Role: auth.RoleUser}, nil
		}),
	)
	if err != nil {
		return err
	}
	keys, err := auth.NewAPIKeyService(credStore, store, auth.WithAPIKeyAudit(pipeline))
	if err != nil {
		return err
	}

	sweeper := jobs.NewSweeper(cfg.SweepInterval, logger,
		jobs.ExpiryTask("refresh_tokens", refresh, cfg.RefreshRevokedGrace),
		jobs.ExpiryTask("api_keys", keys, cfg.APIKeyRetention),
		jobs.AuditRetentionTask(auditStore, cfg.AuditRetention, nil),
	)
	sweeper.Start(ctx)

	clientIPs, err := httpapi.NewClientIPResolver(cfg.TrustedProxies)
	if err != nil {
		return err
	}
	readiness := httpapi.Readiness{DB: db, Cache: store}
	api := httpapi.New(httpapi.Deps{
		Access:     codec,
		Refresh:    refresh,
		Keys:       keys,
		Alerts:     alerts,
		Stream:     hub,
		Window:     store,
		Audit:      pipeline,
		Ready:      readiness,
		Buffer:     pipeline,
		Version:    version,
		RateBurst:  cfg.RateBurst,
		RatePerSec: cfg.RatePerSec,
		ClientIPs:  clientIPs,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	// Open alert streams would otherwise hold Shutdown until its deadline.
	srv.RegisterOnShutdown(hub.Close)

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, httpapi.NewGRPCHealth(readiness))

	serveErr := make(chan error, 2)
	go func() {
		logger.Info("http listening", "addr", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	go func() {
		logger.Info("grpc listening", "addr", cfg.GRPCAddr)
		if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-serveErr:
		logger.Error("server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	grpcSrv.GracefulStop()
	sweeper.Stop()
	// Drain buffered audit events after the last request has finished.
	if err := pipeline.Close(shutdownCtx); err != nil {
		logger.Error("audit drain failed", "error", err, "remaining", pipeline.Buffered())
	}
	logger.Info("stopped")
	return runErr
}
