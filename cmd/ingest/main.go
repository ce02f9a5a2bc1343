package main

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/db"
	"github.com/austindbirch/harbor_relay/internal/engine"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/ingest"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/queue"
	"github.com/austindbirch/harbor_relay/internal/store/postgres"
	"github.com/austindbirch/harbor_relay/internal/subscription"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const serviceName = "harborrelay-ingest"

// authMiddleware returns nil when no public key is configured.
func authMiddleware(cfg config.Auth) (func(http.Handler) http.Handler, error) {
	if cfg.PublicKeyPEM == "" {
		return nil, nil
	}
	v, err := auth.NewJWTValidator(cfg.PublicKeyPEM, cfg.Issuer, cfg.Audience)
	if err != nil {
		return nil, err
	}
	return v.HTTPMiddleware, nil
}

// newGRPCHealth serves the standard gRPC health protocol and reports SERVING
// until shutdown.
func newGRPCHealth() (*grpc.Server, *grpc_health.Server) {
	srv := grpc.NewServer()
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	return srv, hs
}

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService(serviceName)
	logger := logging.Default()

	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN(), 16)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		logger.Plain().WithError(err).Fatal("db migrate failed")
	}

	prod, err := queue.NewProducer(cfg.NSQ)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer prod.Stop()
	publisher := queue.NewPublisher(prod, cfg.NSQ, logger)

	subs, cache := subscription.Layer(subscription.NewPostgresStore(pool), cfg.Redis, logger)

	eng := engine.New(postgres.New(pool), subs, engine.Options{
		SubmitDelay: cfg.Delivery.SubmitDelay,
		Wakeups:     publisher,
		Logger:      logger,
	})

	middleware, err := authMiddleware(cfg.Auth)
	if err != nil {
		logger.Plain().WithError(err).Fatal("jwt validator setup failed")
	}
	if middleware == nil {
		logger.Plain().Warn("JWT_PUBLIC_KEY not set, API is unauthenticated")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	checks := []health.Check{{Name: "database", Pinger: pool}}
	opts := ingest.Options{
		Changes:    publisher,
		Checks:     checks,
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Middleware: middleware,
		Logger:     logger,
	}
	if cache != nil {
		opts.Invalidator = cache
		opts.Checks = append(opts.Checks, health.Check{Name: "cache", Pinger: cache})
	}

	grpcSrv, hs := newGRPCHealth()
	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("ingest gRPC health listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Fatal("gRPC serve failed")
		}
	}()

	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           ingest.NewHandler(eng, opts).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", cfg.HTTPPort).Info("ingest HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	<-ctx.Done()
	logger.Plain().Info("Shutting down ingest service")
	hs.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	logger.Plain().Info("ingest stopped")
}
