package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_relay/internal/backoff"
	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/db"
	"github.com/austindbirch/harbor_relay/internal/executor"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/queue"
	"github.com/austindbirch/harbor_relay/internal/reaper"
	"github.com/austindbirch/harbor_relay/internal/scheduler"
	"github.com/austindbirch/harbor_relay/internal/statemachine"
	"github.com/austindbirch/harbor_relay/internal/store/postgres"
	"github.com/austindbirch/harbor_relay/internal/subscription"
	"github.com/austindbirch/harbor_relay/internal/tracing"
	"github.com/austindbirch/harbor_relay/internal/worker"
)

const serviceName = "harborrelay-worker"

// newPolicy builds the retry backoff from the delivery knobs.
func newPolicy(d config.Delivery) *backoff.Policy {
	return backoff.New(d.InitialDelay, d.Multiplier, d.MaxDelay, d.JitterFraction, nil)
}

// poolSize leaves room for the reaper and health checks next to the workers.
func poolSize(d config.Delivery) int32 {
	return int32(d.Workers + 4)
}

func healthChecks(pool health.Pinger, cache *subscription.Cached) []health.Check {
	checks := []health.Check{{Name: "database", Pinger: pool}}
	if cache != nil {
		checks = append(checks, health.Check{Name: "cache", Pinger: cache})
	}
	return checks
}

func newHTTPServer(addr string, reg *prometheus.Registry, checks []health.Check) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.HTTPHandler(checks...))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
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

	pool, err := db.Connect(ctx, cfg.DSN(), poolSize(cfg.Delivery))
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		logger.Plain().WithError(err).Fatal("db migrate failed")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	st := postgres.New(pool)
	subs, cache := subscription.Layer(subscription.NewPostgresStore(pool), cfg.Redis, logger)

	prod, err := queue.NewProducer(cfg.NSQ)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer prod.Stop()

	var deadLetters statemachine.DeadLetterPublisher
	if cfg.NSQ.PublishDLQ {
		deadLetters = queue.NewPublisher(prod, cfg.NSQ, logger)
	}

	sched := scheduler.New(st, scheduler.Options{
		PollInterval: cfg.Delivery.PollInterval,
		Lease:        cfg.Delivery.ClaimLease,
	})
	machine := statemachine.New(st, statemachine.Options{
		MaxAttempts: cfg.Delivery.MaxAttempts,
		Policy:      newPolicy(cfg.Delivery),
		DeadLetters: deadLetters,
		Logger:      logger,
	})
	exec := executor.New(executor.Options{
		Timeout:         cfg.Delivery.AttemptTimeout,
		ExcerptBytes:    cfg.Delivery.ResponseExcerptBytes,
		SignatureHeader: cfg.Delivery.SignatureHeader,
	}, nil)
	workers := worker.New(sched, subs, exec, machine, worker.Options{
		Workers:              cfg.Delivery.Workers,
		PerSubscriptionLimit: cfg.Delivery.PerSubscriptionLimit,
		Logger:               logger,
	})

	reap, err := reaper.New(cfg.Delivery.ReaperSchedule, st, sched, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("reaper setup failed")
	}

	// Wake-ups only shorten the idle wait, polling keeps working without them.
	var consumers []*nsq.Consumer
	if c, err := queue.StartConsumer(cfg.NSQ, cfg.NSQ.WakeTopic, queue.WakeupHandler(sched, logger)); err != nil {
		logger.Plain().WithError(err).Warn("wake-up consumer unavailable, relying on polling")
	} else {
		consumers = append(consumers, c)
	}
	if cache != nil {
		c, err := queue.StartConsumer(cfg.NSQ, cfg.NSQ.SubscriptionTopic, queue.SubscriptionChangeHandler(cache, logger))
		if err != nil {
			logger.Plain().WithError(err).Warn("subscription change consumer unavailable, cache entries expire by TTL")
		} else {
			consumers = append(consumers, c)
		}
	}

	httpSrv := newHTTPServer(cfg.WorkerHTTPPort, reg, healthChecks(pool, cache))
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	go reap.Run(ctx)

	logger.Plain().WithFields(map[string]any{
		"workers":          cfg.Delivery.Workers,
		"per_subscription": cfg.Delivery.PerSubscriptionLimit,
		"max_attempts":     cfg.Delivery.MaxAttempts,
	}).Info("worker service started")

	// blocks until the signal and every in-flight attempt is recorded
	if err := workers.Run(ctx); err != nil {
		logger.Plain().WithError(err).Error("worker pool stopped with error")
	}

	logger.Plain().Info("Shutting down worker service")
	for _, c := range consumers {
		c.Stop()
		<-c.StopChan
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker service stopped")
}
