// Package reaper returns claims whose lease ran out to the pending state.
// A lease only expires when the worker holding it crashed or lost its store
// connection mid-attempt; the delivery is then retried without an attempt
// row, so the attempt counter stays equal to the recorded rows.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
)

// Store releases expired claims.
type Store interface {
	ReleaseExpired(ctx context.Context, now time.Time) (int, error)
}

// Notifier is woken when reclaimed deliveries become due.
type Notifier interface {
	Notify()
}

type Reaper struct {
	store    Store
	notify   Notifier
	schedule cron.Schedule
	spec     string
	clock    func() time.Time
	logger   *logging.Logger
	timeout  time.Duration
}

// New parses spec with the standard cron parser, which also accepts
// descriptors such as "@every 30s". notify may be nil.
func New(spec string, store Store, notify Notifier, logger *logging.Logger) (*Reaper, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("reaper schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Reaper{
		store:    store,
		notify:   notify,
		schedule: schedule,
		spec:     spec,
		clock:    time.Now,
		logger:   logger,
		timeout:  30 * time.Second,
	}, nil
}

// Sweep releases every expired claim once.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	n, err := r.store.ReleaseExpired(ctx, r.clock())
	if err != nil {
		return 0, fmt.Errorf("release expired claims: %w", err)
	}
	metrics.RecordLeasesReclaimed(n)
	if n > 0 {
		r.logger.Plain().WithField("released", n).Warn("expired claims returned to pending")
		if r.notify != nil {
			r.notify.Notify()
		}
	}
	return n, nil
}

// Run sweeps on the cron schedule until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(r.schedule, cron.FuncJob(func() {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Plain().WithError(err).Error("lease reaper sweep failed")
		}
	}))

	r.logger.Plain().WithField("schedule", r.spec).Info("lease reaper started")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Plain().Info("lease reaper stopped")
}
