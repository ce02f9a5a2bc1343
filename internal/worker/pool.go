// Package worker runs the delivery worker pool. Each worker claims one due
// delivery at a time, resolves its subscription, performs the attempt and
// hands the outcome to the state machine.
package worker

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/executor"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/scheduler"
	"github.com/austindbirch/harbor_relay/internal/statemachine"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/subscription"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// Executor performs one attempt. *executor.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, d delivery.Delivery, sub delivery.Subscription, attempt int) executor.Result
}

type Options struct {
	Workers              int
	PerSubscriptionLimit int
	ThrottleDelay        time.Duration // delay before a throttled claim is due again
	RetryDelay           time.Duration // delay before a claim aborted by an infrastructure error is due again
	Logger               *logging.Logger
}

type Pool struct {
	sched   *scheduler.Scheduler
	subs    subscription.Store
	exec    Executor
	machine *statemachine.Machine
	limiter *limiter
	opts    Options
}

func New(sched *scheduler.Scheduler, subs subscription.Store, exec Executor, machine *statemachine.Machine, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.PerSubscriptionLimit <= 0 {
		opts.PerSubscriptionLimit = 4
	}
	if opts.ThrottleDelay <= 0 {
		opts.ThrottleDelay = 250 * time.Millisecond
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Pool{
		sched:   sched,
		subs:    subs,
		exec:    exec,
		machine: machine,
		limiter: newLimiter(opts.PerSubscriptionLimit, max(1024, opts.Workers*4)),
		opts:    opts,
	}
}

// Run starts the workers and blocks until ctx is done and every in-flight
// attempt has been recorded.
func (p *Pool) Run(ctx context.Context) error {
	var g errgroup.Group
	for i := 0; i < p.opts.Workers; i++ {
		id := i
		g.Go(func() error {
			p.loop(ctx, id)
			return nil
		})
	}
	p.opts.Logger.Plain().WithField("workers", p.opts.Workers).Info("worker pool started")
	err := g.Wait()
	p.opts.Logger.Plain().Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, id int) {
	for ctx.Err() == nil {
		worked, err := p.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			p.opts.Logger.Plain().WithField("worker", id).WithError(err).Error("claim failed")
		}
		if worked {
			continue
		}
		if err := p.sched.Wait(ctx); err != nil {
			return
		}
	}
}

// ProcessNext claims at most one due delivery and processes it. It reports
// whether a delivery was claimed.
func (p *Pool) ProcessNext(ctx context.Context) (bool, error) {
	claimed, err := p.sched.ClaimDue(ctx, 1)
	if err != nil {
		return false, err
	}
	if len(claimed) == 0 {
		return false, nil
	}
	// an attempt that has started is always recorded, even during shutdown
	p.process(context.WithoutCancel(ctx), claimed[0])
	return true, nil
}

func (p *Pool) process(ctx context.Context, d delivery.Delivery) {
	attempt := d.Attempts + 1
	ctx, span := tracing.StartSpan(ctx, "worker.delivery",
		attribute.String("delivery_id", d.ID),
		attribute.String("subscription_id", d.SubscriptionID),
		attribute.String("event_type", d.EventType),
		attribute.Int("attempt", attempt),
	)
	defer span.End()
	log := p.opts.Logger.WithContext(ctx).
		WithDelivery(d.ID).
		WithSubscription(d.SubscriptionID).
		WithAttempt(attempt)

	if !p.limiter.TryAcquire(d.SubscriptionID) {
		tracing.AddSpanEvent(ctx, "delivery.throttled")
		_ = p.machine.Release(ctx, d, p.opts.ThrottleDelay, "throttled")
		return
	}
	defer p.limiter.Release(d.SubscriptionID)

	metrics.WorkersBusy.Inc()
	defer metrics.WorkersBusy.Dec()

	sub, err := p.subs.GetActive(ctx, d.SubscriptionID)
	switch {
	case errors.Is(err, subscription.ErrNotFound):
		p.fail(ctx, d, delivery.ClassSubscriptionMissing, err)
		return
	case errors.Is(err, subscription.ErrInactive):
		p.fail(ctx, d, delivery.ClassSubscriptionInactive, err)
		return
	case err != nil:
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("subscription lookup failed")
		_ = p.machine.Release(ctx, d, p.opts.RetryDelay, "store_error")
		return
	}
	if err := sub.Validate(); err != nil {
		log.WithError(err).WithField("target_url", sub.TargetURL).Error("subscription misconfigured")
		p.fail(ctx, d, delivery.ClassConfiguration, err)
		return
	}

	span.SetAttributes(attribute.String("target_url", sub.TargetURL))
	started := time.Now().UTC()
	res := p.exec.Execute(ctx, d, sub, attempt)

	dec, err := p.machine.Apply(ctx, d, res.Attempt("", d.ID, attempt, started))
	if err != nil {
		p.recordFailed(ctx, d, err)
		return
	}
	span.SetAttributes(attribute.String("delivery.status", string(dec.Status)))
	if dec.Retry() {
		p.sched.Expect(*dec.NextAttemptAt)
	}
}

func (p *Pool) fail(ctx context.Context, d delivery.Delivery, class delivery.Classification, cause error) {
	if _, err := p.machine.Fail(ctx, d, class, cause); err != nil {
		p.recordFailed(ctx, d, err)
	}
}

// recordFailed handles a store error while closing an attempt.
func (p *Pool) recordFailed(ctx context.Context, d delivery.Delivery, err error) {
	log := p.opts.Logger.WithContext(ctx).WithDelivery(d.ID).WithError(err)
	switch {
	case errors.Is(err, store.ErrTerminal):
		log.Debug("delivery already terminal")
	case errors.Is(err, store.ErrConflict):
		log.Warn("claim lost before the attempt was recorded")
	default:
		log.Error("recording attempt failed, releasing claim")
		_ = p.machine.Release(ctx, d, p.opts.RetryDelay, "store_error")
	}
}
