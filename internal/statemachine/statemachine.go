// Package statemachine turns attempt outcomes into delivery transitions:
//
//	pending --claim--> in_progress --success--> delivered
//	                   in_progress --failure, attempts < max--> pending (retry ticket)
//	                   in_progress --failure, attempts == max--> failed
//	                   in_progress --permanent failure--> failed
//
// Every transition out of in_progress is written with its attempt row in one
// compare-and-swap store operation.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/backoff"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// Log is the part of the store the machine writes to.
type Log interface {
	store.AttemptLog
	Release(ctx context.Context, id, claimToken string, dueAt time.Time) error
}

// DeadLetterPublisher receives the envelope of every delivery that fails.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error
}

type Options struct {
	MaxAttempts int
	Policy      *backoff.Policy
	Now         func() time.Time
	DeadLetters DeadLetterPublisher // optional
	Logger      *logging.Logger
}

// Decision is the transition that was written.
type Decision struct {
	Delivery      delivery.Delivery // state after the transition
	Attempt       delivery.Attempt
	Status        delivery.Status
	NextAttemptAt *time.Time
	Reason        string // why a delivery failed
}

// Retry reports whether the delivery went back to pending.
func (d Decision) Retry() bool { return d.Status == delivery.StatusPending }

type Machine struct {
	log  Log
	opts Options
}

func New(log Log, opts Options) *Machine {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Policy == nil {
		opts.Policy = backoff.DefaultPolicy()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Machine{log: log, opts: opts}
}

func (m *Machine) MaxAttempts() int { return m.opts.MaxAttempts }

// Decide picks the next status for a claimed delivery after attempt number
// seq. It does not write anything.
func (m *Machine) Decide(seq int, a delivery.Attempt) (delivery.Status, string) {
	switch {
	case a.Outcome == delivery.OutcomeSuccess:
		return delivery.StatusDelivered, ""
	case a.Classification.Permanent():
		return delivery.StatusFailed, string(a.Classification)
	case seq >= m.opts.MaxAttempts:
		return delivery.StatusFailed, fmt.Sprintf("max attempts reached (%d)", seq)
	default:
		return delivery.StatusPending, ""
	}
}

// Apply records the attempt against the claimed delivery and moves it to its
// next status. ErrTerminal and ErrConflict come back wrapped; the caller
// decides whether they matter.
func (m *Machine) Apply(ctx context.Context, claimed delivery.Delivery, a delivery.Attempt) (Decision, error) {
	now := m.opts.Now()
	seq := claimed.Attempts + 1

	a.DeliveryID = claimed.ID
	a.Sequence = seq
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = now
	}

	status, reason := m.Decide(seq, a)
	t := store.Transition{
		DeliveryID:     claimed.ID,
		ClaimToken:     claimed.ClaimToken,
		ExpectAttempts: claimed.Attempts,
		Attempt:        a,
		Status:         status,
		At:             now,
	}
	if status == delivery.StatusPending {
		next := m.opts.Policy.NextAttemptAt(now, seq)
		t.NextAttemptAt = &next
	}

	updated, err := m.log.RecordAttempt(ctx, t)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Decision{}, fmt.Errorf("apply attempt %d: %w", seq, err)
	}
	// counted once written; a failed write is retried under a new claim
	metrics.RecordAttempt(string(a.Outcome), string(a.Classification), a.Duration)

	dec := Decision{
		Delivery:      updated,
		Attempt:       a,
		Status:        status,
		NextAttemptAt: t.NextAttemptAt,
		Reason:        reason,
	}
	m.observe(ctx, dec)
	return dec, nil
}

// Fail ends a claimed delivery without contacting the subscriber. It still
// writes one attempt row carrying the classification and cause.
func (m *Machine) Fail(ctx context.Context, claimed delivery.Delivery, class delivery.Classification, cause error) (Decision, error) {
	if !class.Permanent() {
		return Decision{}, fmt.Errorf("fail %s: classification %q is not permanent", claimed.ID, class)
	}
	msg := string(class)
	if cause != nil {
		msg = cause.Error()
	}
	return m.Apply(ctx, claimed, delivery.Attempt{
		Outcome:        delivery.OutcomeFailure,
		Classification: class,
		Error:          &msg,
	})
}

// Release gives up a claim without an attempt. The delivery is due again
// after delay.
func (m *Machine) Release(ctx context.Context, claimed delivery.Delivery, delay time.Duration, reason string) error {
	due := m.opts.Now().Add(delay)
	err := m.log.Release(ctx, claimed.ID, claimed.ClaimToken, due)
	if err != nil {
		m.opts.Logger.WithContext(ctx).
			WithDelivery(claimed.ID).
			WithField("reason", reason).
			WithError(err).
			Warn("claim release failed, lease reaper will reclaim")
		return fmt.Errorf("release %s: %w", claimed.ID, err)
	}
	metrics.RecordClaimRelease(reason)
	tracing.AddSpanEvent(ctx, "delivery.claim_released", attribute.String("reason", reason))
	m.opts.Logger.WithContext(ctx).
		WithDelivery(claimed.ID).
		WithFields(map[string]any{"reason": reason, "delay": delay.String()}).
		Debug("claim released")
	return nil
}

func (m *Machine) observe(ctx context.Context, dec Decision) {
	d := dec.Delivery
	log := m.opts.Logger.WithContext(ctx).
		WithDelivery(d.ID).
		WithSubscription(d.SubscriptionID).
		WithEventType(d.EventType).
		WithAttempt(dec.Attempt.Sequence)

	switch dec.Status {
	case delivery.StatusDelivered:
		metrics.RecordFinished(string(delivery.StatusDelivered))
		tracing.AddSpanEvent(ctx, "delivery.delivered", attribute.Int("attempt", dec.Attempt.Sequence))
		log.Info("delivery delivered")

	case delivery.StatusPending:
		metrics.RecordRetry(string(dec.Attempt.Classification))
		tracing.AddSpanEvent(ctx, "delivery.retry_scheduled",
			attribute.Int("attempt", dec.Attempt.Sequence),
			attribute.String("next_attempt_at", dec.NextAttemptAt.Format(time.RFC3339Nano)),
		)
		log.WithFields(map[string]any{
			"classification":  string(dec.Attempt.Classification),
			"next_attempt_at": dec.NextAttemptAt.Format(time.RFC3339Nano),
		}).Info("retry scheduled")

	case delivery.StatusFailed:
		metrics.RecordFinished(string(delivery.StatusFailed))
		label := string(dec.Attempt.Classification)
		if !dec.Attempt.Classification.Permanent() {
			label = "max_attempts"
		}
		metrics.RecordDLQ(label)
		tracing.AddSpanEvent(ctx, "delivery.failed",
			attribute.Int("attempt", dec.Attempt.Sequence),
			attribute.String("reason", dec.Reason),
		)
		log.WithFields(map[string]any{
			"classification": string(dec.Attempt.Classification),
			"reason":         dec.Reason,
		}).Warn("delivery failed")
		m.publishDeadLetter(ctx, dec)
	}
}

func (m *Machine) publishDeadLetter(ctx context.Context, dec Decision) {
	if m.opts.DeadLetters == nil {
		return
	}
	dl := delivery.NewDeadLetter(dec.Delivery, dec.Attempt, dec.Reason, m.opts.Now())
	if err := m.opts.DeadLetters.PublishDeadLetter(ctx, dl); err != nil {
		tracing.SetSpanError(ctx, err)
		m.opts.Logger.WithContext(ctx).WithDelivery(dec.Delivery.ID).WithError(err).Error("dead letter publish failed")
		return
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq")
}

// IsStale reports whether err means another actor already moved the
// delivery on, so the caller should drop its claim silently.
func IsStale(err error) bool {
	return errors.Is(err, store.ErrTerminal) || errors.Is(err, store.ErrConflict)
}
