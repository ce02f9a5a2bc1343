// Package engine is the entry point producers and readers use. Submitting
// only records a pending delivery with its first retry ticket; workers pick
// it up from the store, so a submit succeeds even when no worker runs.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/subscription"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// ErrInvalidRequest wraps every input validation failure.
var ErrInvalidRequest = errors.New("invalid request")

// WakeupPublisher announces new deliveries to remote workers.
type WakeupPublisher interface {
	PublishWakeup(ctx context.Context, d delivery.Delivery, dueAt time.Time) error
}

// Admitter is told about new due times by in-process schedulers.
type Admitter interface {
	Expect(dueAt time.Time)
}

type Options struct {
	SubmitDelay time.Duration
	Now         func() time.Time
	NewID       func() string
	Wakeups     WakeupPublisher // optional
	Admitter    Admitter        // optional
	Logger      *logging.Logger
}

type Engine struct {
	deliveries store.Deliveries
	subs       subscription.Store
	opts       Options
}

func New(deliveries store.Deliveries, subs subscription.Store, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Engine{deliveries: deliveries, subs: subs, opts: opts}
}

func validateEvent(eventType string, payload json.RawMessage) error {
	if strings.TrimSpace(eventType) == "" {
		return fmt.Errorf("%w: event_type is required", ErrInvalidRequest)
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrInvalidRequest)
	}
	if !json.Valid(payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidRequest)
	}
	return nil
}

// Submit creates one delivery of the event to the subscription and returns
// its id. The subscription must exist, be active and listen to eventType.
func (e *Engine) Submit(ctx context.Context, subscriptionID, eventType string, payload json.RawMessage) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.submit",
		attribute.String("subscription_id", subscriptionID),
		attribute.String("event_type", eventType),
	)
	defer span.End()

	if strings.TrimSpace(subscriptionID) == "" {
		return "", fmt.Errorf("%w: subscription id is required", ErrInvalidRequest)
	}
	if err := validateEvent(eventType, payload); err != nil {
		return "", err
	}

	sub, err := e.subs.GetActive(ctx, subscriptionID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return "", err
	}
	if !sub.Listens(eventType) {
		return "", fmt.Errorf("%w: event type %q not allowed for subscription %s", ErrInvalidRequest, eventType, subscriptionID)
	}

	d, err := e.create(ctx, sub.ID, eventType, payload)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return "", err
	}
	metrics.RecordDeliveryCreated("submit")
	span.SetAttributes(attribute.String("delivery_id", d.ID))
	return d.ID, nil
}

// Publish fans the event out to every active subscription listening to
// eventType. No subscribers is not an error.
func (e *Engine) Publish(ctx context.Context, eventType string, payload json.RawMessage) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.publish", attribute.String("event_type", eventType))
	defer span.End()

	if err := validateEvent(eventType, payload); err != nil {
		return nil, err
	}
	subs, err := e.subs.ListForEventType(ctx, eventType)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, fmt.Errorf("list subscriptions for %s: %w", eventType, err)
	}

	ids := make([]string, 0, len(subs))
	for _, sub := range subs {
		d, err := e.create(ctx, sub.ID, eventType, payload)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return ids, err
		}
		metrics.RecordDeliveryCreated("publish")
		ids = append(ids, d.ID)
	}
	span.SetAttributes(attribute.Int("fanout", len(ids)))
	e.opts.Logger.WithContext(ctx).
		WithEventType(eventType).
		WithField("fanout", len(ids)).
		Info("event published")
	return ids, nil
}

func (e *Engine) create(ctx context.Context, subscriptionID, eventType string, payload json.RawMessage) (delivery.Delivery, error) {
	now := e.opts.Now().UTC()
	due := now.Add(e.opts.SubmitDelay)
	d := delivery.New(e.opts.NewID(), subscriptionID, eventType, payload, now)

	if err := e.deliveries.CreateDelivery(ctx, d, due); err != nil {
		return delivery.Delivery{}, fmt.Errorf("create delivery: %w", err)
	}
	d.NextAttemptAt = &due
	tracing.AddSpanEvent(ctx, "delivery.created", attribute.String("delivery_id", d.ID))

	log := e.opts.Logger.WithContext(ctx).
		WithDelivery(d.ID).
		WithSubscription(subscriptionID).
		WithEventType(eventType)
	log.Info("delivery accepted")

	if e.opts.Admitter != nil {
		e.opts.Admitter.Expect(due)
	}
	if e.opts.Wakeups != nil {
		// polling picks the delivery up regardless
		if err := e.opts.Wakeups.PublishWakeup(ctx, d, due); err != nil {
			log.WithError(err).Warn("wakeup publish failed")
		}
	}
	return d, nil
}

func (e *Engine) GetDelivery(ctx context.Context, id string) (delivery.Delivery, error) {
	return e.deliveries.GetDelivery(ctx, id)
}

// GetHistory returns the delivery with its attempts in sequence order.
func (e *Engine) GetHistory(ctx context.Context, id string) (delivery.History, error) {
	return e.deliveries.History(ctx, id)
}

// ListForSubscription pages through a subscription's deliveries, newest first.
func (e *Engine) ListForSubscription(ctx context.Context, subscriptionID string, page store.Page) ([]delivery.Delivery, error) {
	return e.deliveries.ListDeliveries(ctx, subscriptionID, page)
}

func (e *Engine) SubscriptionStats(ctx context.Context, subscriptionID string) (delivery.Stats, error) {
	return e.deliveries.Stats(ctx, subscriptionID)
}
