// Package queue carries the NSQ side channels of the relay. None of them is
// load-bearing for delivery: wake-ups only shorten the scheduler's idle wait,
// dead letters are a notification, and subscription changes drop cache
// entries that would otherwise expire on their own.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// Subscription change kinds.
const (
	ChangeUpdated     = "updated"
	ChangeDeactivated = "deactivated"
	ChangeDeleted     = "deleted"
)

// Wakeup tells workers a delivery was just admitted.
type Wakeup struct {
	DeliveryID     string            `json:"delivery_id"`
	SubscriptionID string            `json:"subscription_id"`
	DueAt          string            `json:"due_at"` // RFC3339
	TraceHeaders   map[string]string `json:"trace_headers,omitempty"`
}

// SubscriptionChange announces that a subscription was modified elsewhere.
type SubscriptionChange struct {
	SubscriptionID string            `json:"subscription_id"`
	Change         string            `json:"change"`
	At             string            `json:"at"` // RFC3339
	TraceHeaders   map[string]string `json:"trace_headers,omitempty"`
}

// Producer is satisfied by *nsq.Producer.
type Producer interface {
	Publish(topic string, body []byte) error
}

type Publisher struct {
	prod   Producer
	cfg    config.NSQ
	logger *logging.Logger
}

func NewPublisher(prod Producer, cfg config.NSQ, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{prod: prod, cfg: cfg, logger: logger}
}

func (p *Publisher) publish(ctx context.Context, topic string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", topic, err)
	}
	if err := p.prod.Publish(topic, b); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("nsq publish %s: %w", topic, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_"+topic)
	return nil
}

// PublishWakeup nudges idle workers about a newly admitted delivery.
func (p *Publisher) PublishWakeup(ctx context.Context, d delivery.Delivery, dueAt time.Time) error {
	return p.publish(ctx, p.cfg.WakeTopic, Wakeup{
		DeliveryID:     d.ID,
		SubscriptionID: d.SubscriptionID,
		DueAt:          dueAt.UTC().Format(time.RFC3339Nano),
		TraceHeaders:   tracing.InjectMap(ctx),
	})
}

// PublishDeadLetter emits the envelope of a failed delivery.
func (p *Publisher) PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error {
	if err := p.publish(ctx, p.cfg.DLQTopic, dl); err != nil {
		return err
	}
	p.logger.WithContext(ctx).WithDelivery(dl.Delivery.ID).WithField("topic", p.cfg.DLQTopic).Info("dlq published")
	return nil
}

// PublishSubscriptionChange tells workers to drop cached copies of id.
func (p *Publisher) PublishSubscriptionChange(ctx context.Context, id, change string) error {
	switch change {
	case ChangeUpdated, ChangeDeactivated, ChangeDeleted:
	default:
		return fmt.Errorf("unknown subscription change %q", change)
	}
	return p.publish(ctx, p.cfg.SubscriptionTopic, SubscriptionChange{
		SubscriptionID: id,
		Change:         change,
		At:             time.Now().UTC().Format(time.RFC3339Nano),
		TraceHeaders:   tracing.InjectMap(ctx),
	})
}

// Notifier is woken by wake-up messages.
type Notifier interface {
	Notify()
}

// Invalidator drops cached subscriptions.
type Invalidator interface {
	Invalidate(ctx context.Context, id string) error
}

// WakeupHandler calls n.Notify for every wake-up. Malformed messages are
// finished and dropped.
func WakeupHandler(n Notifier, logger *logging.Logger) nsq.Handler {
	return nsq.HandlerFunc(func(m *nsq.Message) error {
		var w Wakeup
		if err := json.Unmarshal(m.Body, &w); err != nil {
			logger.Plain().WithError(err).Warn("bad wakeup payload")
			return nil
		}
		ctx := tracing.ExtractMap(context.Background(), w.TraceHeaders)
		logger.WithContext(ctx).WithDelivery(w.DeliveryID).Debug("wakeup received")
		n.Notify()
		return nil
	})
}

// SubscriptionChangeHandler invalidates the cache entry named by each
// change notice. A failed invalidation is returned so NSQ requeues it.
func SubscriptionChangeHandler(inv Invalidator, logger *logging.Logger) nsq.Handler {
	return nsq.HandlerFunc(func(m *nsq.Message) error {
		var c SubscriptionChange
		if err := json.Unmarshal(m.Body, &c); err != nil || c.SubscriptionID == "" {
			logger.Plain().WithError(err).Warn("bad subscription change payload")
			return nil
		}
		ctx := tracing.ExtractMap(context.Background(), c.TraceHeaders)
		ctx, span := tracing.StartSpan(ctx, "worker.subscription_change")
		defer span.End()

		if err := inv.Invalidate(ctx, c.SubscriptionID); err != nil {
			tracing.SetSpanError(ctx, err)
			logger.WithContext(ctx).WithSubscription(c.SubscriptionID).WithError(err).Error("cache invalidation failed")
			return err
		}
		logger.WithContext(ctx).WithSubscription(c.SubscriptionID).WithField("change", c.Change).Info("subscription cache invalidated")
		return nil
	})
}

// NewProducer connects a producer to nsqd.
func NewProducer(cfg config.NSQ) (*nsq.Producer, error) {
	prod, err := nsq.NewProducer(cfg.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	return prod, nil
}

// StartConsumer subscribes h to topic on the worker channel. Connecting to
// nsqd directly creates the channel up front instead of on first publish.
func StartConsumer(cfg config.NSQ, topic string, h nsq.Handler) (*nsq.Consumer, error) {
	conf := nsq.NewConfig()
	conf.MaxInFlight = 100
	consumer, err := nsq.NewConsumer(topic, cfg.WorkerChannel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer %s: %w", topic, err)
	}
	consumer.SetLoggerLevel(nsq.LogLevelWarning)
	consumer.AddHandler(h)

	if err := consumer.ConnectToNSQD(cfg.NsqdTCPAddr); err != nil {
		consumer.Stop()
		return nil, fmt.Errorf("connect to nsqd: %w", err)
	}
	if cfg.LookupHTTPAddr != "" {
		if err := consumer.ConnectToNSQLookupd(cfg.LookupHTTPAddr); err != nil {
			consumer.Stop()
			return nil, fmt.Errorf("connect to lookupd: %w", err)
		}
	}
	return consumer, nil
}
