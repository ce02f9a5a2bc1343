// Package subscription resolves the subscriber endpoints deliveries go to.
// Subscriptions are owned by a separate CRUD service; this package only reads
// them, optionally through a Redis read-through cache.
package subscription

import (
	"context"
	"errors"

	"github.com/austindbirch/harbor_relay/internal/delivery"
)

var (
	ErrNotFound = errors.New("subscription not found")
	ErrInactive = errors.New("subscription inactive")
)

// Store is the read side of the subscription service.
type Store interface {
	// GetActive returns the subscription, ErrNotFound when it does not exist
	// or ErrInactive when it has been deactivated.
	GetActive(ctx context.Context, id string) (delivery.Subscription, error)
	// ListForEventType returns active subscriptions listening to eventType.
	ListForEventType(ctx context.Context, eventType string) ([]delivery.Subscription, error)
}

// Invalidator drops cached copies of a subscription.
type Invalidator interface {
	Invalidate(ctx context.Context, id string) error
}
