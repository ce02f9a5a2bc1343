// Package store defines the durable delivery queue and attempt log. The
// postgres implementation is the production backend; memory backs tests and
// single-process development.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/austindbirch/harbor_relay/internal/delivery"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the compare-and-swap guard did not match: the claim
	// was lost (reaped or superseded) or the counter moved.
	ErrConflict = errors.New("conflict")
	// ErrTerminal means the delivery is delivered or failed and immutable.
	ErrTerminal = errors.New("delivery is terminal")
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

type Page struct {
	Limit  int
	Offset int
}

// Normalize applies the default and maximum limit.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// CleanText drops invalid UTF-8 and NUL bytes, which a Postgres TEXT column
// rejects. Attempt text comes from subscribers and may be binary.
func CleanText(p *string) *string {
	if p == nil {
		return nil
	}
	s := strings.ReplaceAll(strings.ToValidUTF8(*p, ""), "\x00", "")
	return &s
}

// Transition closes one attempt: the attempt row and the delivery update are
// written together or not at all.
type Transition struct {
	DeliveryID     string
	ClaimToken     string
	ExpectAttempts int // counter value observed at claim time
	Attempt        delivery.Attempt
	Status         delivery.Status
	NextAttemptAt  *time.Time // required when Status is pending
	At             time.Time
}

// Validate checks the transition is one the state machine allows.
func (t Transition) Validate() error {
	if t.DeliveryID == "" || t.ClaimToken == "" {
		return fmt.Errorf("transition: missing delivery id or claim token")
	}
	if !delivery.StatusInProgress.CanTransition(t.Status) {
		return fmt.Errorf("transition: in_progress -> %s not allowed", t.Status)
	}
	if t.Attempt.Sequence != t.ExpectAttempts+1 {
		return fmt.Errorf("transition: attempt sequence %d does not follow counter %d", t.Attempt.Sequence, t.ExpectAttempts)
	}
	if t.Status == delivery.StatusPending && t.NextAttemptAt == nil {
		return fmt.Errorf("transition: retry without next attempt time")
	}
	if t.Status == delivery.StatusDelivered && t.Attempt.Outcome != delivery.OutcomeSuccess {
		return fmt.Errorf("transition: delivered requires a successful attempt")
	}
	if t.Status != delivery.StatusDelivered && t.Attempt.Outcome == delivery.OutcomeSuccess {
		return fmt.Errorf("transition: successful attempt must deliver")
	}
	return nil
}

// Deliveries is the read side plus creation.
type Deliveries interface {
	CreateDelivery(ctx context.Context, d delivery.Delivery, dueAt time.Time) error
	GetDelivery(ctx context.Context, id string) (delivery.Delivery, error)
	ListDeliveries(ctx context.Context, subscriptionID string, page Page) ([]delivery.Delivery, error)
	ListAttempts(ctx context.Context, deliveryID string) ([]delivery.Attempt, error)
	// History returns the delivery and its attempts as of a single point in
	// time: Delivery.Attempts always equals len(Attempts).
	History(ctx context.Context, id string) (delivery.History, error)
	Stats(ctx context.Context, subscriptionID string) (delivery.Stats, error)
}

// Queue holds retry tickets and claims.
type Queue interface {
	// Schedule sets the due time of a pending delivery.
	Schedule(ctx context.Context, id string, dueAt time.Time) error
	// ClaimDue moves up to limit due deliveries to in_progress under a fresh
	// claim token valid until now+lease. Concurrent callers never receive
	// the same delivery.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]delivery.Delivery, error)
	// NextDue reports the earliest pending due time, if any.
	NextDue(ctx context.Context) (time.Time, bool, error)
	// Release returns a claimed delivery to pending without an attempt.
	Release(ctx context.Context, id, claimToken string, dueAt time.Time) error
	// ReleaseExpired returns every claim whose lease ended before now.
	ReleaseExpired(ctx context.Context, now time.Time) (int, error)
}

// AttemptLog appends attempt rows.
type AttemptLog interface {
	RecordAttempt(ctx context.Context, t Transition) (delivery.Delivery, error)
}

type Store interface {
	Deliveries
	Queue
	AttemptLog
}
