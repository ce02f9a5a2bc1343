package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
)

// Status is the lifecycle state of a Delivery.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusInProgress
	case StatusInProgress:
		return next == StatusPending || next == StatusDelivered || next == StatusFailed
	default:
		return false
	}
}

// Subscription is the subscriber endpoint a delivery is sent to. It is owned
// by the subscription service and only read here.
type Subscription struct {
	ID         string   `json:"id"`
	TargetURL  string   `json:"target_url"`
	EventTypes []string `json:"event_types"`
	Secret     string   `json:"secret,omitempty"`
	Active     bool     `json:"active"`
}

// ErrInvalidSubscription is returned by Validate for malformed subscription data.
var ErrInvalidSubscription = errors.New("invalid subscription")

// Validate checks that the target URL is an absolute http(s) URL.
func (s Subscription) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidSubscription)
	}
	u, err := url.Parse(s.TargetURL)
	if err != nil {
		return fmt.Errorf("%w: target url: %v", ErrInvalidSubscription, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: target url %q is not absolute", ErrInvalidSubscription, s.TargetURL)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidSubscription, u.Scheme)
	}
	return nil
}

// Listens reports whether the subscription wants events of the given type.
func (s Subscription) Listens(eventType string) bool {
	return slices.Contains(s.EventTypes, eventType)
}

// Delivery is one (subscription, event) pairing and its delivery progress.
type Delivery struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         Status          `json:"status"`
	Attempts       int             `json:"attempts"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`

	// Retry ticket and claim lease; engine bookkeeping only.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	ClaimToken    string     `json:"-"`
	ClaimedUntil  *time.Time `json:"-"`
}

// New builds a pending delivery with a zero attempt counter.
func New(id, subscriptionID, eventType string, payload json.RawMessage, now time.Time) Delivery {
	return Delivery{
		ID:             id,
		SubscriptionID: subscriptionID,
		EventType:      eventType,
		Payload:        payload,
		Status:         StatusPending,
		Attempts:       0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Outcome is the result kind of a single attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Classification describes why an attempt failed. Empty on success.
type Classification string

const (
	ClassNone                 Classification = ""
	ClassNetwork              Classification = "network"
	ClassTimeout              Classification = "timeout"
	ClassHTTPStatus           Classification = "http_status"
	ClassOther                Classification = "other"
	ClassSubscriptionMissing  Classification = "subscription_missing"
	ClassSubscriptionInactive Classification = "subscription_inactive"
	ClassConfiguration        Classification = "configuration"
)

// Permanent reports whether a failure of this class ends the delivery
// regardless of remaining attempts.
func (c Classification) Permanent() bool {
	switch c {
	case ClassSubscriptionMissing, ClassSubscriptionInactive, ClassConfiguration:
		return true
	}
	return false
}

// Attempt is an append-only record of one executor invocation (or of a
// resolution failure that ended the delivery without one).
type Attempt struct {
	ID              string         `json:"id"`
	DeliveryID      string         `json:"delivery_id"`
	Sequence        int            `json:"sequence"`
	Outcome         Outcome        `json:"outcome"`
	Classification  Classification `json:"classification,omitempty"`
	StatusCode      *int           `json:"status_code,omitempty"`
	ResponseExcerpt *string        `json:"response_excerpt,omitempty"`
	Error           *string        `json:"error,omitempty"`
	Duration        time.Duration  `json:"duration"`
	AttemptedAt     time.Time      `json:"attempted_at"`
}

// History is a delivery together with its ordered attempts.
type History struct {
	Delivery Delivery  `json:"delivery"`
	Attempts []Attempt `json:"attempts"`
}

// Stats summarises the deliveries of one subscription.
type Stats struct {
	SubscriptionID string  `json:"subscription_id"`
	Total          int     `json:"total"`
	Pending        int     `json:"pending"`
	InProgress     int     `json:"in_progress"`
	Delivered      int     `json:"delivered"`
	Failed         int     `json:"failed"`
	SuccessRate    float64 `json:"success_rate"`
}

// ComputeSuccessRate fills SuccessRate as a percentage of all deliveries.
func (s *Stats) ComputeSuccessRate() {
	if s.Total == 0 {
		s.SuccessRate = 0
		return
	}
	s.SuccessRate = float64(s.Delivered) / float64(s.Total) * 100
}
