package delivery

import "time"

const DLQType = "delivery.dlq"

// DeadLetter is published when a delivery ends in the failed state.
type DeadLetter struct {
	Type       string   `json:"type"`    // "delivery.dlq"
	Version    string   `json:"version"` // schema version
	At         string   `json:"at"`      // RFC3339 time the dead letter was emitted
	Reason     string   `json:"reason"`
	Attempt    int      `json:"attempt"` // attempt count when failed
	HTTPStatus int      `json:"http_status,omitempty"`
	LastError  string   `json:"last_error,omitempty"`
	Delivery   Delivery `json:"delivery"` // final delivery snapshot
}

// NewDeadLetter builds the envelope from the final delivery and its last attempt.
func NewDeadLetter(d Delivery, last Attempt, reason string, now time.Time) DeadLetter {
	dl := DeadLetter{
		Type:     DLQType,
		Version:  "v1",
		At:       now.UTC().Format(time.RFC3339Nano),
		Reason:   reason,
		Attempt:  d.Attempts,
		Delivery: d,
	}
	if last.StatusCode != nil {
		dl.HTTPStatus = *last.StatusCode
	}
	if last.Error != nil {
		dl.LastError = *last.Error
	}
	return dl
}
