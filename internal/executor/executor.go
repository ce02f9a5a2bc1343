// Package executor performs exactly one HTTP delivery attempt and reports
// what happened. It never retries and never touches the attempt log.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const (
	HeaderDeliveryID     = "X-Relay-Delivery-Id"
	HeaderSubscriptionID = "X-Relay-Subscription-Id"
	HeaderEventType      = "X-Relay-Event-Type"
	HeaderAttempt        = "X-Relay-Attempt"
	HeaderSignature      = "X-Relay-Signature"
	HeaderTraceID        = "X-Trace-Id"

	// drained after the excerpt so keep-alive connections can be reused
	maxDrainBytes = 64 << 10
)

type Options struct {
	Timeout         time.Duration // per attempt, covers connect through body read
	ExcerptBytes    int           // cap on the recorded response body
	SignatureHeader string        // defaults to X-Relay-Signature
	UserAgent       string
}

// Result is the outcome of one attempt.
type Result struct {
	Outcome         delivery.Outcome
	Classification  delivery.Classification
	StatusCode      *int
	ResponseExcerpt *string
	Err             error
	Duration        time.Duration
}

// OK reports whether the subscriber acknowledged with a 2xx.
func (r Result) OK() bool {
	return r.Outcome == delivery.OutcomeSuccess
}

// Attempt converts the result into an attempt log row.
func (r Result) Attempt(id, deliveryID string, seq int, at time.Time) delivery.Attempt {
	a := delivery.Attempt{
		ID:              id,
		DeliveryID:      deliveryID,
		Sequence:        seq,
		Outcome:         r.Outcome,
		Classification:  r.Classification,
		StatusCode:      r.StatusCode,
		ResponseExcerpt: r.ResponseExcerpt,
		Duration:        r.Duration,
		AttemptedAt:     at,
	}
	if r.Err != nil {
		msg := r.Err.Error()
		a.Error = &msg
	}
	return a
}

type Executor struct {
	client *http.Client
	opts   Options
}

// New builds an executor. A nil client gets a pooled cleanhttp client.
func New(opts Options, client *http.Client) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.ExcerptBytes <= 0 {
		opts.ExcerptBytes = 1024
	}
	if opts.SignatureHeader == "" {
		opts.SignatureHeader = HeaderSignature
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "harbor-relay/1.0"
	}
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	return &Executor{client: client, opts: opts}
}

// Execute POSTs the delivery payload to the subscription target. attempt is
// the 1-based sequence number this call represents.
func (e *Executor) Execute(ctx context.Context, d delivery.Delivery, sub delivery.Subscription, attempt int) Result {
	ctx, span := tracing.StartSpan(ctx, "executor.attempt",
		attribute.String("delivery.id", d.ID),
		attribute.String("subscription.id", sub.ID),
		attribute.Int("delivery.attempt", attempt),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	start := time.Now()
	res := e.do(ctx, d, sub, attempt)
	res.Duration = time.Since(start)

	if res.StatusCode != nil {
		span.SetAttributes(attribute.Int("http.status_code", *res.StatusCode))
	}
	span.SetAttributes(attribute.Int64("http.latency_ms", res.Duration.Milliseconds()))
	if !res.OK() {
		span.SetAttributes(attribute.String("failure.classification", string(res.Classification)))
		tracing.SetSpanError(ctx, res.Err)
	}
	return res
}

func (e *Executor) do(ctx context.Context, d delivery.Delivery, sub delivery.Subscription, attempt int) Result {
	body := []byte(d.Payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.TargetURL, bytes.NewReader(body))
	if err != nil {
		return failure(delivery.ClassOther, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", e.opts.UserAgent)
	req.Header.Set(HeaderDeliveryID, d.ID)
	req.Header.Set(HeaderSubscriptionID, sub.ID)
	req.Header.Set(HeaderEventType, d.EventType)
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))
	if sub.Secret != "" {
		req.Header.Set(e.opts.SignatureHeader, Sign(sub.Secret, body))
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set(HeaderTraceID, traceID)
	}
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := e.client.Do(req)
	if err != nil {
		return failure(Classify(err), err)
	}
	defer resp.Body.Close()

	excerpt, readErr := io.ReadAll(io.LimitReader(resp.Body, int64(e.opts.ExcerptBytes)))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	status := resp.StatusCode
	res := Result{StatusCode: &status}
	if len(excerpt) > 0 {
		s := strings.ReplaceAll(strings.ToValidUTF8(string(excerpt), ""), "\x00", "")
		res.ResponseExcerpt = &s
	}

	if status >= 200 && status < 300 {
		res.Outcome = delivery.OutcomeSuccess
		return res
	}
	res.Outcome = delivery.OutcomeFailure
	res.Classification = delivery.ClassHTTPStatus
	res.Err = fmt.Errorf("unexpected status %d %s", status, http.StatusText(status))
	if readErr != nil && errors.Is(readErr, context.DeadlineExceeded) {
		res.Classification = delivery.ClassTimeout
		res.Err = readErr
	}
	return res
}

func failure(class delivery.Classification, err error) Result {
	return Result{
		Outcome:        delivery.OutcomeFailure,
		Classification: class,
		Err:            err,
	}
}

// Classify maps a transport error onto a failure classification.
func Classify(err error) delivery.Classification {
	if err == nil {
		return delivery.ClassNone
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return delivery.ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return delivery.ClassTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return delivery.ClassNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return delivery.ClassNetwork
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return delivery.ClassNetwork
	}
	return delivery.ClassOther
}
