// Package postgres implements store.Store on PostgreSQL. The deliveries table
// doubles as the durable queue: next_attempt_at is the retry ticket and
// claim_token/claimed_until the lease of the current claim.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/store"
)

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// validID keeps non-UUID ids from reaching the uuid columns as encode errors.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func scanDelivery(row pgx.Row) (delivery.Delivery, error) {
	var (
		d       delivery.Delivery
		payload []byte
		status  string
		token   *string
	)
	err := row.Scan(
		&d.ID,
		&d.SubscriptionID,
		&d.EventType,
		&payload,
		&status,
		&d.Attempts,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.NextAttemptAt,
		&token,
		&d.ClaimedUntil,
	)
	if err != nil {
		return delivery.Delivery{}, err
	}
	d.Payload = payload
	d.Status = delivery.Status(status)
	if token != nil {
		d.ClaimToken = *token
	}
	return d, nil
}

func (s *Store) CreateDelivery(ctx context.Context, d delivery.Delivery, dueAt time.Time) error {
	if d.Status != delivery.StatusPending || d.Attempts != 0 {
		return fmt.Errorf("create delivery %s: new deliveries must be pending with zero attempts", d.ID)
	}
	_, err := s.pool.Exec(ctx, queryInsertDelivery,
		d.ID,
		d.SubscriptionID,
		d.EventType,
		[]byte(d.Payload),
		dueAt,
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("create delivery %s: %w", d.ID, store.ErrConflict)
		}
		return fmt.Errorf("create delivery %s: %w", d.ID, err)
	}
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, id string) (delivery.Delivery, error) {
	if !validID(id) {
		return delivery.Delivery{}, fmt.Errorf("delivery %s: %w", id, store.ErrNotFound)
	}
	d, err := scanDelivery(s.pool.QueryRow(ctx, queryGetDelivery, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Delivery{}, fmt.Errorf("delivery %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return delivery.Delivery{}, fmt.Errorf("get delivery %s: %w", id, err)
	}
	return d, nil
}

func (s *Store) ListDeliveries(ctx context.Context, subscriptionID string, page store.Page) ([]delivery.Delivery, error) {
	page = page.Normalize()
	rows, err := s.pool.Query(ctx, queryListDeliveries, subscriptionID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	out := []delivery.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return out, nil
}

// querier is satisfied by the pool and by a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) ListAttempts(ctx context.Context, deliveryID string) ([]delivery.Attempt, error) {
	if _, err := s.GetDelivery(ctx, deliveryID); err != nil {
		return nil, err
	}
	return listAttempts(ctx, s.pool, deliveryID)
}

// History reads the delivery and its attempts from one repeatable-read
// snapshot, so the counter always matches the rows.
func (s *Store) History(ctx context.Context, id string) (delivery.History, error) {
	if !validID(id) {
		return delivery.History{}, fmt.Errorf("delivery %s: %w", id, store.ErrNotFound)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return delivery.History{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := scanDelivery(tx.QueryRow(ctx, queryGetDelivery, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.History{}, fmt.Errorf("delivery %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return delivery.History{}, fmt.Errorf("get delivery %s: %w", id, err)
	}
	attempts, err := listAttempts(ctx, tx, id)
	if err != nil {
		return delivery.History{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return delivery.History{}, fmt.Errorf("commit: %w", err)
	}
	return delivery.History{Delivery: d, Attempts: attempts}, nil
}

func listAttempts(ctx context.Context, q querier, deliveryID string) ([]delivery.Attempt, error) {
	rows, err := q.Query(ctx, queryListAttempts, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	out := []delivery.Attempt{}
	for rows.Next() {
		var (
			a          delivery.Attempt
			outcome    string
			class      string
			durationMs int64
		)
		err := rows.Scan(
			&a.ID,
			&a.DeliveryID,
			&a.Sequence,
			&outcome,
			&class,
			&a.StatusCode,
			&a.ResponseExcerpt,
			&a.Error,
			&durationMs,
			&a.AttemptedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Outcome = delivery.Outcome(outcome)
		a.Classification = delivery.Classification(class)
		a.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context, subscriptionID string) (delivery.Stats, error) {
	rows, err := s.pool.Query(ctx, queryStats, subscriptionID)
	if err != nil {
		return delivery.Stats{}, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	st := delivery.Stats{SubscriptionID: subscriptionID}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return delivery.Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		st.Total += n
		switch delivery.Status(status) {
		case delivery.StatusPending:
			st.Pending = n
		case delivery.StatusInProgress:
			st.InProgress = n
		case delivery.StatusDelivered:
			st.Delivered = n
		case delivery.StatusFailed:
			st.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return delivery.Stats{}, fmt.Errorf("stats: %w", err)
	}
	st.ComputeSuccessRate()
	return st, nil
}

// guardError explains why a guarded UPDATE touched no row.
func (s *Store) guardError(ctx context.Context, q interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}, op, id string) error {
	var status string
	err := q.QueryRow(ctx, queryGetDeliveryStatus, id).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%s %s: %w", op, id, store.ErrNotFound)
	case err != nil:
		return fmt.Errorf("%s %s: %w", op, id, err)
	case delivery.Status(status).Terminal():
		return fmt.Errorf("%s %s: %w", op, id, store.ErrTerminal)
	default:
		return fmt.Errorf("%s %s (status %s): %w", op, id, status, store.ErrConflict)
	}
}

func (s *Store) Schedule(ctx context.Context, id string, dueAt time.Time) error {
	if !validID(id) {
		return fmt.Errorf("schedule %s: %w", id, store.ErrNotFound)
	}
	tag, err := s.pool.Exec(ctx, querySchedule, id, dueAt)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.guardError(ctx, s.pool, "schedule", id)
	}
	return nil
}

func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]delivery.Delivery, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, queryClaimDue, now, limit, now.Add(lease))
	if err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}
	defer rows.Close()

	var out []delivery.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}
	return out, nil
}

func (s *Store) NextDue(ctx context.Context) (time.Time, bool, error) {
	var next *time.Time
	if err := s.pool.QueryRow(ctx, queryNextDue).Scan(&next); err != nil {
		return time.Time{}, false, fmt.Errorf("next due: %w", err)
	}
	if next == nil {
		return time.Time{}, false, nil
	}
	return *next, true, nil
}

func (s *Store) Release(ctx context.Context, id, claimToken string, dueAt time.Time) error {
	if !validID(id) {
		return fmt.Errorf("release %s: %w", id, store.ErrNotFound)
	}
	tag, err := s.pool.Exec(ctx, queryRelease, id, claimToken, dueAt)
	if err != nil {
		return fmt.Errorf("release %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.guardError(ctx, s.pool, "release", id)
	}
	return nil
}

func (s *Store) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, queryReleaseExpired, now)
	if err != nil {
		return 0, fmt.Errorf("release expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RecordAttempt writes the attempt row and the delivery transition in one
// transaction.
func (s *Store) RecordAttempt(ctx context.Context, t store.Transition) (delivery.Delivery, error) {
	if err := t.Validate(); err != nil {
		return delivery.Delivery{}, err
	}
	if !validID(t.DeliveryID) {
		return delivery.Delivery{}, fmt.Errorf("record attempt %s: %w", t.DeliveryID, store.ErrNotFound)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return delivery.Delivery{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := scanDelivery(tx.QueryRow(ctx, queryCloseAttempt,
		t.DeliveryID,
		string(t.Status),
		t.Attempt.Sequence,
		t.NextAttemptAt,
		t.At,
		t.ExpectAttempts,
		t.ClaimToken,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Delivery{}, s.guardError(ctx, tx, "record attempt", t.DeliveryID)
	}
	if err != nil {
		return delivery.Delivery{}, fmt.Errorf("record attempt %s: %w", t.DeliveryID, err)
	}

	a := t.Attempt
	a.ResponseExcerpt = store.CleanText(a.ResponseExcerpt)
	a.Error = store.CleanText(a.Error)
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err = tx.Exec(ctx, queryInsertAttempt,
		a.ID,
		t.DeliveryID,
		a.Sequence,
		string(a.Outcome),
		string(a.Classification),
		a.StatusCode,
		a.ResponseExcerpt,
		a.Error,
		a.Duration.Milliseconds(),
		a.AttemptedAt,
	)
	if err != nil {
		return delivery.Delivery{}, fmt.Errorf("insert attempt %s/%d: %w", t.DeliveryID, a.Sequence, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return delivery.Delivery{}, fmt.Errorf("commit: %w", err)
	}
	return d, nil
}
