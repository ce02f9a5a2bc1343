package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/harbor_relay/internal/delivery"
)

const (
	queryGetSubscription = `
		SELECT id, target_url, event_types, secret, active
		FROM relay.subscriptions
		WHERE id = $1`

	queryListForEventType = `
		SELECT id, target_url, event_types, secret, active
		FROM relay.subscriptions
		WHERE active AND $1 = ANY(event_types)
		ORDER BY id`
)

// PostgresStore reads relay.subscriptions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func scanSubscription(row pgx.Row) (delivery.Subscription, error) {
	var sub delivery.Subscription
	err := row.Scan(&sub.ID, &sub.TargetURL, &sub.EventTypes, &sub.Secret, &sub.Active)
	return sub, err
}

func (s *PostgresStore) GetActive(ctx context.Context, id string) (delivery.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, queryGetSubscription, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Subscription{}, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return delivery.Subscription{}, fmt.Errorf("get subscription %s: %w", id, err)
	}
	if !sub.Active {
		return delivery.Subscription{}, fmt.Errorf("subscription %s: %w", id, ErrInactive)
	}
	return sub, nil
}

func (s *PostgresStore) ListForEventType(ctx context.Context, eventType string) ([]delivery.Subscription, error) {
	rows, err := s.pool.Query(ctx, queryListForEventType, eventType)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	out := []delivery.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return out, nil
}
