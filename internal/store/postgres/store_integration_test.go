//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/austindbirch/harbor_relay/internal/db"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/store/postgres"
	"github.com/austindbirch/harbor_relay/internal/store/storetest"
)

func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	container, pool := startPostgresContainer(t, ctx)
	t.Cleanup(func() {
		pool.Close()
		_ = container.Terminate(ctx)
	})

	require.NoError(t, db.Migrate(ctx, pool))
	// Migrate is idempotent
	require.NoError(t, db.Migrate(ctx, pool))

	storetest.Run(t, func(t *testing.T) store.Store {
		_, err := pool.Exec(ctx, `TRUNCATE relay.delivery_attempts, relay.deliveries`)
		require.NoError(t, err)
		return postgres.New(pool)
	})
}

func TestStoreRejectsMalformedIDsIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	container, pool := startPostgresContainer(t, ctx)
	t.Cleanup(func() {
		pool.Close()
		_ = container.Terminate(ctx)
	})
	require.NoError(t, db.Migrate(ctx, pool))

	s := postgres.New(pool)
	_, err := s.GetDelivery(ctx, "not-a-uuid")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.Schedule(ctx, "not-a-uuid", time.Now()), store.ErrNotFound)
}

func startPostgresContainer(t *testing.T, ctx context.Context) (testcontainers.Container, *pgxpool.Pool) {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_DB":       "harborrelay",
		},
		// the server restarts once after initdb, so wait for the second ready line
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start postgres container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("resolve host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("resolve port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://postgres:postgres@%s:%s/harborrelay?sslmode=disable", host, mappedPort.Port())
	pool, err := db.Connect(ctx, dsn, 16)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("connect: %v", err)
	}
	return container, pool
}
