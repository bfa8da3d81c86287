package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("postgres"),
		postgres.WithUsername("admin"),
		postgres.WithPassword("admin"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestPostgresProvisioner(t *testing.T) {
	adminDSN := startPostgres(t)
	ctx := context.Background()
	p, err := NewPostgres(adminDSN, "", nil)
	require.NoError(t, err)

	secret, err := GenerateSecret(SecretLength)
	require.NoError(t, err)
	require.NoError(t, p.CreateDatabase(ctx, "my_test_app", "my_test_app", secret))

	ok, err := p.Exists(ctx, "my_test_app")
	require.NoError(t, err)
	assert.True(t, ok)

	// the generated credentials work
	ep := p.Endpoint()
	conn, err := pgx.Connect(ctx, AppDSN(ep, "my_test_app", "my_test_app", secret)+"?sslmode=disable")
	require.NoError(t, err, fmt.Sprintf("connect as app user to %s:%d", ep.Host, ep.Port))
	_ = conn.Close(ctx)

	require.NoError(t, p.DropDatabase(ctx, "my_test_app", "my_test_app"))
	ok, err = p.Exists(ctx, "my_test_app")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, p.DropDatabase(ctx, "my_test_app", "my_test_app"))
}
