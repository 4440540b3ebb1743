//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/auditcore/auditcore/internal/audit"
	"github.com/auditcore/auditcore/internal/db"
)

func newPostgresStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("audit"),
		tcpostgres.WithUsername("audit"),
		tcpostgres.WithPassword("audit"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}
	conn, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		t.Fatalf("failed to connect to postgres: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, db.RunMigrations(conn.DB, "postgres", "up"))
	return New(conn)
}

func TestPostgres_AppendAndQuery(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	e := sampleEvent(t, 0, func(b *audit.Builder) {
		b.Detail("password", "***REDACTED***").RequestID("req-pg").Duration(5 * time.Millisecond)
	})
	require.NoError(t, s.Append(ctx, e))
	require.NoError(t, s.Append(ctx, e), "duplicate id must be ignored")

	page, err := s.Query(ctx, audit.Query{ResourceType: audit.ResourceExperiment, ResourceID: "exp-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Events, 1)
	assert.Equal(t, e.ID, page.Events[0].ID)
	assert.Equal(t, "req-pg", page.Events[0].RequestID)
	assert.Equal(t, "***REDACTED***", page.Events[0].Details["password"])

	_, err = s.db.ExecContext(ctx, `UPDATE audit_events SET outcome = 'failure' WHERE id = $1`, e.ID)
	assert.Error(t, err, "audit_events must reject updates")
}
