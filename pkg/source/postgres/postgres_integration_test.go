//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ethpandaops/cdcore/internal/testutil"
	"github.com/ethpandaops/cdcore/pkg/record"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires CDCORE_TEST_POSTGRES_DSN pointing at a scratch database
func TestPostgresIncremental(t *testing.T) {
	dsn := testutil.RequireEnv(t, testutil.EnvPostgresDSN)

	ctx := context.Background()

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.ExecContext(ctx, `DROP TABLE IF EXISTS savings_plan;
CREATE TABLE savings_plan (plan_id INT PRIMARY KEY, amount NUMERIC(12,2), updated_at TIMESTAMPTZ NOT NULL)`)
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = db.ExecContext(ctx, `INSERT INTO savings_plan VALUES ($1, 10.5, $2), ($3, 20, $2), ($4, 30, $5)`,
		1, base, 2, 3, base.Add(time.Hour))
	require.NoError(t, err)

	conn, err := New(logrus.New(), plansSource(), &Config{DSN: dsn, Table: "savings_plan", MaxOpenConns: 2}, db)
	require.NoError(t, err)

	it, err := conn.FetchIncremental(ctx, record.TimeCursor(base), 10)
	require.NoError(t, err)
	defer it.Close()

	batch, err := it.Next(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "3", batch[0].Key)
	assert.Equal(t, float64(30), batch[0].Attributes["amount"])

	_, err = it.Next(ctx)
	assert.True(t, errors.Is(err, io.EOF))
}
