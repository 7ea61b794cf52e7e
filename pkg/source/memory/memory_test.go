package memory

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/ethpandaops/cdcore/pkg/failure"
	"github.com/ethpandaops/cdcore/pkg/record"
	"github.com/ethpandaops/cdcore/pkg/source"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func incrementalSource() *source.Source {
	src := &source.Source{
		ID:         "raw_savings_transactions",
		Capability: source.CapabilityIncremental,
		KeyColumns: []string{"txn_id"},
		Connector:  source.ConnectorConfig{Type: ConnectorType},
	}
	src.SetDefaults()

	return src
}

func drain(t *testing.T, it source.Iterator) [][]record.Record {
	t.Helper()

	var batches [][]record.Record

	for {
		batch, err := it.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return batches
		}

		require.NoError(t, err)
		batches = append(batches, batch)
	}
}

func TestFetchIncremental_StrictlyGreater(t *testing.T) {
	conn := New(incrementalSource())
	require.NoError(t, conn.Put(
		map[string]any{"txn_id": "t1", "updated_at": int64(10)},
		map[string]any{"txn_id": "t2", "updated_at": int64(10)},
		map[string]any{"txn_id": "t3", "updated_at": int64(11)},
		map[string]any{"txn_id": "t0", "updated_at": int64(9)},
	))

	it, err := conn.FetchIncremental(context.Background(), record.IntCursor(10), 10)
	require.NoError(t, err)

	batches := drain(t, it)
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "t3", batches[0][0].Key)
}

func TestFetchIncremental_AscendingBatches(t *testing.T) {
	conn := New(incrementalSource())
	require.NoError(t, conn.Put(
		map[string]any{"txn_id": "c", "updated_at": int64(3)},
		map[string]any{"txn_id": "a", "updated_at": int64(1)},
		map[string]any{"txn_id": "b", "updated_at": int64(2)},
	))

	it, err := conn.FetchIncremental(context.Background(), record.Beginning(), 2)
	require.NoError(t, err)

	batches := drain(t, it)
	require.Len(t, batches, 2)
	assert.Equal(t, "a", batches[0][0].Key)
	assert.Equal(t, "b", batches[0][1].Key)
	assert.Equal(t, "c", batches[1][0].Key)
}

func TestFailNext(t *testing.T) {
	conn := New(incrementalSource())
	conn.FailNext(failure.Transient(errors.New("connection reset")))

	_, err := conn.FetchIncremental(context.Background(), record.Beginning(), 10)
	assert.True(t, failure.IsTransient(err))

	_, err = conn.FetchIncremental(context.Background(), record.Beginning(), 10)
	assert.NoError(t, err)
	assert.Equal(t, 2, conn.Fetches())
}

func TestFetchFull_SortedByKey(t *testing.T) {
	src := &source.Source{
		ID:             "raw_users",
		Capability:     source.CapabilityFullSnapshot,
		KeyColumns:     []string{"_Uid"},
		WatchedColumns: []string{"occupation"},
		Connector:      source.ConnectorConfig{Type: ConnectorType},
	}
	src.SetDefaults()

	conn := New(src)
	require.NoError(t, conn.Put(
		map[string]any{"_Uid": "user_002", "occupation": "Doctor"},
		map[string]any{"_Uid": "user_001", "occupation": "Engineer"},
	))
	conn.Delete("user_002")

	it, err := conn.FetchFull(context.Background(), 100)
	require.NoError(t, err)

	batches := drain(t, it)
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "user_001", batches[0][0].Key)

	_, err = conn.FetchIncremental(context.Background(), record.Beginning(), 10)
	assert.ErrorIs(t, err, source.ErrCapabilityNotSupported)
}

func TestRegisteredFactory(t *testing.T) {
	src, err := source.Parse([]byte(`id: raw_plans
capability: INCREMENTAL
keyColumns: [plan_id]
connector:
  type: memory
  rows:
    - {plan_id: 1, updated_at: 5}
    - {plan_id: 2, updated_at: 6}
`))
	require.NoError(t, err)
	src.SetDefaults()

	conn, err := source.NewConnector(src, logrus.New())
	require.NoError(t, err)

	it, err := conn.FetchIncremental(context.Background(), record.IntCursor(5), 10)
	require.NoError(t, err)

	batches := drain(t, it)
	require.Len(t, batches, 1)
	assert.Equal(t, "2", batches[0][0].Key)
}
