package watermark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethpandaops/cdcore/pkg/failure"
	"github.com/ethpandaops/cdcore/pkg/record"
	"github.com/redis/go-redis/v9"
)

const commitRetries = 10

// RedisStore keeps one JSON value per source and advances it with WATCH/MULTI
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

// NewRedisStore creates a redis-backed store. keyPrefix is prepended to "watermark:<source>".
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix + "watermark:",
		now:       time.Now,
	}
}

func (r *RedisStore) key(sourceID string) string {
	return r.keyPrefix + sourceID
}

func (r *RedisStore) Read(ctx context.Context, sourceID string) (State, bool, error) {
	return readState(ctx, r.client, r.key(sourceID))
}

func readState(ctx context.Context, getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}, key string) (State, bool, error) {
	data, err := getter.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{}, false, nil
		}

		return State{}, false, failure.Transient(fmt.Errorf("failed to read watermark: %w", err))
	}

	var state State
	if err := record.DecodeJSON(data, &state); err != nil {
		return State{}, false, fmt.Errorf("failed to decode watermark %s: %w", key, err)
	}

	return state, true, nil
}

func (r *RedisStore) Commit(ctx context.Context, sourceID string, cursor record.Cursor, runID string) error {
	key := r.key(sourceID)

	txf := func(tx *redis.Tx) error {
		current, found, err := readState(ctx, tx, key)
		if err != nil {
			return err
		}

		if err := advance(sourceID, current, found, cursor); err != nil {
			return err
		}

		data, err := json.Marshal(State{
			SourceID:    sourceID,
			Cursor:      cursor,
			RunID:       runID,
			CommittedAt: r.now().UTC(),
		})
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)

			return nil
		})

		return err
	}

	for range commitRetries {
		err := r.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}

	return failure.Transient(fmt.Errorf("%w: %s", ErrCommitContention, sourceID))
}

func (r *RedisStore) List(ctx context.Context) ([]State, error) {
	var states []State

	iter := r.client.Scan(ctx, 0, r.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		state, found, err := readState(ctx, r.client, iter.Val())
		if err != nil {
			return nil, err
		}

		if found {
			states = append(states, state)
		}
	}

	if err := iter.Err(); err != nil {
		return nil, failure.Transient(fmt.Errorf("failed to scan watermarks: %w", err))
	}

	sort.Slice(states, func(i, j int) bool { return states[i].SourceID < states[j].SourceID })

	return states, nil
}

var _ Store = (*RedisStore)(nil)
