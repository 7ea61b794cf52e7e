package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethpandaops/cdcore/pkg/failure"
	"github.com/ethpandaops/cdcore/pkg/record"
	"github.com/redis/go-redis/v9"
)

// Store persists manifests
type Store interface {
	Save(ctx context.Context, m *Manifest) error
	Get(ctx context.Context, runID string) (*Manifest, error)
	// List returns up to limit manifests, newest first
	List(ctx context.Context, limit int) ([]*Manifest, error)
}

// Config controls manifest retention
type Config struct {
	Retention time.Duration `yaml:"retention" default:"168h"`
}

// RedisStore keeps each manifest as a JSON value with a TTL, indexed by start time in a sorted set
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	indexKey  string
	retention time.Duration
}

// NewRedisStore creates a redis manifest store
func NewRedisStore(client *redis.Client, keyPrefix string, retention time.Duration) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix + "manifest:",
		indexKey:  keyPrefix + "manifests",
		retention: retention,
	}
}

func (r *RedisStore) Save(ctx context.Context, m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	cutoff := time.Now().Add(-r.retention).UnixNano()

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.keyPrefix+m.RunID, data, r.retention)
		pipe.ZAdd(ctx, r.indexKey, redis.Z{Score: float64(m.StartedAt.UnixNano()), Member: m.RunID})
		pipe.ZRemRangeByScore(ctx, r.indexKey, "-inf", fmt.Sprintf("(%d", cutoff))

		return nil
	})
	if err != nil {
		return failure.Transient(fmt.Errorf("failed to save manifest %s: %w", m.RunID, err))
	}

	return nil
}

func (r *RedisStore) Get(ctx context.Context, runID string) (*Manifest, error) {
	data, err := r.client.Get(ctx, r.keyPrefix+runID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}

		return nil, failure.Transient(fmt.Errorf("failed to read manifest %s: %w", runID, err))
	}

	var m Manifest
	if err := record.DecodeJSON(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", runID, err)
	}

	return &m, nil
}

func (r *RedisStore) List(ctx context.Context, limit int) ([]*Manifest, error) {
	if limit <= 0 {
		limit = 50
	}

	ids, err := r.client.ZRevRange(ctx, r.indexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, failure.Transient(fmt.Errorf("failed to list manifests: %w", err))
	}

	out := make([]*Manifest, 0, len(ids))

	for _, id := range ids {
		m, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			r.client.ZRem(ctx, r.indexKey, id)

			continue
		}

		if err != nil {
			return nil, err
		}

		out = append(out, m)
	}

	return out, nil
}

// MemoryStore keeps manifests in process
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*Manifest
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*Manifest)}
}

func (s *MemoryStore) Save(_ context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[m.RunID] = m.Clone()

	return nil
}

func (s *MemoryStore) Get(_ context.Context, runID string) (*Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}

	return m.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]*Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Manifest, 0, len(s.runs))
	for _, m := range s.runs {
		out = append(out, m.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
