package watermark

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethpandaops/cdcore/pkg/record"
)

// MemoryStore keeps watermarks in process
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
	now    func() time.Time
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]State),
		now:    time.Now,
	}
}

func (m *MemoryStore) Read(_ context.Context, sourceID string) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[sourceID]

	return state, ok, nil
}

func (m *MemoryStore) Commit(_ context.Context, sourceID string, cursor record.Cursor, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, found := m.states[sourceID]
	if err := advance(sourceID, current, found, cursor); err != nil {
		return err
	}

	m.states[sourceID] = State{
		SourceID:    sourceID,
		Cursor:      cursor,
		RunID:       runID,
		CommittedAt: m.now().UTC(),
	}

	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]State, 0, len(m.states))
	for _, state := range m.states {
		out = append(out, state)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })

	return out, nil
}

var _ Store = (*MemoryStore)(nil)
