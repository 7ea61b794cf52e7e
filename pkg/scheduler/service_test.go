package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethpandaops/cdcore/pkg/coordinator"
	"github.com/ethpandaops/cdcore/pkg/tasks"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTracker implements scheduleTracker without Redis
type mockTracker struct {
	mu       sync.Mutex
	lastRuns map[string]time.Time
}

func newMockTracker() *mockTracker {
	return &mockTracker{lastRuns: make(map[string]time.Time)}
}

func (m *mockTracker) GetLastRun(_ context.Context, job string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastRuns[job], nil
}

func (m *mockTracker) SetLastRun(_ context.Context, job string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastRuns[job] = at

	return nil
}

func (m *mockTracker) DeleteLastRun(_ context.Context, job string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.lastRuns, job)

	return nil
}

func (m *mockTracker) GetAllJobs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]string, 0, len(m.lastRuns))
	for job := range m.lastRuns {
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// mockElector hands leadership changes to the test
type mockElector struct {
	mu       sync.Mutex
	leader   bool
	promoted chan struct{}
	demoted  chan struct{}
}

func newMockElector() *mockElector {
	return &mockElector{promoted: make(chan struct{}, 1), demoted: make(chan struct{}, 1)}
}

func (m *mockElector) Start(context.Context) error { return nil }
func (m *mockElector) Stop() error                 { return nil }

func (m *mockElector) IsLeader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.leader
}

func (m *mockElector) WaitForLeadership(context.Context) error { return nil }
func (m *mockElector) Promoted() <-chan struct{}               { return m.promoted }
func (m *mockElector) Demoted() <-chan struct{}                { return m.demoted }

func (m *mockElector) promote() {
	m.mu.Lock()
	m.leader = true
	m.mu.Unlock()
	m.promoted <- struct{}{}
}

func (m *mockElector) demote() {
	m.mu.Lock()
	m.leader = false
	m.mu.Unlock()
	m.demoted <- struct{}{}
}

// mockQueue records payloads and rejects repeated run ids like the real queue
type mockQueue struct {
	mu       sync.Mutex
	payloads []tasks.RunPayload
	seen     map[string]struct{}
	err      error
}

func newMockQueue() *mockQueue {
	return &mockQueue{seen: make(map[string]struct{})}
}

func (m *mockQueue) EnqueueRun(_ context.Context, payload tasks.RunPayload, _ ...asynq.Option) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}

	if _, ok := m.seen[payload.RunID]; ok {
		return tasks.ErrDuplicateRun
	}

	m.seen[payload.RunID] = struct{}{}
	m.payloads = append(m.payloads, payload)

	return nil
}

func (m *mockQueue) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.payloads)
}

type harness struct {
	svc     *service
	elector *mockElector
	tracker *mockTracker
	queue   *mockQueue
}

func newHarness(t *testing.T, jobs ...Job) *harness {
	t.Helper()

	h := &harness{elector: newMockElector(), tracker: newMockTracker(), queue: newMockQueue()}

	svc, err := newService(logrus.New(), validConfig(t, jobs...), h.elector, h.tracker, h.queue)
	require.NoError(t, err)

	h.svc = svc

	return h
}

func TestFire(t *testing.T) {
	job := Job{Name: "savings_plans", Schedule: "2 7-18/3 * * *", Select: []string{"raw_plans"}}
	h := newHarness(t, job)
	ctx := context.Background()

	scheduled := time.Date(2026, 3, 2, 6, 2, 0, 0, time.UTC)

	h.svc.fire(ctx, job, scheduled)

	require.Equal(t, 1, h.queue.count())

	payload := h.queue.payloads[0]
	assert.Equal(t, "savings_plans-20260302T060200Z", payload.RunID)
	assert.Equal(t, []string{"raw_plans"}, payload.Selectors)
	assert.Equal(t, coordinator.TriggerSchedule, payload.Trigger)
	assert.Equal(t, "savings_plans", payload.Job)

	last, err := h.tracker.GetLastRun(ctx, "savings_plans")
	require.NoError(t, err)
	assert.True(t, scheduled.Equal(last))

	// The same slot fired again, e.g. by a second leader, is dropped by the queue.
	h.svc.fire(ctx, job, scheduled)
	assert.Equal(t, 1, h.queue.count())

	h.svc.fire(ctx, job, scheduled.Add(3*time.Hour))
	assert.Equal(t, 2, h.queue.count())
}

func TestFireEnqueueFailure(t *testing.T) {
	job := Job{Name: "transactions", Schedule: "5 * * * *"}
	h := newHarness(t, job)
	h.queue.err = errors.New("redis down")

	h.svc.fire(context.Background(), job, time.Now())

	last, err := h.tracker.GetLastRun(context.Background(), "transactions")
	require.NoError(t, err)
	assert.True(t, last.IsZero(), "a failed enqueue is not recorded as a fire")
}

func TestLeadershipGatesScheduling(t *testing.T) {
	h := newHarness(t, Job{Name: "often", Schedule: "@every 1s", Select: []string{"raw_users"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.tracker.SetLastRun(ctx, "removed_job", time.Now()))

	require.NoError(t, h.svc.Start(ctx))
	defer h.svc.Stop()

	time.Sleep(1500 * time.Millisecond)
	assert.Zero(t, h.queue.count(), "followers never enqueue")

	h.elector.promote()

	require.Eventually(t, func() bool { return h.queue.count() >= 1 }, 3*time.Second, 50*time.Millisecond)
	assert.True(t, h.svc.IsLeader())

	jobs, err := h.tracker.GetAllJobs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, jobs, "removed_job")

	h.elector.demote()

	require.Eventually(t, func() bool {
		h.svc.mu.Lock()
		defer h.svc.mu.Unlock()

		return !h.svc.scheduling
	}, time.Second, 10*time.Millisecond)

	fired := h.queue.count()
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, fired, h.queue.count(), "demoted instance stops enqueuing")
}

func TestJobs(t *testing.T) {
	h := newHarness(t,
		Job{Name: "users_extraction", Schedule: "40 1 * * *", Select: []string{"raw_users"}},
		Job{Name: "paused", Schedule: "5 * * * *", Disabled: true},
	)

	// 00:30 UTC is 01:30 in Lagos, so the next fire is ten minutes away.
	h.svc.now = func() time.Time { return time.Date(2026, 3, 2, 0, 30, 0, 0, time.UTC) }

	fired := time.Date(2026, 3, 1, 0, 40, 0, 0, time.UTC)
	require.NoError(t, h.tracker.SetLastRun(context.Background(), "users_extraction", fired))

	jobs, err := h.svc.Jobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, "paused", jobs[0].Name)
	assert.True(t, jobs[0].Disabled)
	assert.Nil(t, jobs[0].NextRun)
	assert.Nil(t, jobs[0].LastRun)

	users := jobs[1]
	assert.Equal(t, "Africa/Lagos", users.Timezone)
	require.NotNil(t, users.NextRun)
	assert.True(t, time.Date(2026, 3, 2, 0, 40, 0, 0, time.UTC).Equal(*users.NextRun))
	require.NotNil(t, users.LastRun)
	assert.True(t, fired.Equal(*users.LastRun))
}

func TestRunID(t *testing.T) {
	lagos, err := time.LoadLocation("Africa/Lagos")
	require.NoError(t, err)

	at := time.Date(2026, 3, 2, 1, 40, 0, 0, lagos)
	assert.Equal(t, "users_extraction-20260302T004000Z", RunID("users_extraction", at))
}
