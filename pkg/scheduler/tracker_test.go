package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/ethpandaops/cdcore/internal/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisScheduleTracker(t *testing.T) {
	mr, client := testutil.NewMiniredisClient(t)
	tracker := newScheduleTracker(logrus.New(), client, "cdcore:")
	ctx := context.Background()

	t.Run("unknown job has zero time", func(t *testing.T) {
		lastRun, err := tracker.GetLastRun(ctx, "nonexistent")
		require.NoError(t, err)
		assert.True(t, lastRun.IsZero())
	})

	t.Run("set then get", func(t *testing.T) {
		at := time.Date(2026, 3, 1, 1, 40, 0, 0, time.UTC)

		require.NoError(t, tracker.SetLastRun(ctx, "users_extraction", at))

		lastRun, err := tracker.GetLastRun(ctx, "users_extraction")
		require.NoError(t, err)
		assert.True(t, at.Equal(lastRun))
		assert.True(t, mr.Exists("cdcore:scheduler:job:users_extraction"))
	})

	t.Run("later fire overwrites", func(t *testing.T) {
		first := time.Date(2026, 3, 1, 7, 2, 0, 0, time.UTC)
		second := first.Add(3 * time.Hour)

		require.NoError(t, tracker.SetLastRun(ctx, "savings_plans", first))
		require.NoError(t, tracker.SetLastRun(ctx, "savings_plans", second))

		lastRun, err := tracker.GetLastRun(ctx, "savings_plans")
		require.NoError(t, err)
		assert.True(t, second.Equal(lastRun))
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, tracker.SetLastRun(ctx, "transactions", time.Now()))
		require.NoError(t, tracker.DeleteLastRun(ctx, "transactions"))

		lastRun, err := tracker.GetLastRun(ctx, "transactions")
		require.NoError(t, err)
		assert.True(t, lastRun.IsZero())
	})

	t.Run("all jobs", func(t *testing.T) {
		jobs, err := tracker.GetAllJobs(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"users_extraction", "savings_plans"}, jobs)
	})

	t.Run("corrupt value", func(t *testing.T) {
		require.NoError(t, mr.Set("cdcore:scheduler:job:broken", "yesterday"))

		_, err := tracker.GetLastRun(ctx, "broken")
		assert.Error(t, err)
	})
}
