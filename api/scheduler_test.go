package api

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fee-engine/fees"
	"github.com/warp/fee-engine/store/sqlite"
)

func newTestScheduler(t *testing.T) (*DuesScheduler, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := fees.NewService(store, store, logger)
	svc.Clock = func() time.Time { return fixedNow }
	return NewDuesScheduler(svc, store, logger), store
}

func TestScheduler_RunOnceCountsDistinctStudents(t *testing.T) {
	sched, store := newTestScheduler(t)
	ctx := context.Background()

	// GIVEN: One student in two batches and one without any batch
	require.NoError(t, store.SaveStudent(ctx, fees.Student{
		ID: "stu-1", Name: "Asha",
		Memberships: []fees.Membership{{Batch: "Physics A"}, {Batch: "Maths B"}},
	}))
	require.NoError(t, store.SaveStudent(ctx, fees.Student{ID: "stu-2", Name: "Bilal"}))
	sched.YearsBefore, sched.YearsAfter = 0, 0

	// WHEN: Running the scan for 2024
	run, err := sched.RunOnce(ctx)

	// THEN: 3 enrollments of 2 students, Jan..Jun pending in each
	require.NoError(t, err)
	assert.Equal(t, fees.NewCalendarWindow(2024, 2024), run.Window)
	assert.Equal(t, 2, run.Students)
	assert.Equal(t, 3, run.Enrollments)
	assert.Equal(t, 18, run.PendingCells)
	assert.True(t, run.RanAt.Equal(fixedNow))

	runs, err := store.ListDuesRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, 18, runs[0].PendingCells)
}

func TestScheduler_StartRunsImmediatelyAndStops(t *testing.T) {
	sched, store := newTestScheduler(t)
	ctx := context.Background()
	sched.Interval = time.Hour

	sched.Start()
	require.Eventually(t, func() bool {
		runs, err := store.ListDuesRuns(ctx, 10)
		return err == nil && len(runs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	sched.Stop()

	// Stop is idempotent
	sched.Stop()
}

func TestScheduler_DisabledDoesNotStart(t *testing.T) {
	sched, store := newTestScheduler(t)
	sched.Enabled = false

	sched.Start()
	sched.Stop()

	runs, err := store.ListDuesRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
