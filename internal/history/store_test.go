package history

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, limit, maxImageNumber int) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := New(context.Background(), filepath.Join(t.TempDir(), "runs.db"), limit, maxImageNumber, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBeginAssignsMonotonicIDsAndImageNumbers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 10, 10000)

	first, err := store.Begin(ctx, "button")
	require.NoError(t, err)
	second, err := store.Begin(ctx, "web")
	require.NoError(t, err)

	assert.Greater(t, second.ID, first.ID)
	assert.Equal(t, 0, first.ImageNumber)
	assert.Equal(t, 1, second.ImageNumber)
	assert.Equal(t, RunStateRunning, first.State)
}

func TestImageNumberWrapsAtMax(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 10, 3)

	var last *Run
	for i := 0; i < 4; i++ {
		run, err := store.Begin(ctx, "button")
		require.NoError(t, err)
		last = run
	}
	assert.Equal(t, 0, last.ImageNumber) // 0,1,2 then wrap
}

func TestFinishAndGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 10, 10000)

	run, err := store.Begin(ctx, "clap")
	require.NoError(t, err)

	run.State = RunStateCompleted
	run.Labels = []string{"dog", "bicycle"}
	run.ImagePath = "/data/images/image0.jpg"
	run.SketchPath = "/data/images/cartoon0.png"
	run.Printed = true
	require.NoError(t, store.Finish(ctx, run))

	got, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStateCompleted, got.State)
	assert.Equal(t, []string{"dog", "bicycle"}, got.Labels)
	assert.True(t, got.Printed)
	assert.NotNil(t, got.FinishedAt)
}

func TestGetUnknownRun(t *testing.T) {
	store := newTestStore(t, 10, 10000)
	_, err := store.Get(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPruneKeepsNewestRuns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 3, 10000)

	var last *Run
	for i := 0; i < 5; i++ {
		run, err := store.Begin(ctx, "web")
		require.NoError(t, err)
		run.State = RunStateCompleted
		require.NoError(t, store.Finish(ctx, run))
		last = run
	}

	runs, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, last.ID, runs[0].ID)

	_, err = store.Get(ctx, last.ID-4)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPreviousCompletedWalksBackward(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 10, 10000)

	var ids []int64
	for i := 0; i < 3; i++ {
		run, err := store.Begin(ctx, "button")
		require.NoError(t, err)
		run.State = RunStateCompleted
		run.ImagePath = "/data/images/image.jpg"
		require.NoError(t, store.Finish(ctx, run))
		ids = append(ids, run.ID)
	}
	// An aborted run must never be returned.
	aborted, err := store.Begin(ctx, "button")
	require.NoError(t, err)
	aborted.State = RunStateAborted
	require.NoError(t, store.Finish(ctx, aborted))

	newest, err := store.PreviousCompleted(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, ids[2], newest.ID)

	older, err := store.PreviousCompleted(ctx, newest.ID)
	require.NoError(t, err)
	assert.Equal(t, ids[1], older.ID)

	_, err = store.PreviousCompleted(ctx, ids[0])
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestImageSetPaths(t *testing.T) {
	set := ImageSet{Dir: "/data/images", Number: 7}
	assert.Equal(t, "/data/images/image7.jpg", set.ImagePath())
	assert.Equal(t, "/data/images/cartoon7.png", set.SketchPath())
	assert.Equal(t, "/data/images/labels7.txt", set.LabelsPath())
}
