package supervisor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sketchbooth/sketchbooth/internal/bus"
	"github.com/sketchbooth/sketchbooth/internal/history"
	"github.com/sketchbooth/sketchbooth/internal/pipeline"
	"github.com/sketchbooth/sketchbooth/internal/status"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   int
	block   chan struct{} // when non-nil, Run waits for close or ctx
	outcome func(req pipeline.Request) pipeline.Outcome
}

func (f *fakeRunner) Run(ctx context.Context, req pipeline.Request) pipeline.Outcome {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return pipeline.Outcome{RunID: req.RunID, Stage: pipeline.StageDetect, Err: ctx.Err()}
		}
	}
	if f.outcome != nil {
		return f.outcome(req)
	}
	return pipeline.Outcome{RunID: req.RunID, Completed: true, Labels: []string{"cat"}}
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePrinter struct {
	mu    sync.Mutex
	paths []string
}

func (p *fakePrinter) Print(_ context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paths = append(p.paths, path)
	return nil
}

func (p *fakePrinter) printed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.paths...)
}

type fixture struct {
	queue   *bus.Queue
	status  *status.Store
	history *history.Store
	runner  *fakeRunner
	printer *fakePrinter
	sup     *Supervisor
	stopped chan error
}

func newFixture(t *testing.T, grace time.Duration) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := history.New(context.Background(), filepath.Join(t.TempDir(), "runs.db"), 50, 10000, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		queue:   bus.NewQueue(16),
		status:  status.NewStore(nil),
		history: store,
		runner:  &fakeRunner{},
		printer: &fakePrinter{},
		stopped: make(chan error, 1),
	}
	f.sup = New(Options{
		Queue:         f.queue,
		Status:        f.status,
		History:       store,
		Runner:        f.runner,
		Printer:       f.printer,
		ImageDir:      t.TempDir(),
		CaptureDelay:  50 * time.Millisecond,
		ShutdownGrace: grace,
		Logger:        logger,
	})
	return f
}

func (f *fixture) start(ctx context.Context) {
	go func() { f.stopped <- f.sup.Run(ctx) }()
}

func (f *fixture) stopAndWait(t *testing.T) {
	t.Helper()
	require.NoError(t, f.queue.Enqueue(bus.Command{Kind: bus.KindShutdown, Source: "test"}))
	select {
	case err := <-f.stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConcurrentCapturesAcceptExactlyOne(t *testing.T) {
	f := newFixture(t, time.Second)
	block := make(chan struct{})
	f.runner.block = block

	f.start(context.Background())
	require.NoError(t, f.queue.Enqueue(bus.Command{Kind: bus.KindCapture, Source: "button"}))
	waitFor(t, func() bool { return f.status.Snapshot().Busy }, "run never started")

	// Triggers arriving mid-capture are dropped without side effects.
	for i := 0; i < 5; i++ {
		require.NoError(t, f.queue.Enqueue(bus.Command{Kind: bus.KindCapture, Source: "clap"}))
	}
	require.NoError(t, f.queue.Enqueue(bus.Command{Kind: bus.KindDelayedCapture, Source: "ir"}))

	// The loop stays responsive while the pipeline is blocked: status
	// snapshots return immediately.
	snap := f.status.Snapshot()
	assert.True(t, snap.Busy)
	assert.Equal(t, status.StateRunning, snap.State)

	close(block)
	waitFor(t, func() bool { return !f.status.Snapshot().Busy }, "run never finished")

	runs, err := f.history.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
	assert.Equal(t, 1, f.runner.callCount())

	f.stopAndWait(t)
}

func TestDelayedCaptureDeduplicates(t *testing.T) {
	f := newFixture(t, time.Second)
	f.start(context.Background())

	require.NoError(t, f.queue.Enqueue(bus.Command{Kind: bus.KindDelayedCapture, Source: "ir"}))
	require.NoError(t, f.queue.Enqueue(bus.Command{Kind: bus.KindDelayedCapture, Source: "ir"}))
	require.NoError(t, f.queue.Enqueue(bus.Command{Kind: bus.KindCapture, Source: "button"}))

	waitFor(t, func() bool {
		runs, _ := f.history.List(context.Background(), 0)
		return len(runs) == 1 && runs[0].State == history.RunStateCompleted
	}, "delayed capture never ran")

	// Nothing else fires afterwards.
	time.Sleep(150 * time.Millisecond)
	runs, err := f.history.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
	assert.Equal(t, "ir", runs[0].Trigger)

	f.stopAndWait(t)
}

func TestShutdownDuringRunForcesAbortWithinGrace(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond)
	f.sup.runner = stubbornRunner{}

	f.start(context.Background())
	require.NoError(t, f.queue.Enqueue(bus.Command{Kind: bus.KindCapture, Source: "web"}))
	waitFor(t, func() bool { return f.status.Snapshot().Busy }, "run never started")

	start := time.Now()
	f.stopAndWait(t)
	assert.Less(t, time.Since(start), 2*time.Second)

	snap := f.status.Snapshot()
	assert.Equal(t, status.StateShuttingDown, snap.State)
	assert.False(t, snap.Busy)

	runs, err := f.history.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, history.RunStateAborted, runs[0].State)
}

// stubbornRunner never observes cancellation and never returns in test
// time; the supervisor must abandon it after the grace period.
type stubbornRunner struct{}

func (stubbornRunner) Run(ctx context.Context, req pipeline.Request) pipeline.Outcome {
	time.Sleep(time.Hour)
	return pipeline.Outcome{RunID: req.RunID}
}

func TestShutdownCancelsInFlightRun(t *testing.T) {
	f := newFixture(t, 2*time.Second)
	f.runner.block = make(chan struct{}) // only ctx unblocks

	f.start(context.Background())
	require.NoError(t, f.queue.Enqueue(bus.Command{Kind: bus.KindCapture, Source: "web"}))
	waitFor(t, func() bool { return f.status.Snapshot().Busy }, "run never started")

	f.stopAndWait(t)

	runs, err := f.history.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, history.RunStateAborted, runs[0].State)
	assert.False(t, f.status.Snapshot().Busy)
}

func TestSourceUnavailableRecordsLastError(t *testing.T) {
	f := newFixture(t, time.Second)
	f.runner.outcome = func(req pipeline.Request) pipeline.Outcome {
		return pipeline.Outcome{RunID: req.RunID, Stage: pipeline.StageAcquire, Err: pipeline.ErrSourceUnavailable}
	}

	f.start(context.Background())
	require.NoError(t, f.queue.Enqueue(bus.Command{Kind: bus.KindCapture, Source: "web"}))

	waitFor(t, func() bool { return f.status.Snapshot().LastError != "" }, "error never recorded")
	snap := f.status.Snapshot()
	assert.Equal(t, status.StateIdle, snap.State)
	assert.Contains(t, snap.LastError, "image source unavailable")

	runs, err := f.history.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, history.RunStateAborted, runs[0].State)
	assert.Empty(t, runs[0].SketchPath)

	f.stopAndWait(t)
}

func TestOutputFaultStillCompletesRun(t *testing.T) {
	f := newFixture(t, time.Second)
	f.runner.outcome = func(req pipeline.Request) pipeline.Outcome {
		return pipeline.Outcome{
			RunID:      req.RunID,
			Stage:      pipeline.StageEmit,
			Err:        pipeline.ErrOutput,
			Completed:  true,
			SketchPath: "/data/images/cartoon0.png",
		}
	}

	f.start(context.Background())
	require.NoError(t, f.queue.Enqueue(bus.Command{Kind: bus.KindCapture, Source: "web"}))

	waitFor(t, func() bool {
		runs, _ := f.history.List(context.Background(), 0)
		return len(runs) == 1 && runs[0].State != history.RunStateRunning
	}, "run never finished")

	runs, _ := f.history.List(context.Background(), 0)
	assert.Equal(t, history.RunStateCompleted, runs[0].State)
	assert.Empty(t, f.status.Snapshot().LastError)

	f.stopAndWait(t)
}

func TestPrintPreviousWalksBackward(t *testing.T) {
	f := newFixture(t, time.Second)
	dir := t.TempDir()

	// Seed two completed runs whose originals exist on disk.
	var paths []string
	for i := 0; i < 2; i++ {
		run, err := f.history.Begin(context.Background(), "button")
		require.NoError(t, err)
		set := history.ImageSet{Dir: dir, Number: run.ImageNumber}
		require.NoError(t, os.WriteFile(set.ImagePath(), []byte("jpg"), 0o644))
		run.State = history.RunStateCompleted
		run.ImagePath = set.ImagePath()
		require.NoError(t, f.history.Finish(context.Background(), run))
		paths = append(paths, set.ImagePath())
	}

	f.start(context.Background())
	require.NoError(t, f.queue.Enqueue(bus.Command{Kind: bus.KindPrintPrevious, Source: "button"}))
	waitFor(t, func() bool { return len(f.printer.printed()) == 1 }, "first reprint missing")

	require.NoError(t, f.queue.Enqueue(bus.Command{Kind: bus.KindPrintPrevious, Source: "button"}))
	waitFor(t, func() bool { return len(f.printer.printed()) == 2 }, "second reprint missing")

	got := f.printer.printed()
	assert.Equal(t, paths[1], got[0]) // newest first
	assert.Equal(t, paths[0], got[1])

	f.stopAndWait(t)
}

func TestPrintPreviousWithEmptyArchiveNoOps(t *testing.T) {
	f := newFixture(t, time.Second)
	f.start(context.Background())

	require.NoError(t, f.queue.Enqueue(bus.Command{Kind: bus.KindPrintPrevious, Source: "button"}))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, f.printer.printed())
	assert.False(t, f.status.Snapshot().Busy)

	f.stopAndWait(t)
}
