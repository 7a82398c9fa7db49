// Package supervisor owns the capture pipeline lifecycle. It is the sole
// consumer of the bus queue and the sole writer of the appliance run
// state. A non-blocking single-flight lock guarantees at most one pipeline
// run (or reserved delayed capture) at a time; triggers arriving while the
// lock is held are dropped silently. The pipeline itself executes on a
// worker goroutine so the loop stays responsive to shutdown while a
// capture is underway.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/sketchbooth/sketchbooth/internal/bus"
	"github.com/sketchbooth/sketchbooth/internal/hardware"
	"github.com/sketchbooth/sketchbooth/internal/history"
	"github.com/sketchbooth/sketchbooth/internal/pipeline"
	"github.com/sketchbooth/sketchbooth/internal/status"
)

// Runner executes one capture cycle. Satisfied by *pipeline.Pipeline.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Outcome
}

// Printer reprints archived originals. May be nil on printer-less
// deployments.
type Printer interface {
	Print(ctx context.Context, path string) error
}

// Options wires the supervisor's collaborators.
type Options struct {
	Queue         *bus.Queue
	Status        *status.Store
	History       *history.Store
	Runner        Runner
	Printer       Printer
	Feedback      hardware.Feedback
	ImageDir      string
	CaptureDelay  time.Duration
	ShutdownGrace time.Duration
	Logger        *slog.Logger
}

type result struct {
	out       pipeline.Outcome
	run       *history.Run
	printOnly bool
	printErr  error
}

type Supervisor struct {
	queue    *bus.Queue
	status   *status.Store
	history  *history.Store
	runner   Runner
	printer  Printer
	feedback hardware.Feedback
	imageDir string
	delay    time.Duration
	grace    time.Duration
	logger   *slog.Logger

	// Single-flight lock. Acquired non-blockingly, released on every exit
	// path of a running cycle, including forced shutdown.
	inflight atomic.Bool

	done      chan result
	current   *history.Run
	runCancel context.CancelFunc

	delayTimer     *time.Timer
	delayC         <-chan time.Time
	pendingTrigger string
	pendingSource  string

	// printCursor walks the archive backward across successive
	// print-previous triggers.
	printCursor int64
}

func New(opts Options) *Supervisor {
	if opts.CaptureDelay <= 0 {
		opts.CaptureDelay = 2 * time.Second
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}
	if opts.Feedback == nil {
		opts.Feedback = hardware.NopFeedback{}
	}
	return &Supervisor{
		queue:    opts.Queue,
		status:   opts.Status,
		history:  opts.History,
		runner:   opts.Runner,
		printer:  opts.Printer,
		feedback: opts.Feedback,
		imageDir: opts.ImageDir,
		delay:    opts.CaptureDelay,
		grace:    opts.ShutdownGrace,
		logger:   opts.Logger,
		done:     make(chan result, 1),
	}
}

// Run consumes bus commands until a shutdown command arrives or ctx is
// cancelled. It returns only after the in-flight pipeline (if any) has
// been given its grace period and the lock is released.
func (s *Supervisor) Run(ctx context.Context) error {
	s.feedback.Apply(hardware.PatternReady)
	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case cmd, ok := <-s.queue.Commands():
			if !ok {
				return s.shutdown()
			}
			if cmd.Kind == bus.KindShutdown {
				s.logger.Info("shutdown requested", "source", cmd.Source)
				return s.shutdown()
			}
			s.handle(ctx, cmd)
		case <-s.delayC:
			s.delayC = nil
			s.startRun(ctx, s.pendingTrigger, s.pendingSource)
		case res := <-s.done:
			s.finish(res)
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, cmd bus.Command) {
	switch cmd.Kind {
	case bus.KindCapture:
		if !s.inflight.CompareAndSwap(false, true) {
			s.logger.Info("capture ignored, another operation is in progress", "source", cmd.Source)
			return
		}
		s.startRun(ctx, cmd.Source, cmd.SourcePath)

	case bus.KindDelayedCapture:
		// Pending delay counts as lock reserved, not merely held during
		// execution: a second trigger while one is pending is dropped.
		if !s.inflight.CompareAndSwap(false, true) {
			s.logger.Info("delayed capture ignored, another operation is in progress", "source", cmd.Source)
			return
		}
		delay := cmd.Delay
		if delay <= 0 {
			delay = s.delay
		}
		s.pendingTrigger = cmd.Source
		s.pendingSource = cmd.SourcePath
		s.delayTimer = time.NewTimer(delay)
		s.delayC = s.delayTimer.C
		s.status.SetPendingDelay(true)
		s.feedback.Apply(hardware.PatternCountdown)
		s.logger.Info("capture scheduled", "source", cmd.Source, "delay", delay)

	case bus.KindPrintPrevious:
		if !s.inflight.CompareAndSwap(false, true) {
			s.logger.Info("print-previous ignored, another operation is in progress", "source", cmd.Source)
			return
		}
		s.printPrevious(ctx, cmd.Source)

	case bus.KindFeedback:
		s.feedback.Apply(hardware.Pattern(cmd.Pattern))

	default:
		s.logger.Warn("unknown bus command dropped", "kind", string(cmd.Kind), "source", cmd.Source)
	}
}

// startRun is called with the single-flight lock held.
func (s *Supervisor) startRun(ctx context.Context, trigger, sourcePath string) {
	run, err := s.history.Begin(context.Background(), trigger)
	if err != nil {
		s.logger.Error("failed to open run record", "err", err)
		s.status.SetIdle(0, "")
		s.inflight.Store(false)
		return
	}
	s.current = run
	s.status.SetRunning(run.ID, trigger)
	s.feedback.Apply(hardware.PatternBusy)
	s.logger.Info("pipeline run accepted", "run_id", run.ID, "trigger", trigger)

	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel

	req := pipeline.Request{
		RunID:      run.ID,
		Set:        history.ImageSet{Dir: s.imageDir, Number: run.ImageNumber},
		SourcePath: sourcePath,
	}
	go func() {
		s.done <- result{out: s.runner.Run(runCtx, req), run: run}
	}()
}

// printPrevious reprints archived originals, walking backward one run per
// trigger, skipping runs whose file has since been overwritten.
func (s *Supervisor) printPrevious(ctx context.Context, source string) {
	release := func() {
		s.status.SetIdle(0, "")
		s.inflight.Store(false)
	}
	if s.printer == nil {
		s.logger.Info("print-previous ignored, no printer attached", "source", source)
		release()
		return
	}

	cursor := s.printCursor
	for {
		run, err := s.history.PreviousCompleted(context.Background(), cursor)
		if errors.Is(err, history.ErrNotFound) {
			s.logger.Info("no previous original available")
			s.printCursor = 0
			release()
			return
		}
		if err != nil {
			s.logger.Error("previous-original lookup failed", "err", err)
			release()
			return
		}
		cursor = run.ID
		if _, statErr := os.Stat(run.ImagePath); statErr != nil {
			// Image number wrapped and the file was overwritten; keep
			// walking.
			continue
		}
		s.printCursor = run.ID
		s.status.SetRunning(0, "print_previous")
		s.logger.Info("reprinting original", "run_id", run.ID, "path", run.ImagePath)
		go func(path string) {
			s.done <- result{printOnly: true, printErr: s.printer.Print(ctx, path)}
		}(run.ImagePath)
		return
	}
}

// finish consumes a worker result and releases the lock. This is the only
// place a running cycle transitions back to idle.
func (s *Supervisor) finish(res result) {
	if res.printOnly {
		if res.printErr != nil {
			s.logger.Warn("reprint failed", "err", res.printErr)
			s.feedback.Apply(hardware.PatternError)
		}
		s.status.SetIdle(0, "")
		s.inflight.Store(false)
		return
	}

	run, out := res.run, res.out
	run.Labels = out.Labels
	run.ImagePath = out.ImagePath
	run.SketchPath = out.SketchPath
	run.Printed = out.Printed
	if out.Completed {
		run.State = history.RunStateCompleted
		run.Error = out.ErrorString() // output fault, if any; run still completed
	} else {
		run.State = history.RunStateAborted
		run.Error = out.ErrorString()
	}
	if err := s.history.Finish(context.Background(), run); err != nil {
		s.logger.Error("failed to archive run", "run_id", run.ID, "err", err)
	}

	if out.Completed {
		s.status.SetIdle(run.ID, "")
		s.feedback.Apply(hardware.PatternSuccess)
		s.logger.Info("pipeline run completed", "run_id", run.ID, "labels", run.Labels, "printed", run.Printed)
	} else {
		s.status.SetIdle(run.ID, run.Error)
		s.feedback.Apply(hardware.PatternError)
		s.logger.Warn("pipeline run aborted", "run_id", run.ID, "stage", string(out.Stage), "err", out.Err)
	}
	// Reprint cursor restarts from the newest original after a new capture.
	s.printCursor = 0

	s.current = nil
	s.runCancel = nil
	s.inflight.Store(false)
}

// shutdown cancels any pending delay, gives an in-flight run the grace
// period, then releases everything unconditionally.
func (s *Supervisor) shutdown() error {
	s.status.SetShuttingDown()

	if s.delayC != nil {
		s.delayTimer.Stop()
		s.delayC = nil
		s.inflight.Store(false)
		s.logger.Info("pending delayed capture cancelled by shutdown")
	}

	if s.inflight.Load() {
		if s.runCancel != nil {
			s.runCancel()
		}
		select {
		case res := <-s.done:
			s.finish(res)
		case <-time.After(s.grace):
			s.logger.Warn("pipeline did not stop within grace period, forcing abort")
			if s.current != nil {
				s.current.State = history.RunStateAborted
				s.current.Error = "shutdown grace period exceeded"
				if err := s.history.Finish(context.Background(), s.current); err != nil {
					s.logger.Error("failed to archive aborted run", "err", err)
				}
				s.status.SetIdle(s.current.ID, s.current.Error)
				s.current = nil
			}
			s.inflight.Store(false)
		}
	}

	s.logger.Info("supervisor stopped")
	return nil
}
