// sketchboothd is the photobooth appliance daemon. Started without flags
// it runs the supervisor, the command bus and the listener subprocesses;
// started with -listener it becomes one of those subprocesses.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sketchbooth/sketchbooth/internal/bus"
	"github.com/sketchbooth/sketchbooth/internal/config"
	"github.com/sketchbooth/sketchbooth/internal/detect"
	"github.com/sketchbooth/sketchbooth/internal/hardware"
	"github.com/sketchbooth/sketchbooth/internal/history"
	"github.com/sketchbooth/sketchbooth/internal/httpapi"
	"github.com/sketchbooth/sketchbooth/internal/listener"
	"github.com/sketchbooth/sketchbooth/internal/logging"
	"github.com/sketchbooth/sketchbooth/internal/pipeline"
	"github.com/sketchbooth/sketchbooth/internal/procman"
	"github.com/sketchbooth/sketchbooth/internal/sketch"
	"github.com/sketchbooth/sketchbooth/internal/status"
	"github.com/sketchbooth/sketchbooth/internal/supervisor"
	"github.com/sketchbooth/sketchbooth/internal/watcher"
)

const busQueueSize = 16

func main() {
	var (
		configPath    = flag.String("config", "/etc/sketchbooth/config.toml", "path to the TOML config file")
		listenerKind  = flag.String("listener", "", "run as a listener subprocess of the given kind")
		busAddr       = flag.String("bus", "", "bus address override (listener mode)")
		listeners     = flag.String("listeners", "", "comma-separated listener kinds, overrides config")
		noCamera      = flag.Bool("no-camera", false, "disable the camera even if configured")
		forceDownload = flag.Bool("force-download", false, "re-download the label map on startup")
	)
	flag.Parse()

	result, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	cfg := result.Config
	if *listeners != "" {
		cfg.Listeners.Enabled = splitKinds(*listeners)
	}
	if *noCamera {
		cfg.Camera.Enabled = false
	}
	if *forceDownload {
		cfg.Detector.ForceDownload = true
	}
	if *busAddr != "" {
		cfg.Bus.Addr = *busAddr
	}

	logger := logging.New(logging.ParseLevel(cfg.LogLevel))
	for _, warning := range result.Warnings {
		logger.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *listenerKind != "" {
		if err := listener.Main(ctx, *listenerKind, cfg.Bus.Addr, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, cfg, *configPath, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, configPath string, logger *slog.Logger) error {
	for _, dir := range []string{cfg.Storage.ImageDir, cfg.DBDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if cfg.Detector.LabelMapURL != "" {
		if err := detect.EnsureLabelMap(ctx, cfg.Detector.LabelMapURL, cfg.Detector.LabelMapPath,
			cfg.Detector.ForceDownload, logger); err != nil {
			logger.Warn("label map download failed, detection labels may be raw ids", "err", err)
		}
	}

	hist, err := history.New(ctx, cfg.Storage.DBPath, cfg.Storage.HistoryLimit, cfg.Storage.MaxImageNumber, logger)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer hist.Close()

	detector := detect.NewClient(cfg.Detector.BaseURL, detect.Params{
		Threshold:             cfg.Pipeline.Threshold,
		MaxOverlapping:        cfg.Pipeline.MaxOverlapping,
		MaxObjects:            cfg.Pipeline.MaxObjects,
		MinInferenceDimension: cfg.Pipeline.MinInferenceDimension,
		MaxInferenceDimension: cfg.Pipeline.MaxInferenceDimension,
	}, logger)
	if !detector.Probe(ctx) {
		logger.Warn("detector not reachable yet, first capture may fail", "base_url", cfg.Detector.BaseURL)
	}

	var camera pipeline.Camera
	if cfg.Camera.Enabled && hardware.ProbeCamera(cfg.Camera.Command, cfg.Camera.Device) {
		camera = hardware.NewStillCamera(cfg.Camera.Command, cfg.Camera.Device, logger)
	} else {
		logger.Warn("camera disabled or absent, only dropped and uploaded images will work")
	}

	var printer *hardware.LPPrinter
	if cfg.Printer.Enabled && hardware.ProbePrinter() {
		printer = hardware.NewLPPrinter(cfg.Printer.Destination, logger)
	} else {
		logger.Warn("printer disabled or lp not installed, runs will complete without printing")
	}

	feedback := hardware.NewLEDFeedback(cfg.Feedback.StatusLEDPin, cfg.Feedback.LeftEyePin, cfg.Feedback.RightEyePin, logger)
	defer feedback.Close()

	sketcher := sketch.New(cfg.Detector.DatasetDir, logger)
	pipe := pipeline.New(camera, detector, sketcher, printerOrNil(printer), cfg.Pipeline.FitWidth, cfg.Pipeline.FitHeight, logger)

	caps := procman.Probe(cfg, logger)
	store := status.NewStore(caps)
	queue := bus.NewQueue(busQueueSize)

	sup := supervisor.New(supervisor.Options{
		Queue:         queue,
		Status:        store,
		History:       hist,
		Runner:        pipe,
		Printer:       supervisorPrinter(printer),
		Feedback:      feedback,
		ImageDir:      cfg.Storage.ImageDir,
		CaptureDelay:  cfg.Pipeline.CaptureDelay,
		ShutdownGrace: cfg.Shutdown.Grace,
		Logger:        logger,
	})

	api := httpapi.New(queue, store, hist, logger)

	manager := procman.New(procman.Options{
		ConfigPath: configPath,
		BusAddr:    cfg.Bus.Addr,
		Status:     store,
		Logger:     logger,
	})

	// A shutdown command on the bus ends the supervisor without an error;
	// cancelRun makes that tear the rest of the group down too.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	group, groupCtx := errgroup.WithContext(runCtx)

	group.Go(func() error {
		defer cancelRun()
		return sup.Run(groupCtx)
	})

	busServer := &http.Server{
		Addr:              cfg.Bus.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	group.Go(func() error {
		logger.Info("bus listening", "addr", cfg.Bus.Addr)
		return httpapi.RunServer(groupCtx, busServer, logger)
	})

	if cfg.Web.Addr != "" {
		webServer := &http.Server{
			Addr:              cfg.Web.Addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			logger.Info("web remote listening", "addr", cfg.Web.Addr)
			return httpapi.RunServer(groupCtx, webServer, logger)
		})
	}

	if cfg.Watch.Enabled && cfg.Watch.Dir != "" {
		watchClient := bus.NewClient(cfg.Bus.Addr, "watch-dir")
		w := watcher.New(cfg.Watch.Dir, watchClient, logger)
		group.Go(func() error {
			err := w.Run(groupCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	manager.Start(caps)
	logger.Info("sketchbooth up", "bus", cfg.Bus.Addr, "listeners", strings.Join(cfg.Listeners.Enabled, ","))

	<-groupCtx.Done()

	// Teardown order matters: stimuli stop first so no new commands
	// arrive, then the supervisor drains within its grace period via the
	// errgroup wait, then the servers close.
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	manager.Stop(stopCtx)
	queue.Close()

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("sketchbooth stopped")
	return nil
}

// printerOrNil keeps a typed-nil *LPPrinter out of the Printer interface.
func printerOrNil(p *hardware.LPPrinter) pipeline.Printer {
	if p == nil {
		return nil
	}
	return p
}

func supervisorPrinter(p *hardware.LPPrinter) supervisor.Printer {
	if p == nil {
		return nil
	}
	return p
}

func splitKinds(raw string) []string {
	parts := strings.Split(raw, ",")
	kinds := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			kinds = append(kinds, trimmed)
		}
	}
	return kinds
}
