// Package listener implements the stimulus sources that trigger the
// appliance: GPIO button, IR remote, clap detection and a shake sensor.
// Each listener runs in its own subprocess and talks to the daemon only
// through the bus client, so a crashing sensor loop never takes the
// supervisor down with it.
package listener

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/sketchbooth/sketchbooth/internal/bus"
	"github.com/sketchbooth/sketchbooth/internal/config"
)

// Stimulus kinds as they appear in config, status capabilities and the
// -listener flag. "web" is a capability only; it is served in-process by
// the HTTP API and never spawned.
const (
	KindButton = "button"
	KindIR     = "ir"
	KindClap   = "clap"
	KindAccel  = "accel"
	KindWeb    = "web"
)

// Listener is a single stimulus source. Probe checks that the backing
// hardware is reachable without claiming it; Run blocks until ctx is
// cancelled or the source fails permanently.
type Listener interface {
	Kind() string
	Probe() error
	Run(ctx context.Context, client *bus.Client, logger *slog.Logger) error
}

// ForKind builds the listener for a stimulus kind from config.
func ForKind(kind string, cfg config.Config) (Listener, error) {
	switch kind {
	case KindButton:
		return newButtonListener(cfg.Listeners.ButtonGPIOPin), nil
	case KindIR:
		return newIRListener(cfg.Listeners.LircSocket), nil
	case KindClap:
		return newClapListener(cfg.Listeners.AlsaDevice, cfg.Listeners.ClapThreshold), nil
	case KindAccel:
		return newAccelListener(cfg.Listeners.I2CBus, cfg.Listeners.I2CAddr), nil
	default:
		return nil, fmt.Errorf("unknown listener kind %q", kind)
	}
}

// Probe reports whether the stimulus kind's hardware is present. The web
// kind needs no hardware and always probes clean.
func Probe(kind string, cfg config.Config) error {
	if kind == KindWeb {
		return nil
	}
	l, err := ForKind(kind, cfg)
	if err != nil {
		return err
	}
	return l.Probe()
}

// Main is the subprocess entry point. It connects to the bus at addr and
// runs the listener loop until ctx is cancelled.
func Main(ctx context.Context, kind, addr string, cfg config.Config, logger *slog.Logger) error {
	l, err := ForKind(kind, cfg)
	if err != nil {
		return err
	}
	id := kind + "-" + uuid.NewString()[:8]
	client := bus.NewClient(addr, id)
	logger = logger.With("listener", kind, "listener_id", id)
	logger.Info("listener started", "bus_addr", addr)
	err = l.Run(ctx, client, logger)
	if err != nil && ctx.Err() == nil {
		logger.Error("listener failed", "err", err)
		return err
	}
	logger.Info("listener stopped")
	return nil
}
