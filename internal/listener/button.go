package listener

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sketchbooth/sketchbooth/internal/bus"
)

const (
	buttonPollInterval = 20 * time.Millisecond
	buttonHoldPrint    = 2 * time.Second
)

// buttonListener polls a sysfs GPIO pin wired to a momentary push button.
// A short press captures; a hold of two seconds or more reprints the
// previous cartoon.
type buttonListener struct {
	pin int
}

func newButtonListener(pin int) *buttonListener {
	return &buttonListener{pin: pin}
}

func (b *buttonListener) Kind() string { return KindButton }

func (b *buttonListener) valuePath() string {
	return fmt.Sprintf("/sys/class/gpio/gpio%d/value", b.pin)
}

func (b *buttonListener) Probe() error {
	if _, err := os.Stat(b.valuePath()); err != nil {
		return fmt.Errorf("gpio pin %d not exported: %w", b.pin, err)
	}
	return nil
}

func (b *buttonListener) Run(ctx context.Context, client *bus.Client, logger *slog.Logger) error {
	ticker := time.NewTicker(buttonPollInterval)
	defer ticker.Stop()

	var pressedAt time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		pressed, err := b.readPressed()
		if err != nil {
			return err
		}

		switch {
		case pressed && pressedAt.IsZero():
			pressedAt = time.Now()
		case !pressed && !pressedAt.IsZero():
			held := time.Since(pressedAt)
			pressedAt = time.Time{}
			if held >= buttonHoldPrint {
				logger.Info("button held, reprinting previous")
				if err := client.PrintPrevious(ctx); err != nil {
					logger.Warn("print-previous dropped", "err", err)
				}
				continue
			}
			logger.Info("button pressed", "held", held)
			if err := client.Capture(ctx, ""); err != nil {
				logger.Warn("capture dropped", "err", err)
			}
		}
	}
}

// readPressed treats a grounded (0) pin as pressed; the pin is expected
// to be pulled up.
func (b *buttonListener) readPressed() (bool, error) {
	raw, err := os.ReadFile(b.valuePath())
	if err != nil {
		return false, fmt.Errorf("read gpio %d: %w", b.pin, err)
	}
	return strings.TrimSpace(string(raw)) == "0", nil
}
