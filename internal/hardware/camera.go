// Package hardware holds the appliance's peripheral collaborators: still
// camera, thermal printer and LED feedback. Every peripheral degrades to a
// no-op or an error outcome when absent; nothing here may crash the daemon.
package hardware

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

const captureTimeout = 30 * time.Second

// StillCamera shells out to the platform still-capture tool
// (libcamera-still on the reference appliance).
type StillCamera struct {
	command string
	device  string
	logger  *slog.Logger
}

func NewStillCamera(command, device string, logger *slog.Logger) *StillCamera {
	return &StillCamera{command: command, device: device, logger: logger}
}

func (c *StillCamera) Capture(ctx context.Context, dest string) error {
	ctx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.command, "-n", "-o", dest)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("still capture failed: %w: %s", err, firstLine(output))
	}
	if _, err := os.Stat(dest); err != nil {
		return fmt.Errorf("still capture produced no file: %w", err)
	}
	c.logger.Info("image captured", "path", dest)
	return nil
}

// ProbeCamera reports whether the capture tool and the camera node are
// both present. Decided once at startup; no mid-run retries.
func ProbeCamera(command, device string) bool {
	if _, err := exec.LookPath(command); err != nil {
		return false
	}
	if device == "" {
		return true
	}
	_, err := os.Stat(device)
	return err == nil
}

func firstLine(b []byte) string {
	for i, c := range b {
		if c == '\n' {
			return string(b[:i])
		}
	}
	return string(b)
}
