package listener

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"time"

	"github.com/sketchbooth/sketchbooth/internal/bus"
)

const (
	clapSampleRate = 16000
	clapChunk      = 1024 // samples per RMS window, ~64ms at 16kHz
	clapWindow     = 1500 * time.Millisecond
	clapCooldown   = 300 * time.Millisecond
)

// clapListener records mono S16_LE audio through arecord and counts RMS
// peaks. Two claps inside the window request a capture, three a delayed
// capture.
type clapListener struct {
	device    string
	threshold float64
}

func newClapListener(device string, threshold int) *clapListener {
	if threshold <= 0 {
		threshold = 10000
	}
	return &clapListener{device: device, threshold: float64(threshold)}
}

func (l *clapListener) Kind() string { return KindClap }

func (l *clapListener) Probe() error {
	if _, err := exec.LookPath("arecord"); err != nil {
		return fmt.Errorf("arecord not installed: %w", err)
	}
	return nil
}

func (l *clapListener) Run(ctx context.Context, client *bus.Client, logger *slog.Logger) error {
	args := []string{"-q", "-f", "S16_LE", "-c", "1", "-r", fmt.Sprint(clapSampleRate), "-t", "raw"}
	if l.device != "" {
		args = append(args, "-D", l.device)
	}
	cmd := exec.CommandContext(ctx, "arecord", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start arecord: %w", err)
	}
	defer cmd.Wait()

	counter := newClapCounter(l.threshold, clapWindow, clapCooldown)
	buf := make([]byte, clapChunk*2)
	for {
		if _, err := io.ReadFull(stdout, buf); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read audio: %w", err)
		}
		switch counter.feed(rms(buf), time.Now()) {
		case 2:
			logger.Info("double clap")
			if err := client.Capture(ctx, ""); err != nil {
				logger.Warn("capture dropped", "err", err)
			}
		case 3:
			logger.Info("triple clap")
			if err := client.DelayedCapture(ctx, 2*time.Second); err != nil {
				logger.Warn("capture dropped", "err", err)
			}
		}
	}
}

// rms computes the root mean square of little-endian 16-bit samples.
func rms(raw []byte) float64 {
	var sum float64
	n := len(raw) / 2
	if n == 0 {
		return 0
	}
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(n))
}

// clapCounter is the pure peak-grouping state machine. feed returns the
// clap count when a group completes (window elapsed since the first
// clap), otherwise 0.
type clapCounter struct {
	threshold float64
	window    time.Duration
	cooldown  time.Duration

	firstClap time.Time
	lastClap  time.Time
	count     int
}

func newClapCounter(threshold float64, window, cooldown time.Duration) *clapCounter {
	return &clapCounter{threshold: threshold, window: window, cooldown: cooldown}
}

func (c *clapCounter) feed(level float64, now time.Time) int {
	if c.count > 0 && now.Sub(c.firstClap) >= c.window {
		done := c.count
		c.count = 0
		c.firstClap = time.Time{}
		if done >= 2 {
			return done
		}
	}
	if level < c.threshold {
		return 0
	}
	if !c.lastClap.IsZero() && now.Sub(c.lastClap) < c.cooldown {
		return 0
	}
	c.lastClap = now
	if c.count == 0 {
		c.firstClap = now
	}
	c.count++
	return 0
}
