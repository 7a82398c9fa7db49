package hardware

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Pattern names a visual feedback sequence on the appliance face.
type Pattern string

const (
	PatternReady     Pattern = "ready"
	PatternBusy      Pattern = "busy"
	PatternSuccess   Pattern = "success"
	PatternError     Pattern = "error"
	PatternCountdown Pattern = "countdown"
	PatternWink      Pattern = "wink"
)

// Feedback drives the status LEDs. Apply never blocks the caller.
type Feedback interface {
	Apply(p Pattern)
	Close()
}

// led is one sysfs GPIO output line.
type led struct {
	valuePath string
}

func (l led) set(on bool) {
	v := "0"
	if on {
		v = "1"
	}
	_ = os.WriteFile(l.valuePath, []byte(v), 0o644)
}

// LEDFeedback runs blink sequences on a worker goroutine; overlapping
// requests beyond the small buffer are dropped rather than queued up.
type LEDFeedback struct {
	status   led
	leftEye  led
	rightEye led
	requests chan Pattern
	stop     chan struct{}
	logger   *slog.Logger
}

// NewLEDFeedback probes the sysfs lines and returns a no-op Feedback when
// they are absent (desktop deployments).
func NewLEDFeedback(statusPin, leftPin, rightPin int, logger *slog.Logger) Feedback {
	status := gpioLED(statusPin)
	if _, err := os.Stat(status.valuePath); err != nil {
		logger.Info("gpio feedback unavailable, using no-op", "err", err)
		return NopFeedback{}
	}
	f := &LEDFeedback{
		status:   status,
		leftEye:  gpioLED(leftPin),
		rightEye: gpioLED(rightPin),
		requests: make(chan Pattern, 4),
		stop:     make(chan struct{}),
		logger:   logger,
	}
	go f.loop()
	return f
}

func gpioLED(pin int) led {
	return led{valuePath: filepath.Join("/sys/class/gpio", "gpio"+strconv.Itoa(pin), "value")}
}

func (f *LEDFeedback) Apply(p Pattern) {
	select {
	case f.requests <- p:
	default:
		f.logger.Debug("feedback pattern dropped", "pattern", string(p))
	}
}

func (f *LEDFeedback) Close() {
	close(f.stop)
}

func (f *LEDFeedback) loop() {
	for {
		select {
		case <-f.stop:
			f.status.set(false)
			f.leftEye.set(false)
			f.rightEye.set(false)
			return
		case p := <-f.requests:
			f.play(p)
		}
	}
}

func (f *LEDFeedback) play(p Pattern) {
	switch p {
	case PatternReady:
		f.status.set(true)
		f.leftEye.set(false)
		f.rightEye.set(false)
	case PatternBusy:
		f.blink(f.status, 3, 120*time.Millisecond)
	case PatternSuccess:
		f.leftEye.set(true)
		f.rightEye.set(true)
		f.sleep(400 * time.Millisecond)
		f.leftEye.set(false)
		f.rightEye.set(false)
		f.status.set(true)
	case PatternError:
		f.blink(f.status, 6, 80*time.Millisecond)
		f.status.set(true)
	case PatternCountdown:
		// Two slow pulses before a delayed capture fires.
		f.blink(f.status, 2, 900*time.Millisecond)
	case PatternWink:
		f.rightEye.set(true)
		f.sleep(250 * time.Millisecond)
		f.rightEye.set(false)
	}
}

func (f *LEDFeedback) blink(l led, times int, interval time.Duration) {
	for i := 0; i < times; i++ {
		l.set(true)
		f.sleep(interval)
		l.set(false)
		f.sleep(interval)
	}
}

// sleep is interruptible so Close never waits on a pattern.
func (f *LEDFeedback) sleep(d time.Duration) {
	select {
	case <-f.stop:
	case <-time.After(d):
	}
}

// NopFeedback satisfies Feedback on hardware-less deployments.
type NopFeedback struct{}

func (NopFeedback) Apply(Pattern) {}
func (NopFeedback) Close()        {}
