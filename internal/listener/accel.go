package listener

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sketchbooth/sketchbooth/internal/bus"
)

// MMA8452Q registers. The sensor is configured for single-tap detection
// on all axes; a tap (knock on the enclosure) triggers a capture.
const (
	i2cSlave = 0x0703 // I2C_SLAVE ioctl

	regStatus   = 0x00
	regWhoAmI   = 0x0d
	regPulseSrc = 0x22
	regPulseCfg = 0x21
	regCtrl1    = 0x2a

	whoAmIMMA8452Q = 0x2a
	pulseEA        = 0x80 // event active flag in PULSE_SRC
)

const accelPollInterval = 50 * time.Millisecond

type accelListener struct {
	bus  string
	addr int
}

func newAccelListener(busPath string, addr int) *accelListener {
	if addr == 0 {
		addr = 0x1d
	}
	return &accelListener{bus: busPath, addr: addr}
}

func (l *accelListener) Kind() string { return KindAccel }

func (l *accelListener) Probe() error {
	dev, err := l.open()
	if err != nil {
		return err
	}
	defer dev.close()
	id, err := dev.readReg(regWhoAmI)
	if err != nil {
		return fmt.Errorf("read WHO_AM_I: %w", err)
	}
	if id != whoAmIMMA8452Q {
		return fmt.Errorf("unexpected WHO_AM_I 0x%02x at 0x%02x", id, l.addr)
	}
	return nil
}

func (l *accelListener) Run(ctx context.Context, client *bus.Client, logger *slog.Logger) error {
	dev, err := l.open()
	if err != nil {
		return err
	}
	defer dev.close()

	// Standby, enable single tap on x/y/z, back to active.
	if err := dev.writeReg(regCtrl1, 0x00); err != nil {
		return fmt.Errorf("enter standby: %w", err)
	}
	if err := dev.writeReg(regPulseCfg, 0x15); err != nil {
		return fmt.Errorf("configure tap: %w", err)
	}
	if err := dev.writeReg(regCtrl1, 0x01); err != nil {
		return fmt.Errorf("activate: %w", err)
	}

	ticker := time.NewTicker(accelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		src, err := dev.readReg(regPulseSrc)
		if err != nil {
			return fmt.Errorf("read PULSE_SRC: %w", err)
		}
		if src&pulseEA == 0 {
			continue
		}
		logger.Info("tap detected", "pulse_src", fmt.Sprintf("0x%02x", src))
		if err := client.Capture(ctx, ""); err != nil {
			logger.Warn("capture dropped", "err", err)
		}
	}
}

type i2cDev struct {
	f *os.File
}

func (l *accelListener) open() (*i2cDev, error) {
	f, err := os.OpenFile(l.bus, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", l.bus, err)
	}
	if err := unix.IoctlSetInt(int(f.Fd()), i2cSlave, l.addr); err != nil {
		f.Close()
		return nil, fmt.Errorf("select slave 0x%02x: %w", l.addr, err)
	}
	return &i2cDev{f: f}, nil
}

func (d *i2cDev) close() error { return d.f.Close() }

func (d *i2cDev) readReg(reg byte) (byte, error) {
	if _, err := d.f.Write([]byte{reg}); err != nil {
		return 0, err
	}
	buf := make([]byte, 1)
	if _, err := d.f.Read(buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (d *i2cDev) writeReg(reg, value byte) error {
	_, err := d.f.Write([]byte{reg, value})
	return err
}
