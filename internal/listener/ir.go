package listener

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sketchbooth/sketchbooth/internal/bus"
)

// irListener reads decoded key events from the lircd unix socket. Each
// line has the form "<code> <repeat> <keyname> <remote>"; repeats are
// dropped so holding a key fires once.
type irListener struct {
	socket string
}

func newIRListener(socket string) *irListener {
	return &irListener{socket: socket}
}

func (l *irListener) Kind() string { return KindIR }

func (l *irListener) Probe() error {
	if _, err := os.Stat(l.socket); err != nil {
		return fmt.Errorf("lircd socket %s: %w", l.socket, err)
	}
	return nil
}

func (l *irListener) Run(ctx context.Context, client *bus.Client, logger *slog.Logger) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", l.socket)
	if err != nil {
		return fmt.Errorf("dial lircd: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		key, repeat, err := parseIREvent(scanner.Text())
		if err != nil {
			logger.Warn("unparseable lirc line", "line", scanner.Text(), "err", err)
			continue
		}
		if repeat > 0 {
			continue
		}
		l.dispatch(ctx, client, logger, key)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read lircd: %w", err)
	}
	return nil
}

func (l *irListener) dispatch(ctx context.Context, client *bus.Client, logger *slog.Logger, key string) {
	logger.Info("ir key", "key", key)
	var err error
	switch key {
	case "KEY_OK", "KEY_ENTER":
		err = client.Capture(ctx, "")
	case "KEY_PLAY", "KEY_CAMERA":
		err = client.DelayedCapture(ctx, 2*time.Second)
	case "KEY_PRINT", "KEY_RED":
		err = client.PrintPrevious(ctx)
	case "KEY_BLUE":
		err = client.Feedback(ctx, "wink")
	default:
		return
	}
	if err != nil {
		logger.Warn("ir command dropped", "key", key, "err", err)
	}
}

// parseIREvent splits a lircd broadcast line into key name and repeat
// count. The code field is ignored.
func parseIREvent(line string) (key string, repeat int, err error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return "", 0, fmt.Errorf("expected at least 3 fields, got %d", len(fields))
	}
	repeat, err = strconv.Atoi(fields[1])
	if err != nil {
		return "", 0, fmt.Errorf("repeat count: %w", err)
	}
	return fields[2], repeat, nil
}
