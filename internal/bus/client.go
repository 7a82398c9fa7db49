package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sketchbooth/sketchbooth/internal/status"
)

var (
	// ErrDisconnected means the bus was unreachable after the single
	// bounded retry. Callers log and keep listening; triggers are
	// best-effort.
	ErrDisconnected = errors.New("bus: disconnected")
	// ErrBusy means the supervisor dropped the trigger (queue full).
	ErrBusy = errors.New("bus: busy, trigger dropped")
)

const retryDelay = 250 * time.Millisecond

// Client issues bus commands over the loopback HTTP surface.
type Client struct {
	base       string
	listenerID string
	hc         *http.Client
}

func NewClient(addr, listenerID string) *Client {
	return &Client{
		base:       "http://" + addr,
		listenerID: listenerID,
		hc:         &http.Client{Timeout: 5 * time.Second},
	}
}

type captureRequest struct {
	SourcePath string `json:"source_path,omitempty"`
}

type delayedCaptureRequest struct {
	DelayMS int64 `json:"delay_ms"`
}

type feedbackRequest struct {
	Pattern string `json:"pattern"`
}

func (c *Client) Capture(ctx context.Context, sourcePath string) error {
	return c.post(ctx, "/api/commands/capture", captureRequest{SourcePath: sourcePath})
}

func (c *Client) DelayedCapture(ctx context.Context, delay time.Duration) error {
	return c.post(ctx, "/api/commands/delayed-capture", delayedCaptureRequest{DelayMS: delay.Milliseconds()})
}

func (c *Client) PrintPrevious(ctx context.Context) error {
	return c.post(ctx, "/api/commands/print-previous", struct{}{})
}

func (c *Client) Feedback(ctx context.Context, pattern string) error {
	return c.post(ctx, "/api/commands/feedback", feedbackRequest{Pattern: pattern})
}

func (c *Client) Shutdown(ctx context.Context) error {
	return c.post(ctx, "/api/commands/shutdown", struct{}{})
}

// Status blocks until the current snapshot is returned.
func (c *Client) Status(ctx context.Context) (status.Snapshot, error) {
	var snap status.Snapshot
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/status", nil)
	if err != nil {
		return snap, err
	}
	req.Header.Set("X-Listener-ID", c.listenerID)
	resp, err := c.hc.Do(req)
	if err != nil {
		return snap, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return snap, fmt.Errorf("bus: status query failed: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return snap, fmt.Errorf("bus: decoding status: %w", err)
	}
	return snap, nil
}

// post performs one request with at most one retry on connection failure.
func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	err = c.doPost(ctx, path, body)
	if !errors.Is(err, ErrDisconnected) {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(retryDelay):
	}
	return c.doPost(ctx, path, body)
}

func (c *Client) doPost(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Listener-ID", c.listenerID)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests:
		return ErrBusy
	default:
		return fmt.Errorf("bus: command rejected: %s", resp.Status)
	}
}
