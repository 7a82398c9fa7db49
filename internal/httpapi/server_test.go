package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sketchbooth/sketchbooth/internal/bus"
	"github.com/sketchbooth/sketchbooth/internal/history"
	"github.com/sketchbooth/sketchbooth/internal/status"
)

func newAPI(t *testing.T, queueSize int) (*API, *bus.Queue, *history.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	queue := bus.NewQueue(queueSize)
	t.Cleanup(queue.Close)
	hist, err := history.New(context.Background(), filepath.Join(t.TempDir(), "test.db"), 50, 10000, logger)
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })
	st := status.NewStore([]status.Capability{{ListenerID: "web-1", Kind: "web", Available: true}})
	return New(queue, st, hist, logger), queue, hist
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCaptureEnqueuesCommand(t *testing.T) {
	api, queue, _ := newAPI(t, 4)
	h := api.Handler()

	rec := postJSON(t, h, "/api/commands/capture", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	cmd := <-queue.Commands()
	assert.Equal(t, bus.KindCapture, cmd.Kind)
	assert.NotEmpty(t, cmd.ID)
	assert.Equal(t, "web", cmd.Source)
}

func TestCaptureCarriesListenerID(t *testing.T) {
	api, queue, _ := newAPI(t, 4)
	h := api.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/commands/capture", nil)
	req.Header.Set("X-Listener-ID", "button-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	cmd := <-queue.Commands()
	assert.Equal(t, "button-42", cmd.Source)
}

func TestDelayedCaptureCarriesDelay(t *testing.T) {
	api, queue, _ := newAPI(t, 4)
	h := api.Handler()

	rec := postJSON(t, h, "/api/commands/delayed-capture", map[string]any{"delay_ms": 1500})
	require.Equal(t, http.StatusAccepted, rec.Code)

	cmd := <-queue.Commands()
	assert.Equal(t, bus.KindDelayedCapture, cmd.Kind)
	assert.Equal(t, int64(1500), cmd.Delay.Milliseconds())
}

func TestFullQueueReturns503(t *testing.T) {
	api, _, _ := newAPI(t, 1)
	h := api.Handler()

	rec := postJSON(t, h, "/api/commands/capture", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = postJSON(t, h, "/api/commands/capture", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFeedbackRequiresPattern(t *testing.T) {
	api, _, _ := newAPI(t, 4)
	h := api.Handler()

	rec := postJSON(t, h, "/api/commands/feedback", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, h, "/api/commands/feedback", map[string]any{"pattern": "wink"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestStatusBypassesQueue(t *testing.T) {
	// A full queue must not affect status reads.
	api, _, _ := newAPI(t, 1)
	h := api.Handler()
	postJSON(t, h, "/api/commands/capture", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap status.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, status.StateIdle, snap.State)
	require.Len(t, snap.Capabilities, 1)
	assert.Equal(t, "web", snap.Capabilities[0].Kind)
}

func TestRunLookup(t *testing.T) {
	api, _, hist := newAPI(t, 4)
	h := api.Handler()
	ctx := context.Background()

	run, err := hist.Begin(ctx, "button")
	require.NoError(t, err)
	run.State = history.RunStateCompleted
	run.Labels = []string{"person"}
	require.NoError(t, hist.Finish(ctx, run))

	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+jsonID(run.ID), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got history.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, []string{"person"}, got.Labels)

	req = httptest.NewRequest(http.MethodGet, "/api/runs/99999", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunArtifactServesFile(t *testing.T) {
	api, _, hist := newAPI(t, 4)
	h := api.Handler()
	ctx := context.Background()

	dir := t.TempDir()
	sketch := filepath.Join(dir, "cartoon1.png")
	require.NoError(t, os.WriteFile(sketch, []byte("png-bytes"), 0o644))

	run, err := hist.Begin(ctx, "web")
	require.NoError(t, err)
	run.State = history.RunStateCompleted
	run.SketchPath = sketch
	require.NoError(t, hist.Finish(ctx, run))

	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+jsonID(run.ID)+"/cartoon", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png-bytes", rec.Body.String())

	// Missing artifact path is a 404, not a 500.
	req = httptest.NewRequest(http.MethodGet, "/api/runs/"+jsonID(run.ID)+"/original", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRunsNewestFirst(t *testing.T) {
	api, _, hist := newAPI(t, 4)
	h := api.Handler()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		run, err := hist.Begin(ctx, "web")
		require.NoError(t, err)
		run.State = history.RunStateCompleted
		require.NoError(t, hist.Finish(ctx, run))
	}

	req := httptest.NewRequest(http.MethodGet, "/api/runs?limit=2", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Items []history.Run `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Items, 2)
	assert.Greater(t, payload.Items[0].ID, payload.Items[1].ID)
}

func jsonID(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
