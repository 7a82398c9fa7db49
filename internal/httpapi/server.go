// Package httpapi exposes the event bus and the web remote-control
// surface: command endpoints feeding the supervisor's FIFO queue, status
// snapshots, the run archive and a websocket status stream. The same
// handler serves the loopback bus address and, when configured, an
// external web address.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/sketchbooth/sketchbooth/internal/bus"
	"github.com/sketchbooth/sketchbooth/internal/history"
	"github.com/sketchbooth/sketchbooth/internal/status"
)

type API struct {
	queue   *bus.Queue
	status  *status.Store
	history *history.Store
	logger  *slog.Logger
}

func New(queue *bus.Queue, st *status.Store, hist *history.Store, logger *slog.Logger) *API {
	return &API{queue: queue, status: st, history: hist, logger: logger}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(20 * time.Second))

	r.Get("/healthz", a.health)
	r.Route("/api", func(api chi.Router) {
		api.Post("/commands/capture", a.capture)
		api.Post("/commands/delayed-capture", a.delayedCapture)
		api.Post("/commands/print-previous", a.printPrevious)
		api.Post("/commands/feedback", a.feedback)
		api.Post("/commands/shutdown", a.shutdown)
		api.Get("/status", a.getStatus)
		api.Get("/runs", a.listRuns)
		api.Get("/runs/{id}", a.getRun)
		api.Get("/runs/{id}/original", a.runFile(func(run history.Run) string { return run.ImagePath }))
		api.Get("/runs/{id}/cartoon", a.runFile(func(run history.Run) string { return run.SketchPath }))
		api.Get("/events", a.events)
	})
	return r
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
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

func (a *API) capture(w http.ResponseWriter, r *http.Request) {
	var payload captureRequest
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	a.enqueue(w, r, bus.Command{Kind: bus.KindCapture, SourcePath: payload.SourcePath})
}

func (a *API) delayedCapture(w http.ResponseWriter, r *http.Request) {
	var payload delayedCaptureRequest
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	a.enqueue(w, r, bus.Command{
		Kind:  bus.KindDelayedCapture,
		Delay: time.Duration(payload.DelayMS) * time.Millisecond,
	})
}

func (a *API) printPrevious(w http.ResponseWriter, r *http.Request) {
	a.enqueue(w, r, bus.Command{Kind: bus.KindPrintPrevious})
}

func (a *API) feedback(w http.ResponseWriter, r *http.Request) {
	var payload feedbackRequest
	if err := decodeBody(r, &payload); err != nil || payload.Pattern == "" {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Pattern is required")
		return
	}
	a.enqueue(w, r, bus.Command{Kind: bus.KindFeedback, Pattern: payload.Pattern})
}

func (a *API) shutdown(w http.ResponseWriter, r *http.Request) {
	a.enqueue(w, r, bus.Command{Kind: bus.KindShutdown})
}

func (a *API) enqueue(w http.ResponseWriter, r *http.Request, cmd bus.Command) {
	cmd.ID = uuid.NewString()
	cmd.Source = sourceOf(r)
	cmd.IssuedAt = time.Now().UTC()

	if err := a.queue.Enqueue(cmd); err != nil {
		// Triggers are best-effort; the caller drops them on busy.
		a.logger.Warn("bus command dropped", "kind", string(cmd.Kind), "source", cmd.Source, "err", err)
		writeError(w, http.StatusServiceUnavailable, "bus_busy", "Command dropped")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "command_id": cmd.ID})
}

func (a *API) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.status.Snapshot())
}

func (a *API) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = value
	}
	runs, err := a.history.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": runs})
}

func (a *API) getRun(w http.ResponseWriter, r *http.Request) {
	run, ok := a.lookupRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *API) runFile(path func(history.Run) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := a.lookupRun(w, r)
		if !ok {
			return
		}
		p := path(run)
		if p == "" {
			writeError(w, http.StatusNotFound, "not_found", "Run has no such artifact")
			return
		}
		if _, err := os.Stat(p); err != nil {
			writeError(w, http.StatusNotFound, "not_found", "Artifact file no longer exists")
			return
		}
		http.ServeFile(w, r, p)
	}
}

func (a *API) lookupRun(w http.ResponseWriter, r *http.Request) (history.Run, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "Run id must be an integer")
		return history.Run{}, false
	}
	run, err := a.history.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "Run not found")
			return history.Run{}, false
		}
		writeError(w, http.StatusInternalServerError, "get_failed", err.Error())
		return history.Run{}, false
	}
	return run, true
}

func sourceOf(r *http.Request) string {
	if id := r.Header.Get("X-Listener-ID"); id != "" {
		return id
	}
	return "web"
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

// RunServer serves until ctx is cancelled, then shuts down gracefully.
func RunServer(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "addr", server.Addr, "err", err)
			return err
		}
		return nil
	}
}
