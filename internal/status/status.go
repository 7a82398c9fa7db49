// Package status holds the process-wide appliance state. The run-state
// fields (busy, last run, last error, shutdown) have exactly one writer,
// the supervisor loop; everything else reads value-copy snapshots.
// Capability rows are owned by the process manager and fixed apart from
// the availability flag.
package status

import (
	"sync"
	"time"
)

// State names the supervisor's externally visible phase.
type State string

const (
	StateIdle         State = "idle"
	StateRunning      State = "running"
	StateShuttingDown State = "shutting_down"
)

// Capability describes one stimulus kind and whether its backing hardware
// attached at startup.
type Capability struct {
	ListenerID string `json:"listener_id"`
	Kind       string `json:"kind"`
	Available  bool   `json:"available"`
}

// Snapshot is the read-only view returned to listeners and the web surface.
type Snapshot struct {
	State             State        `json:"state"`
	Busy              bool         `json:"busy"`
	PendingDelay      bool         `json:"pending_delay"`
	LastRunID         int64        `json:"last_run_id"`
	LastTrigger       string       `json:"last_trigger,omitempty"`
	LastError         string       `json:"last_error,omitempty"`
	ShutdownRequested bool         `json:"shutdown_requested"`
	Capabilities      []Capability `json:"capabilities"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// Store serializes access to the snapshot.
type Store struct {
	mu   sync.RWMutex
	snap Snapshot
}

func NewStore(caps []Capability) *Store {
	return &Store{snap: Snapshot{
		State:        StateIdle,
		Capabilities: append([]Capability(nil), caps...),
		UpdatedAt:    time.Now().UTC(),
	}}
}

// Snapshot returns a value copy safe to hand across the bus.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.snap
	out.Capabilities = append([]Capability(nil), s.snap.Capabilities...)
	return out
}

// SetRunning records an accepted pipeline run. A runID of zero marks a
// busy phase that is not a pipeline run (reprint of a previous original)
// and leaves the last run id untouched. Supervisor only.
func (s *Store) SetRunning(runID int64, trigger string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.State = StateRunning
	s.snap.Busy = true
	s.snap.PendingDelay = false
	if runID > 0 {
		s.snap.LastRunID = runID
	}
	s.snap.LastTrigger = trigger
	s.snap.UpdatedAt = time.Now().UTC()
}

// SetPendingDelay marks a scheduled deferred capture. Supervisor only.
func (s *Store) SetPendingDelay(pending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.PendingDelay = pending
	s.snap.Busy = pending || s.snap.State == StateRunning
	s.snap.UpdatedAt = time.Now().UTC()
}

// SetIdle records run completion. An empty lastErr clears the error.
// Supervisor only.
func (s *Store) SetIdle(lastRunID int64, lastErr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.State != StateShuttingDown {
		s.snap.State = StateIdle
	}
	s.snap.Busy = false
	s.snap.PendingDelay = false
	if lastRunID > 0 {
		s.snap.LastRunID = lastRunID
	}
	s.snap.LastError = lastErr
	s.snap.UpdatedAt = time.Now().UTC()
}

// SetShuttingDown flips the terminal phase. Supervisor only.
func (s *Store) SetShuttingDown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.State = StateShuttingDown
	s.snap.ShutdownRequested = true
	s.snap.UpdatedAt = time.Now().UTC()
}

// MarkUnavailable degrades a capability after its listener process died.
// Process manager only.
func (s *Store) MarkUnavailable(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.snap.Capabilities {
		if s.snap.Capabilities[i].Kind == kind {
			s.snap.Capabilities[i].Available = false
		}
	}
	s.snap.UpdatedAt = time.Now().UTC()
}
