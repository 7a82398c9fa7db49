// Package bus is the command channel between listener processes and the
// supervisor. Listeners post commands over the loopback HTTP surface; the
// server side serializes them into one FIFO queue with the supervisor as
// the sole consumer. Status queries bypass the queue and are answered from
// the current status snapshot.
package bus

import (
	"time"
)

// Kind names a remote-callable supervisor operation.
type Kind string

const (
	KindCapture        Kind = "capture"
	KindDelayedCapture Kind = "delayed_capture"
	KindPrintPrevious  Kind = "print_previous"
	KindFeedback       Kind = "feedback"
	KindShutdown       Kind = "shutdown"
)

// Command is one trigger in flight from a listener to the supervisor.
// It exists only for the duration of a round trip.
type Command struct {
	ID         string
	Kind       Kind
	Source     string
	SourcePath string
	Delay      time.Duration
	Pattern    string
	IssuedAt   time.Time
}
