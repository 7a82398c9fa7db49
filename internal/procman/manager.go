// Package procman owns the listener subprocesses: it probes each enabled
// stimulus kind, spawns one child per available kind by re-executing the
// daemon binary in listener mode, and marks a capability unavailable when
// its child exits unexpectedly. Dead listeners are not restarted; the
// appliance keeps running on whatever stimuli remain.
package procman

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sketchbooth/sketchbooth/internal/config"
	"github.com/sketchbooth/sketchbooth/internal/listener"
	"github.com/sketchbooth/sketchbooth/internal/status"
)

const stopGrace = 5 * time.Second

// Command is the process handle the manager drives. *exec.Cmd satisfies
// it; tests substitute fakes.
type Command interface {
	Start() error
	Wait() error
	Signal(sig os.Signal) error
}

type execCommand struct {
	cmd *exec.Cmd
}

func (c *execCommand) Start() error { return c.cmd.Start() }
func (c *execCommand) Wait() error  { return c.cmd.Wait() }
func (c *execCommand) Signal(sig os.Signal) error {
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Signal(sig)
}

// CommandFactory builds the child process for a listener kind.
type CommandFactory func(kind, id string) Command

type child struct {
	kind string
	id   string
	cmd  Command
	done chan struct{}
}

type Manager struct {
	status  *status.Store
	factory CommandFactory
	logger  *slog.Logger

	mu       sync.Mutex
	children []*child
	stopping bool
}

// Options configures a Manager. Factory defaults to re-executing the
// current binary with -listener flags.
type Options struct {
	ConfigPath string
	BusAddr    string
	Status     *status.Store
	Factory    CommandFactory
	Logger     *slog.Logger
}

func New(opts Options) *Manager {
	factory := opts.Factory
	if factory == nil {
		factory = defaultFactory(opts.ConfigPath, opts.BusAddr)
	}
	return &Manager{
		status:  opts.Status,
		factory: factory,
		logger:  opts.Logger,
	}
}

func defaultFactory(configPath, busAddr string) CommandFactory {
	return func(kind, id string) Command {
		exe, err := os.Executable()
		if err != nil {
			exe = os.Args[0]
		}
		args := []string{"-listener", kind, "-bus", busAddr}
		if configPath != "" {
			args = append(args, "-config", configPath)
		}
		cmd := exec.Command(exe, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return &execCommand{cmd: cmd}
	}
}

// Probe checks every enabled stimulus kind and returns the capability set
// for the status store. Kinds that fail the probe are reported
// unavailable and never spawned.
func Probe(cfg config.Config, logger *slog.Logger) []status.Capability {
	caps := make([]status.Capability, 0, len(cfg.Listeners.Enabled))
	for _, kind := range cfg.Listeners.Enabled {
		cap := status.Capability{
			ListenerID: kind + "-" + uuid.NewString()[:8],
			Kind:       kind,
		}
		if err := listener.Probe(kind, cfg); err != nil {
			logger.Warn("listener unavailable", "kind", kind, "err", err)
		} else {
			cap.Available = true
		}
		caps = append(caps, cap)
	}
	return caps
}

// Start spawns a subprocess for every available capability except web,
// which the HTTP API serves in-process.
func (m *Manager) Start(caps []status.Capability) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cap := range caps {
		if !cap.Available || cap.Kind == listener.KindWeb {
			continue
		}
		m.spawnLocked(cap.Kind, cap.ListenerID)
	}
}

func (m *Manager) spawnLocked(kind, id string) {
	cmd := m.factory(kind, id)
	if err := cmd.Start(); err != nil {
		m.logger.Error("listener spawn failed", "kind", kind, "err", err)
		m.status.MarkUnavailable(kind)
		return
	}
	c := &child{kind: kind, id: id, cmd: cmd, done: make(chan struct{})}
	m.children = append(m.children, c)
	m.logger.Info("listener spawned", "kind", kind, "listener_id", id)
	go m.monitor(c)
}

func (m *Manager) monitor(c *child) {
	err := c.cmd.Wait()
	close(c.done)

	m.mu.Lock()
	stopping := m.stopping
	m.mu.Unlock()
	if stopping {
		return
	}
	m.logger.Warn("listener exited", "kind", c.kind, "listener_id", c.id, "err", err)
	m.status.MarkUnavailable(c.kind)
}

// Stop signals every child to terminate and waits up to the grace period
// before killing stragglers.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	m.stopping = true
	children := make([]*child, len(m.children))
	copy(children, m.children)
	m.mu.Unlock()

	for _, c := range children {
		if err := c.cmd.Signal(syscall.SIGTERM); err != nil {
			m.logger.Warn("signal listener", "kind", c.kind, "err", err)
		}
	}

	deadline := time.After(stopGrace)
	for _, c := range children {
		select {
		case <-c.done:
		case <-deadline:
			m.kill(children)
			return
		case <-ctx.Done():
			m.kill(children)
			return
		}
	}
}

func (m *Manager) kill(children []*child) {
	for _, c := range children {
		select {
		case <-c.done:
			continue
		default:
		}
		m.logger.Warn("killing listener", "kind", c.kind)
		_ = c.cmd.Signal(syscall.SIGKILL)
		<-c.done
	}
}
