// Package supervisor starts the bot's subsystems, watches for shutdown
// triggers and tears everything down in a fixed order.
package supervisor

import (
	"context"
	"time"
)

// Subsystem is an independently lifecycled part of the bot.
type Subsystem interface {
	Name() string

	// Start performs setup and returns; long-running work continues in
	// goroutines owned by the subsystem.
	Start(ctx context.Context) error

	// Stop ends the subsystem. ctx carries the deadline.
	Stop(ctx context.Context) error
}

// FaultReporter is implemented by subsystems that can fail after Start.
// A value on the channel triggers shutdown.
type FaultReporter interface {
	Faults() <-chan error
}

// Announcer delivers lifecycle notifications. Failures are logged only.
type Announcer interface {
	NotifyStartup(ctx context.Context) error
	NotifyShutdown(ctx context.Context, reason string) error
	NotifyCrash(ctx context.Context, cause error) error
}

// SettingsStore is the part of the ledger the supervisor writes on exit.
type SettingsStore interface {
	SetSetting(ctx context.Context, key string, value any) error
	Close() error
}

// State is the lifecycle state of one subsystem.
type State int

// Values match the scalpbot_subsystem_state gauge.
const (
	StateNotStarted State = iota
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Phase is the lifecycle state of the supervisor itself.
type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseRunning
	PhaseShuttingDown
	PhaseStopped
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseRunning:
		return "running"
	case PhaseShuttingDown:
		return "shutting_down"
	case PhaseStopped:
		return "stopped"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options controls how a subsystem is stopped.
type Options struct {
	// Detached subsystems are asked to stop but never awaited.
	Detached bool

	// StopTimeout overrides the supervisor default.
	StopTimeout time.Duration
}

// Descriptor is a snapshot of one registered subsystem.
type Descriptor struct {
	Name      string
	State     State
	Detached  bool
	Err       error
	Subsystem Subsystem
}
