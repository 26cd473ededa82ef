package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tathienbao/scalp-bot/internal/metrics"
	"github.com/tathienbao/scalp-bot/internal/types"
)

// Shutdown reasons persisted in the last_shutdown setting.
const (
	ReasonSignal        = "signal"
	ReasonStopRequested = "stop requested"
	ReasonFault         = "fault"
	ReasonStartFailure  = "start failure"
)

// Config holds supervisor timeouts.
type Config struct {
	// StopTimeout bounds each subsystem's Stop.
	StopTimeout time.Duration

	// NotifyTimeout bounds the shutdown or crash notification.
	NotifyTimeout time.Duration
}

// DefaultConfig returns default supervisor config.
func DefaultConfig() Config {
	return Config{
		StopTimeout:   10 * time.Second,
		NotifyTimeout: 5 * time.Second,
	}
}

// ShutdownRecord is persisted under the last_shutdown setting.
type ShutdownRecord struct {
	At       time.Time `json:"at"`
	Reason   string    `json:"reason"`
	Clean    bool      `json:"clean"`
	Failures []string  `json:"failures,omitempty"`
}

type entry struct {
	sub  Subsystem
	opts Options
	desc Descriptor
}

// Supervisor owns the subsystem descriptors. Nothing else mutates them.
type Supervisor struct {
	cfg       Config
	logger    *slog.Logger
	store     SettingsStore
	announcer Announcer
	recorder  *metrics.Recorder
	now       func() time.Time

	mu      sync.Mutex
	entries []*entry
	phase   Phase

	stopCh       chan struct{}
	stopOnce     sync.Once
	shutdownOnce sync.Once
	exitCode     int
}

// New creates a supervisor. store and announcer may be nil.
func New(cfg Config, store SettingsStore, announcer Announcer, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = def.NotifyTimeout
	}

	return &Supervisor{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		announcer: announcer,
		recorder:  metrics.NewRecorder(),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Register adds a subsystem. Subsystems stop in registration order.
func (s *Supervisor) Register(sub Subsystem, opts Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseInitializing {
		return fmt.Errorf("register %s: supervisor is %s", sub.Name(), s.phase)
	}
	s.entries = append(s.entries, &entry{
		sub:  sub,
		opts: opts,
		desc: Descriptor{
			Name:      sub.Name(),
			State:     StateNotStarted,
			Detached:  opts.Detached,
			Subsystem: sub,
		},
	})
	s.recorder.RecordSubsystemState(sub.Name(), int(StateNotStarted))
	return nil
}

// Descriptors returns copies of the subsystem descriptors.
func (s *Supervisor) Descriptors() []Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Descriptor, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.desc
	}
	return out
}

// Phase returns the supervisor lifecycle phase.
func (s *Supervisor) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Stop requests a graceful shutdown. Safe to call any number of times.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Supervisor) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Supervisor) setState(e *entry, state State, err error) {
	s.mu.Lock()
	e.desc.State = state
	if err != nil {
		e.desc.Err = err
	}
	s.mu.Unlock()
	s.recorder.RecordSubsystemState(e.desc.Name, int(state))
}

func (s *Supervisor) snapshot() []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*entry(nil), s.entries...)
}

// Run starts every subsystem and blocks until ctx is done, Stop is called
// or a subsystem reports a fault. It returns the process exit code.
func (s *Supervisor) Run(ctx context.Context) int {
	s.mu.Lock()
	if s.phase != PhaseInitializing {
		s.mu.Unlock()
		s.logger.Error("supervisor already ran")
		return 1
	}
	s.phase = PhaseRunning
	s.mu.Unlock()

	entries := s.snapshot()

	if err := s.startAll(ctx, entries); err != nil {
		// A signal during startup is not a start failure.
		if ctx.Err() != nil {
			s.logger.Info("shutdown signal received during startup", "err", err)
			return s.shutdown(ReasonSignal, nil)
		}
		s.logger.Error("startup failed", "err", err)
		return s.shutdown(ReasonStartFailure, err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	for _, e := range entries {
		if r, ok := e.sub.(FaultReporter); ok {
			go s.watchFaults(runCtx, cancel, e.desc.Name, r.Faults())
		}
	}
	go func() {
		select {
		case <-s.stopCh:
			cancel(types.ErrStopRequested)
		case <-runCtx.Done():
		}
	}()

	if runCtx.Err() == nil {
		s.logger.Info("all subsystems running", "count", len(entries))
		s.announce(func(ctx context.Context) error { return s.announcer.NotifyStartup(ctx) })
	}

	<-runCtx.Done()

	cause := context.Cause(runCtx)
	switch {
	case errors.Is(cause, types.ErrSubsystemFault):
		s.logger.Error("subsystem fault, shutting down", "err", cause)
		return s.shutdown(ReasonFault, cause)
	case errors.Is(cause, types.ErrStopRequested):
		s.logger.Info("stop requested, shutting down")
		return s.shutdown(ReasonStopRequested, nil)
	default:
		s.logger.Info("shutdown signal received")
		return s.shutdown(ReasonSignal, nil)
	}
}

// startAll starts subsystems concurrently and returns the joined start errors.
func (s *Supervisor) startAll(ctx context.Context, entries []*entry) error {
	errs := make([]error, len(entries))

	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := e.sub.Start(ctx); err != nil {
				err = fmt.Errorf("%w: %s: %w", types.ErrSubsystemStart, e.desc.Name, err)
				errs[i] = err
				if ctx.Err() != nil {
					s.setState(e, StateStopped, err)
					return
				}
				s.setState(e, StateFailed, err)
				return
			}
			s.setState(e, StateRunning, nil)
			s.logger.Info("subsystem started", "subsystem", e.desc.Name)
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (s *Supervisor) watchFaults(ctx context.Context, cancel context.CancelCauseFunc, name string, faults <-chan error) {
	select {
	case err, ok := <-faults:
		if !ok || err == nil {
			return
		}
		s.recorder.RecordError("subsystem_fault")
		if !errors.Is(err, types.ErrSubsystemFault) {
			err = fmt.Errorf("%w: %s: %w", types.ErrSubsystemFault, name, err)
		}
		cancel(err)
	case <-ctx.Done():
	}
}

// shutdown tears down the subsystems exactly once and returns the exit code.
func (s *Supervisor) shutdown(reason string, cause error) int {
	s.shutdownOnce.Do(func() {
		s.exitCode = s.teardown(reason, cause)
	})
	return s.exitCode
}

func (s *Supervisor) teardown(reason string, cause error) int {
	s.setPhase(PhaseShuttingDown)
	start := time.Now()
	s.logger.Info("starting graceful shutdown", "reason", reason)

	if cause != nil {
		s.announce(func(ctx context.Context) error { return s.announcer.NotifyCrash(ctx, cause) })
	} else {
		s.announce(func(ctx context.Context) error { return s.announcer.NotifyShutdown(ctx, reason) })
	}

	var failures []string
	for _, e := range s.snapshot() {
		if err := s.stopOne(e); err != nil {
			failures = append(failures, err.Error())
		}
	}

	clean := cause == nil && len(failures) == 0
	s.persist(ShutdownRecord{
		At:       s.now().UTC(),
		Reason:   reason,
		Clean:    clean,
		Failures: failures,
	})

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("failed to close ledger", "err", err)
		}
	}

	code := 0
	phase := PhaseStopped
	if !clean {
		code = 1
		phase = PhaseFailed
	}
	s.setPhase(phase)

	s.logger.Info("shutdown complete",
		"reason", reason,
		"clean", clean,
		"duration", time.Since(start),
	)
	return code
}

// stopOne stops a running subsystem under its own deadline.
func (s *Supervisor) stopOne(e *entry) error {
	s.mu.Lock()
	running := e.desc.State == StateRunning
	s.mu.Unlock()
	if !running {
		return nil
	}

	name := e.desc.Name
	timeout := s.cfg.StopTimeout
	if e.opts.StopTimeout > 0 {
		timeout = e.opts.StopTimeout
	}

	s.setState(e, StateStopping, nil)

	if e.opts.Detached {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := e.sub.Stop(ctx); err != nil {
				s.logger.Warn("detached subsystem stop failed", "subsystem", name, "err", err)
			}
		}()
		s.setState(e, StateStopped, nil)
		s.logger.Info("subsystem stop requested", "subsystem", name, "detached", true)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.sub.Stop(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	switch {
	case err == nil:
		s.setState(e, StateStopped, nil)
		s.logger.Info("subsystem stopped", "subsystem", name)
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		err = fmt.Errorf("%w: %s after %s", types.ErrSubsystemStopTimeout, name, timeout)
	default:
		err = fmt.Errorf("stop %s: %w", name, err)
	}

	s.setState(e, StateFailed, err)
	s.logger.Error("subsystem stop failed", "subsystem", name, "err", err)
	return err
}

func (s *Supervisor) announce(fn func(ctx context.Context) error) {
	if s.announcer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		s.logger.Warn("lifecycle notification failed", "err", err)
	}
}

func (s *Supervisor) persist(rec ShutdownRecord) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
	defer cancel()

	if err := s.store.SetSetting(ctx, types.SettingLastShutdown, rec); err != nil {
		s.logger.Warn("failed to persist shutdown record", "err", err)
	}
}
