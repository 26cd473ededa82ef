package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tathienbao/scalp-bot/internal/ledger"
	"github.com/tathienbao/scalp-bot/internal/types"
)

// journal records lifecycle calls across subsystems in order.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(event string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, event)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

func (j *journal) count(event string) int {
	n := 0
	for _, e := range j.list() {
		if e == event {
			n++
		}
	}
	return n
}

type fakeSubsystem struct {
	name     string
	journal  *journal
	startErr error
	stopErr  error
	// ctxStart makes Start fail once its context is done.
	ctxStart bool
	// block makes Stop wait for release regardless of ctx.
	block   chan struct{}
	faults  chan error
	stopped chan struct{}
	once    sync.Once
}

func newFake(name string, j *journal) *fakeSubsystem {
	return &fakeSubsystem{name: name, journal: j, stopped: make(chan struct{})}
}

func (f *fakeSubsystem) Name() string { return f.name }

func (f *fakeSubsystem) Start(ctx context.Context) error {
	f.journal.add("start:" + f.name)
	if f.ctxStart {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("recover open trades: %w", err)
		}
	}
	return f.startErr
}

func (f *fakeSubsystem) Stop(context.Context) error {
	f.journal.add("stop:" + f.name)
	if f.block != nil {
		<-f.block
	}
	f.once.Do(func() { close(f.stopped) })
	return f.stopErr
}

// faultingSubsystem also reports faults.
type faultingSubsystem struct {
	*fakeSubsystem
}

func (f faultingSubsystem) Faults() <-chan error { return f.faults }

type fakeAnnouncer struct {
	journal *journal
	mu      sync.Mutex
	crash   error
	reason  string
}

func (a *fakeAnnouncer) NotifyStartup(context.Context) error {
	a.journal.add("notify:startup")
	return nil
}

func (a *fakeAnnouncer) NotifyShutdown(_ context.Context, reason string) error {
	a.journal.add("notify:shutdown")
	a.mu.Lock()
	a.reason = reason
	a.mu.Unlock()
	return nil
}

func (a *fakeAnnouncer) NotifyCrash(_ context.Context, cause error) error {
	a.journal.add("notify:crash")
	a.mu.Lock()
	a.crash = cause
	a.mu.Unlock()
	return errors.New("telegram unreachable")
}

type fakeStore struct {
	journal  *journal
	mu       sync.Mutex
	settings map[string]any
	closed   bool
}

func newFakeStore(j *journal) *fakeStore {
	return &fakeStore{journal: j, settings: map[string]any{}}
}

func (s *fakeStore) SetSetting(_ context.Context, key string, value any) error {
	s.journal.add("setting:" + key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *fakeStore) Close() error {
	s.journal.add("store:close")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStore) lastShutdown(t *testing.T) ShutdownRecord {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.settings[types.SettingLastShutdown].(ShutdownRecord)
	require.True(t, ok, "last_shutdown not persisted")
	return rec
}

type harness struct {
	sup       *Supervisor
	journal   *journal
	store     *fakeStore
	announcer *fakeAnnouncer
}

func newHarness(cfg Config) *harness {
	j := &journal{}
	store := newFakeStore(j)
	announcer := &fakeAnnouncer{journal: j}
	return &harness{
		sup:       New(cfg, store, announcer, nil),
		journal:   j,
		store:     store,
		announcer: announcer,
	}
}

func (h *harness) runAsync(ctx context.Context) <-chan int {
	code := make(chan int, 1)
	go func() { code <- h.sup.Run(ctx) }()
	return code
}

func (h *harness) waitRunning(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.journal.count("notify:startup") == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func waitCode(t *testing.T, code <-chan int) int {
	t.Helper()
	select {
	case c := <-code:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
		return -1
	}
}

func TestSupervisor_StopRequested(t *testing.T) {
	h := newHarness(Config{StopTimeout: time.Second})
	engine := newFake("engine", h.journal)
	health := newFake("health", h.journal)
	notifier := newFake("notifier", h.journal)

	require.NoError(t, h.sup.Register(engine, Options{}))
	require.NoError(t, h.sup.Register(health, Options{}))
	require.NoError(t, h.sup.Register(notifier, Options{}))

	code := h.runAsync(context.Background())
	h.waitRunning(t)
	assert.Equal(t, PhaseRunning, h.sup.Phase())

	h.sup.Stop()
	assert.Equal(t, 0, waitCode(t, code))

	events := h.journal.list()
	stops := filterPrefix(events, "stop:")
	assert.Equal(t, []string{"stop:engine", "stop:health", "stop:notifier"}, stops)
	assert.Equal(t, 1, h.journal.count("notify:shutdown"))
	assert.Equal(t, 0, h.journal.count("notify:crash"))
	assert.Equal(t, ReasonStopRequested, h.announcer.reason)

	// Notification first, then teardown, then persistence, then close.
	assert.Less(t, indexOf(events, "notify:shutdown"), indexOf(events, "stop:engine"))
	assert.Less(t, indexOf(events, "stop:notifier"), indexOf(events, "setting:last_shutdown"))
	assert.Less(t, indexOf(events, "setting:last_shutdown"), indexOf(events, "store:close"))

	rec := h.store.lastShutdown(t)
	assert.True(t, rec.Clean)
	assert.Equal(t, ReasonStopRequested, rec.Reason)
	assert.True(t, h.store.closed)

	for _, d := range h.sup.Descriptors() {
		assert.Equal(t, StateStopped, d.State, d.Name)
	}
	assert.Equal(t, PhaseStopped, h.sup.Phase())
}

func TestSupervisor_SignalContext(t *testing.T) {
	h := newHarness(Config{})
	require.NoError(t, h.sup.Register(newFake("engine", h.journal), Options{}))

	ctx, cancel := context.WithCancel(context.Background())
	code := h.runAsync(ctx)
	h.waitRunning(t)

	cancel()
	assert.Equal(t, 0, waitCode(t, code))
	assert.Equal(t, ReasonSignal, h.store.lastShutdown(t).Reason)
}

func TestSupervisor_ShutdownIdempotent(t *testing.T) {
	h := newHarness(Config{})
	engine := newFake("engine", h.journal)
	health := newFake("health", h.journal)
	require.NoError(t, h.sup.Register(engine, Options{}))
	require.NoError(t, h.sup.Register(health, Options{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	code := h.runAsync(ctx)
	h.waitRunning(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.sup.Stop()
		}()
	}
	cancel()
	wg.Wait()

	assert.Equal(t, 0, waitCode(t, code))
	h.sup.Stop()

	assert.Equal(t, 1, h.journal.count("stop:engine"))
	assert.Equal(t, 1, h.journal.count("stop:health"))
	assert.Equal(t, 1, h.journal.count("notify:shutdown"))
	assert.Equal(t, 1, h.journal.count("setting:last_shutdown"))
	assert.Equal(t, 1, h.journal.count("store:close"))

	// A second shutdown path returns the recorded code without side effects.
	assert.Equal(t, 0, h.sup.shutdown(ReasonFault, errors.New("late")))
	assert.Equal(t, 1, h.journal.count("stop:engine"))
}

func TestSupervisor_FaultTriggersShutdown(t *testing.T) {
	h := newHarness(Config{})
	engine := faultingSubsystem{newFake("engine", h.journal)}
	engine.faults = make(chan error, 1)
	require.NoError(t, h.sup.Register(engine, Options{}))
	require.NoError(t, h.sup.Register(newFake("health", h.journal), Options{}))

	code := h.runAsync(context.Background())
	h.waitRunning(t)

	engine.faults <- errors.New("10 consecutive tick errors")
	assert.Equal(t, 1, waitCode(t, code))

	assert.Equal(t, 1, h.journal.count("notify:crash"))
	assert.Equal(t, 0, h.journal.count("notify:shutdown"))
	require.Error(t, h.announcer.crash)
	assert.ErrorIs(t, h.announcer.crash, types.ErrSubsystemFault)
	assert.Contains(t, h.announcer.crash.Error(), "engine")

	rec := h.store.lastShutdown(t)
	assert.False(t, rec.Clean)
	assert.Equal(t, ReasonFault, rec.Reason)
	assert.Equal(t, PhaseFailed, h.sup.Phase())
	assert.Equal(t, 1, h.journal.count("stop:health"))
}

func TestSupervisor_StartFailure(t *testing.T) {
	h := newHarness(Config{})
	engine := newFake("engine", h.journal)
	health := newFake("health", h.journal)
	health.startErr = errors.New("address already in use")
	notifier := newFake("notifier", h.journal)

	require.NoError(t, h.sup.Register(engine, Options{}))
	require.NoError(t, h.sup.Register(health, Options{}))
	require.NoError(t, h.sup.Register(notifier, Options{}))

	assert.Equal(t, 1, h.sup.Run(context.Background()))

	descs := h.sup.Descriptors()
	assert.Equal(t, StateStopped, descs[0].State)
	assert.Equal(t, StateFailed, descs[1].State)
	assert.ErrorIs(t, descs[1].Err, types.ErrSubsystemStart)
	assert.Equal(t, StateStopped, descs[2].State)

	assert.Equal(t, 1, h.journal.count("stop:engine"))
	assert.Equal(t, 0, h.journal.count("stop:health"))
	assert.Equal(t, 0, h.journal.count("notify:startup"))
	assert.ErrorIs(t, h.announcer.crash, types.ErrSubsystemStart)
	assert.Equal(t, ReasonStartFailure, h.store.lastShutdown(t).Reason)
}

func TestSupervisor_SignalDuringStartup(t *testing.T) {
	h := newHarness(Config{StopTimeout: time.Second})
	engine := newFake("engine", h.journal)
	engine.ctxStart = true
	health := newFake("health", h.journal)
	notifier := newFake("notifier", h.journal)

	require.NoError(t, h.sup.Register(engine, Options{}))
	require.NoError(t, h.sup.Register(health, Options{}))
	require.NoError(t, h.sup.Register(notifier, Options{Detached: true}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, 0, h.sup.Run(ctx))
	assert.Equal(t, PhaseStopped, h.sup.Phase())

	descs := h.sup.Descriptors()
	assert.Equal(t, StateStopped, descs[0].State)
	assert.Equal(t, StateStopped, descs[1].State)
	assert.Equal(t, StateStopped, descs[2].State)

	assert.Equal(t, 0, h.journal.count("stop:engine"), "engine never started")
	assert.Equal(t, 1, h.journal.count("stop:health"))
	assert.Equal(t, 0, h.journal.count("notify:startup"))
	assert.Equal(t, 0, h.journal.count("notify:crash"))
	assert.Equal(t, 1, h.journal.count("notify:shutdown"))

	rec := h.store.lastShutdown(t)
	assert.Equal(t, ReasonSignal, rec.Reason)
	assert.True(t, rec.Clean)
	assert.True(t, h.store.closed)
}

func TestSupervisor_StopTimeout(t *testing.T) {
	h := newHarness(Config{StopTimeout: 50 * time.Millisecond})
	stuck := newFake("engine", h.journal)
	stuck.block = make(chan struct{})
	defer close(stuck.block)
	health := newFake("health", h.journal)

	require.NoError(t, h.sup.Register(stuck, Options{}))
	require.NoError(t, h.sup.Register(health, Options{}))

	code := h.runAsync(context.Background())
	h.waitRunning(t)

	start := time.Now()
	h.sup.Stop()
	assert.Equal(t, 1, waitCode(t, code))
	assert.Less(t, time.Since(start), time.Second)

	descs := h.sup.Descriptors()
	assert.Equal(t, StateFailed, descs[0].State)
	assert.ErrorIs(t, descs[0].Err, types.ErrSubsystemStopTimeout)
	assert.Equal(t, StateStopped, descs[1].State, "sequence continues after a timeout")

	rec := h.store.lastShutdown(t)
	assert.False(t, rec.Clean)
	require.Len(t, rec.Failures, 1)
	assert.Contains(t, rec.Failures[0], "engine")
}

func TestSupervisor_PerSubsystemTimeout(t *testing.T) {
	h := newHarness(Config{StopTimeout: time.Minute})
	stuck := newFake("engine", h.journal)
	stuck.block = make(chan struct{})
	defer close(stuck.block)

	require.NoError(t, h.sup.Register(stuck, Options{StopTimeout: 20 * time.Millisecond}))

	code := h.runAsync(context.Background())
	h.waitRunning(t)
	h.sup.Stop()

	assert.Equal(t, 1, waitCode(t, code))
}

func TestSupervisor_StopError(t *testing.T) {
	h := newHarness(Config{})
	engine := newFake("engine", h.journal)
	engine.stopErr = errors.New("flush failed")
	require.NoError(t, h.sup.Register(engine, Options{}))

	code := h.runAsync(context.Background())
	h.waitRunning(t)
	h.sup.Stop()

	assert.Equal(t, 1, waitCode(t, code))
	assert.Equal(t, StateFailed, h.sup.Descriptors()[0].State)
}

func TestSupervisor_DetachedNotAwaited(t *testing.T) {
	h := newHarness(Config{StopTimeout: 5 * time.Second})
	engine := newFake("engine", h.journal)
	notifier := newFake("notifier", h.journal)
	notifier.block = make(chan struct{})

	require.NoError(t, h.sup.Register(engine, Options{}))
	require.NoError(t, h.sup.Register(notifier, Options{Detached: true}))

	code := h.runAsync(context.Background())
	h.waitRunning(t)

	start := time.Now()
	h.sup.Stop()
	assert.Equal(t, 0, waitCode(t, code))
	assert.Less(t, time.Since(start), time.Second)

	d := h.sup.Descriptors()[1]
	assert.True(t, d.Detached)
	assert.Equal(t, StateStopped, d.State)

	// The stop request was still delivered.
	close(notifier.block)
	select {
	case <-notifier.stopped:
	case <-time.After(time.Second):
		t.Fatal("detached subsystem was never asked to stop")
	}
}

func TestSupervisor_Descriptors(t *testing.T) {
	h := newHarness(Config{})
	engine := newFake("engine", h.journal)
	require.NoError(t, h.sup.Register(engine, Options{}))

	descs := h.sup.Descriptors()
	require.Len(t, descs, 1)
	assert.Equal(t, "engine", descs[0].Name)
	assert.Equal(t, StateNotStarted, descs[0].State)
	assert.Same(t, engine, descs[0].Subsystem)

	descs[0].State = StateFailed
	assert.Equal(t, StateNotStarted, h.sup.Descriptors()[0].State, "descriptors must be copies")
}

func TestSupervisor_RegisterAfterRun(t *testing.T) {
	h := newHarness(Config{})
	require.NoError(t, h.sup.Register(newFake("engine", h.journal), Options{}))

	h.sup.Stop()
	assert.Equal(t, 0, h.sup.Run(context.Background()))

	assert.Error(t, h.sup.Register(newFake("late", h.journal), Options{}))
	assert.Equal(t, 1, h.sup.Run(context.Background()), "a supervisor runs once")
}

func TestSupervisor_PersistsToLedger(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "trades.db")
	store, err := ledger.NewSQLiteStore(ctx, path, nil)
	require.NoError(t, err)

	sup := New(Config{}, store, nil, nil)
	sup.Stop()
	require.Equal(t, 0, sup.Run(ctx))

	reopened, err := ledger.NewSQLiteStore(ctx, path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	entry, found, err := reopened.GetSetting(ctx, types.SettingLastShutdown)
	require.NoError(t, err)
	require.True(t, found)

	var rec struct {
		At     time.Time `json:"at"`
		Reason string    `json:"reason"`
		Clean  bool      `json:"clean"`
	}
	require.NoError(t, json.Unmarshal(entry.Value, &rec))
	assert.Equal(t, ReasonStopRequested, rec.Reason)
	assert.True(t, rec.Clean)
	assert.False(t, rec.At.IsZero())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.Equal(t, "shutting_down", PhaseShuttingDown.String())
}

func filterPrefix(events []string, prefix string) []string {
	var out []string
	for _, e := range events {
		if strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}

func indexOf(events []string, event string) int {
	for i, e := range events {
		if e == event {
			return i
		}
	}
	return -1
}
