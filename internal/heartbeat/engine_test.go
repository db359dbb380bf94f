package heartbeat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"pairbeat/go-sync-core/internal/localstate"
	"pairbeat/go-sync-core/internal/remotestore"
	"pairbeat/go-sync-core/internal/remotestore/storetest"
	"pairbeat/go-sync-core/internal/sched"
)

func newTestEngine(t *testing.T, store remotestore.Client, clock *sched.FakeClock, cfg Config) *Engine {
	t.Helper()
	state, err := localstate.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	t.Cleanup(func() { _ = state.Close() })
	if err := state.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	scheduler := sched.NewScheduler(clock)
	t.Cleanup(scheduler.Stop)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(store, state, scheduler, logger, cfg)
	t.Cleanup(e.Stop)
	return e
}

func quickConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0 // single attempt keeps tests off the backoff path
	cfg.FlushInterval = 0
	return cfg
}

func TestSendValidation(t *testing.T) {
	store := storetest.New()
	clock := sched.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	e := newTestEngine(t, store, clock, quickConfig())

	if err := e.Send(context.Background(), "user-a", ""); !errors.Is(err, ErrNotPaired) {
		t.Fatalf("expected ErrNotPaired, got %v", err)
	}
	if err := e.Send(context.Background(), "user-a", "user-a"); !errors.Is(err, ErrSelfLoop) {
		t.Fatalf("expected ErrSelfLoop, got %v", err)
	}
	if store.Calls("save") != 0 {
		t.Fatal("validation failures must not reach the store")
	}
}

func TestSendSuccess(t *testing.T) {
	store := storetest.New()
	clock := sched.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	e := newTestEngine(t, store, clock, quickConfig())

	if err := e.Send(context.Background(), "user-a", "user-b"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	records := store.Records(remotestore.TypeHeartbeat)
	if len(records) != 1 {
		t.Fatalf("expected 1 heartbeat record, got %d", len(records))
	}
	if e.QueueDepth(context.Background()) != 0 {
		t.Fatal("successful send must not queue")
	}
}

func TestSendDebounce(t *testing.T) {
	store := storetest.New()
	clock := sched.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := quickConfig()
	e := newTestEngine(t, store, clock, cfg)

	if err := e.Send(context.Background(), "user-a", "user-b"); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	saves := store.Calls("save")

	if err := e.Send(context.Background(), "user-a", "user-b"); !errors.Is(err, ErrDebounced) {
		t.Fatalf("expected ErrDebounced, got %v", err)
	}
	if store.Calls("save") != saves {
		t.Fatal("debounced send must not reach the store")
	}

	clock.Advance(cfg.Debounce)
	if err := e.Send(context.Background(), "user-a", "user-b"); err != nil {
		t.Fatalf("Send after debounce window: %v", err)
	}
}

func TestConnectivityFailureQueuesDurably(t *testing.T) {
	store := storetest.New()
	clock := sched.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	e := newTestEngine(t, store, clock, quickConfig())

	store.FailNext("save", remotestore.ErrUnavailable, 1)
	err := e.Send(context.Background(), "user-a", "user-b")
	if !remotestore.IsConnectivity(err) {
		t.Fatalf("expected connectivity error, got %v", err)
	}
	if depth := e.QueueDepth(context.Background()); depth != 1 {
		t.Fatalf("queue depth = %d, want 1", depth)
	}
}

func TestNonConnectivityFailureNotQueued(t *testing.T) {
	store := storetest.New()
	clock := sched.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	e := newTestEngine(t, store, clock, quickConfig())

	store.FailNext("save", errors.New("record schema rejected"), 1)
	err := e.Send(context.Background(), "user-a", "user-b")
	if err == nil || remotestore.IsConnectivity(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if depth := e.QueueDepth(context.Background()); depth != 0 {
		t.Fatalf("terminal failure must not queue, depth = %d", depth)
	}
}

// blockingStore parks Save callers until released, holding a send in flight.
type blockingStore struct {
	*storetest.Store
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) Save(ctx context.Context, rec remotestore.Record) (remotestore.Record, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.Store.Save(ctx, rec)
}

func TestSendInFlightGuard(t *testing.T) {
	// entered is buffered so saves after release don't block on a reader.
	store := &blockingStore{
		Store:   storetest.New(),
		entered: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	clock := sched.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	e := newTestEngine(t, store, clock, quickConfig())

	done := make(chan error, 1)
	go func() { done <- e.Send(context.Background(), "user-a", "user-b") }()

	// Wait until the first send is parked inside the store write.
	<-store.entered

	if err := e.Send(context.Background(), "user-a", "user-b"); !errors.Is(err, ErrSendInFlight) {
		t.Fatalf("expected ErrSendInFlight while a send is outstanding, got %v", err)
	}

	close(store.release)
	if err := <-done; err != nil {
		t.Fatalf("outstanding send failed: %v", err)
	}

	// The guard clears once the send completes; only the debounce window
	// remains.
	clock.Advance(DefaultConfig().Debounce)
	if err := e.Send(context.Background(), "user-a", "user-b"); err != nil {
		t.Fatalf("Send after completion: %v", err)
	}
}

func TestRetriesOnBackoffScheduleThenQueues(t *testing.T) {
	store := storetest.New()
	clock := sched.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := quickConfig()
	cfg.MaxRetries = 2
	cfg.InitialBackoff = time.Second
	e := newTestEngine(t, store, clock, cfg)

	store.FailNext("save", remotestore.ErrUnavailable, 3)

	done := make(chan error, 1)
	go func() { done <- e.Send(context.Background(), "user-a", "user-b") }()

	// Each failed attempt arms one backoff sleep on the fake clock.
	for _, delay := range []time.Duration{time.Second, 2 * time.Second} {
		waitForPending(t, clock)
		clock.Advance(delay)
	}

	err := <-done
	if !remotestore.IsConnectivity(err) {
		t.Fatalf("expected connectivity error after retries, got %v", err)
	}
	if got := store.Calls("save"); got != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", got)
	}
	if depth := e.QueueDepth(context.Background()); depth != 1 {
		t.Fatalf("queue depth = %d, want 1", depth)
	}
}

func waitForPending(t *testing.T, clock *sched.FakeClock) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for clock.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for backoff sleep to arm")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBackoffScheduleDoublesAndCaps(t *testing.T) {
	cfg := quickConfig()
	cfg.MaxRetries = 5
	cfg.InitialBackoff = time.Second
	cfg.MaxBackoff = 4 * time.Second

	store := storetest.New()
	clock := sched.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	e := newTestEngine(t, store, clock, cfg)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}
	got := e.backoffSchedule()
	if len(got) != len(want) {
		t.Fatalf("schedule length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delay[%d] = %v, want %v (full schedule %v)", i, got[i], want[i], got)
		}
	}
}

func TestFlushPendingDrainsQueue(t *testing.T) {
	store := storetest.New()
	clock := sched.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := quickConfig()
	e := newTestEngine(t, store, clock, cfg)

	store.FailNext("save", remotestore.ErrUnavailable, 2)
	_ = e.Send(context.Background(), "user-a", "user-b")
	clock.Advance(cfg.Debounce)
	_ = e.Send(context.Background(), "user-a", "user-b")
	if depth := e.QueueDepth(context.Background()); depth != 2 {
		t.Fatalf("setup queue depth = %d, want 2", depth)
	}

	e.FlushPending(context.Background(), "user-a")
	if depth := e.QueueDepth(context.Background()); depth != 0 {
		t.Fatalf("queue depth after flush = %d, want 0", depth)
	}
	if got := len(store.Records(remotestore.TypeHeartbeat)); got != 2 {
		t.Fatalf("expected 2 delivered heartbeats, got %d", got)
	}
}

func TestFlushStopsOnConnectivityFailure(t *testing.T) {
	store := storetest.New()
	clock := sched.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := quickConfig()
	e := newTestEngine(t, store, clock, cfg)

	store.FailNext("save", remotestore.ErrUnavailable, 2)
	_ = e.Send(context.Background(), "user-a", "user-b")
	clock.Advance(cfg.Debounce)
	_ = e.Send(context.Background(), "user-a", "user-b")

	saves := store.Calls("save")
	store.FailNext("save", remotestore.ErrUnavailable, 1)
	e.FlushPending(context.Background(), "user-a")

	if got := store.Calls("save") - saves; got != 1 {
		t.Fatalf("flush should stop after first connectivity failure, made %d attempts", got)
	}
	if depth := e.QueueDepth(context.Background()); depth != 2 {
		t.Fatalf("queue depth = %d, want 2 (nothing delivered)", depth)
	}
}

func TestSuccessfulSendFlushesBacklog(t *testing.T) {
	store := storetest.New()
	clock := sched.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := quickConfig()
	e := newTestEngine(t, store, clock, cfg)

	store.FailNext("save", remotestore.ErrUnavailable, 1)
	_ = e.Send(context.Background(), "user-a", "user-b")
	clock.Advance(cfg.Debounce)

	if err := e.Send(context.Background(), "user-a", "user-b"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if depth := e.QueueDepth(context.Background()); depth != 0 {
		t.Fatalf("backlog not drained after successful send, depth = %d", depth)
	}
}

func TestMarkReceived(t *testing.T) {
	store := storetest.New()
	clock := sched.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	e := newTestEngine(t, store, clock, quickConfig())

	var hookAt time.Time
	e.SetOnReceived(func(at time.Time) { hookAt = at })

	at := clock.Now().Add(-time.Minute)
	e.MarkReceived(context.Background(), at)
	if !hookAt.Equal(at) {
		t.Fatalf("hook received %v, want %v", hookAt, at)
	}

	// A duplicate delivery only re-invokes the hook; nothing else changes.
	e.MarkReceived(context.Background(), at)
	if !hookAt.Equal(at) {
		t.Fatalf("hook received %v after duplicate, want %v", hookAt, at)
	}

	// Zero timestamps fall back to the engine clock.
	e.MarkReceived(context.Background(), time.Time{})
	if !hookAt.Equal(clock.Now()) {
		t.Fatalf("zero-timestamp delivery should use the clock, got %v", hookAt)
	}
}
