package presence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pairbeat/go-sync-core/internal/localstate"
	"pairbeat/go-sync-core/internal/model"
	"pairbeat/go-sync-core/internal/remotestore"
	"pairbeat/go-sync-core/internal/remotestore/storetest"
	"pairbeat/go-sync-core/internal/sched"
)

const (
	baseLat = 40.7484
	baseLon = -73.9857
)

// northOf returns a latitude the given number of meters north of baseLat.
func northOf(meters float64) float64 {
	return baseLat + meters/111194.9
}

type fakeProvider struct {
	mu      sync.Mutex
	granted bool
	started bool
	stopped bool
	modes   []AccuracyMode
}

func (p *fakeProvider) RequestAuthorization(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.granted, nil
}

func (p *fakeProvider) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
	return nil
}

func (p *fakeProvider) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
}

func (p *fakeProvider) SetAccuracy(mode AccuracyMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.modes = append(p.modes, mode)
}

func (p *fakeProvider) modeCalls() []AccuracyMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]AccuracyMode, len(p.modes))
	copy(out, p.modes)
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	// Keep the periodic refresh out of the way so clock advances in tests
	// only move time.
	cfg.RefreshInterval = 24 * time.Hour
	cfg.RefreshIntervalContinuous = 24 * time.Hour
	cfg.EncounterCooldown = 10 * time.Minute
	return cfg
}

func newTestTracker(t *testing.T, store *storetest.Store, clock *sched.FakeClock, provider *fakeProvider, cfg Config) (*Tracker, *localstate.State) {
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
	tr := New(store, state, scheduler, provider, logger, cfg)
	tr.SetIdentity("user-a")
	tr.SetPartnerFunc(func() string { return "user-b" })
	t.Cleanup(tr.Stop)
	return tr, state
}

func putPartnerLocation(t *testing.T, store *storetest.Store, clock *sched.FakeClock, lat, lon float64) {
	t.Helper()
	rec, err := remotestore.NewRecord("partner-loc", remotestore.TypeUserLocation, model.UserLocationRecord{
		UserID:    "user-b",
		Latitude:  lat,
		Longitude: lon,
		Timestamp: clock.Now().UTC(),
		ExpiresAt: clock.Now().Add(10 * time.Minute).UTC(),
		Accuracy:  10,
	})
	if err != nil {
		t.Fatalf("encode partner location: %v", err)
	}
	store.Put(rec)
}

func sampleAt(clock *sched.FakeClock, lat, lon float64) model.LocationSample {
	return model.LocationSample{Latitude: lat, Longitude: lon, Accuracy: 10, Timestamp: clock.Now()}
}

func TestDistanceKnownValue(t *testing.T) {
	// Empire State Building to Statue of Liberty, roughly 8.2 km.
	d := Distance(40.7484, -73.9857, 40.6892, -74.0445)
	if d < 8000 || d > 8500 {
		t.Fatalf("Distance = %.0fm, want ~8200m", d)
	}
}

func TestEnableWithoutPermission(t *testing.T) {
	store := storetest.New()
	clock := sched.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	provider := &fakeProvider{granted: false}
	tr, _ := newTestTracker(t, store, clock, provider, testConfig())

	err := tr.Enable(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if tr.Status() != StatusNoPermission {
		t.Fatalf("status = %s, want %s", tr.Status(), StatusNoPermission)
	}
	if provider.started {
		t.Fatal("provider must not start without a permission grant")
	}
}

func TestEnableStartsProvider(t *testing.T) {
	store := storetest.New()
	clock := sched.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	provider := &fakeProvider{granted: true}
	tr, state := newTestTracker(t, store, clock, provider, testConfig())

	if err := tr.Enable(context.Background()); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if tr.Status() != StatusAcquiringFix {
		t.Fatalf("status = %s, want %s", tr.Status(), StatusAcquiringFix)
	}
	if !provider.started {
		t.Fatal("provider not started")
	}
	if enabled, _ := state.PresenceEnabled(context.Background()); !enabled {
		t.Fatal("enable must be durable")
	}
}

func TestHandleSampleRejectsInvalid(t *testing.T) {
	store := storetest.New()
	clock := sched.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	provider := &fakeProvider{granted: true}
	tr, _ := newTestTracker(t, store, clock, provider, testConfig())
	if err := tr.Enable(context.Background()); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	bad := model.LocationSample{Latitude: baseLat, Longitude: baseLon, Accuracy: 500, Timestamp: clock.Now()}
	tr.HandleSample(context.Background(), bad)

	if store.Calls("save") != 0 {
		t.Fatal("invalid sample must not publish")
	}
	if tr.Status() != StatusAcquiringFix {
		t.Fatalf("status = %s, invalid sample must not mark active", tr.Status())
	}
}

func TestPublishRateGate(t *testing.T) {
	store := storetest.New()
	clock := sched.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	provider := &fakeProvider{granted: true}
	cfg := testConfig()
	tr, _ := newTestTracker(t, store, clock, provider, cfg)
	if err := tr.Enable(context.Background()); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	// The first valid sample always publishes.
	tr.HandleSample(context.Background(), sampleAt(clock, baseLat, baseLon))
	if got := store.Calls("save"); got != 1 {
		t.Fatalf("first sample: save calls = %d, want 1", got)
	}
	if tr.Status() != StatusActive {
		t.Fatalf("status = %s, want %s", tr.Status(), StatusActive)
	}

	// Samples inside the publish interval update local state only.
	clock.Advance(time.Second)
	tr.HandleSample(context.Background(), sampleAt(clock, baseLat, baseLon))
	if got := store.Calls("save"); got != 1 {
		t.Fatalf("rate-gated sample published: save calls = %d", got)
	}

	clock.Advance(cfg.PublishInterval)
	tr.HandleSample(context.Background(), sampleAt(clock, baseLat, baseLon))
	if got := store.Calls("save"); got != 2 {
		t.Fatalf("after interval: save calls = %d, want 2", got)
	}

	// Each publish replaces the prior live record rather than accumulating.
	if got := len(store.Records(remotestore.TypeUserLocation)); got != 1 {
		t.Fatalf("live location records = %d, want 1", got)
	}
}

func TestRefreshTreatsExpiredPartnerLocationAsAbsent(t *testing.T) {
	store := storetest.New()
	clock := sched.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	provider := &fakeProvider{granted: true}
	tr, _ := newTestTracker(t, store, clock, provider, testConfig())
	if err := tr.Enable(context.Background()); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	tr.HandleSample(context.Background(), sampleAt(clock, baseLat, baseLon))

	rec, err := remotestore.NewRecord("partner-loc", remotestore.TypeUserLocation, model.UserLocationRecord{
		UserID:    "user-b",
		Latitude:  baseLat,
		Longitude: baseLon,
		Timestamp: clock.Now().Add(-time.Hour).UTC(),
		ExpiresAt: clock.Now().Add(-50 * time.Minute).UTC(),
		Accuracy:  10,
	})
	if err != nil {
		t.Fatalf("encode partner location: %v", err)
	}
	store.Put(rec)

	if err := tr.RefreshPartnerLocation(context.Background()); err != nil {
		t.Fatalf("RefreshPartnerLocation: %v", err)
	}
	if _, ok := tr.DistanceToPartner(); ok {
		t.Fatal("expired partner location must count as absent")
	}
	if tr.IsNearPartner() {
		t.Fatal("near must be false without a live partner location")
	}
}

func TestAdaptiveAccuracySwitchesBeforeProximity(t *testing.T) {
	store := storetest.New()
	clock := sched.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	provider := &fakeProvider{granted: true}
	tr, _ := newTestTracker(t, store, clock, provider, testConfig())
	if err := tr.Enable(context.Background()); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	tr.HandleSample(context.Background(), sampleAt(clock, baseLat, baseLon))

	// Partner beyond the candidate radius: coarse mode, no switch command.
	putPartnerLocation(t, store, clock, northOf(1200), baseLon)
	if err := tr.RefreshPartnerLocation(context.Background()); err != nil {
		t.Fatalf("refresh at 1200m: %v", err)
	}
	if tr.Mode() != AccuracyCoarse {
		t.Fatalf("mode = %s at 1200m, want coarse", tr.Mode())
	}
	if len(provider.modeCalls()) != 0 {
		t.Fatalf("no mode command expected at 1200m, got %v", provider.modeCalls())
	}

	// Inside the candidate radius but outside proximity: high accuracy, not
	// yet near.
	putPartnerLocation(t, store, clock, northOf(500), baseLon)
	if err := tr.RefreshPartnerLocation(context.Background()); err != nil {
		t.Fatalf("refresh at 500m: %v", err)
	}
	if tr.Mode() != AccuracyHigh {
		t.Fatalf("mode = %s at 500m, want high", tr.Mode())
	}
	if tr.IsNearPartner() {
		t.Fatal("500m must not count as near")
	}
	modes := provider.modeCalls()
	if len(modes) != 1 || modes[0] != AccuracyHigh {
		t.Fatalf("mode commands = %v, want [high]", modes)
	}
}

func TestEncounterEdgeTriggeredWithCooldown(t *testing.T) {
	store := storetest.New()
	clock := sched.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	provider := &fakeProvider{granted: true}
	cfg := testConfig()
	tr, _ := newTestTracker(t, store, clock, provider, cfg)
	if err := tr.Enable(context.Background()); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	tr.HandleSample(context.Background(), sampleAt(clock, baseLat, baseLon))

	encounters := 0
	tr.SetOnEncounter(func(distance float64) { encounters++ })

	refresh := func(meters float64) {
		t.Helper()
		putPartnerLocation(t, store, clock, northOf(meters), baseLon)
		if err := tr.RefreshPartnerLocation(context.Background()); err != nil {
			t.Fatalf("refresh at %.0fm: %v", meters, err)
		}
	}

	refresh(50)
	if !tr.IsNearPartner() || encounters != 1 {
		t.Fatalf("near=%v encounters=%d after first approach, want true/1", tr.IsNearPartner(), encounters)
	}

	// Staying near must not re-fire: the event is edge triggered.
	refresh(40)
	if encounters != 1 {
		t.Fatalf("encounters = %d while staying near, want 1", encounters)
	}

	// Leaving and returning inside the cooldown stays silent.
	refresh(5000)
	if tr.IsNearPartner() {
		t.Fatal("5000m should clear the near flag")
	}
	refresh(50)
	if encounters != 1 {
		t.Fatalf("encounters = %d inside cooldown, want 1", encounters)
	}

	// After the cooldown a fresh approach fires again.
	clock.Advance(cfg.EncounterCooldown + time.Minute)
	refresh(5000)
	refresh(50)
	if encounters != 2 {
		t.Fatalf("encounters = %d after cooldown, want 2", encounters)
	}

	if got := len(store.Records(remotestore.TypeEncounter)); got != 2 {
		t.Fatalf("encounter audit records = %d, want 2", got)
	}
}

func TestDisableStopsTracking(t *testing.T) {
	store := storetest.New()
	clock := sched.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	provider := &fakeProvider{granted: true}
	tr, state := newTestTracker(t, store, clock, provider, testConfig())
	if err := tr.Enable(context.Background()); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	tr.HandleSample(context.Background(), sampleAt(clock, baseLat, baseLon))

	if err := tr.Disable(context.Background()); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if tr.Status() != StatusDisabled {
		t.Fatalf("status = %s, want %s", tr.Status(), StatusDisabled)
	}
	if !provider.stopped {
		t.Fatal("provider not stopped")
	}
	if enabled, _ := state.PresenceEnabled(context.Background()); enabled {
		t.Fatal("disable must be durable")
	}

	saves := store.Calls("save")
	tr.HandleSample(context.Background(), sampleAt(clock, baseLat, baseLon))
	if store.Calls("save") != saves {
		t.Fatal("samples after Disable must be ignored")
	}
}

func TestHandleProviderError(t *testing.T) {
	store := storetest.New()
	clock := sched.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	provider := &fakeProvider{granted: true}
	tr, _ := newTestTracker(t, store, clock, provider, testConfig())

	tr.HandleProviderError(ErrPermissionDenied)
	if tr.Status() != StatusNoPermission {
		t.Fatalf("status = %s, want %s", tr.Status(), StatusNoPermission)
	}

	tr.HandleProviderError(errors.New("gps hardware fault"))
	if tr.Status() != StatusError {
		t.Fatalf("status = %s, want %s", tr.Status(), StatusError)
	}
}

func TestSetContinuousPersists(t *testing.T) {
	store := storetest.New()
	clock := sched.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	provider := &fakeProvider{granted: true}
	tr, state := newTestTracker(t, store, clock, provider, testConfig())

	if err := tr.SetContinuous(context.Background(), true); err != nil {
		t.Fatalf("SetContinuous: %v", err)
	}
	if v, _ := state.ContinuousTracking(context.Background()); !v {
		t.Fatal("continuous flag not persisted")
	}
}

func TestRestoreResumesEnabledTracking(t *testing.T) {
	store := storetest.New()
	clock := sched.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	provider := &fakeProvider{granted: true}
	tr, state := newTestTracker(t, store, clock, provider, testConfig())

	if err := state.SetPresenceEnabled(context.Background(), true); err != nil {
		t.Fatalf("seed enabled flag: %v", err)
	}
	if err := tr.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !provider.started {
		t.Fatal("restore should resume the provider when tracking was enabled")
	}
	if tr.Status() != StatusAcquiringFix {
		t.Fatalf("status = %s, want %s", tr.Status(), StatusAcquiringFix)
	}
}
