// Package presence fuses local location samples with the polled/pushed
// remote copy of the partner's location to produce a debounced "nearby"
// signal. Self-location publishes are rate-limited and ephemeral: a stale
// location is worse than no location, so there is no offline queue.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"pairbeat/go-sync-core/internal/localstate"
	"pairbeat/go-sync-core/internal/model"
	"pairbeat/go-sync-core/internal/remotestore"
	"pairbeat/go-sync-core/internal/sched"
)

// ErrPermissionDenied is surfaced as a persistent status when location
// authorization is not granted; it is never retried automatically.
var ErrPermissionDenied = errors.New("location permission denied")

// Config carries the tracker's tunables.
type Config struct {
	MaxAccuracy  float64
	MaxSampleAge time.Duration

	PublishInterval           time.Duration
	PublishIntervalContinuous time.Duration
	RefreshInterval           time.Duration
	RefreshIntervalContinuous time.Duration

	LocationTTL       time.Duration
	NearbyCandidate   float64
	ProximityRadius   float64
	EncounterCooldown time.Duration

	StoreTimeout   time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the design defaults.
func DefaultConfig() Config {
	return Config{
		MaxAccuracy:               100,
		MaxSampleAge:              2 * time.Minute,
		PublishInterval:           180 * time.Second,
		PublishIntervalContinuous: 60 * time.Second,
		RefreshInterval:           60 * time.Second,
		RefreshIntervalContinuous: 30 * time.Second,
		LocationTTL:               10 * time.Minute,
		NearbyCandidate:           1000,
		ProximityRadius:           100,
		EncounterCooldown:         30 * time.Minute,
		StoreTimeout:              10 * time.Second,
		MaxRetries:                2,
		InitialBackoff:            time.Second,
		MaxBackoff:                30 * time.Second,
	}
}

// Tracker ingests local samples, publishes rate-limited self locations,
// polls the partner's location, and raises debounced encounter events.
type Tracker struct {
	store    remotestore.Client
	state    *localstate.State
	sched    *sched.Scheduler
	logger   *slog.Logger
	cfg      Config
	provider Provider

	mu              sync.Mutex
	selfID          string
	partnerFn       func() string
	enabled         bool
	continuous      bool
	status          Status
	selfLoc         *model.LocationSample
	partnerLoc      *model.UserLocationRecord
	distance        float64
	haveDistance    bool
	near            bool
	lastEncounterAt time.Time
	lastPublish     time.Time
	hasPublished    bool
	accuracyMode    AccuracyMode
	refreshTask     *sched.Task
	onEncounter     func(distance float64)
	done            chan struct{}
	closed          bool
}

// New constructs a tracker. Call Restore before use.
func New(store remotestore.Client, state *localstate.State, scheduler *sched.Scheduler, provider Provider, logger *slog.Logger, cfg Config) *Tracker {
	return &Tracker{
		store:        store,
		state:        state,
		sched:        scheduler,
		logger:       logger,
		cfg:          cfg,
		provider:     provider,
		status:       StatusDisabled,
		accuracyMode: AccuracyCoarse,
		done:         make(chan struct{}),
	}
}

// SetIdentity records the resolved device identity.
func (t *Tracker) SetIdentity(selfID string) {
	t.mu.Lock()
	t.selfID = selfID
	t.mu.Unlock()
}

// SetPartnerFunc registers the source of the committed partner identity.
func (t *Tracker) SetPartnerFunc(fn func() string) {
	t.mu.Lock()
	t.partnerFn = fn
	t.mu.Unlock()
}

// SetOnEncounter registers the hook invoked when an encounter fires.
func (t *Tracker) SetOnEncounter(fn func(distance float64)) {
	t.mu.Lock()
	t.onEncounter = fn
	t.mu.Unlock()
}

// Restore loads persisted presence state and resumes tracking if it was
// enabled before the restart.
func (t *Tracker) Restore(ctx context.Context) error {
	continuous, err := t.state.ContinuousTracking(ctx)
	if err != nil {
		return err
	}
	lastEncounter, err := t.state.LastEncounterAt(ctx)
	if err != nil {
		return err
	}
	lastLoc, err := t.state.LastLocation(ctx)
	if err != nil {
		return err
	}
	enabled, err := t.state.PresenceEnabled(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.continuous = continuous
	t.lastEncounterAt = lastEncounter
	t.selfLoc = lastLoc
	t.mu.Unlock()

	if enabled {
		return t.Enable(ctx)
	}
	return nil
}

// Enable switches tracking on. Without an authorization grant the tracker
// requests one and stays in NoPermission until it arrives.
func (t *Tracker) Enable(ctx context.Context) error {
	if err := t.state.SetPresenceEnabled(ctx, true); err != nil {
		return err
	}

	granted, err := t.provider.RequestAuthorization(ctx)
	if err != nil && !errors.Is(err, ErrPermissionDenied) {
		t.setStatus(StatusError)
		return fmt.Errorf("request location authorization: %w", err)
	}
	if !granted {
		t.setStatus(StatusNoPermission)
		t.mu.Lock()
		t.enabled = true
		t.mu.Unlock()
		return ErrPermissionDenied
	}

	if err := t.provider.Start(ctx); err != nil {
		t.setStatus(StatusError)
		return fmt.Errorf("start location provider: %w", err)
	}

	t.mu.Lock()
	t.enabled = true
	t.status = StatusAcquiringFix
	t.mu.Unlock()

	t.startRefresh()
	t.logger.Info("presence tracking enabled")
	return nil
}

// Disable switches tracking off and cancels the refresh timer.
func (t *Tracker) Disable(ctx context.Context) error {
	if err := t.state.SetPresenceEnabled(ctx, false); err != nil {
		return err
	}
	t.provider.Stop()

	t.mu.Lock()
	t.enabled = false
	t.status = StatusDisabled
	t.near = false
	t.haveDistance = false
	task := t.refreshTask
	t.refreshTask = nil
	t.mu.Unlock()

	if task != nil {
		task.Stop()
	}
	t.logger.Info("presence tracking disabled")
	return nil
}

// SetContinuous toggles the frequent-update profile, rearming the refresh
// timer with the matching interval.
func (t *Tracker) SetContinuous(ctx context.Context, continuous bool) error {
	if err := t.state.SetContinuousTracking(ctx, continuous); err != nil {
		return err
	}
	t.mu.Lock()
	t.continuous = continuous
	enabled := t.enabled
	t.mu.Unlock()
	if enabled {
		t.startRefresh()
	}
	return nil
}

// Stop tears the tracker down.
func (t *Tracker) Stop() {
	t.provider.Stop()
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	t.mu.Unlock()
}

// Status returns the user-visible tracker state.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// IsNearPartner reports the current debounced proximity signal.
func (t *Tracker) IsNearPartner() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.near
}

// DistanceToPartner returns the last computed distance in meters; ok is
// false when either location is unknown.
func (t *Tracker) DistanceToPartner() (meters float64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.distance, t.haveDistance
}

// Mode returns the accuracy mode last commanded to the provider.
func (t *Tracker) Mode() AccuracyMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.accuracyMode
}

func (t *Tracker) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

// HandleProviderError surfaces a provider failure without stopping the
// timer infrastructure.
func (t *Tracker) HandleProviderError(err error) {
	if errors.Is(err, ErrPermissionDenied) {
		t.setStatus(StatusNoPermission)
	} else {
		t.setStatus(StatusError)
	}
	t.logger.Warn("location provider error", "error", err)
}

// HandleSample ingests a local location sample: validates it, updates the
// proximity computation, and publishes to the store when the rate gate
// allows.
func (t *Tracker) HandleSample(ctx context.Context, sample model.LocationSample) {
	t.mu.Lock()
	if !t.enabled {
		t.mu.Unlock()
		return
	}
	now := t.sched.Clock().Now()
	if !sample.Valid(now, t.cfg.MaxAccuracy, t.cfg.MaxSampleAge) {
		t.mu.Unlock()
		t.logger.Debug("discarded invalid location sample",
			"accuracy", sample.Accuracy, "age", now.Sub(sample.Timestamp).String())
		return
	}

	t.selfLoc = &sample
	t.status = StatusActive
	publish := t.shouldPublishLocked(now)
	if publish {
		t.lastPublish = now
		t.hasPublished = true
	}
	t.mu.Unlock()

	if err := t.state.SetLastLocation(ctx, sample); err != nil {
		t.logger.Warn("persist last location failed", "error", err)
	}

	t.recompute(ctx)

	if publish {
		t.publish(ctx, sample)
	}
}

// shouldPublishLocked decouples provider sampling frequency from remote
// write frequency. The first valid sample after (re)start always publishes.
func (t *Tracker) shouldPublishLocked(now time.Time) bool {
	if !t.hasPublished {
		return true
	}
	interval := t.cfg.PublishInterval
	if t.continuous {
		interval = t.cfg.PublishIntervalContinuous
	}
	return now.Sub(t.lastPublish) >= interval
}

// publish replaces the caller's live location record: best-effort delete of
// prior records, then a fresh record with a short TTL. Transient failures
// retry on the bounded backoff schedule, then the sample is dropped.
func (t *Tracker) publish(ctx context.Context, sample model.LocationSample) {
	t.mu.Lock()
	selfID := t.selfID
	t.mu.Unlock()
	if selfID == "" {
		return
	}

	t.deletePriorLocations(ctx, selfID)

	now := t.sched.Clock().Now()
	record := model.UserLocationRecord{
		UserID:    selfID,
		Latitude:  sample.Latitude,
		Longitude: sample.Longitude,
		Timestamp: sample.Timestamp.UTC(),
		ExpiresAt: now.Add(t.cfg.LocationTTL).UTC(),
		Accuracy:  sample.Accuracy,
	}
	rec, err := remotestore.NewRecord(uuid.NewString(), remotestore.TypeUserLocation, record)
	if err != nil {
		t.logger.Error("encode location record failed", "error", err)
		return
	}

	schedule := t.backoffSchedule()
	for attempt := 0; attempt <= t.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if !sched.Sleep(t.sched.Clock(), schedule[attempt-1], t.done) {
				return
			}
		}
		saveCtx, cancel := context.WithTimeout(ctx, t.cfg.StoreTimeout)
		_, err = t.store.Save(saveCtx, rec)
		cancel()
		if err == nil {
			t.logger.Debug("location published", "accuracy", sample.Accuracy)
			return
		}
		if !remotestore.IsConnectivity(err) {
			break
		}
	}
	t.logger.Warn("location publish dropped", "error", err)
}

func (t *Tracker) deletePriorLocations(ctx context.Context, selfID string) {
	fetchCtx, cancel := context.WithTimeout(ctx, t.cfg.StoreTimeout)
	defer cancel()

	records, err := t.store.Fetch(fetchCtx, remotestore.Query{
		Type:      remotestore.TypeUserLocation,
		Predicate: remotestore.Predicate{"user_id": selfID},
		Limit:     10,
	})
	if err != nil || len(records) == 0 {
		if err != nil {
			t.logger.Debug("prior location lookup failed", "error", err)
		}
		return
	}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	if err := t.store.Delete(ctx, ids); err != nil {
		t.logger.Debug("prior location cleanup failed", "error", err)
	}
}

func (t *Tracker) backoffSchedule() []time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.cfg.InitialBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = t.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	delays := make([]time.Duration, 0, t.cfg.MaxRetries)
	for i := 0; i < t.cfg.MaxRetries; i++ {
		delays = append(delays, bo.NextBackOff())
	}
	return delays
}

func (t *Tracker) startRefresh() {
	t.mu.Lock()
	interval := t.cfg.RefreshInterval
	if t.continuous {
		interval = t.cfg.RefreshIntervalContinuous
	}
	prev := t.refreshTask
	t.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	task := t.sched.Every(interval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.StoreTimeout)
		defer cancel()
		// Failures are absorbed: the timer itself is the retry mechanism.
		if err := t.RefreshPartnerLocation(ctx); err != nil {
			t.logger.Debug("partner location refresh failed", "error", err)
		}
		t.markStaleIfNeeded()
	})

	t.mu.Lock()
	t.refreshTask = task
	t.mu.Unlock()
}

func (t *Tracker) markStaleIfNeeded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive || t.selfLoc == nil {
		return
	}
	if t.sched.Clock().Now().Sub(t.selfLoc.Timestamp) > t.cfg.MaxSampleAge {
		t.status = StatusStale
	}
}

// RefreshPartnerLocation fetches the partner's most recent live location
// record, treating an expired record as absent, and recomputes proximity.
// Invoked by the periodic timer and by partner-location pushes.
func (t *Tracker) RefreshPartnerLocation(ctx context.Context) error {
	t.mu.Lock()
	partnerFn := t.partnerFn
	t.mu.Unlock()
	if partnerFn == nil {
		return nil
	}
	partnerID := partnerFn()
	if partnerID == "" {
		return nil
	}

	records, err := t.store.Fetch(ctx, remotestore.Query{
		Type:      remotestore.TypeUserLocation,
		Predicate: remotestore.Predicate{"user_id": partnerID},
		Sort:      &remotestore.Sort{Field: "timestamp", Descending: true},
		Limit:     1,
	})
	if err != nil {
		return fmt.Errorf("fetch partner location: %w", err)
	}

	now := t.sched.Clock().Now()
	var partnerLoc *model.UserLocationRecord
	if len(records) > 0 {
		var loc model.UserLocationRecord
		if err := records[0].Decode(&loc); err != nil {
			return err
		}
		if !loc.Expired(now) {
			partnerLoc = &loc
		}
	}

	t.mu.Lock()
	t.partnerLoc = partnerLoc
	t.mu.Unlock()

	t.recompute(ctx)
	return nil
}

// recompute runs the adaptive-accuracy feedback loop and the edge-triggered
// encounter detection on the current pair of locations.
func (t *Tracker) recompute(ctx context.Context) {
	t.mu.Lock()
	self, partner := t.selfLoc, t.partnerLoc
	if self == nil || partner == nil {
		t.near = false
		t.haveDistance = false
		t.mu.Unlock()
		return
	}

	dist := Distance(self.Latitude, self.Longitude, partner.Latitude, partner.Longitude)
	t.distance = dist
	t.haveDistance = true

	mode := AccuracyCoarse
	if dist < t.cfg.NearbyCandidate {
		mode = AccuracyHigh
	}
	modeChanged := mode != t.accuracyMode
	if modeChanged {
		t.accuracyMode = mode
	}

	now := t.sched.Clock().Now()
	wasNear := t.near
	isNear := dist <= t.cfg.ProximityRadius
	t.near = isNear

	fire := isNear && !wasNear &&
		(t.lastEncounterAt.IsZero() || now.Sub(t.lastEncounterAt) > t.cfg.EncounterCooldown)
	if fire {
		t.lastEncounterAt = now
	}
	selfID := t.selfID
	partnerID := partner.UserID
	hook := t.onEncounter
	t.mu.Unlock()

	if modeChanged {
		t.provider.SetAccuracy(mode)
		t.logger.Debug("accuracy mode switched", "mode", string(mode), "distance", dist)
	}

	if fire {
		t.fireEncounter(ctx, selfID, partnerID, dist, now, hook)
	}
}

func (t *Tracker) fireEncounter(ctx context.Context, selfID, partnerID string, dist float64, at time.Time, hook func(float64)) {
	if err := t.state.SetLastEncounterAt(ctx, at); err != nil {
		t.logger.Warn("persist last encounter failed", "error", err)
	}

	record := model.EncounterRecord{
		UserID:    selfID,
		PartnerID: partnerID,
		Distance:  dist,
		Timestamp: at.UTC(),
	}
	if rec, err := remotestore.NewRecord(uuid.NewString(), remotestore.TypeEncounter, record); err == nil {
		saveCtx, cancel := context.WithTimeout(ctx, t.cfg.StoreTimeout)
		if _, err := t.store.Save(saveCtx, rec); err != nil {
			t.logger.Warn("encounter audit record failed", "error", err)
		}
		cancel()
	}

	if hook != nil {
		hook(dist)
	}
	t.logger.Info("encounter", "partner", partnerID, "distance", dist)
}
