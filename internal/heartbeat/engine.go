// Package heartbeat delivers presence pings to the partner with debounce,
// a single-send-in-flight guard, timeout racing the store write, bounded
// exponential backoff, and a durable offline queue. Delivery semantics are
// at-most-one-intended, at-least-once-actual: duplicates are harmless
// because heartbeat records carry no identity beyond their timestamp.
package heartbeat

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

var (
	// ErrNotPaired means no partner identity is committed yet.
	ErrNotPaired = errors.New("no partner to send to")
	// ErrSelfLoop means a device tried to send a heartbeat to itself.
	ErrSelfLoop = errors.New("cannot send heartbeat to self")
	// ErrDebounced means the send landed inside the cooldown of the
	// previous attempt and was suppressed without contacting the store.
	ErrDebounced = errors.New("heartbeat send debounced")
	// ErrSendInFlight means another send is still outstanding.
	ErrSendInFlight = errors.New("heartbeat send already in flight")
)

// Config carries the engine's tunables.
type Config struct {
	Debounce       time.Duration
	SendTimeout    time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	FlushInterval  time.Duration
}

// DefaultConfig returns the design defaults.
func DefaultConfig() Config {
	return Config{
		Debounce:       2 * time.Second,
		SendTimeout:    10 * time.Second,
		MaxRetries:     2,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		FlushInterval:  5 * time.Minute,
	}
}

// Engine is the heartbeat delivery engine for one device.
type Engine struct {
	store  remotestore.Client
	state  *localstate.State
	sched  *sched.Scheduler
	logger *slog.Logger
	cfg    Config

	mu          sync.Mutex
	inFlight    bool
	flushing    bool
	lastAttempt time.Time
	onReceived  func(at time.Time)
	done        chan struct{}
	closed      bool
}

// New constructs an engine on the given scheduler's clock.
func New(store remotestore.Client, state *localstate.State, scheduler *sched.Scheduler, logger *slog.Logger, cfg Config) *Engine {
	return &Engine{
		store:  store,
		state:  state,
		sched:  scheduler,
		logger: logger,
		cfg:    cfg,
		done:   make(chan struct{}),
	}
}

// SetOnReceived registers the hook invoked when an incoming heartbeat
// arrives, for presentation/haptic consumers.
func (e *Engine) SetOnReceived(fn func(at time.Time)) {
	e.mu.Lock()
	e.onReceived = fn
	e.mu.Unlock()
}

// Start arms the periodic flush of the durable queue.
func (e *Engine) Start(selfID string) {
	if e.cfg.FlushInterval <= 0 {
		return
	}
	e.sched.Every(e.cfg.FlushInterval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SendTimeout)
		defer cancel()
		e.FlushPending(ctx, selfID)
	})
}

// Stop tears the engine down; in-flight backoff sleeps wake immediately.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.done)
	}
	e.mu.Unlock()
}

// Send delivers one heartbeat from selfID to partnerID. On a
// connectivity-classified failure the heartbeat is queued durably and the
// error is still returned so the caller can surface it.
func (e *Engine) Send(ctx context.Context, selfID, partnerID string) error {
	if partnerID == "" {
		return ErrNotPaired
	}
	if selfID == partnerID {
		return ErrSelfLoop
	}

	now := e.sched.Clock().Now()

	e.mu.Lock()
	if e.inFlight {
		e.mu.Unlock()
		return ErrSendInFlight
	}
	if !e.lastAttempt.IsZero() && now.Sub(e.lastAttempt) < e.cfg.Debounce {
		e.mu.Unlock()
		return ErrDebounced
	}
	e.lastAttempt = now
	e.inFlight = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inFlight = false
		e.mu.Unlock()
	}()

	record := model.HeartbeatRecord{FromID: selfID, ToID: partnerID, Timestamp: now.UTC()}
	if err := e.deliver(ctx, record); err != nil {
		if remotestore.IsConnectivity(err) {
			e.enqueue(ctx, partnerID, now)
		}
		return err
	}

	if err := e.state.SetLastSentAt(ctx, now); err != nil {
		e.logger.Warn("persist last sent failed", "error", err)
	}
	e.logger.Info("heartbeat sent", "to", partnerID)

	// A successful direct send proves connectivity; drain any backlog.
	e.FlushPending(ctx, selfID)
	return nil
}

// deliver races each store write against the send timeout and retries
// connectivity failures on the backoff schedule.
func (e *Engine) deliver(ctx context.Context, record model.HeartbeatRecord) error {
	schedule := e.backoffSchedule()
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if !sched.Sleep(e.sched.Clock(), schedule[attempt-1], e.done) {
				return lastErr
			}
		}
		lastErr = e.attempt(ctx, record)
		if lastErr == nil {
			return nil
		}
		if !remotestore.IsConnectivity(lastErr) {
			return lastErr
		}
		e.logger.Warn("heartbeat attempt failed", "attempt", attempt+1, "error", lastErr)
	}
	return lastErr
}

func (e *Engine) attempt(ctx context.Context, record model.HeartbeatRecord) error {
	rec, err := remotestore.NewRecord(uuid.NewString(), remotestore.TypeHeartbeat, record)
	if err != nil {
		return err
	}
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()
	if _, err := e.store.Save(attemptCtx, rec); err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("heartbeat send timed out: %w", context.DeadlineExceeded)
		}
		return err
	}
	return nil
}

// backoffSchedule materializes the retry delays: exponential, multiplier 2,
// no jitter, capped at MaxBackoff.
func (e *Engine) backoffSchedule() []time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.InitialBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = e.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	delays := make([]time.Duration, 0, e.cfg.MaxRetries)
	for i := 0; i < e.cfg.MaxRetries; i++ {
		delays = append(delays, bo.NextBackOff())
	}
	return delays
}

func (e *Engine) enqueue(ctx context.Context, partnerID string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	queue, err := e.state.PendingHeartbeats(ctx)
	if err != nil {
		e.logger.Error("load pending queue failed", "error", err)
		return
	}
	queue = append(queue, model.PendingHeartbeat{
		ID:        uuid.NewString(),
		ToID:      partnerID,
		Timestamp: at.UTC(),
	})
	if err := e.state.SetPendingHeartbeats(ctx, queue); err != nil {
		e.logger.Error("persist pending queue failed", "error", err)
		return
	}
	e.logger.Info("heartbeat queued for retry", "depth", len(queue))
}

// FlushPending attempts to deliver every queued heartbeat. Each success
// removes only that entry; a failure leaves the entry queued for the next
// flush trigger. Idempotent and single-flight.
func (e *Engine) FlushPending(ctx context.Context, selfID string) {
	e.mu.Lock()
	if e.flushing {
		e.mu.Unlock()
		return
	}
	e.flushing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.flushing = false
		e.mu.Unlock()
	}()

	queue, err := e.state.PendingHeartbeats(ctx)
	if err != nil {
		e.logger.Error("load pending queue failed", "error", err)
		return
	}
	if len(queue) == 0 {
		return
	}

	delivered := 0
	for _, entry := range queue {
		record := model.HeartbeatRecord{FromID: selfID, ToID: entry.ToID, Timestamp: entry.Timestamp}
		if err := e.attempt(ctx, record); err != nil {
			e.logger.Warn("pending heartbeat delivery failed", "id", entry.ID, "error", err)
			if remotestore.IsConnectivity(err) {
				// Connectivity is still down; the rest would fail the
				// same way.
				break
			}
			continue
		}
		delivered++
		e.removePending(ctx, entry.ID)
	}

	if delivered > 0 {
		now := e.sched.Clock().Now()
		if err := e.state.SetLastSentAt(ctx, now); err != nil {
			e.logger.Warn("persist last sent failed", "error", err)
		}
		e.logger.Info("flushed pending heartbeats", "delivered", delivered, "remaining", len(queue)-delivered)
	}
}

func (e *Engine) removePending(ctx context.Context, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	queue, err := e.state.PendingHeartbeats(ctx)
	if err != nil {
		e.logger.Error("load pending queue failed", "error", err)
		return
	}
	next := queue[:0]
	for _, entry := range queue {
		if entry.ID != id {
			next = append(next, entry)
		}
	}
	if err := e.state.SetPendingHeartbeats(ctx, next); err != nil {
		e.logger.Error("persist pending queue failed", "error", err)
	}
}

// MarkReceived is called by the push path when an incoming heartbeat
// notification arrives. Duplicate deliveries only re-write the timestamp.
func (e *Engine) MarkReceived(ctx context.Context, at time.Time) {
	if at.IsZero() {
		at = e.sched.Clock().Now()
	}
	if err := e.state.SetLastReceivedAt(ctx, at); err != nil {
		e.logger.Warn("persist last received failed", "error", err)
	}
	e.mu.Lock()
	hook := e.onReceived
	e.mu.Unlock()
	if hook != nil {
		hook(at)
	}
	e.logger.Info("heartbeat received")
}

// QueueDepth reports how many heartbeats await flush.
func (e *Engine) QueueDepth(ctx context.Context) int {
	queue, err := e.state.PendingHeartbeats(ctx)
	if err != nil {
		return 0
	}
	return len(queue)
}
