// Package pairing turns two anonymous identities into a committed
// one-to-one relationship exactly once. The receiver's conditional write on
// the session record is the single serialization point; whichever claim
// lands first wins and the loser gets an explicit conflict.
package pairing

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"pairbeat/go-sync-core/internal/localstate"
	"pairbeat/go-sync-core/internal/model"
	"pairbeat/go-sync-core/internal/remotestore"
	"pairbeat/go-sync-core/internal/sched"
)

var (
	// ErrNotReady means the device identity has not been resolved yet.
	ErrNotReady = errors.New("identity not ready")
	// ErrInvalidCodeFormat means the entered code is not six digits.
	ErrInvalidCodeFormat = errors.New("code must be exactly 6 digits")
	// ErrCodeNotFound means no session exists for the entered code.
	ErrCodeNotFound = errors.New("pairing code not found")
	// ErrPairingExpired means the session is past its expiry.
	ErrPairingExpired = errors.New("pairing code expired")
	// ErrCodeAlreadyUsed means another receiver already claimed the session.
	ErrCodeAlreadyUsed = errors.New("pairing code already used")
	// ErrOwnCode means a device tried to claim its own session.
	ErrOwnCode = errors.New("cannot claim own pairing code")
	// ErrPairingConflict means the claim lost the race against a concurrent
	// receiver. A code is single-use, so losing is terminal for that code.
	ErrPairingConflict = errors.New("pairing failed: session claimed concurrently")
)

var codePattern = regexp.MustCompile(`^[0-9]{6}$`)

// invalidationPageSize bounds how many prior sessions one generate call
// will clean up.
const invalidationPageSize = 10

// Coordinator owns the pairing state machine for one device.
type Coordinator struct {
	store  remotestore.Client
	state  *localstate.State
	clock  sched.Clock
	logger *slog.Logger

	sessionTTL time.Duration

	mu              sync.Mutex
	selfID          string
	partnerID       string
	activeSessionID string
	onPaired        func(partnerID string)
}

// New constructs a coordinator. Call Restore before use to load the
// committed relationship from local state.
func New(store remotestore.Client, state *localstate.State, clock sched.Clock, logger *slog.Logger, sessionTTL time.Duration) *Coordinator {
	if sessionTTL <= 0 {
		sessionTTL = 10 * time.Minute
	}
	return &Coordinator{
		store:      store,
		state:      state,
		clock:      clock,
		logger:     logger,
		sessionTTL: sessionTTL,
	}
}

// SetIdentity records the resolved device identity.
func (c *Coordinator) SetIdentity(selfID string) {
	c.mu.Lock()
	c.selfID = selfID
	c.mu.Unlock()
}

// SetOnPaired registers the hook invoked when the relationship commits.
func (c *Coordinator) SetOnPaired(fn func(partnerID string)) {
	c.mu.Lock()
	c.onPaired = fn
	c.mu.Unlock()
}

// Restore loads the committed relationship from local state.
func (c *Coordinator) Restore(ctx context.Context) error {
	partnerID, err := c.state.PartnerID(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.partnerID = partnerID
	c.mu.Unlock()
	return nil
}

// PartnerID returns the committed partner identity, empty when unpaired.
func (c *Coordinator) PartnerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partnerID
}

// IsPaired reports whether a relationship is committed.
func (c *Coordinator) IsPaired() bool {
	return c.PartnerID() != ""
}

// GenerateCode invalidates the caller's prior sessions, creates a fresh
// session with a random 6-digit code, and registers a targeted subscription
// so a later claim wakes this device. Not reentrant-safe; callers must not
// overlap calls.
func (c *Coordinator) GenerateCode(ctx context.Context) (code string, expiresAt time.Time, err error) {
	c.mu.Lock()
	selfID := c.selfID
	c.mu.Unlock()
	if selfID == "" {
		return "", time.Time{}, fmt.Errorf("%w: %w", remotestore.ErrUnavailable, ErrNotReady)
	}

	c.invalidatePriorSessions(ctx, selfID)

	code, err = randomCode()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate code: %w", err)
	}

	now := c.clock.Now()
	session := model.PairingSession{
		ID:          uuid.NewString(),
		Code:        code,
		InitiatorID: selfID,
		ExpiresAt:   now.Add(c.sessionTTL).UTC(),
	}

	rec, err := remotestore.NewRecord(session.ID, remotestore.TypePairingSession, session)
	if err != nil {
		return "", time.Time{}, err
	}
	if _, err := c.store.Save(ctx, rec); err != nil {
		return "", time.Time{}, fmt.Errorf("create pairing session: %w", err)
	}

	// The claim may still be observed through an explicit status poll if
	// subscription registration fails, so this is not fatal.
	sub := remotestore.Subscription{
		Type:      remotestore.TypePairingSession,
		Predicate: remotestore.Predicate{"id": session.ID},
	}
	if err := c.store.Subscribe(ctx, sub); err != nil {
		c.logger.Warn("pairing session subscription failed", "session", session.ID, "error", err)
	}

	c.mu.Lock()
	c.activeSessionID = session.ID
	c.mu.Unlock()

	c.logger.Info("pairing code issued", "session", session.ID, "expires_at", session.ExpiresAt)
	return code, session.ExpiresAt, nil
}

// invalidatePriorSessions is advisory cleanup, not a precondition: the
// generate proceeds even when it fails.
func (c *Coordinator) invalidatePriorSessions(ctx context.Context, selfID string) {
	records, err := c.store.Fetch(ctx, remotestore.Query{
		Type:      remotestore.TypePairingSession,
		Predicate: remotestore.Predicate{"initiator_id": selfID},
		Limit:     invalidationPageSize,
	})
	if err != nil {
		c.logger.Warn("prior session lookup failed", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	if err := c.store.Delete(ctx, ids); err != nil {
		c.logger.Warn("prior session invalidation failed", "count", len(ids), "error", err)
		return
	}
	c.logger.Debug("invalidated prior pairing sessions", "count", len(ids))
}

// EnterCode claims the session matching code and commits the relationship
// to its initiator. Losing the claim race surfaces ErrPairingConflict; the
// claim is never silently retried.
func (c *Coordinator) EnterCode(ctx context.Context, code string) (partnerID string, err error) {
	if !codePattern.MatchString(code) {
		return "", ErrInvalidCodeFormat
	}

	c.mu.Lock()
	selfID := c.selfID
	c.mu.Unlock()
	if selfID == "" {
		return "", fmt.Errorf("%w: %w", remotestore.ErrUnavailable, ErrNotReady)
	}

	records, err := c.store.Fetch(ctx, remotestore.Query{
		Type:      remotestore.TypePairingSession,
		Predicate: remotestore.Predicate{"code": code},
		Limit:     1,
	})
	if err != nil {
		return "", fmt.Errorf("look up pairing code: %w", err)
	}
	if len(records) == 0 {
		return "", ErrCodeNotFound
	}

	rec := records[0]
	var session model.PairingSession
	if err := rec.Decode(&session); err != nil {
		return "", err
	}

	if session.Expired(c.clock.Now()) {
		return "", ErrPairingExpired
	}
	if session.Used {
		return "", ErrCodeAlreadyUsed
	}
	if session.InitiatorID == selfID {
		return "", ErrOwnCode
	}

	session.ReceiverID = selfID
	session.Used = true
	claim, err := remotestore.NewRecord(session.ID, remotestore.TypePairingSession, session)
	if err != nil {
		return "", err
	}
	if _, err := c.store.ConditionalUpdate(ctx, claim, rec.Version); err != nil {
		var conflict *remotestore.ConflictError
		if errors.As(err, &conflict) {
			return "", fmt.Errorf("%w: %w", ErrPairingConflict, err)
		}
		return "", fmt.Errorf("claim pairing session: %w", err)
	}

	if err := c.commitPartner(ctx, session.InitiatorID); err != nil {
		return "", err
	}
	c.logger.Info("pairing committed", "partner", session.InitiatorID, "role", "receiver")
	return session.InitiatorID, nil
}

// CheckPairingStatus is invoked when a push reports a session update. It is
// idempotent: duplicate pushes are ignored, and so are pushes for any
// session other than the one this device currently has outstanding.
func (c *Coordinator) CheckPairingStatus(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	selfID := c.selfID
	alreadyPaired := c.partnerID != ""
	active := c.activeSessionID
	c.mu.Unlock()
	if alreadyPaired || selfID == "" {
		return nil
	}
	if active != "" && sessionID != active {
		c.logger.Debug("ignoring push for superseded pairing session", "session", sessionID)
		return nil
	}

	records, err := c.store.Fetch(ctx, remotestore.Query{
		Type:      remotestore.TypePairingSession,
		Predicate: remotestore.Predicate{"id": sessionID},
		Limit:     1,
	})
	if err != nil {
		return fmt.Errorf("fetch pairing session: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	var session model.PairingSession
	if err := records[0].Decode(&session); err != nil {
		return err
	}
	if session.InitiatorID != selfID || session.ReceiverID == "" || !session.Used {
		return nil
	}
	if session.Expired(c.clock.Now()) {
		return nil
	}

	if err := c.commitPartner(ctx, session.ReceiverID); err != nil {
		return err
	}
	c.logger.Info("pairing committed", "partner", session.ReceiverID, "role", "initiator")
	return nil
}

// Unpair clears the committed relationship.
func (c *Coordinator) Unpair(ctx context.Context) error {
	if err := c.state.ClearPartnerID(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.partnerID = ""
	c.activeSessionID = ""
	c.mu.Unlock()
	c.logger.Info("unpaired")
	return nil
}

func (c *Coordinator) commitPartner(ctx context.Context, partnerID string) error {
	if err := c.state.SetPartnerID(ctx, partnerID); err != nil {
		return fmt.Errorf("persist partner: %w", err)
	}
	c.mu.Lock()
	c.partnerID = partnerID
	hook := c.onPaired
	c.mu.Unlock()
	if hook != nil {
		hook(partnerID)
	}
	return nil
}

func randomCode() (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(buf[:]) % 1_000_000
	return fmt.Sprintf("%06d", n), nil
}
