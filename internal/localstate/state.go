// Package localstate persists the small set of durable device state the
// sync core owns: the pairing relationship, heartbeat bookkeeping, the
// pending-heartbeat queue, and presence flags. Values live in a single
// key/value table; a missing key means "default / never happened".
package localstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pairbeat/go-sync-core/internal/model"

	_ "modernc.org/sqlite"
)

const (
	keyUserID            = "user_id"
	keyPartnerID         = "partner_id"
	keyLastSentAt        = "last_sent_at"
	keyLastReceivedAt    = "last_received_at"
	keyPendingHeartbeats = "pending_heartbeats"
	keyPresenceEnabled   = "presence_enabled"
	keyContinuous        = "continuous_tracking"
	keyLastLocation      = "last_location"
	keyLastEncounterAt   = "last_encounter_at"
)

// State wraps the SQLite database holding local persisted state.
type State struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &State{db: db}, nil
}

// Close releases the underlying database handle.
func (s *State) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures the state table exists.
func (s *State) InitSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS sync_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
	);`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *State) get(ctx context.Context, key string) (string, bool, error) {
	if s.db == nil {
		return "", false, fmt.Errorf("state not initialized")
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *State) set(ctx context.Context, key, value string) error {
	if s.db == nil {
		return fmt.Errorf("state not initialized")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		key,
		value,
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *State) unset(ctx context.Context, key string) error {
	if s.db == nil {
		return fmt.Errorf("state not initialized")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_state WHERE key = ?;`, key); err != nil {
		return fmt.Errorf("unset %s: %w", key, err)
	}
	return nil
}

func (s *State) getTime(ctx context.Context, key string) (time.Time, error) {
	raw, ok, err := s.get(ctx, key)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", key, err)
	}
	return t, nil
}

func (s *State) setTime(ctx context.Context, key string, t time.Time) error {
	return s.set(ctx, key, t.UTC().Format(time.RFC3339Nano))
}

func (s *State) getBool(ctx context.Context, key string) (bool, error) {
	raw, ok, err := s.get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return raw == "1", nil
}

func (s *State) setBool(ctx context.Context, key string, v bool) error {
	value := "0"
	if v {
		value = "1"
	}
	return s.set(ctx, key, value)
}

// UserID returns the cached store-assigned identity, if any.
func (s *State) UserID(ctx context.Context) (string, error) {
	v, _, err := s.get(ctx, keyUserID)
	return v, err
}

// SetUserID caches the store-assigned identity.
func (s *State) SetUserID(ctx context.Context, id string) error {
	return s.set(ctx, keyUserID, id)
}

// PartnerID returns the committed partner identity, empty when unpaired.
func (s *State) PartnerID(ctx context.Context) (string, error) {
	v, _, err := s.get(ctx, keyPartnerID)
	return v, err
}

// SetPartnerID commits the pairing relationship.
func (s *State) SetPartnerID(ctx context.Context, id string) error {
	return s.set(ctx, keyPartnerID, id)
}

// ClearPartnerID removes the pairing relationship.
func (s *State) ClearPartnerID(ctx context.Context) error {
	return s.unset(ctx, keyPartnerID)
}

// LastSentAt returns when the last heartbeat send succeeded.
func (s *State) LastSentAt(ctx context.Context) (time.Time, error) {
	return s.getTime(ctx, keyLastSentAt)
}

// SetLastSentAt records a successful heartbeat send.
func (s *State) SetLastSentAt(ctx context.Context, t time.Time) error {
	return s.setTime(ctx, keyLastSentAt, t)
}

// LastReceivedAt returns when the last incoming heartbeat arrived.
func (s *State) LastReceivedAt(ctx context.Context) (time.Time, error) {
	return s.getTime(ctx, keyLastReceivedAt)
}

// SetLastReceivedAt records an incoming heartbeat.
func (s *State) SetLastReceivedAt(ctx context.Context, t time.Time) error {
	return s.setTime(ctx, keyLastReceivedAt, t)
}

// PendingHeartbeats loads the durable send queue, oldest first.
func (s *State) PendingHeartbeats(ctx context.Context) ([]model.PendingHeartbeat, error) {
	raw, ok, err := s.get(ctx, keyPendingHeartbeats)
	if err != nil || !ok {
		return nil, err
	}
	var queue []model.PendingHeartbeat
	if err := json.Unmarshal([]byte(raw), &queue); err != nil {
		return nil, fmt.Errorf("decode pending heartbeats: %w", err)
	}
	return queue, nil
}

// SetPendingHeartbeats replaces the durable send queue as a whole.
func (s *State) SetPendingHeartbeats(ctx context.Context, queue []model.PendingHeartbeat) error {
	if len(queue) == 0 {
		return s.unset(ctx, keyPendingHeartbeats)
	}
	b, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("encode pending heartbeats: %w", err)
	}
	return s.set(ctx, keyPendingHeartbeats, string(b))
}

// PresenceEnabled reports whether location tracking is switched on.
func (s *State) PresenceEnabled(ctx context.Context) (bool, error) {
	return s.getBool(ctx, keyPresenceEnabled)
}

// SetPresenceEnabled persists the tracking switch.
func (s *State) SetPresenceEnabled(ctx context.Context, v bool) error {
	return s.setBool(ctx, keyPresenceEnabled, v)
}

// ContinuousTracking reports whether the frequent-update profile is active.
func (s *State) ContinuousTracking(ctx context.Context) (bool, error) {
	return s.getBool(ctx, keyContinuous)
}

// SetContinuousTracking persists the tracking profile.
func (s *State) SetContinuousTracking(ctx context.Context, v bool) error {
	return s.setBool(ctx, keyContinuous, v)
}

// LastLocation returns the last known self location, nil when none.
func (s *State) LastLocation(ctx context.Context) (*model.LocationSample, error) {
	raw, ok, err := s.get(ctx, keyLastLocation)
	if err != nil || !ok {
		return nil, err
	}
	var sample model.LocationSample
	if err := json.Unmarshal([]byte(raw), &sample); err != nil {
		return nil, fmt.Errorf("decode last location: %w", err)
	}
	return &sample, nil
}

// SetLastLocation replaces the last known self location.
func (s *State) SetLastLocation(ctx context.Context, sample model.LocationSample) error {
	b, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("encode last location: %w", err)
	}
	return s.set(ctx, keyLastLocation, string(b))
}

// LastEncounterAt returns when the last encounter event fired.
func (s *State) LastEncounterAt(ctx context.Context) (time.Time, error) {
	return s.getTime(ctx, keyLastEncounterAt)
}

// SetLastEncounterAt records an encounter event.
func (s *State) SetLastEncounterAt(ctx context.Context, t time.Time) error {
	return s.setTime(ctx, keyLastEncounterAt, t)
}
