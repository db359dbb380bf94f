// Package remotestore defines the record-store contract the sync core is
// built against: predicate queries, optimistic-concurrency updates, and
// subscription registration for push wake-ups. The store itself is an
// external collaborator; this package ships an HTTP implementation and the
// error taxonomy the components key their retry decisions on.
package remotestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
)

// RecordType identifies one of the remote record schemas.
type RecordType string

const (
	TypePairingSession RecordType = "PairingSession"
	TypeHeartbeat      RecordType = "Heartbeat"
	TypeUserLocation   RecordType = "UserLocation"
	TypeEncounter      RecordType = "Encounter"
)

// Record is a stored record. Version increments on every write and is the
// token conditional updates are checked against.
type Record struct {
	ID      string          `json:"id"`
	Type    RecordType      `json:"type"`
	Version int64           `json:"version"`
	Fields  json.RawMessage `json:"fields"`
}

// NewRecord builds a record of the given type around an encoded payload.
func NewRecord(id string, typ RecordType, fields any) (Record, error) {
	b, err := json.Marshal(fields)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s fields: %w", typ, err)
	}
	return Record{ID: id, Type: typ, Fields: b}, nil
}

// Decode unmarshals the record payload into out.
func (r Record) Decode(out any) error {
	if err := json.Unmarshal(r.Fields, out); err != nil {
		return fmt.Errorf("decode %s fields: %w", r.Type, err)
	}
	return nil
}

// Predicate matches records whose named fields equal the given values.
type Predicate map[string]any

// Sort orders query results by a single field.
type Sort struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending"`
}

// Query selects records of one type.
type Query struct {
	Type      RecordType `json:"type"`
	Predicate Predicate  `json:"predicate,omitempty"`
	Sort      *Sort      `json:"sort,omitempty"`
	Limit     int        `json:"limit"`
}

// Subscription registers interest in record creation/update matching the
// predicate. Matches are delivered through the push channel, never
// synchronously.
type Subscription struct {
	Type      RecordType `json:"type"`
	Predicate Predicate  `json:"predicate,omitempty"`
}

// Client is the store contract consumed by the core components.
type Client interface {
	Save(ctx context.Context, rec Record) (Record, error)
	Fetch(ctx context.Context, q Query) ([]Record, error)
	Delete(ctx context.Context, ids []string) error
	ConditionalUpdate(ctx context.Context, rec Record, expectedVersion int64) (Record, error)
	Subscribe(ctx context.Context, sub Subscription) error
}

var (
	// ErrUnavailable means the store or the device's connectivity is not
	// ready; callers treat it as transient.
	ErrUnavailable = errors.New("remote store unavailable")
	// ErrNotFound means no record matched.
	ErrNotFound = errors.New("record not found")
	// ErrRateLimited means the store rejected the request for quota reasons.
	ErrRateLimited = errors.New("remote store rate limited")
)

// ConflictError reports a lost optimistic-concurrency race: the record
// changed since the version the caller read.
type ConflictError struct {
	RecordID      string
	ServerVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("record %s changed concurrently (server version %d)", e.RecordID, e.ServerVersion)
}

// IsConnectivity reports whether err is a connectivity-classified transient
// failure: such failures are retried with backoff and, for heartbeats,
// queued durably. Conflicts and not-found are never connectivity failures.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRateLimited) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
