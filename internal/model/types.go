package model

import "time"

// PairingSession is the remote record an initiator creates when issuing a
// pairing code. A receiver consumes it exactly once via a conditional update.
type PairingSession struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`
	InitiatorID string    `json:"initiator_id"`
	ReceiverID  string    `json:"receiver_id,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
	Used        bool      `json:"used"`
}

// Expired reports whether the session is past its expiry at the given time.
func (s PairingSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// HeartbeatRecord is an append-only remote record; delivery is fire-and-forget.
type HeartbeatRecord struct {
	FromID    string    `json:"from_id"`
	ToID      string    `json:"to_id"`
	Timestamp time.Time `json:"timestamp"`
}

// PendingHeartbeat is a queued heartbeat that failed to send for a
// connectivity-classified reason. The queue is persisted locally and
// flushed when connectivity or identity recovers.
type PendingHeartbeat struct {
	ID        string    `json:"id"`
	ToID      string    `json:"to_id"`
	Timestamp time.Time `json:"timestamp"`
}

// LocationSample is a single fix from the device's location provider.
type LocationSample struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// Valid reports whether the sample is publishable: accuracy within bound,
// age within bound, and coordinates not the (0,0) no-fix sentinel. Accuracy
// 0 is a perfect fix; negative means the provider reported none.
func (s LocationSample) Valid(now time.Time, maxAccuracy float64, maxAge time.Duration) bool {
	if s.Latitude == 0 && s.Longitude == 0 {
		return false
	}
	if s.Accuracy < 0 || s.Accuracy > maxAccuracy {
		return false
	}
	if s.Timestamp.IsZero() || now.Sub(s.Timestamp) > maxAge {
		return false
	}
	return true
}

// UserLocationRecord is the remote copy of a user's last published location.
// At most one live record per user; ExpiresAt enforces store-side staleness.
type UserLocationRecord struct {
	UserID    string    `json:"user_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
	ExpiresAt time.Time `json:"expires_at"`
	Accuracy  float64   `json:"accuracy"`
}

// Expired reports whether the record is past its TTL at the given time.
func (r UserLocationRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// EncounterRecord is the audit record written when proximity crosses below
// the threshold. Failures writing it are logged only.
type EncounterRecord struct {
	UserID    string    `json:"user_id"`
	PartnerID string    `json:"partner_id"`
	Distance  float64   `json:"distance"`
	Timestamp time.Time `json:"timestamp"`
}
