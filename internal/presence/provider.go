package presence

import "context"

// AccuracyMode selects the location provider's power/precision trade-off.
type AccuracyMode string

const (
	// AccuracyCoarse is the battery-saving mode used while the partner is
	// far away.
	AccuracyCoarse AccuracyMode = "coarse"
	// AccuracyHigh is the most precise, most frequent mode used once the
	// partner is a nearby candidate.
	AccuracyHigh AccuracyMode = "high"
)

// Provider is the device's location source. Samples and errors flow back
// into the tracker through HandleSample and HandleProviderError.
type Provider interface {
	// RequestAuthorization asks for location permission. It reports
	// whether the grant is in place.
	RequestAuthorization(ctx context.Context) (bool, error)
	// Start begins sample delivery.
	Start(ctx context.Context) error
	// Stop halts sample delivery.
	Stop()
	// SetAccuracy switches the provider's accuracy mode.
	SetAccuracy(mode AccuracyMode)
}

// Status describes the tracker's user-visible state.
type Status string

const (
	StatusDisabled     Status = "disabled"
	StatusAcquiringFix Status = "acquiring_fix"
	StatusActive       Status = "active"
	StatusStale        Status = "stale"
	StatusError        Status = "error"
	StatusNoPermission Status = "no_permission"
)
