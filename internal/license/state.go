package license

import (
	"time"

	"github.com/droidbay/droidbay/pkg/licensing"
)

// OfflineGracePeriod is how long a cached entitlement keeps paid features
// available without a successful server validation. All offline grace logic
// MUST use this constant.
const OfflineGracePeriod = 14 * 24 * time.Hour

// EntitlementState is an immutable snapshot of the current entitlement.
// The service swaps whole values under its lock; callers always receive a
// copy and can never mutate the store through it.
type EntitlementState struct {
	// Normalized license key, "" when nothing is activated
	LicenseKey string `json:"license_key,omitempty"`

	// Tier reported by the server at the last successful validation
	Tier licensing.Tier `json:"tier"`

	// Subscription status reported by the server
	Status licensing.Status `json:"status"`

	// Expiry; zero for perpetual licenses
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// When the server last confirmed this entitlement
	LastValidated time.Time `json:"last_validated,omitempty"`

	// Whether the last validation attempt failed to reach the server
	Offline bool `json:"offline"`

	// Diagnostic from the last failed attempt; informational only, never
	// part of any entitlement decision
	LastError string `json:"last_error,omitempty"`

	// Server clock from the last response; informational only
	ServerTimestamp time.Time `json:"server_timestamp,omitempty"`

	// Server signature from the last response; stored, never verified
	Signature string `json:"-"`
}

// Empty reports whether no license is stored at all.
func (s EntitlementState) Empty() bool {
	return s.LicenseKey == ""
}

// IsPerpetual reports whether the license has no expiry date.
func (s EntitlementState) IsPerpetual() bool {
	return s.ExpiresAt.IsZero()
}

// IsActive reports whether paid features are available right now.
func (s EntitlementState) IsActive() bool {
	return s.isActiveAt(time.Now())
}

// isActiveAt is the single source of truth for entitlement. Paid features
// require an entitling status, a paid tier, an unexpired license, and a
// validation recent enough when the server is unreachable.
func (s EntitlementState) isActiveAt(now time.Time) bool {
	if s.Empty() {
		return false
	}
	if !s.Status.IsEntitling() {
		return false
	}
	if s.Tier == licensing.TierFree {
		return false
	}
	if !s.IsPerpetual() && !s.ExpiresAt.After(now) {
		return false
	}
	if s.Offline && now.Sub(s.LastValidated) > OfflineGracePeriod {
		return false
	}
	return true
}

// EffectiveTier returns the tier feature checks should use: the licensed
// tier while the entitlement is active, free otherwise.
func (s EntitlementState) EffectiveTier() licensing.Tier {
	if s.IsActive() {
		return s.Tier
	}
	return licensing.TierFree
}

// HasFeature checks a feature against the effective tier.
func (s EntitlementState) HasFeature(feature string) bool {
	return licensing.TierHasFeature(s.EffectiveTier(), feature)
}

// DaysRemaining returns days until expiry, rounded down.
// Returns -1 for perpetual licenses and 0 once expired.
func (s EntitlementState) DaysRemaining() int {
	if s.IsPerpetual() {
		return -1
	}
	remaining := time.Until(s.ExpiresAt)
	if remaining < 0 {
		return 0
	}
	return int(remaining.Hours() / 24)
}

// OfflineDeadline returns when the offline grace window ends. The zero time
// means there is nothing to expire (no license, or currently online).
func (s EntitlementState) OfflineDeadline() time.Time {
	if s.Empty() || !s.Offline || s.LastValidated.IsZero() {
		return time.Time{}
	}
	return s.LastValidated.Add(OfflineGracePeriod)
}

// MaskedKey returns the logging-safe form of the stored key.
func (s EntitlementState) MaskedKey() string {
	return licensing.MaskKey(s.LicenseKey)
}

// visiblyEqual reports whether two states look the same to an observer.
// LastValidated and the server clock churn on every successful validation
// and do not count as a change on their own.
func (s EntitlementState) visiblyEqual(other EntitlementState) bool {
	return s.LicenseKey == other.LicenseKey &&
		s.Tier == other.Tier &&
		s.Status == other.Status &&
		s.ExpiresAt.Equal(other.ExpiresAt) &&
		s.Offline == other.Offline
}
