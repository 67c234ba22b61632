package licensing

import "time"

// Validation actions selected via the endpoint's query parameter.
const (
	ActionActivate   = "activate"
	ActionValidate   = "validate"
	ActionDeactivate = "deactivate"
)

// ValidationRequest is the JSON body sent to the license endpoint for all
// three actions.
type ValidationRequest struct {
	// The normalized license key being checked
	LicenseKey string `json:"license_key"`

	// Stable fingerprint of this installation's machine
	DeviceFingerprint string `json:"device_fingerprint"`

	// Client version, for server-side minimum-version policies
	AppVersion string `json:"app_version"`
}

// ValidationResponse is the JSON body the license endpoint returns.
type ValidationResponse struct {
	// Whether the key grants an entitlement right now
	Valid bool `json:"valid"`

	// Wire tier (0 = free, 1 = pro); parse with ParseTier
	Tier int `json:"tier"`

	// Subscription status string; parse with ParseStatus
	Status string `json:"status"`

	// Expiry in Unix seconds, absent for perpetual licenses
	ExpiresAt int64 `json:"expires_at,omitempty"`

	// Canonical key echo, when the server normalizes further
	LicenseKey string `json:"license_key,omitempty"`

	// Server clock in Unix seconds, used for staleness checks
	Timestamp int64 `json:"timestamp"`

	// Server signature over the response; stored but not verified client-side
	Signature string `json:"signature,omitempty"`

	// Machine-readable error code on rejection
	Error string `json:"error,omitempty"`

	// Human-readable remediation hint on rejection
	Hint string `json:"hint,omitempty"`
}

// ExpiresAtTime converts the expiry field. The second return is false when
// the field is absent; absent means perpetual.
func (r ValidationResponse) ExpiresAtTime() (time.Time, bool) {
	if r.ExpiresAt <= 0 {
		return time.Time{}, false
	}
	return time.Unix(r.ExpiresAt, 0), true
}

// TimestampTime converts the server clock field. The second return is false
// when the server sent no timestamp at all.
func (r ValidationResponse) TimestampTime() (time.Time, bool) {
	if r.Timestamp <= 0 {
		return time.Time{}, false
	}
	return time.Unix(r.Timestamp, 0), true
}
