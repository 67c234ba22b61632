package licensing

import "strings"

// Status is a subscription status as reported by the license server.
// Wire values are lowercase; ParseStatus normalizes whatever arrives.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusActive    Status = "active"
	StatusTrialing  Status = "trialing"
	StatusCompleted Status = "completed" // One-time purchase, fully paid
	StatusExpired   Status = "expired"
	StatusCanceled  Status = "canceled"
	StatusPastDue   Status = "past_due"
	StatusSuspended Status = "suspended"
	StatusRefunded  Status = "refunded"
	StatusBlocked   Status = "blocked"
	StatusInvalid   Status = "invalid"
)

// StatusClass categorizes how the client reacts to a server-reported status.
type StatusClass string

const (
	// ClassEntitling states grant paid features (subject to tier and expiry).
	ClassEntitling StatusClass = "entitling"
	// ClassSoftLoss states keep the stored key for display and reactivation,
	// but the effective tier drops to free.
	ClassSoftLoss StatusClass = "soft_loss"
	// ClassTerminal states wipe the stored key and cache entirely.
	ClassTerminal StatusClass = "terminal"
)

// StatusBehavior describes how the client treats a specific status.
type StatusBehavior struct {
	// Status is the subscription status this behavior applies to.
	Status Status

	// Class determines retention: entitled, downgraded, or wiped.
	Class StatusClass

	// RetainsKey indicates whether the stored license key survives.
	RetainsKey bool

	// ShowWarning indicates whether the UI should show a warning banner.
	ShowWarning bool

	// Description is a human-readable description of the status behavior.
	Description string
}

// StatusBehaviors maps each known status to its behavior rules.
var StatusBehaviors = map[Status]StatusBehavior{
	StatusActive: {
		Status:      StatusActive,
		Class:       ClassEntitling,
		RetainsKey:  true,
		ShowWarning: false,
		Description: "Subscription in good standing; paid features active.",
	},
	StatusTrialing: {
		Status:      StatusTrialing,
		Class:       ClassEntitling,
		RetainsKey:  true,
		ShowWarning: false,
		Description: "Trial period with full paid features.",
	},
	StatusCompleted: {
		Status:      StatusCompleted,
		Class:       ClassEntitling,
		RetainsKey:  true,
		ShowWarning: false,
		Description: "One-time purchase; paid features active.",
	},
	StatusExpired: {
		Status:      StatusExpired,
		Class:       ClassSoftLoss,
		RetainsKey:  true,
		ShowWarning: true,
		Description: "Subscription lapsed; key kept for renewal.",
	},
	StatusCanceled: {
		Status:      StatusCanceled,
		Class:       ClassSoftLoss,
		RetainsKey:  true,
		ShowWarning: true,
		Description: "Canceled by the customer; key kept for reactivation.",
	},
	StatusPastDue: {
		Status:      StatusPastDue,
		Class:       ClassSoftLoss,
		RetainsKey:  true,
		ShowWarning: true,
		Description: "Payment failed; key kept while billing retries.",
	},
	StatusSuspended: {
		Status:      StatusSuspended,
		Class:       ClassSoftLoss,
		RetainsKey:  true,
		ShowWarning: true,
		Description: "Administrative hold; contact support.",
	},
	StatusRefunded: {
		Status:      StatusRefunded,
		Class:       ClassTerminal,
		RetainsKey:  false,
		ShowWarning: false,
		Description: "Purchase refunded; stored key removed.",
	},
	StatusBlocked: {
		Status:      StatusBlocked,
		Class:       ClassTerminal,
		RetainsKey:  false,
		ShowWarning: false,
		Description: "Key blocked by the vendor; stored key removed.",
	},
	StatusInvalid: {
		Status:      StatusInvalid,
		Class:       ClassTerminal,
		RetainsKey:  false,
		ShowWarning: false,
		Description: "Key not recognized; stored key removed.",
	},
}

// GetStatusBehavior returns the behavior rules for the given status.
// Unknown statuses get invalid (terminal) behavior as the safe default.
func GetStatusBehavior(status Status) StatusBehavior {
	if b, ok := StatusBehaviors[status]; ok {
		return b
	}
	return StatusBehaviors[StatusInvalid]
}

// ParseStatus normalizes a server-reported status string. Unrecognized
// values map by the accompanying valid flag: a server newer than this
// client may report statuses we have no constant for, and an unknown
// status on a valid license must not brick the install, while an unknown
// status on an invalid one must not unlock it.
func ParseStatus(raw string, valid bool) Status {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := StatusBehaviors[status]; ok {
		return status
	}
	if valid {
		return StatusActive
	}
	return StatusInvalid
}

// IsKnownStatus reports whether the status is one this client has rules for.
func IsKnownStatus(status Status) bool {
	_, ok := StatusBehaviors[status]
	return ok
}

// IsEntitling reports whether the status grants paid features.
func (s Status) IsEntitling() bool {
	return GetStatusBehavior(s).Class == ClassEntitling
}

// IsSoftLoss reports whether the status downgrades without wiping the key.
func (s Status) IsSoftLoss() bool {
	return GetStatusBehavior(s).Class == ClassSoftLoss
}

// IsTerminal reports whether the status wipes the stored key and cache.
func (s Status) IsTerminal() bool {
	return GetStatusBehavior(s).Class == ClassTerminal
}

// GetStatusDisplayName returns a human-readable name for the status.
func GetStatusDisplayName(status Status) string {
	switch status {
	case StatusActive:
		return "Active"
	case StatusTrialing:
		return "Trial"
	case StatusCompleted:
		return "Purchased"
	case StatusExpired:
		return "Expired"
	case StatusCanceled:
		return "Canceled"
	case StatusPastDue:
		return "Past Due"
	case StatusSuspended:
		return "Suspended"
	case StatusRefunded:
		return "Refunded"
	case StatusBlocked:
		return "Blocked"
	case StatusInvalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}
