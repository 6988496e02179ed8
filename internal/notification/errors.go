package notification

import "errors"

// Sentinel errors returned by the notification service and its senders.
// Callers should use errors.Is for comparison.
var (
	// ErrSendFailed is returned when a notification could not be delivered
	// through one or more channels. Delivery failures are non-fatal: the job
	// history in the database is the authoritative record either way.
	ErrSendFailed = errors.New("notification: send failed")

	// ErrNotConfigured is returned by a channel sender when its settings are
	// missing or disabled. Senders skip silently on it.
	ErrNotConfigured = errors.New("notification: channel not configured")
)
