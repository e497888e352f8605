package subscription

import "errors"

var (
	// ErrSubscriptionNotFound is returned when no subscription row matches the lookup
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrSettingsNotFound is returned when the user has no settings row
	ErrSettingsNotFound = errors.New("user settings not found")

	// ErrVersionConflict is returned when a conditional write lost a race
	ErrVersionConflict = errors.New("subscription version conflict")

	// ErrDuplicateSubscriptionID is returned when another user already owns the external subscription id
	ErrDuplicateSubscriptionID = errors.New("external subscription id already linked to another user")

	// ErrInvalidUserID is returned for empty user ids
	ErrInvalidUserID = errors.New("invalid user id")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrCircuitOpen is returned when the storage circuit breaker is open
	ErrCircuitOpen = errors.New("storage circuit breaker is open")
)
