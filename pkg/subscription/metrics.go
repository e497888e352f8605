package subscription

import "time"

// Metrics defines the interface for tracking record-store behavior.
type Metrics interface {
	// RecordStorageOperation records the duration and outcome of a store call.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordVersionConflict records a lost optimistic-concurrency race.
	// retried is false when the conflict was final.
	RecordVersionConflict(retried bool)

	// RecordProjectionFailure records a failed user_settings write after a
	// successful subscription write.
	RecordProjectionFailure()

	// RecordHistoryAppend records a history append attempt.
	RecordHistoryAppend(eventType string, err error)

	// RecordCircuitBreakerStateChange records a storage breaker transition.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordVersionConflict(retried bool)                                       {}
func (n *NoopMetrics) RecordProjectionFailure()                                                 {}
func (n *NoopMetrics) RecordHistoryAppend(eventType string, err error)                          {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                             {}
