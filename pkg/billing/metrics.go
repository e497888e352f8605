package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the billing provider.
	// status: "success", "ignored" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "invalid_payload", "unmapped_variant", "processing_error"
	RecordWebhookError(provider, errorType string)

	// RecordPlanChange records when a user's plan changes.
	RecordPlanChange(provider, fromPlan, toPlan string)

	// RecordAPICall records an API call to the billing provider.
	// status: HTTP status code as string, or "error" for transport failures
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)

	// RecordLifecycleAction records a user-initiated lifecycle action.
	// outcome: "success", "precondition", "upstream_error", "persistence_error", "error"
	RecordLifecycleAction(action, outcome string)

	// RecordReconciliationFailure records a local write that failed after the
	// provider had already accepted the change.
	RecordReconciliationFailure(action string)

	// RecordSweep records one sweeper pass over a query kind.
	RecordSweep(kind string, processed, failed int)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordPlanChange(_, _, _ string)                              {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
func (n *NoopMetrics) RecordLifecycleAction(_, _ string)                            {}
func (n *NoopMetrics) RecordReconciliationFailure(_ string)                         {}
func (n *NoopMetrics) RecordSweep(_ string, _, _ int)                               {}
