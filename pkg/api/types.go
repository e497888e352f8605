package api

import "github.com/mihaimyh/subsync/pkg/subscription"

// StatusResponse is returned by GET /api/subscription.
type StatusResponse struct {
	Success      bool                       `json:"success"`
	Subscription *subscription.Subscription `json:"subscription"`
	Settings     *subscription.UserSettings `json:"settings,omitempty"`
}

// ActionResponse is returned by every lifecycle action.
type ActionResponse struct {
	Success      bool                       `json:"success"`
	Action       string                     `json:"action"`
	Subscription *subscription.Subscription `json:"subscription"`
}

// HistoryResponse is returned by GET /api/subscription/history.
type HistoryResponse struct {
	Success bool                         `json:"success"`
	History []*subscription.HistoryEvent `json:"history"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	// Code is set for precondition failures.
	Code string `json:"code,omitempty"`
	// ProviderError is the provider's message for upstream failures.
	ProviderError string `json:"provider_error,omitempty"`
}

// DiscountRequest is the optional body of POST /api/subscription/discount.
type DiscountRequest struct {
	Reason string `json:"reason"`
}
