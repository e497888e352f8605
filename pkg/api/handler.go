package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/mihaimyh/subsync/pkg/auth"
	"github.com/mihaimyh/subsync/pkg/lifecycle"
	"github.com/mihaimyh/subsync/pkg/subscription"
)

const (
	// BasePath is where Routes mounts the subscription endpoints.
	BasePath = "/api/subscription"

	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	maxRequestBody      = 4 << 10
)

var errInvalidRequest = errors.New("invalid request")

// Paths lists every path Routes answers. Router adapters forward all methods
// on these paths to Routes so unsupported methods still get 405.
var Paths = []string{
	BasePath,
	BasePath + "/upgrade",
	BasePath + "/pause",
	BasePath + "/discount",
	BasePath + "/downgrade",
	BasePath + "/history",
}

// Handler provides HTTP endpoints for the subscription lifecycle
type Handler struct {
	config Config
}

// Routes returns a mux serving every endpoint under BasePath. Methods a path
// does not support get 405 with an Allow header.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+BasePath, h.GetStatus)
	mux.HandleFunc("POST "+BasePath+"/upgrade", h.Upgrade)
	mux.HandleFunc("POST "+BasePath+"/pause", h.Pause)
	mux.HandleFunc("DELETE "+BasePath+"/pause", h.Resume)
	mux.HandleFunc("POST "+BasePath+"/discount", h.ApplyDiscount)
	mux.HandleFunc("DELETE "+BasePath+"/discount", h.RemoveDiscount)
	mux.HandleFunc("POST "+BasePath+"/downgrade", h.ScheduleDowngrade)
	mux.HandleFunc("DELETE "+BasePath+"/downgrade", h.CancelDowngrade)
	mux.HandleFunc("GET "+BasePath+"/history", h.GetHistory)
	return mux
}

// GetStatus returns the caller's subscription and settings projection
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identify(w, r)
	if !ok {
		return
	}

	sub, settings, err := h.config.Service.Status(r.Context(), id.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Success: true, Subscription: sub, Settings: settings})
}

// GetHistory returns the caller's history, newest first
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identify(w, r)
	if !ok {
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	events, err := h.config.Service.History(r.Context(), id.UserID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if events == nil {
		events = []*subscription.HistoryEvent{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Success: true, History: events})
}

// Upgrade moves the caller from monthly to annual
func (h *Handler) Upgrade(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, lifecycle.ActionUpgrade, h.config.Service.Upgrade)
}

// Pause pauses billing for three months
func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, lifecycle.ActionPause, h.config.Service.Pause)
}

// Resume ends a pause early
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, lifecycle.ActionResume, h.config.Service.Resume)
}

// ApplyDiscount grants the retention discount. The body is optional.
func (h *Handler) ApplyDiscount(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, lifecycle.ActionApplyDiscount, func(ctx context.Context, userID string) (*subscription.Subscription, error) {
		var req DiscountRequest
		if err := decodeOptional(r, &req); err != nil {
			return nil, err
		}
		return h.config.Service.ApplyDiscount(ctx, userID, req.Reason)
	})
}

// RemoveDiscount ends the discount early
func (h *Handler) RemoveDiscount(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, lifecycle.ActionRemoveDiscount, h.config.Service.RemoveDiscount)
}

// ScheduleDowngrade schedules annual to monthly at the end of the period
func (h *Handler) ScheduleDowngrade(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, lifecycle.ActionScheduleDowngrade, h.config.Service.ScheduleDowngrade)
}

// CancelDowngrade cancels a scheduled downgrade
func (h *Handler) CancelDowngrade(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, lifecycle.ActionCancelDowngrade, h.config.Service.CancelScheduledDowngrade)
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, string) (*subscription.Subscription, error)) {
	id, ok := h.identify(w, r)
	if !ok {
		return
	}

	sub, err := fn(r.Context(), id.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Success: true, Action: action, Subscription: sub})
}

func (h *Handler) identify(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, err := h.config.GetIdentity(r)
	if err == nil && id.UserID == "" {
		err = auth.ErrUnauthenticated
	}
	if err != nil {
		h.fail(w, r, err)
		return auth.Identity{}, false
	}
	return id, true
}

// fail handles errors with appropriate HTTP status codes
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	var (
		pre      *lifecycle.PreconditionError
		upstream *lifecycle.UpstreamError
		persist  *lifecycle.PersistenceError
	)
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
	case errors.Is(err, errInvalidRequest):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.As(err, &pre):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: pre.Message, Code: pre.Code})
	case errors.Is(err, lifecycle.ErrNoSubscription):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no subscription found"})
	case errors.As(err, &upstream):
		writeJSON(w, http.StatusBadGateway, ErrorResponse{
			Error:         "billing provider rejected the request",
			ProviderError: upstream.Detail,
		})
	case errors.As(err, &persist):
		// already logged for reconciliation by the service
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: "the change was accepted by the billing provider but could not be saved; support has been notified",
		})
	default:
		h.config.Logger.Error("subscription api request failed",
			subscription.F("path", r.URL.Path),
			subscription.F("method", r.Method),
			subscription.F("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", errInvalidRequest)
	}
	if n > maxHistoryLimit {
		n = maxHistoryLimit
	}
	return n, nil
}

func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: body: %v", errInvalidRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Log encoding error but response already sent
		_ = err
	}
}
