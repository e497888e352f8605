package subscription

import (
	"context"
	"fmt"
	"time"
)

const (
	// DefaultHistoryLimit is the page size used when none is given.
	DefaultHistoryLimit = 20
	// MaxHistoryLimit caps a single history page.
	MaxHistoryLimit = 100
)

// HistoryLogger appends audit entries. It is always a side effect of a
// subscription write, never the primary write, so callers log its errors
// rather than failing the enclosing operation.
type HistoryLogger struct {
	store     Store
	publisher HistoryPublisher
	logger    Logger
	metrics   Metrics
	now       func() time.Time
	newID     func() string
	timeout   time.Duration
}

// Log fills in the id and timestamp of event when missing, appends it and
// publishes it. Publish failures are logged and never returned.
func (h *HistoryLogger) Log(ctx context.Context, event *HistoryEvent) error {
	if event.UserID == "" {
		return ErrInvalidUserID
	}
	if event.ID == "" {
		event.ID = h.newID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = h.now()
	}

	storeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	err := h.store.AppendHistory(storeCtx, event)
	h.metrics.RecordHistoryAppend(string(event.EventType), err)
	if err != nil {
		h.logger.Error("failed to append subscription history",
			F("user_id", event.UserID),
			F("event_type", string(event.EventType)),
			F("error", err.Error()),
		)
		return fmt.Errorf("append history: %w", err)
	}

	if h.publisher != nil {
		if err := h.publisher.PublishHistory(ctx, event); err != nil {
			h.logger.Warn("failed to publish subscription history",
				F("user_id", event.UserID),
				F("event_type", string(event.EventType)),
				F("error", err.Error()),
			)
		}
	}
	return nil
}

// List returns the user's history newest first. limit <= 0 selects
// DefaultHistoryLimit and values above MaxHistoryLimit are capped.
func (h *HistoryLogger) List(ctx context.Context, userID string, limit int) ([]*HistoryEvent, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return h.store.ListHistory(ctx, userID, limit)
}
