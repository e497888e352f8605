package lifecycle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/lifecycle"
	"github.com/mihaimyh/subsync/pkg/subscription"
	"github.com/mihaimyh/subsync/storage/memory"
)

const (
	monthlyID    = "111"
	annualID     = "222"
	discountedID = "333"
	userID       = "U"
	externalID   = "sub_1"
)

type fakeClient struct {
	mu       sync.Mutex
	updates  []billing.UpdateRequest
	pauses   []billing.PauseRequest
	unpauses int

	err       error
	block     bool
	updatedAt *time.Time
}

func (c *fakeClient) Name() string { return "fake" }

func (c *fakeClient) respond(ctx context.Context, id string, attrs billing.Attributes) (*billing.RemoteSubscription, error) {
	if c.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if c.err != nil {
		return nil, c.err
	}
	if attrs.Status == "" {
		attrs.Status = "active"
	}
	return &billing.RemoteSubscription{ID: id, Attributes: attrs, UpdatedAt: c.updatedAt}, nil
}

func (c *fakeClient) UpdateSubscription(ctx context.Context, id string, req billing.UpdateRequest) (*billing.RemoteSubscription, error) {
	c.mu.Lock()
	c.updates = append(c.updates, req)
	c.mu.Unlock()
	return c.respond(ctx, id, billing.Attributes{VariantID: req.VariantID})
}

func (c *fakeClient) PauseSubscription(ctx context.Context, id string, req billing.PauseRequest) (*billing.RemoteSubscription, error) {
	c.mu.Lock()
	c.pauses = append(c.pauses, req)
	c.mu.Unlock()
	resumes := req.ResumesAt
	return c.respond(ctx, id, billing.Attributes{Status: "paused", Pause: &billing.Pause{Mode: string(req.Mode), ResumesAt: &resumes}})
}

func (c *fakeClient) UnpauseSubscription(ctx context.Context, id string) (*billing.RemoteSubscription, error) {
	c.mu.Lock()
	c.unpauses++
	c.mu.Unlock()
	return c.respond(ctx, id, billing.Attributes{})
}

func (c *fakeClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.updates) + len(c.pauses) + c.unpauses
}

type logEntry struct {
	level  string
	msg    string
	fields map[string]any
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) add(level, msg string, fields []subscription.Field) {
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	l.mu.Lock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, fields: m})
	l.mu.Unlock()
}

func (l *recordingLogger) Debug(msg string, fields ...subscription.Field) {
	l.add("debug", msg, fields)
}

func (l *recordingLogger) Info(msg string, fields ...subscription.Field) {
	l.add("info", msg, fields)
}

func (l *recordingLogger) Warn(msg string, fields ...subscription.Field) {
	l.add("warn", msg, fields)
}

func (l *recordingLogger) Error(msg string, fields ...subscription.Field) {
	l.add("error", msg, fields)
}

func (l *recordingLogger) find(msg string) *logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].msg == msg {
			return &l.entries[i]
		}
	}
	return nil
}

// failingSaves fails subscription writes while armed.
type failingSaves struct {
	*memory.Storage
	armed bool
}

func (s *failingSaves) SaveSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if s.armed {
		return errors.New("connection reset")
	}
	return s.Storage.SaveSubscription(ctx, sub)
}

type fixture struct {
	store   *failingSaves
	manager *subscription.Manager
	client  *fakeClient
	service *lifecycle.Service
	logger  *recordingLogger
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  &failingSaves{Storage: memory.New()},
		client: &fakeClient{},
		logger: &recordingLogger{},
		now:    time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}

	m, err := subscription.NewManager(f.store, subscription.Config{
		Now:    func() time.Time { return f.now },
		Logger: f.logger,
	})
	require.NoError(t, err)
	f.manager = m

	svc, err := lifecycle.NewService(lifecycle.Config{
		Manager: m,
		Client:  f.client,
		Plans: billing.PlanMapping{
			MonthlyVariantID:           monthlyID,
			AnnualVariantID:            annualID,
			DiscountedMonthlyVariantID: discountedID,
		},
		ProviderTimeout: 50 * time.Millisecond,
		Logger:          f.logger,
	})
	require.NoError(t, err)
	f.service = svc
	return f
}

func (f *fixture) seed(t *testing.T, mutate func(sub *subscription.Subscription)) {
	t.Helper()
	periodEnd := f.now.AddDate(0, 0, 20)
	sub := &subscription.Subscription{
		UserID:           userID,
		Status:           subscription.StatusActive,
		PlanType:         subscription.PlanPro,
		BillingInterval:  subscription.IntervalMonth,
		SubscriptionID:   externalID,
		VariantID:        monthlyID,
		CurrentPeriodEnd: &periodEnd,
		RenewsAt:         &periodEnd,
	}
	if mutate != nil {
		mutate(sub)
	}
	require.NoError(t, f.store.Storage.SaveSubscription(context.Background(), sub))
}

func (f *fixture) get(t *testing.T) *subscription.Subscription {
	t.Helper()
	sub, err := f.store.GetSubscription(context.Background(), userID)
	require.NoError(t, err)
	return sub
}

func (f *fixture) history(t *testing.T) []*subscription.HistoryEvent {
	t.Helper()
	events, err := f.store.ListHistory(context.Background(), userID, 100)
	require.NoError(t, err)
	return events
}

func requirePrecondition(t *testing.T, err error, code string) {
	t.Helper()
	var pre *lifecycle.PreconditionError
	require.ErrorAs(t, err, &pre)
	assert.Equal(t, code, pre.Code)
}

func TestUpgrade(t *testing.T) {
	f := newFixture(t)
	f.seed(t, nil)
	f.client.updatedAt = &f.now

	sub, err := f.service.Upgrade(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, subscription.PlanAnnual, sub.PlanType)
	assert.Equal(t, subscription.IntervalYear, sub.BillingInterval)
	assert.Equal(t, annualID, sub.VariantID)
	require.NotNil(t, sub.ProviderUpdatedAt)
	assert.True(t, sub.ProviderUpdatedAt.Equal(f.now))

	require.Len(t, f.client.updates, 1)
	assert.Equal(t, billing.UpdateRequest{VariantID: annualID, InvoiceImmediately: true}, f.client.updates[0])

	settings, err := f.store.GetUserSettings(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, subscription.PlanAnnual, settings.SubscriptionPlan)

	history := f.history(t)
	require.Len(t, history, 1)
	assert.Equal(t, subscription.EventUpgraded, history[0].EventType)
	assert.Equal(t, subscription.PlanPro, history[0].FromPlan)
	require.NotNil(t, history[0].AmountCents)
	assert.Equal(t, int64(9999), *history[0].AmountCents)
	assert.Equal(t, "USD", history[0].Currency)
}

func TestUpgrade_ConfirmingWebhookChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, nil)
	updatedAt := f.now.Add(-time.Second)
	f.client.updatedAt = &updatedAt

	_, err := f.service.Upgrade(context.Background(), userID)
	require.NoError(t, err)
	before := f.get(t)

	dispatcher, err := billing.NewDispatcher("lemonsqueezy", billing.Config{
		Manager: f.manager,
		Plans:   billing.PlanMapping{MonthlyVariantID: monthlyID, AnnualVariantID: annualID},
	})
	require.NoError(t, err)

	event := &billing.SubscriptionChanged{
		Envelope: billing.Envelope{
			Name:           billing.EventSubscriptionUpdated,
			SubscriptionID: externalID,
			UserID:         userID,
			OccurredAt:     &updatedAt,
		},
		Attributes: billing.Attributes{
			Status:           "active",
			VariantID:        annualID,
			CurrentPeriodEnd: before.CurrentPeriodEnd,
			RenewsAt:         before.RenewsAt,
		},
	}
	for i := 0; i < 2; i++ {
		out, err := dispatcher.Dispatch(context.Background(), event)
		require.NoError(t, err)
		assert.True(t, out.Applied)
		assert.Empty(t, out.Warning)
	}

	after := f.get(t)
	assert.Equal(t, subscription.PlanAnnual, after.PlanType)
	assert.Equal(t, subscription.StatusActive, after.Status)
	assert.Equal(t, annualID, after.VariantID)
	assert.Len(t, f.history(t), 1)
}

func TestUpgrade_Preconditions(t *testing.T) {
	t.Run("no subscription", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.service.Upgrade(context.Background(), userID)
		assert.ErrorIs(t, err, lifecycle.ErrNoSubscription)
	})

	t.Run("app store subscription", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, func(sub *subscription.Subscription) { sub.SubscriptionID = "" })
		_, err := f.service.Upgrade(context.Background(), userID)
		requirePrecondition(t, err, lifecycle.CodeNotProviderLinked)
	})

	t.Run("already annual", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, func(sub *subscription.Subscription) { sub.PlanType = subscription.PlanAnnual })
		_, err := f.service.Upgrade(context.Background(), userID)
		requirePrecondition(t, err, lifecycle.CodeAlreadyAnnual)
		assert.Zero(t, f.client.calls())
	})
}

func TestUpgrade_UpstreamErrorWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, nil)
	f.client.err = &billing.APIError{Provider: "fake", StatusCode: 422, Detail: "The variant is not available."}

	_, err := f.service.Upgrade(context.Background(), userID)
	var up *lifecycle.UpstreamError
	require.ErrorAs(t, err, &up)
	assert.Equal(t, "The variant is not available.", up.Detail)
	assert.ErrorIs(t, err, billing.ErrProviderAPIError)

	assert.Equal(t, subscription.PlanPro, f.get(t).PlanType)
	assert.Empty(t, f.history(t))
}

func TestUpgrade_ProviderTimeoutIsFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(t, nil)
	f.client.block = true

	_, err := f.service.Upgrade(context.Background(), userID)
	var up *lifecycle.UpstreamError
	require.ErrorAs(t, err, &up)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, subscription.PlanPro, f.get(t).PlanType)
}

func TestUpgrade_LocalWriteFailureIsLoggedForReconciliation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, nil)
	f.store.armed = true

	_, err := f.service.Upgrade(context.Background(), userID)
	var per *lifecycle.PersistenceError
	require.ErrorAs(t, err, &per)
	assert.Equal(t, lifecycle.ActionUpgrade, per.Action)
	assert.Len(t, f.client.updates, 1)

	entry := f.logger.find("local write failed after provider success; manual reconciliation required")
	require.NotNil(t, entry)
	assert.Equal(t, "error", entry.level)
	assert.Equal(t, userID, entry.fields["user_id"])
	assert.Equal(t, lifecycle.ActionUpgrade, entry.fields["action"])
	assert.Equal(t, externalID, entry.fields["subscription_id"])
	assert.NotNil(t, entry.fields["provider_response"])
}

func TestPauseResume_RoundTrip(t *testing.T) {
	f := newFixture(t)
	f.now = time.Date(2026, 11, 30, 10, 0, 0, 0, time.UTC)
	f.seed(t, nil)

	paused, err := f.service.Pause(context.Background(), userID)
	require.NoError(t, err)

	wantResume := time.Date(2027, 2, 28, 10, 0, 0, 0, time.UTC)
	require.Len(t, f.client.pauses, 1)
	assert.Equal(t, billing.PauseModeVoid, f.client.pauses[0].Mode)
	assert.True(t, f.client.pauses[0].ResumesAt.Equal(wantResume))

	assert.True(t, paused.IsPaused)
	assert.Equal(t, subscription.StatusPaused, paused.Status)
	require.NotNil(t, paused.PauseEndDate)
	assert.True(t, paused.PauseEndDate.Equal(f.client.pauses[0].ResumesAt))
	assert.True(t, paused.PauseStartDate.Equal(f.now))
	assert.Equal(t, 90, paused.PauseDurationDays)

	_, err = f.service.Pause(context.Background(), userID)
	requirePrecondition(t, err, lifecycle.CodeAlreadyPaused)

	resumed, err := f.service.Resume(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, resumed.IsPaused)
	assert.Nil(t, resumed.PauseStartDate)
	assert.Nil(t, resumed.PauseEndDate)
	assert.Zero(t, resumed.PauseDurationDays)
	assert.Equal(t, subscription.StatusActive, resumed.Status)

	history := f.history(t)
	require.Len(t, history, 2)
	assert.Equal(t, subscription.EventResumed, history[0].EventType)
	assert.Equal(t, subscription.EventPaused, history[1].EventType)
}

func TestPause_ResumeDateHasWholeSeconds(t *testing.T) {
	f := newFixture(t)
	f.now = time.Date(2026, 3, 10, 9, 30, 15, 123456789, time.UTC)
	f.seed(t, nil)

	paused, err := f.service.Pause(context.Background(), userID)
	require.NoError(t, err)

	require.Len(t, f.client.pauses, 1)
	sent := f.client.pauses[0].ResumesAt
	assert.Zero(t, sent.Nanosecond())
	assert.True(t, sent.Equal(time.Date(2026, 6, 10, 9, 30, 15, 0, time.UTC)))

	require.NotNil(t, paused.PauseEndDate)
	assert.True(t, paused.PauseEndDate.Equal(sent))
	require.NotNil(t, paused.PauseStartDate)
	assert.Zero(t, paused.PauseStartDate.Nanosecond())

	stored := f.get(t)
	require.NotNil(t, stored.PauseEndDate)
	assert.True(t, stored.PauseEndDate.Equal(sent))
}

func TestResume_RequiresPause(t *testing.T) {
	f := newFixture(t)
	f.seed(t, nil)

	_, err := f.service.Resume(context.Background(), userID)
	requirePrecondition(t, err, lifecycle.CodeNotPaused)
	assert.Zero(t, f.client.calls())
	assert.Empty(t, f.history(t))
	assert.Equal(t, subscription.StatusActive, f.get(t).Status)
}

func TestResume_RequiresProviderLink(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(sub *subscription.Subscription) { sub.SubscriptionID = "" })

	_, err := f.service.Resume(context.Background(), userID)
	requirePrecondition(t, err, lifecycle.CodeNotProviderLinked)
	assert.Zero(t, f.client.calls())
}

func TestApplyDiscount_WindowMath(t *testing.T) {
	f := newFixture(t)
	f.now = time.Date(2026, 1, 31, 12, 0, 0, 0, time.UTC)
	f.seed(t, nil)

	sub, err := f.service.ApplyDiscount(context.Background(), userID, "retention")
	require.NoError(t, err)

	require.NotNil(t, sub.DiscountEndDate)
	assert.True(t, sub.DiscountEndDate.Equal(subscription.AddMonthsClamped(f.now, 3)))
	assert.True(t, sub.DiscountEndDate.Equal(time.Date(2026, 4, 30, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, 50, sub.DiscountPercentage)
	assert.Equal(t, int64(999), sub.OriginalPriceCents)
	assert.Equal(t, int64(499), sub.DiscountedPriceCents)
	assert.Equal(t, "retention", sub.DiscountReason)

	// provider switched to the discounted variant
	assert.True(t, sub.ProviderPriceSynced)
	assert.Equal(t, discountedID, sub.VariantID)
	require.Len(t, f.client.updates, 1)
	assert.Equal(t, billing.UpdateRequest{VariantID: discountedID, DisableProrations: true}, f.client.updates[0])

	f.now = f.now.Add(24 * time.Hour)
	_, err = f.service.ApplyDiscount(context.Background(), userID, "retention")
	requirePrecondition(t, err, lifecycle.CodeDiscountActive)

	f.now = *sub.DiscountEndDate
	_, err = f.service.ApplyDiscount(context.Background(), userID, "second chance")
	require.NoError(t, err)
}

func TestApplyDiscount_ProviderFailureStillRecordsDiscount(t *testing.T) {
	f := newFixture(t)
	f.seed(t, nil)
	f.client.err = &billing.APIError{Provider: "fake", StatusCode: 500}

	sub, err := f.service.ApplyDiscount(context.Background(), userID, "")
	require.NoError(t, err)
	assert.Equal(t, 50, sub.DiscountPercentage)
	assert.False(t, sub.ProviderPriceSynced)
	assert.Equal(t, monthlyID, sub.VariantID)
	assert.NotNil(t, f.logger.find("discount recorded locally but provider price not switched"))

	f.client.err = nil
	synced, err := f.service.SyncDiscountPrice(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, synced.ProviderPriceSynced)
	assert.Equal(t, discountedID, synced.VariantID)
}

func TestApplyDiscount_AnnualIsTrackedLocally(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(sub *subscription.Subscription) {
		sub.PlanType = subscription.PlanAnnual
		sub.VariantID = annualID
	})

	sub, err := f.service.ApplyDiscount(context.Background(), userID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(9999), sub.OriginalPriceCents)
	assert.Equal(t, int64(4999), sub.DiscountedPriceCents)
	assert.True(t, sub.ProviderPriceSynced)
	assert.Equal(t, annualID, sub.VariantID)
	assert.Zero(t, f.client.calls())
}

func TestRemoveDiscount(t *testing.T) {
	f := newFixture(t)
	f.seed(t, nil)

	_, err := f.service.RemoveDiscount(context.Background(), userID)
	requirePrecondition(t, err, lifecycle.CodeNoDiscount)

	_, err = f.service.ApplyDiscount(context.Background(), userID, "")
	require.NoError(t, err)

	sub, err := f.service.RemoveDiscount(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, sub.HasDiscount())
	assert.Nil(t, sub.DiscountStartDate)
	assert.Equal(t, monthlyID, sub.VariantID)

	require.Len(t, f.client.updates, 2)
	assert.Equal(t, monthlyID, f.client.updates[1].VariantID)

	history := f.history(t)
	require.Len(t, history, 2)
	assert.Equal(t, subscription.EventDiscountRemoved, history[0].EventType)
	assert.Equal(t, subscription.EventDiscountApplied, history[1].EventType)
}

func TestScheduleDowngrade(t *testing.T) {
	f := newFixture(t)
	periodEnd := time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC)
	f.seed(t, func(sub *subscription.Subscription) {
		sub.PlanType = subscription.PlanAnnual
		sub.VariantID = annualID
		sub.CurrentPeriodEnd = &periodEnd
	})

	sub, err := f.service.ScheduleDowngrade(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, subscription.PlanPro, sub.ScheduledDowngradeTo)
	require.NotNil(t, sub.ScheduledDowngradeDate)
	assert.True(t, sub.ScheduledDowngradeDate.Equal(periodEnd))
	assert.Equal(t, subscription.PlanAnnual, sub.PlanType)
	assert.Zero(t, f.client.calls())

	history := f.history(t)
	require.Len(t, history, 1)
	assert.Equal(t, subscription.EventDowngradeScheduled, history[0].EventType)
	assert.Contains(t, history[0].Description, "No refund or credit")
	assert.Equal(t, false, history[0].Metadata["refund"])

	_, err = f.service.ScheduleDowngrade(context.Background(), userID)
	requirePrecondition(t, err, lifecycle.CodeDowngradeScheduled)

	sub, err = f.service.CancelScheduledDowngrade(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, sub.DowngradeScheduled())
	assert.Nil(t, sub.ScheduledDowngradeDate)

	_, err = f.service.CancelScheduledDowngrade(context.Background(), userID)
	requirePrecondition(t, err, lifecycle.CodeNoDowngradeScheduled)

	history = f.history(t)
	require.Len(t, history, 2)
	assert.Equal(t, subscription.EventDowngradeCancelled, history[0].EventType)
}

func TestScheduleDowngrade_Preconditions(t *testing.T) {
	t.Run("monthly", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, nil)
		_, err := f.service.ScheduleDowngrade(context.Background(), userID)
		requirePrecondition(t, err, lifecycle.CodeNotAnnual)
	})

	t.Run("no period end", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, func(sub *subscription.Subscription) {
			sub.PlanType = subscription.PlanAnnual
			sub.CurrentPeriodEnd = nil
			sub.RenewsAt = nil
			sub.EndsAt = nil
		})
		_, err := f.service.ScheduleDowngrade(context.Background(), userID)
		requirePrecondition(t, err, lifecycle.CodeNoPeriodEnd)
	})

	t.Run("falls back to renewal date", func(t *testing.T) {
		f := newFixture(t)
		renews := time.Date(2027, 5, 1, 0, 0, 0, 0, time.UTC)
		f.seed(t, func(sub *subscription.Subscription) {
			sub.PlanType = subscription.PlanAnnual
			sub.CurrentPeriodEnd = nil
			sub.RenewsAt = &renews
		})
		sub, err := f.service.ScheduleDowngrade(context.Background(), userID)
		require.NoError(t, err)
		assert.True(t, sub.ScheduledDowngradeDate.Equal(renews))
	})
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.service.Status(context.Background(), userID)
	assert.ErrorIs(t, err, lifecycle.ErrNoSubscription)

	f.seed(t, nil)
	sub, settings, err := f.service.Status(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, externalID, sub.SubscriptionID)
	assert.Nil(t, settings)
}

func TestNewService_Requirements(t *testing.T) {
	_, err := lifecycle.NewService(lifecycle.Config{Client: &fakeClient{}})
	assert.Error(t, err)

	m, err := subscription.NewManager(memory.New(), subscription.Config{})
	require.NoError(t, err)
	_, err = lifecycle.NewService(lifecycle.Config{Manager: m})
	assert.Error(t, err)
}
