package lemonsqueezy_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/lemonsqueezy"
	"github.com/mihaimyh/subsync/pkg/subscription"
	"github.com/mihaimyh/subsync/storage/memory"
)

const testSecret = "test-signing-secret"

func newHandler(t *testing.T, store subscription.Store) http.Handler {
	t.Helper()
	m, err := subscription.NewManager(store, subscription.Config{})
	require.NoError(t, err)

	p, err := lemonsqueezy.NewProvider(billing.Config{
		Manager:       m,
		WebhookSecret: testSecret,
		Plans: billing.PlanMapping{
			MonthlyVariantID: "111",
			AnnualVariantID:  "222",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "lemonsqueezy", p.Name())
	return p.WebhookHandler()
}

func post(t *testing.T, h http.Handler, body, sig string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/lemonsqueezy", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sig != "" {
		req.Header.Set(lemonsqueezy.SignatureHeader, sig)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func signed(body string) string {
	return lemonsqueezy.Sign([]byte(body), []byte(testSecret))
}

const createdBody = `{"meta":{"event_name":"subscription_created","custom_data":{"user_id":"U"}},` +
	`"data":{"type":"subscriptions","id":"1001","attributes":{"status":"on_trial","variant_id":111,"customer_id":5,` +
	`"renews_at":"2026-06-15T00:00:00Z","trial_ends_at":"2026-06-15T00:00:00Z","updated_at":"2026-06-01T00:00:00Z"}}}`

func TestWebhook_TrialUserConverts(t *testing.T) {
	store := memory.New()
	h := newHandler(t, store)

	rec, out := post(t, h, createdBody, signed(createdBody))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["received"])
	assert.Equal(t, "subscription_created", out["event"])
	assert.NotContains(t, out, "warning")

	sub, err := store.GetSubscription(context.Background(), "U")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusOnTrial, sub.Status)
	assert.Equal(t, subscription.PlanPro, sub.PlanType)
	assert.Equal(t, "1001", sub.SubscriptionID)

	settings, err := store.GetUserSettings(context.Background(), "U")
	require.NoError(t, err)
	assert.True(t, settings.HasUsedTrial)
	assert.Equal(t, subscription.StatusOnTrial, settings.SubscriptionStatus)
	assert.Equal(t, subscription.PlanPro, settings.SubscriptionPlan)
}

func TestWebhook_MissingUserIDWarns(t *testing.T) {
	store := memory.New()
	h := newHandler(t, store)

	body := strings.Replace(createdBody, `"custom_data":{"user_id":"U"}`, `"custom_data":{}`, 1)
	rec, out := post(t, h, body, signed(body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["received"])
	assert.NotEmpty(t, out["warning"])

	_, err := store.GetSubscriptionByExternalID(context.Background(), "1001")
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
}

func TestWebhook_Rejections(t *testing.T) {
	h := newHandler(t, memory.New())

	t.Run("missing signature", func(t *testing.T) {
		rec, out := post(t, h, createdBody, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid signature", out["error"])
	})

	t.Run("bad signature", func(t *testing.T) {
		rec, _ := post(t, h, createdBody, strings.Repeat("0", 64))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing event name", func(t *testing.T) {
		body := `{"meta":{},"data":{}}`
		rec, out := post(t, h, body, signed(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "missing event name", out["error"])
	})

	t.Run("malformed json", func(t *testing.T) {
		body := `{"meta":`
		rec, _ := post(t, h, body, signed(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("empty body", func(t *testing.T) {
		rec, _ := post(t, h, "", signed(""))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPut, "/webhooks/lemonsqueezy", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestWebhook_UnknownEventAcknowledged(t *testing.T) {
	h := newHandler(t, memory.New())

	body := `{"meta":{"event_name":"affiliate_activated"},"data":{"type":"affiliates","id":"1"}}`
	rec, out := post(t, h, body, signed(body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "affiliate_activated", out["event"])
}

type failingStore struct {
	*memory.Storage
}

func (s *failingStore) GetSubscription(context.Context, string) (*subscription.Subscription, error) {
	return nil, errors.New("database is down")
}

func TestWebhook_PrimaryWriteFailureReturns500(t *testing.T) {
	h := newHandler(t, &failingStore{Storage: memory.New()})

	rec, out := post(t, h, createdBody, signed(createdBody))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, out["error"], "database")
}

func TestWebhook_Diagnostic(t *testing.T) {
	h := newHandler(t, memory.New())

	req := httptest.NewRequest(http.MethodGet, "/webhooks/lemonsqueezy", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, true, out["webhook_secret_configured"])
	assert.Equal(t, true, out["plans_configured"])
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestWebhook_NotConfiguredRejectsAsUnauthorized(t *testing.T) {
	store := memory.New()
	m, err := subscription.NewManager(store, subscription.Config{})
	require.NoError(t, err)
	p, err := lemonsqueezy.NewProvider(billing.Config{Manager: m})
	require.NoError(t, err)

	rec, out := post(t, p.WebhookHandler(), createdBody, signed(createdBody))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid signature", out["error"])

	_, err = store.GetSubscription(context.Background(), "U")
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
}

func TestWebhook_RateLimited(t *testing.T) {
	m, err := subscription.NewManager(memory.New(), subscription.Config{})
	require.NoError(t, err)
	p, err := lemonsqueezy.NewProvider(billing.Config{
		Manager:          m,
		WebhookSecret:    testSecret,
		Plans:            billing.PlanMapping{MonthlyVariantID: "111", AnnualVariantID: "222"},
		WebhookRateLimit: 0.001,
		WebhookRateBurst: 1,
	})
	require.NoError(t, err)
	h := p.WebhookHandler()

	rec, _ := post(t, h, createdBody, signed(createdBody))
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = post(t, h, createdBody, signed(createdBody))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
