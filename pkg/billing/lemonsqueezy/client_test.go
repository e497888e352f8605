package lemonsqueezy_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/lemonsqueezy"
)

type captured struct {
	method string
	path   string
	header http.Header
	body   map[string]any
}

func fakeAPI(t *testing.T, status int, response string) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.method = r.Method
		c.path = r.URL.Path
		c.header = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &c.body)

		w.Header().Set("Content-Type", "application/vnd.api+json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func attributesOf(t *testing.T, c *captured) map[string]any {
	t.Helper()
	data, ok := c.body["data"].(map[string]any)
	require.True(t, ok, "request body has no data object: %v", c.body)
	assert.Equal(t, "subscriptions", data["type"])
	attrs, ok := data["attributes"].(map[string]any)
	require.True(t, ok)
	return attrs
}

const subscriptionResponse = `{"data":{"type":"subscriptions","id":"1001","attributes":{` +
	`"status":"active","variant_id":222,"renews_at":"2027-06-01T00:00:00.000000Z",` +
	`"updated_at":"2026-06-01T10:00:00.000000Z","pause":null}}}`

func TestClient_UpdateSubscription(t *testing.T) {
	srv, c := fakeAPI(t, http.StatusOK, subscriptionResponse)
	client := lemonsqueezy.NewClient(billing.Config{APIKey: "key_123", BaseURL: srv.URL})

	remote, err := client.UpdateSubscription(context.Background(), "1001", billing.UpdateRequest{
		VariantID:          "222",
		InvoiceImmediately: true,
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPatch, c.method)
	assert.Equal(t, "/v1/subscriptions/1001", c.path)
	assert.Equal(t, "Bearer key_123", c.header.Get("Authorization"))
	assert.Equal(t, "application/vnd.api+json", c.header.Get("Accept"))
	assert.Equal(t, "application/vnd.api+json", c.header.Get("Content-Type"))

	attrs := attributesOf(t, c)
	assert.Equal(t, float64(222), attrs["variant_id"])
	assert.Equal(t, true, attrs["invoice_immediately"])
	assert.Equal(t, false, attrs["disable_prorations"])

	assert.Equal(t, "1001", remote.ID)
	assert.Equal(t, "active", remote.Attributes.Status)
	assert.Equal(t, "222", remote.Attributes.VariantID)
	require.NotNil(t, remote.UpdatedAt)
	assert.Equal(t, time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC), remote.UpdatedAt.UTC())
}

func TestClient_PauseAndUnpause(t *testing.T) {
	srv, c := fakeAPI(t, http.StatusOK, subscriptionResponse)
	client := lemonsqueezy.NewClient(billing.Config{APIKey: "key_123", BaseURL: srv.URL})
	ctx := context.Background()

	resumes := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	_, err := client.PauseSubscription(ctx, "1001", billing.PauseRequest{Mode: billing.PauseModeVoid, ResumesAt: resumes})
	require.NoError(t, err)

	pause, ok := attributesOf(t, c)["pause"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "void", pause["mode"])
	assert.Equal(t, "2026-09-01T09:00:00Z", pause["resumes_at"])

	_, err = client.UnpauseSubscription(ctx, "1001")
	require.NoError(t, err)

	attrs := attributesOf(t, c)
	v, present := attrs["pause"]
	assert.True(t, present)
	assert.Nil(t, v)
}

func TestClient_APIError(t *testing.T) {
	srv, _ := fakeAPI(t, http.StatusUnprocessableEntity,
		`{"errors":[{"status":"422","title":"Unprocessable Entity","detail":"The variant_id field is invalid."}]}`)
	client := lemonsqueezy.NewClient(billing.Config{APIKey: "key_123", BaseURL: srv.URL})

	_, err := client.UpdateSubscription(context.Background(), "1001", billing.UpdateRequest{VariantID: "999"})
	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrProviderAPIError)

	var apiErr *billing.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "The variant_id field is invalid.", apiErr.Detail)
	assert.NotEmpty(t, apiErr.Body)
}

func TestClient_Validation(t *testing.T) {
	ctx := context.Background()

	_, err := lemonsqueezy.NewClient(billing.Config{}).UnpauseSubscription(ctx, "1001")
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	client := lemonsqueezy.NewClient(billing.Config{APIKey: "k", BaseURL: "http://127.0.0.1:1"})
	_, err = client.UpdateSubscription(ctx, "1001", billing.UpdateRequest{VariantID: "annual"})
	assert.Error(t, err)

	_, err = client.PauseSubscription(ctx, "", billing.PauseRequest{})
	assert.Error(t, err)
}

func TestClient_TransportTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := lemonsqueezy.NewClient(billing.Config{APIKey: "k", BaseURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.UnpauseSubscription(ctx, "1001")
	require.Error(t, err)
	var apiErr *billing.APIError
	assert.False(t, errors.As(err, &apiErr))
}
