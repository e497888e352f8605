package echo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/api"
	"github.com/mihaimyh/subsync/pkg/auth"
	"github.com/mihaimyh/subsync/pkg/subscription"
)

var tokens = auth.Static(map[string]auth.Identity{
	"good":  {UserID: "user1"},
	"other": {UserID: "user2"},
})

type statusService struct {
	api.Service
}

func (statusService) Status(_ context.Context, userID string) (*subscription.Subscription, *subscription.UserSettings, error) {
	return &subscription.Subscription{UserID: userID, Status: subscription.StatusActive, PlanType: subscription.PlanPro}, nil, nil
}

func serve(e *echo.Echo, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Success(t *testing.T) {
	e := echo.New()
	e.Use(Middleware(Config{Authenticator: tokens}))
	e.GET("/api/test", func(c echo.Context) error {
		id, ok := FromContext(c)
		if !ok {
			return c.NoContent(http.StatusInternalServerError)
		}
		if fromReq, ok := auth.FromContext(c.Request().Context()); !ok || fromReq != id {
			return c.NoContent(http.StatusInternalServerError)
		}
		return c.String(http.StatusOK, id.UserID)
	})

	rec := serve(e, http.MethodGet, "/api/test", "good")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user1", rec.Body.String())
}

func TestMiddleware_Unauthorized(t *testing.T) {
	e := echo.New()
	e.Use(Middleware(Config{Authenticator: tokens}))
	e.GET("/api/test", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	assert.Equal(t, http.StatusUnauthorized, serve(e, http.MethodGet, "/api/test", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(e, http.MethodGet, "/api/test", "nope").Code)
}

func TestMiddleware_CustomUnauthorized(t *testing.T) {
	e := echo.New()
	e.Use(Middleware(Config{
		Authenticator: tokens,
		OnUnauthorized: func(c echo.Context, _ error) error {
			return c.JSON(http.StatusForbidden, map[string]string{"error": "custom"})
		},
	}))
	e.GET("/api/test", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	rec := serve(e, http.MethodGet, "/api/test", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"custom"}`, rec.Body.String())
}

func TestMiddleware_RateLimit(t *testing.T) {
	e := echo.New()
	e.Use(Middleware(Config{Authenticator: tokens, RateLimit: 0.001, RateBurst: 1}))
	e.GET("/api/test", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/api/test", "good").Code)
	rec := serve(e, http.MethodGet, "/api/test", "good")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/api/test", "other").Code)
}

func TestRegister(t *testing.T) {
	h, err := api.NewHandler(api.Config{Service: statusService{}})
	require.NoError(t, err)

	e := echo.New()
	Register(e, Config{Authenticator: tokens, Handler: h})

	rec := serve(e, http.MethodGet, api.BasePath, "good")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"user_id":"user1"`)

	rec = serve(e, http.MethodDelete, api.BasePath+"/upgrade", "good")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	assert.Equal(t, http.StatusUnauthorized, serve(e, http.MethodGet, api.BasePath, "").Code)
}

func TestRequiredConfig(t *testing.T) {
	assert.PanicsWithValue(t, "subsync/echo: Config.Authenticator is required", func() {
		Middleware(Config{})
	})
	assert.PanicsWithValue(t, "subsync/echo: Config.Handler is required", func() {
		Register(echo.New(), Config{Authenticator: tokens})
	})
}
