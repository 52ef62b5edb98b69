package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/billing"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/config"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/handlers"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/models"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/provider"
)

type stubEvents struct {
	calls int
}

func (s *stubEvents) HandleEvent(context.Context, *provider.Event) (billing.Outcome, error) {
	s.calls++
	return billing.OutcomeIgnored, nil
}

type rejectingVerifier struct{}

func (rejectingVerifier) VerifyWebhook([]byte, string) (*provider.Event, error) {
	return nil, provider.ErrSignatureInvalid
}

type stubAdmin struct{}

func (stubAdmin) AdminSubscriptions(_ context.Context, offset int, _ string) (*models.SubscriptionPage, error) {
	return &models.SubscriptionPage{Subscriptions: []models.SubscriptionView{}, Meta: models.PageMeta{Offset: offset + 50}}, nil
}

func (stubAdmin) Cancel(context.Context, string, int64) (*models.CancelResult, error) {
	return nil, billing.ErrSubscriptionNotFound
}

func (stubAdmin) Revoke(context.Context, string) error { return nil }

func (stubAdmin) ManualGrant(context.Context, string, string, *int) (*models.Subscription, error) {
	return nil, billing.ErrUserNotFound
}

func testServer(t *testing.T) (*Server, *stubEvents) {
	t.Helper()
	cfg := config.Config{
		ServerAddress:    ":0",
		AdminToken:       "secret",
		CallerHeader:     "X-User-Id",
		EventTimeout:     5 * time.Second,
		WebhookRateLimit: 100,
	}
	events := &stubEvents{}
	logger := zerolog.Nop()
	server := New(cfg, Deps{
		Webhooks: handlers.NewWebhookHandler(events, rejectingVerifier{}, nil, cfg.EventTimeout, logger),
		Admin:    handlers.NewAdminHandler(stubAdmin{}, logger),
		Registry: prometheus.NewRegistry(),
		Logger:   logger,
	})
	return server, events
}

func TestHealthRoute(t *testing.T) {
	server, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
}

func TestWebhookSignatureGate(t *testing.T) {
	server, events := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/s/hooks", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Zero(t, events.calls)
}

func TestAdminRoutesGuarded(t *testing.T) {
	server, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/subscriptions", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/subscriptions?offset=50", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"offset":100`)

	req = httptest.NewRequest(http.MethodPost, "/admin/subscriptions/grant", strings.NewReader(`{"username":"ghost","plan_id":"price_gold"}`))
	req.Header.Set("Authorization", "Bearer secret")
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMetricsRouteRecordsRequests(t *testing.T) {
	server, _ := testServer(t)

	server.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `subscriptions_http_requests_total{code="200",method="GET",route="/healthz"} 1`)
}

func TestUserRoutesAbsentWithoutHandler(t *testing.T) {
	server, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/s/user/entitlements", nil)
	req.Header.Set("X-User-Id", "7")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
