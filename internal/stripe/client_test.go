package stripe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	stripego "github.com/stripe/stripe-go/v82"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/provider"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripego.GetBackendWithConfig(stripego.APIBackend, &stripego.BackendConfig{
		URL:               stripego.String(srv.URL),
		MaxNetworkRetries: stripego.Int64(0),
		LeveledLogger:     &stripego.LeveledLogger{Level: stripego.LevelNull},
	})
	return NewClient("sk_test_123", testWebhookSecret, WithBackends(&stripego.Backends{
		API:     backend,
		Connect: backend,
		Uploads: backend,
	}))
}

func TestRetrievePlan(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/prices/price_gold") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "id": "price_gold",
  "object": "price",
  "nickname": "Gold monthly",
  "unit_amount": 500,
  "currency": "usd",
  "type": "recurring",
  "metadata": {"group_name": "gold", "duration": "30"},
  "product": {"id": "prod_1", "object": "product", "name": "Gold"}
}`))
	})

	plan, err := c.RetrievePlan(context.Background(), "price_gold")
	if err != nil {
		t.Fatalf("RetrievePlan returned error: %v", err)
	}
	if plan.GroupName() != "gold" || plan.DurationDays() != 30 {
		t.Fatalf("unexpected metadata: %+v", plan.Metadata)
	}
	if plan.ProductID != "prod_1" || plan.ProductName != "Gold" || !plan.IsRecurring() {
		t.Fatalf("unexpected plan: %+v", plan)
	}
}

func TestRetrievePlanNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error": {"type": "invalid_request_error", "code": "resource_missing", "message": "No such price"}}`))
	})

	_, err := c.RetrievePlan(context.Background(), "price_missing")
	if !errors.Is(err, provider.ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound, got %v", err)
	}
}

func TestRetrievePlanServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": {"type": "api_error", "message": "boom"}}`))
	})

	_, err := c.RetrievePlan(context.Background(), "price_gold")
	if !errors.Is(err, provider.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestCancelAtPeriodEnd(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("cancel_at_period_end") != "true" {
			t.Errorf("expected cancel_at_period_end=true, got %q", r.PostForm.Get("cancel_at_period_end"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "sub_1", "object": "subscription", "status": "active", "cancel_at_period_end": true, "customer": "cus_1",
  "items": {"object": "list", "data": [{"id": "si_1", "object": "subscription_item", "current_period_end": 1893456000, "price": {"id": "price_gold", "object": "price", "type": "recurring"}}]}}`))
	})

	sub, err := c.CancelAtPeriodEnd(context.Background(), "sub_1")
	if err != nil {
		t.Fatalf("CancelAtPeriodEnd returned error: %v", err)
	}
	if !sub.CancelAtPeriodEnd || sub.CurrentPeriodEnd == nil {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
}

func TestClassifyNonStripeError(t *testing.T) {
	err := classify(errors.New("dial tcp: timeout"), provider.ErrPlanNotFound)
	if !errors.Is(err, provider.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
