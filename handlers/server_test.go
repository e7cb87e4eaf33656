package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"statsfutbol.app/cloud/internal/activation"
	"statsfutbol.app/cloud/internal/billing"
	"statsfutbol.app/cloud/internal/checkout"
	"statsfutbol.app/cloud/internal/ratelimit"
	"statsfutbol.app/cloud/internal/resolver"
	"statsfutbol.app/cloud/internal/testutil"
	"statsfutbol.app/cloud/models"
	"statsfutbol.app/cloud/storage"
)

type fakeCheckout struct {
	requests  []checkout.Request
	portalFor []string
	err       error
}

func (f *fakeCheckout) CreateCheckoutSession(_ context.Context, req checkout.Request) (*checkout.Session, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &checkout.Session{ID: "cs_test_1", RedirectURL: "https://checkout.stripe.com/c/pay/cs_test_1"}, nil
}

func (f *fakeCheckout) CreatePortalSession(_ context.Context, licenseID, _ string) (string, error) {
	f.portalFor = append(f.portalFor, licenseID)
	if f.err != nil {
		return "", f.err
	}
	return "https://billing.stripe.com/p/session/test", nil
}

type testEnv struct {
	server   *Server
	store    *storage.MemoryStorage
	checkout *fakeCheckout
}

func newTestEnv(t *testing.T, limiter ratelimit.Limiter) *testEnv {
	t.Helper()
	store := testutil.TestStorage(t)
	activator := activation.New(store)
	fc := &fakeCheckout{}

	server := NewHttpServer(Dependencies{
		Storage:     store,
		Reconciler:  billing.NewReconciler(store, testutil.WebhookSecret, billing.WithCodeIssuer(activator), billing.WithDefaultPlan("annual")),
		Checkout:    fc,
		Activator:   activator,
		Resolver:    resolver.New(store),
		RateLimiter: limiter,
		Version:     "test",
	})
	return &testEnv{server: server, store: store, checkout: fc}
}

type failingPing struct {
	*storage.MemoryStorage
}

func (failingPing) Ping(context.Context) error {
	return errors.New("connection refused")
}

func TestServer_HealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	w := testutil.MakeJSONRequest(t, env.server, http.MethodGet, "/health", "", nil)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected Content-Type 'application/json', got '%s'", ct)
	}

	var resp HealthResponse
	testutil.DecodeJSON(t, w, &resp)
	if resp.Status != "ok" {
		t.Errorf("Expected status 'ok', got '%s'", resp.Status)
	}
	if resp.Version != "test" {
		t.Errorf("Expected version 'test', got '%s'", resp.Version)
	}
}

func TestServer_HealthReportsStoreFailure(t *testing.T) {
	store := failingPing{MemoryStorage: testutil.TestStorage(t)}
	server := NewHttpServer(Dependencies{Storage: store})

	w := httptest.NewRecorder()
	server.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestServer_RoutingConfiguration(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name           string
		method         string
		path           string
		expectedStatus int
	}{
		{"health endpoint - GET", http.MethodGet, "/health", http.StatusOK},
		{"health endpoint - POST not allowed", http.MethodPost, "/health", http.StatusMethodNotAllowed},
		{"metrics endpoint", http.MethodGet, "/metrics", http.StatusOK},
		{"license validate - GET should fail", http.MethodGet, "/api/v1/licenses/validate", http.StatusMethodNotAllowed},
		{"license validate - POST empty body", http.MethodPost, "/api/v1/licenses/validate", http.StatusBadRequest},
		{"webhook - GET should fail", http.MethodGet, "/api/v1/webhooks/stripe", http.StatusMethodNotAllowed},
		{"entitlements without user", http.MethodGet, "/api/v1/me/entitlements", http.StatusOK},
		{"non-existent endpoint", http.MethodGet, "/non-existent", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()
			env.server.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	store := testutil.TestStorage(t)
	server := NewHttpServer(Dependencies{
		Storage:        store,
		Activator:      activation.New(store),
		AllowedOrigins: []string{"https://app.statsfutbol.app"},
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/licenses/validate", nil)
	req.Header.Set("Origin", "https://app.statsfutbol.app")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type, X-User-ID")
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.statsfutbol.app" {
		t.Errorf("Expected allowed origin header, got '%s'", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "X-User-Id") && !strings.Contains(got, "X-User-ID") {
		t.Errorf("Expected X-User-ID to be allowed, got '%s'", got)
	}
}

func TestServer_RateLimitsCodeEndpoints(t *testing.T) {
	env := newTestEnv(t, ratelimit.New(2, time.Minute))

	for i := 0; i < 2; i++ {
		w := testutil.MakeJSONRequest(t, env.server, http.MethodPost, "/api/v1/licenses/validate", "", LicenseRequest{Code: "SF-NOPE0000"})
		if w.Code != http.StatusOK {
			t.Fatalf("Request %d: expected status %d, got %d", i+1, http.StatusOK, w.Code)
		}
	}

	w := testutil.MakeJSONRequest(t, env.server, http.MethodPost, "/api/v1/licenses/redeem", "user-1", LicenseRequest{Code: "SF-NOPE0000"})
	testutil.AssertErrorResponse(t, w, http.StatusTooManyRequests, "Demasiados intentos. Inténtalo más tarde.")

	w = testutil.MakeJSONRequest(t, env.server, http.MethodGet, "/api/v1/me/entitlements", "user-1", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Entitlements must not be rate limited, got %d", w.Code)
	}
}

func TestServer_CheckoutSession(t *testing.T) {
	env := newTestEnv(t, nil)
	body := CheckoutRequest{
		PlanID:     "annual",
		UserEmail:  "coach@example.com",
		SuccessURL: "https://app.statsfutbol.app/ok",
		CancelURL:  "https://app.statsfutbol.app/cancel",
	}

	w := testutil.MakeJSONRequest(t, env.server, http.MethodPost, "/api/v1/checkout/sessions", "user-1", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var session checkout.Session
	testutil.DecodeJSON(t, w, &session)
	if session.RedirectURL == "" {
		t.Errorf("Expected redirect url")
	}
	if len(env.checkout.requests) != 1 || env.checkout.requests[0].UserID != "user-1" {
		t.Errorf("Expected checkout request for user-1, got %+v", env.checkout.requests)
	}

	w = testutil.MakeJSONRequest(t, env.server, http.MethodPost, "/api/v1/checkout/sessions", "", body)
	testutil.AssertErrorResponse(t, w, http.StatusUnauthorized, "Missing user identity")

	w = testutil.MakeJSONRequest(t, env.server, http.MethodPost, "/api/v1/checkout/sessions", "user-1", CheckoutRequest{PlanID: "annual"})
	testutil.AssertErrorResponse(t, w, http.StatusBadRequest, "success_url and cancel_url required")

	env.checkout.err = models.ErrUnknownPlan
	w = testutil.MakeJSONRequest(t, env.server, http.MethodPost, "/api/v1/checkout/sessions", "user-1", body)
	testutil.AssertErrorResponse(t, w, http.StatusBadRequest, "Unknown plan")

	env.checkout.err = models.ErrUpstreamUnavailable
	w = testutil.MakeJSONRequest(t, env.server, http.MethodPost, "/api/v1/checkout/sessions", "user-1", body)
	testutil.AssertErrorResponse(t, w, http.StatusServiceUnavailable, "Payment provider unavailable, try again later")
}

func TestServer_CheckoutForExistingLicenseRequiresMembership(t *testing.T) {
	env := newTestEnv(t, nil)
	license := testutil.CreateTestLicense(t, env.store, "annual", "SF-RENW2345", nil)
	if _, err := env.store.AddMembership(context.Background(), "user-1", license.ID, models.RoleOwner); err != nil {
		t.Fatalf("Failed to add membership: %v", err)
	}

	body := CheckoutRequest{
		PlanID:     "annual",
		LicenseID:  license.ID,
		SuccessURL: "https://app.statsfutbol.app/ok",
		CancelURL:  "https://app.statsfutbol.app/cancel",
	}

	w := testutil.MakeJSONRequest(t, env.server, http.MethodPost, "/api/v1/checkout/sessions", "user-2", body)
	testutil.AssertErrorResponse(t, w, http.StatusNotFound, "License not found")
	if len(env.checkout.requests) != 0 {
		t.Errorf("Expected no checkout session for a non-member, got %d", len(env.checkout.requests))
	}

	w = testutil.MakeJSONRequest(t, env.server, http.MethodPost, "/api/v1/checkout/sessions", "user-1", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if len(env.checkout.requests) != 1 || env.checkout.requests[0].LicenseID != license.ID {
		t.Errorf("Expected checkout request for license %s, got %+v", license.ID, env.checkout.requests)
	}
}

func TestServer_PortalSession(t *testing.T) {
	env := newTestEnv(t, nil)
	license := testutil.CreateTestLicense(t, env.store, "annual", "SF-PORT2345", nil)
	if _, err := env.store.AddMembership(context.Background(), "user-1", license.ID, models.RoleOwner); err != nil {
		t.Fatalf("Failed to add membership: %v", err)
	}

	body := PortalRequest{LicenseID: license.ID, ReturnURL: "https://app.statsfutbol.app/settings"}

	w := testutil.MakeJSONRequest(t, env.server, http.MethodPost, "/api/v1/billing/portal", "user-1", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	w = testutil.MakeJSONRequest(t, env.server, http.MethodPost, "/api/v1/billing/portal", "user-2", body)
	testutil.AssertErrorResponse(t, w, http.StatusNotFound, "License not found")
	if len(env.checkout.portalFor) != 1 {
		t.Errorf("Expected a single portal session, got %d", len(env.checkout.portalFor))
	}

	env.checkout.err = models.ErrNotFound
	w = testutil.MakeJSONRequest(t, env.server, http.MethodPost, "/api/v1/billing/portal", "user-1", body)
	testutil.AssertErrorResponse(t, w, http.StatusNotFound, "License has no billing account")
}
