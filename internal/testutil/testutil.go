package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"statsfutbol.app/cloud/models"
	"statsfutbol.app/cloud/storage"
)

const WebhookSecret = "whsec_test"

// TestPlans is the plan catalog used across handler and integration tests.
func TestPlans() []models.Plan {
	return []models.Plan{
		{ID: "single", Name: "Individual", MaxUsers: 1, Recurring: true, StripePriceID: "price_single"},
		{ID: "annual", Name: "Anual", MaxUsers: 5, Recurring: true, StripePriceID: "price_annual"},
		{ID: "lifetime", Name: "Lifetime", MaxUsers: 5, StripePriceID: "price_lifetime"},
	}
}

// TestStorage creates a memory storage with the test plan catalog.
func TestStorage(t testing.TB) *storage.MemoryStorage {
	t.Helper()
	store := storage.NewMemoryStorage()
	if err := store.SyncPlans(context.Background(), TestPlans()); err != nil {
		t.Fatalf("Failed to sync plans: %v", err)
	}
	return store
}

// CreateTestLicense stores an active license on planID with one code.
func CreateTestLicense(t testing.TB, store storage.Storage, planID, code string, expiresAt *time.Time) *models.License {
	t.Helper()
	ctx := context.Background()

	license := &models.License{
		Name:      "Club " + code,
		PlanID:    planID,
		Status:    models.StatusActive,
		ExpiresAt: expiresAt,
	}
	if err := store.CreateLicense(ctx, license); err != nil {
		t.Fatalf("Failed to save license: %v", err)
	}
	if code != "" {
		if err := store.CreateLicenseCode(ctx, &models.LicenseCode{Code: code, LicenseID: license.ID}); err != nil {
			t.Fatalf("Failed to save code %s: %v", code, err)
		}
	}
	return license
}

// CreateStripeWebhookPayload builds a Stripe event envelope around object.
func CreateStripeWebhookPayload(t testing.TB, eventID, eventType string, created time.Time, object map[string]interface{}) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":      eventID,
		"object":  "event",
		"type":    eventType,
		"created": created.Unix(),
		"data":    map[string]interface{}{"object": object},
	})
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}
	return payload
}

// SignWebhookPayload returns the Stripe-Signature header for payload.
func SignWebhookPayload(payload []byte, secret string) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return signed.Header
}

// CreateMockCheckoutSession creates a paid checkout session for customerID.
func CreateMockCheckoutSession(mode, customerID string, metadata map[string]string) map[string]interface{} {
	session := map[string]interface{}{
		"id":               "cs_test_" + customerID,
		"object":           "checkout.session",
		"mode":             mode,
		"payment_status":   "paid",
		"customer":         customerID,
		"customer_details": map[string]interface{}{"email": metadata["user_email"]},
		"metadata":         metadata,
	}
	if mode == "subscription" {
		session["subscription"] = "sub_" + customerID
	}
	return session
}

// MakeStripeWebhookRequest sends a signed webhook delivery to handler.
func MakeStripeWebhookRequest(t testing.TB, handler http.Handler, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewBuffer(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signature)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

// MakeJSONRequest sends body as JSON with the caller identity header set
// when userID is not empty.
func MakeJSONRequest(t testing.TB, handler http.Handler, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

// DecodeJSON decodes the recorded response body into v.
func DecodeJSON(t testing.TB, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v (body %q)", err, w.Body.String())
	}
}

// AssertErrorResponse checks if the error response matches expected values
func AssertErrorResponse(t testing.TB, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	t.Helper()
	if w.Code != expectedStatus {
		t.Errorf("Expected status %d, got %d", expectedStatus, w.Code)
	}

	var response map[string]string
	DecodeJSON(t, w, &response)

	if response["error"] != expectedError {
		t.Errorf("Expected error '%s', got '%s'", expectedError, response["error"])
	}
}
