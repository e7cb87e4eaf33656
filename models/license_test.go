package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestLicense_JSONOmitsInternalFields(t *testing.T) {
	now := time.Now().UTC()
	license := License{
		ID:                      "lic_1",
		Name:                    "Equipo Test",
		Status:                  StatusActive,
		PlanID:                  "annual",
		LastEventID:             "evt_123",
		LastSubscriptionEventAt: &now,
		LastInvoiceEventAt:      &now,
		Version:                 7,
	}

	data, err := json.Marshal(license)
	if err != nil {
		t.Fatalf("Failed to marshal license: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Failed to unmarshal license: %v", err)
	}

	for _, key := range []string{"LastEventID", "LastSubscriptionEventAt", "LastInvoiceEventAt", "Version", "last_event_id"} {
		if _, ok := raw[key]; ok {
			t.Errorf("Expected %s to be omitted from JSON", key)
		}
	}
	if raw["status"] != "active" {
		t.Errorf("Expected status 'active', got '%v'", raw["status"])
	}
	if _, ok := raw["expires_at"]; ok {
		t.Errorf("Expected nil expires_at to be omitted")
	}
}

func TestLicense_Expired(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	testCases := []struct {
		name      string
		expiresAt *time.Time
		expected  bool
	}{
		{"non-expiring", nil, false},
		{"past expiry", &past, true},
		{"future expiry", &future, false},
		{"exact expiry", &now, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			l := License{ExpiresAt: tc.expiresAt}
			if got := l.Expired(now); got != tc.expected {
				t.Errorf("Expected Expired=%v, got %v", tc.expected, got)
			}
		})
	}
}

func TestLicenseStatus_Valid(t *testing.T) {
	for _, s := range []LicenseStatus{StatusPending, StatusActive, StatusExpired, StatusPaymentFailed} {
		if !s.Valid() {
			t.Errorf("Expected %q to be valid", s)
		}
	}
	if LicenseStatus("suspended").Valid() {
		t.Error("Expected 'suspended' to be invalid")
	}
}

func TestRetryable(t *testing.T) {
	wrapped := fmt.Errorf("query license: %w", ErrUpstreamUnavailable)
	if !Retryable(wrapped) {
		t.Error("Expected wrapped upstream error to be retryable")
	}
	if Retryable(ErrCapacityExceeded) {
		t.Error("Expected capacity error to be permanent")
	}
	if Retryable(errors.New("boom")) {
		t.Error("Expected unknown error to be permanent")
	}
}
