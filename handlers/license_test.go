package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"statsfutbol.app/cloud/internal/activation"
	"statsfutbol.app/cloud/internal/resolver"
	"statsfutbol.app/cloud/internal/testutil"
	"statsfutbol.app/cloud/models"
)

func TestValidateLicense(t *testing.T) {
	env := newTestEnv(t, nil)
	expired := time.Now().Add(-time.Hour)
	testutil.CreateTestLicense(t, env.store, "annual", "SF-VALD2345", nil)
	testutil.CreateTestLicense(t, env.store, "annual", "SF-EXPD2345", &expired)

	testCases := []struct {
		name           string
		code           string
		expectedValid  bool
		expectedReason string
		expectedMsg    string
	}{
		{"valid code", "SF-VALD2345", true, "", ""},
		{"lower case input", " sf-vald2345 ", true, "", ""},
		{"unknown code", "SF-NOPE0000", false, activation.ReasonCodeInvalid, "Código de licencia no válido"},
		{"empty code", "", false, activation.ReasonCodeInvalid, "Por favor, ingresa un código de licencia"},
		{"expired license", "SF-EXPD2345", false, activation.ReasonLicenseExpired, "Esta licencia ha expirado"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := testutil.MakeJSONRequest(t, env.server, http.MethodPost, "/api/v1/licenses/validate", "", LicenseRequest{Code: tc.code})
			if w.Code != http.StatusOK {
				t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
			}

			var v activation.Validation
			testutil.DecodeJSON(t, w, &v)
			if v.Valid != tc.expectedValid {
				t.Errorf("Expected valid=%v, got valid=%v", tc.expectedValid, v.Valid)
			}
			if v.Reason != tc.expectedReason {
				t.Errorf("Expected reason '%s', got '%s'", tc.expectedReason, v.Reason)
			}
			if v.Message != tc.expectedMsg {
				t.Errorf("Expected message '%s', got '%s'", tc.expectedMsg, v.Message)
			}
			if tc.expectedValid && (v.License == nil || v.License.AvailableSlots != 5) {
				t.Errorf("Expected license summary with 5 free slots, got %+v", v.License)
			}
		})
	}
}

func TestRedeemLicense_SingleSeat(t *testing.T) {
	env := newTestEnv(t, nil)
	license := testutil.CreateTestLicense(t, env.store, "single", "SF-AB12CD34", nil)

	w := testutil.MakeJSONRequest(t, env.server, http.MethodPost, "/api/v1/licenses/redeem", "user-1", LicenseRequest{Code: "SF-AB12CD34"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var resp RedeemResponse
	testutil.DecodeJSON(t, w, &resp)
	if resp.Membership == nil || resp.Membership.LicenseID != license.ID {
		t.Fatalf("Expected membership on %s, got %+v", license.ID, resp.Membership)
	}

	w = testutil.MakeJSONRequest(t, env.server, http.MethodPost, "/api/v1/licenses/redeem", "user-2", LicenseRequest{Code: "SF-AB12CD34"})
	testutil.AssertErrorResponse(t, w, http.StatusConflict, "Esta licencia ha alcanzado su límite de usuarios")

	count, err := env.store.CountActiveMembers(context.Background(), license.ID)
	if err != nil {
		t.Fatalf("Failed to count members: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 active member, got %d", count)
	}
}

func TestRedeemLicense_Errors(t *testing.T) {
	env := newTestEnv(t, nil)
	expired := time.Now().Add(-time.Hour)
	testutil.CreateTestLicense(t, env.store, "annual", "SF-EXPD2345", &expired)

	tests := []struct {
		name           string
		userID         string
		code           string
		expectedStatus int
		expectedError  string
	}{
		{"missing user", "", "SF-EXPD2345", http.StatusUnauthorized, "Missing user identity"},
		{"empty code", "user-1", "  ", http.StatusBadRequest, "Por favor, ingresa un código de licencia"},
		{"unknown code", "user-1", "SF-NOPE0000", http.StatusNotFound, "Código de licencia no válido"},
		{"expired license", "user-1", "SF-EXPD2345", http.StatusGone, "Esta licencia ha expirado"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := testutil.MakeJSONRequest(t, env.server, http.MethodPost, "/api/v1/licenses/redeem", tt.userID, LicenseRequest{Code: tt.code})
			testutil.AssertErrorResponse(t, w, tt.expectedStatus, tt.expectedError)
		})
	}
}

func TestEntitlements(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	active := testutil.CreateTestLicense(t, env.store, "annual", "SF-ACTV2345", nil)
	lapsed := testutil.CreateTestLicense(t, env.store, "annual", "SF-LAPS2345", nil)
	if err := env.store.SetStatus(ctx, lapsed.ID, models.StatusExpired, nil); err != nil {
		t.Fatalf("Failed to expire license: %v", err)
	}
	for _, id := range []string{active.ID, lapsed.ID} {
		if _, err := env.store.AddMembership(ctx, "user-1", id, models.RoleMember); err != nil {
			t.Fatalf("Failed to add membership: %v", err)
		}
	}

	tests := []struct {
		name           string
		userID         string
		path           string
		expectedAccess resolver.Access
		expectedCount  int
	}{
		{"anonymous", "", "/api/v1/me/entitlements", resolver.AccessLogin, 0},
		{"no licenses", "user-2", "/api/v1/me/entitlements", resolver.AccessActivate, 0},
		{"pinned lapsed license", "user-1", "/api/v1/me/entitlements?license_id=" + lapsed.ID, resolver.AccessSubscribe, 2},
		{"pinned active license", "user-1", "/api/v1/me/entitlements?license_id=" + active.ID, resolver.AccessApp, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := testutil.MakeJSONRequest(t, env.server, http.MethodGet, tt.path, tt.userID, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
			}

			var resp EntitlementsResponse
			testutil.DecodeJSON(t, w, &resp)
			if resp.Access != tt.expectedAccess {
				t.Errorf("Expected access '%s', got '%s'", tt.expectedAccess, resp.Access)
			}
			if resp.Resolution == nil {
				t.Fatalf("Expected resolution in response")
			}
			if len(resp.Licenses) != tt.expectedCount {
				t.Errorf("Expected %d licenses, got %d", tt.expectedCount, len(resp.Licenses))
			}
		})
	}
}
