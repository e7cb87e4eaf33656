package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"statsfutbol.app/cloud/internal/checkout"
	"statsfutbol.app/cloud/internal/logger"
	"statsfutbol.app/cloud/models"
)

const maxWebhookBytes = int64(65536)

// Stripe receives billing webhooks. Signature failures are answered with 400
// so Stripe gives up; store failures with 500 so it redelivers.
func (s *Server) Stripe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("Failed to read webhook payload", map[string]interface{}{
			"error": err.Error(),
		})
		writeErrorResponse(w, http.StatusServiceUnavailable, "Failed to read payload")
		return
	}

	outcome, err := s.Reconciler.HandleEvent(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, models.ErrAuthenticity):
		logger.Warn("Webhook signature verification failed", map[string]interface{}{
			"remote_addr": r.RemoteAddr,
			"error":       err.Error(),
		})
		writeErrorResponse(w, http.StatusBadRequest, "Invalid signature")
		return
	case err != nil:
		writeErrorResponse(w, http.StatusInternalServerError, "Webhook processing failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"received": "true",
		"result":   outcome.Result,
	})
}

type CheckoutRequest struct {
	PlanID     string `json:"plan_id"`
	LicenseID  string `json:"license_id"`
	UserEmail  string `json:"user_email"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

func (req CheckoutRequest) validate() string {
	switch {
	case req.PlanID == "":
		return "plan_id required"
	case req.SuccessURL == "" || req.CancelURL == "":
		return "success_url and cancel_url required"
	}
	return ""
}

func (s *Server) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeErrorResponse(w, http.StatusUnauthorized, "Missing user identity")
		return
	}

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeErrorResponse(w, http.StatusBadRequest, msg)
		return
	}
	if req.LicenseID != "" {
		member, err := s.isMember(r.Context(), user, req.LicenseID)
		if err != nil {
			writeErrorResponse(w, http.StatusServiceUnavailable, "Service unavailable")
			return
		}
		if !member {
			writeErrorResponse(w, http.StatusNotFound, "License not found")
			return
		}
	}

	session, err := s.Checkout.CreateCheckoutSession(r.Context(), checkout.Request{
		PlanID:     req.PlanID,
		UserID:     user,
		UserEmail:  req.UserEmail,
		LicenseID:  req.LicenseID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	switch {
	case errors.Is(err, models.ErrUnknownPlan):
		writeErrorResponse(w, http.StatusBadRequest, "Unknown plan")
		return
	case err != nil:
		writeErrorResponse(w, http.StatusServiceUnavailable, "Payment provider unavailable, try again later")
		return
	}

	writeJSON(w, http.StatusOK, session)
}

type PortalRequest struct {
	LicenseID string `json:"license_id"`
	ReturnURL string `json:"return_url"`
}

// CreatePortalSession opens the billing portal for a license the caller
// belongs to.
func (s *Server) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeErrorResponse(w, http.StatusUnauthorized, "Missing user identity")
		return
	}

	var req PortalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LicenseID == "" || req.ReturnURL == "" {
		writeErrorResponse(w, http.StatusBadRequest, "license_id and return_url required")
		return
	}

	member, err := s.isMember(r.Context(), user, req.LicenseID)
	if err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "Service unavailable")
		return
	}
	if !member {
		writeErrorResponse(w, http.StatusNotFound, "License not found")
		return
	}

	url, err := s.Checkout.CreatePortalSession(r.Context(), req.LicenseID, req.ReturnURL)
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeErrorResponse(w, http.StatusNotFound, "License has no billing account")
		return
	case err != nil:
		writeErrorResponse(w, http.StatusServiceUnavailable, "Payment provider unavailable, try again later")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// isMember reports whether the user holds an active membership on the license.
func (s *Server) isMember(ctx context.Context, userID, licenseID string) (bool, error) {
	res, err := s.Resolver.Resolve(ctx, userID, licenseID)
	if err != nil {
		return false, err
	}
	return res.Current != nil && res.Current.License.ID == licenseID, nil
}
