package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"statsfutbol.app/cloud/internal/activation"
	"statsfutbol.app/cloud/internal/resolver"
	"statsfutbol.app/cloud/models"
)

type LicenseRequest struct {
	Code string `json:"code"`
}

// ValidateLicense reports whether a code can be redeemed. Invalid codes are a
// normal answer, so the status is 200 unless the store fails.
func (s *Server) ValidateLicense(w http.ResponseWriter, r *http.Request) {
	var req LicenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Empty body")
		return
	}

	v, err := s.Activator.ValidateCode(r.Context(), req.Code)
	if err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "Error al validar la licencia. Inténtalo de nuevo.")
		return
	}

	writeJSON(w, http.StatusOK, v)
}

type RedeemResponse struct {
	Membership *models.Membership `json:"membership"`
}

func (s *Server) RedeemLicense(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeErrorResponse(w, http.StatusUnauthorized, "Missing user identity")
		return
	}

	var req LicenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Empty body")
		return
	}
	if activation.NormalizeCode(req.Code) == "" {
		writeErrorResponse(w, http.StatusBadRequest, "Por favor, ingresa un código de licencia")
		return
	}

	membership, err := s.Activator.RedeemCode(r.Context(), req.Code, user)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, RedeemResponse{Membership: membership})
	case errors.Is(err, models.ErrCodeInvalid):
		writeErrorResponse(w, http.StatusNotFound, "Código de licencia no válido")
	case errors.Is(err, models.ErrLicenseExpired):
		writeErrorResponse(w, http.StatusGone, "Esta licencia ha expirado")
	case errors.Is(err, models.ErrCapacityExceeded):
		writeErrorResponse(w, http.StatusConflict, "Esta licencia ha alcanzado su límite de usuarios")
	default:
		writeErrorResponse(w, http.StatusServiceUnavailable, "Error al validar la licencia. Inténtalo de nuevo.")
	}
}

type EntitlementsResponse struct {
	Access resolver.Access `json:"access"`
	*resolver.Resolution
}

// Entitlements lists the caller's licenses and where the app should send them.
// The pinned license comes from ?license_id=.
func (s *Server) Entitlements(w http.ResponseWriter, r *http.Request) {
	res, err := s.Resolver.Resolve(r.Context(), userID(r), r.URL.Query().Get("license_id"))
	if err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "Service unavailable")
		return
	}

	writeJSON(w, http.StatusOK, EntitlementsResponse{
		Access:     resolver.Decide(res),
		Resolution: res,
	})
}
