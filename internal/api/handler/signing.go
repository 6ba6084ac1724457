package handler

import (
	"net/http"
	"strconv"

	"github.com/remiblancher/qsign/internal/api/dto"
	apierrors "github.com/remiblancher/qsign/internal/api/errors"
	"github.com/remiblancher/qsign/internal/api/service"
)

// SigningHandler handles identity, signing and validation requests.
type SigningHandler struct {
	service *service.SigningService
}

// NewSigningHandler creates a new SigningHandler.
func NewSigningHandler(svc *service.SigningService) *SigningHandler {
	return &SigningHandler{service: svc}
}

// Identity handles POST /api/v1/identity
func (h *SigningHandler) Identity(w http.ResponseWriter, r *http.Request) {
	var req dto.IdentityRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.service.Identity(r.Context(), &req)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// Identities handles GET /api/v1/identities
func (h *SigningHandler) Identities(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Identities(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// Sign handles POST /api/v1/sign. A failed run answers with the mapped
// status and the full outcome.
func (h *SigningHandler) Sign(w http.ResponseWriter, r *http.Request) {
	var req dto.SignRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.service.Sign(r.Context(), &req)
	if err != nil {
		if resp == nil {
			handleServiceError(w, err)
			return
		}
		status, _ := apierrors.MapError(err)
		respondJSON(w, status, resp)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// Validate handles POST /api/v1/validate
func (h *SigningHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req dto.ValidateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.service.Validate(r.Context(), &req)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// Authorities handles GET /api/v1/tsa[?test=true]
func (h *SigningHandler) Authorities(w http.ResponseWriter, r *http.Request) {
	test := false
	if v := r.URL.Query().Get("test"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, apierrors.NewBadRequest("test must be a boolean"))
			return
		}
		test = b
	}

	resp, err := h.service.Authorities(r.Context(), test)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}
