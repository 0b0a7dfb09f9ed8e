// internal/server/handlers/profiles.go

package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"spatialtag/internal/domain/discovery"
	"spatialtag/internal/domain/geo"
)

// ProfileHandler handles profile-related HTTP requests
type ProfileHandler struct {
	service discovery.Service
	logger  *zap.Logger
}

// NewProfileHandler creates a new profile handler
func NewProfileHandler(service discovery.Service, logger *zap.Logger) *ProfileHandler {
	return &ProfileHandler{
		service: service,
		logger:  logger,
	}
}

// UpsertProfile creates or updates the caller's profile
func (h *ProfileHandler) UpsertProfile(w http.ResponseWriter, r *http.Request) {
	var req discovery.UpsertProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	caller, _ := CallerFrom(r.Context())
	profile, err := h.service.UpsertProfile(r.Context(), caller, req)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	respondWithJSON(w, http.StatusOK, profile)
}

// UpdateLocation refreshes the caller's position
func (h *ProfileHandler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	var pos geo.Position
	if err := decodeJSON(w, r, &pos); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	caller, _ := CallerFrom(r.Context())
	profile, err := h.service.UpdateLocation(r.Context(), caller, pos)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	respondWithJSON(w, http.StatusOK, profile)
}

// FindNearbyProfiles returns the profiles visible around a position
func (h *ProfileHandler) FindNearbyProfiles(w http.ResponseWriter, r *http.Request) {
	req, err := parseNearbyRequest(r)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	caller, _ := CallerFrom(r.Context())
	resp, err := h.service.FindNearbyProfiles(r.Context(), caller, req)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	respondWithJSON(w, http.StatusOK, resp)
}
