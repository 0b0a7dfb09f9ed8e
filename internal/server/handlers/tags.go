// internal/server/handlers/tags.go

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"spatialtag/internal/domain/apperr"
	"spatialtag/internal/domain/discovery"
)

// TagHandler handles tag-related HTTP requests
type TagHandler struct {
	service discovery.Service
	logger  *zap.Logger
}

// NewTagHandler creates a new tag handler
func NewTagHandler(service discovery.Service, logger *zap.Logger) *TagHandler {
	return &TagHandler{
		service: service,
		logger:  logger,
	}
}

// CreateTag creates a new tag owned by the caller
func (h *TagHandler) CreateTag(w http.ResponseWriter, r *http.Request) {
	var req discovery.CreateTagRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	caller, _ := CallerFrom(r.Context())
	tag, err := h.service.CreateTag(r.Context(), caller, req)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, tag)
}

// GetTag returns a single tag
func (h *TagHandler) GetTag(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	tag, err := h.service.GetTag(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	respondWithJSON(w, http.StatusOK, tag)
}

// GetNearbyTags returns the tags visible around a position
func (h *TagHandler) GetNearbyTags(w http.ResponseWriter, r *http.Request) {
	req, err := parseNearbyRequest(r)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	caller, _ := CallerFrom(r.Context())
	resp, err := h.service.GetNearbyTags(r.Context(), caller, req)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	respondWithJSON(w, http.StatusOK, resp)
}

// UpdateTag applies a partial update to a tag
func (h *TagHandler) UpdateTag(w http.ResponseWriter, r *http.Request) {
	var req discovery.UpdateTagRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	caller, _ := CallerFrom(r.Context())
	tag, err := h.service.UpdateTag(r.Context(), caller, chi.URLParam(r, "id"), req)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	respondWithJSON(w, http.StatusOK, tag)
}

// DeleteTag removes a tag
func (h *TagHandler) DeleteTag(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	if err := h.service.DeleteTag(r.Context(), caller, chi.URLParam(r, "id")); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// BatchCreateTags creates several tags in one request
func (h *TagHandler) BatchCreateTags(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tags []discovery.CreateTagRequest `json:"tags"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	caller, _ := CallerFrom(r.Context())
	result, err := h.service.BatchCreateTags(r.Context(), caller, body.Tags)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	status := http.StatusCreated
	if len(result.Created) == 0 {
		status = http.StatusOK
	}
	respondWithJSON(w, status, result)
}

// RecordInteraction counts an interaction with a tag
func (h *TagHandler) RecordInteraction(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	tag, err := h.service.RecordInteraction(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	respondWithJSON(w, http.StatusOK, tag)
}

// parseNearbyRequest reads lat, lng, alt, radius and limit
func parseNearbyRequest(r *http.Request) (discovery.NearbyRequest, error) {
	pos, err := parseQueryPosition(r)
	if err != nil {
		return discovery.NearbyRequest{}, err
	}
	radius, err := parseQueryFloat(r, "radius")
	if err != nil {
		return discovery.NearbyRequest{}, err
	}
	if r.URL.Query().Get("radius") == "" {
		return discovery.NearbyRequest{}, apperr.WithField(apperr.CodeInvalidArgument, "radius", "missing radius")
	}
	limit, err := parseQueryInt(r, "limit")
	if err != nil {
		return discovery.NearbyRequest{}, err
	}

	return discovery.NearbyRequest{Position: pos, Radius: radius, Limit: limit}, nil
}
