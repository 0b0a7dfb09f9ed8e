// internal/server/handlers/respond.go

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"spatialtag/internal/domain/apperr"
	"spatialtag/internal/domain/geo"
)

// errorBody is the JSON shape of every error response
type errorBody struct {
	Code      apperr.Code `json:"code"`
	Message   string      `json:"message"`
	Field     string      `json:"field,omitempty"`
	Retryable bool        `json:"retryable"`
}

// Helper for JSON responses
func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Failed to marshal response"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// Helper for error responses. Internal causes are logged, never returned.
func respondWithError(w http.ResponseWriter, logger *zap.Logger, err error) {
	code := apperr.CodeOf(err)
	body := errorBody{
		Code:      code,
		Message:   err.Error(),
		Retryable: code.Retryable(),
	}

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		body.Message = appErr.Message
		body.Field = appErr.Metadata["field"]
	}
	if code == apperr.CodeInternal {
		logger.Error("Request failed", zap.Error(err))
		body.Message = "internal error"
	}

	respondWithJSON(w, code.HTTPStatus(), body)
}

// decodeJSON reads a request body into v
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.CodeInvalidArgument, "invalid request body", err)
	}
	return nil
}

const maxBodyBytes = 1 << 20

// parseQueryPosition builds a position from lat, lng and alt query parameters
func parseQueryPosition(r *http.Request) (geo.Position, error) {
	q := r.URL.Query()
	if q.Get("lat") == "" || q.Get("lng") == "" {
		return geo.Position{}, apperr.WithField(apperr.CodeInvalidArgument, "position", "missing location parameters")
	}

	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil {
		return geo.Position{}, apperr.WithField(apperr.CodeInvalidArgument, "latitude", "invalid latitude")
	}
	lng, err := strconv.ParseFloat(q.Get("lng"), 64)
	if err != nil {
		return geo.Position{}, apperr.WithField(apperr.CodeInvalidArgument, "longitude", "invalid longitude")
	}
	var alt float64
	if s := q.Get("alt"); s != "" {
		if alt, err = strconv.ParseFloat(s, 64); err != nil {
			return geo.Position{}, apperr.WithField(apperr.CodeInvalidArgument, "altitude", "invalid altitude")
		}
	}

	return geo.NewPosition(lat, lng, alt)
}

// parseQueryFloat parses an optional float parameter
func parseQueryFloat(r *http.Request, name string) (float64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, apperr.WithField(apperr.CodeInvalidArgument, name, "invalid "+name)
	}
	return v, nil
}

// parseQueryInt parses an optional int parameter
func parseQueryInt(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, apperr.WithField(apperr.CodeInvalidArgument, name, "invalid "+name)
	}
	return v, nil
}
