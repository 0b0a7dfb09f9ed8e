// internal/server/handlers/caller.go

package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"spatialtag/internal/domain/apperr"
	"spatialtag/internal/domain/discovery"
	"spatialtag/internal/domain/entity"
)

// Headers set by the authentication gateway
const (
	HeaderCallerID      = "X-Caller-ID"
	HeaderCallerStatus  = "X-Caller-Status"
	HeaderCallerPrivacy = "X-Caller-Privacy"
)

type callerKey struct{}

// WithCaller returns a context carrying the caller
func WithCaller(ctx context.Context, caller discovery.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the caller stored in ctx
func CallerFrom(ctx context.Context) (discovery.Caller, bool) {
	caller, ok := ctx.Value(callerKey{}).(discovery.Caller)
	return caller, ok && caller.ID != ""
}

// Authenticate reads the gateway's caller headers into the request context.
// Requests without a caller ID are rejected.
func Authenticate(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(HeaderCallerID)
			if id == "" {
				respondWithError(w, logger, apperr.New(apperr.CodePermissionDenied, "missing caller identity"))
				return
			}

			status, ok := entity.ParseStatusLevel(r.Header.Get(HeaderCallerStatus))
			if !ok {
				respondWithError(w, logger, apperr.WithField(apperr.CodeInvalidArgument, "status", "unknown caller status"))
				return
			}

			caller := discovery.Caller{ID: id, Status: status}
			if tier := entity.PrivacyTier(r.Header.Get(HeaderCallerPrivacy)); tier.Valid() {
				caller.Privacy = tier
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}
