package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// TenantHeader carries the tenant that owns the remote nodes of a request
const TenantHeader = "X-Tenant-ID"

type contextKey string

const TenantIDKey contextKey = "tenant_id"

// TenantID rejects requests without a valid tenant header and stores the
// parsed id in the request context.
func TenantID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(TenantHeader)
		if raw == "" {
			log.Warn().Str("path", r.URL.Path).Msg("Missing tenant header")
			http.Error(w, TenantHeader+" header is required", http.StatusBadRequest)
			return
		}

		tenantID, err := uuid.Parse(raw)
		if err != nil || tenantID == uuid.Nil {
			log.Warn().Err(err).Str("tenant_id", raw).Msg("Invalid tenant ID")
			http.Error(w, "Invalid "+TenantHeader+" format", http.StatusBadRequest)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithTenantID(r.Context(), tenantID)))
	})
}

// WithTenantID returns ctx carrying tenantID
func WithTenantID(ctx context.Context, tenantID uuid.UUID) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// GetTenantID extracts the tenant ID stored by TenantID
func GetTenantID(ctx context.Context) (uuid.UUID, bool) {
	tenantID, ok := ctx.Value(TenantIDKey).(uuid.UUID)
	return tenantID, ok
}
