package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// TenantIDKey is the context key for the tenant ID.
const TenantIDKey contextKey = "tenant_id"

// DefaultTenant is assumed when a request carries no tenant marker.
const DefaultTenant = "default"

// TenantExtractor resolves the tenant for a request: the X-Tenant-ID
// header first, then the tenant query parameter, then the default.
func TenantExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
		if tenant == "" {
			tenant = strings.TrimSpace(r.URL.Query().Get("tenant"))
		}
		if tenant == "" {
			tenant = DefaultTenant
		}

		ctx := context.WithValue(r.Context(), TenantIDKey, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetTenantID retrieves the tenant ID from the request context.
func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(TenantIDKey).(string); ok {
		return v
	}
	return DefaultTenant
}
