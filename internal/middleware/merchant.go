// Package middleware holds the HTTP middleware shared by every route.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"loyalty-engine/internal/validation"
)

// MerchantHeader carries the tenant every request is scoped to.
const MerchantHeader = "X-Merchant-ID"

// ErrMissingMerchant is returned when a request has no usable merchant id.
var ErrMissingMerchant = errors.New("missing or invalid " + MerchantHeader + " header")

type merchantKey struct{}

// MerchantContext rejects requests without a valid merchant header and stores
// the merchant id on the request context.
func MerchantContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		merchantID := strings.TrimSpace(r.Header.Get(MerchantHeader))
		if err := validation.ValidateID(merchantID, "merchant_id"); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error": "` + ErrMissingMerchant.Error() + `"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithMerchant(r.Context(), merchantID)))
	})
}

// WithMerchant returns a copy of ctx carrying merchantID.
func WithMerchant(ctx context.Context, merchantID string) context.Context {
	return context.WithValue(ctx, merchantKey{}, merchantID)
}

// MerchantFromContext returns the merchant id stored by MerchantContext.
func MerchantFromContext(ctx context.Context) (string, error) {
	merchantID, ok := ctx.Value(merchantKey{}).(string)
	if !ok || merchantID == "" {
		return "", ErrMissingMerchant
	}
	return merchantID, nil
}
