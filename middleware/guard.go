package middleware

import (
	"context"
	"net/http"
	"strings"
)

type referenceContextKey struct{}

// ReferenceFromContext returns the reference stored by RequireReference.
func ReferenceFromContext(ctx context.Context) (string, bool) {
	ref, ok := ctx.Value(referenceContextKey{}).(string)
	return ref, ok && ref != ""
}

// RequireReference rejects requests without an "Authorization: Bearer"
// reference and stores it for the handler. The response does not say why.
func RequireReference(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ref, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), referenceContextKey{}, ref)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}
