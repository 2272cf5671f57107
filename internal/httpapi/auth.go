package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"counterflow/queue-service/internal/store"
)

type authContextKey struct{}

// AuthMiddleware resolves the teller session for staff endpoints. The
// session id comes from a bearer token or the X-Session-ID header.
func AuthMiddleware(st store.TicketStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := sessionIDFromRequest(r)
			if sessionID == "" {
				writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
				return
			}
			session, err := st.GetSession(r.Context(), sessionID)
			if err != nil {
				if errors.Is(err, store.ErrSessionNotFound) {
					writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid session")
					return
				}
				writeError(w, requestIDFromRequest(r), http.StatusInternalServerError, "internal_error", "internal server error")
				return
			}
			ctx := context.WithValue(r.Context(), authContextKey{}, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func sessionFromContext(ctx context.Context) (store.Session, bool) {
	value := ctx.Value(authContextKey{})
	if value == nil {
		return store.Session{}, false
	}
	session, ok := value.(store.Session)
	return session, ok
}

func sessionIDFromRequest(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Session-ID"))
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}
