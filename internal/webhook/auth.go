package webhook

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aegisreview/aegis/internal/model"
)

type contextKey string

const userContextKey contextKey = "aegis.userContext"

// Claims is the JWT payload backing AnalysisContext.userContext.
type Claims struct {
	OrgID       string   `json:"org"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Authenticate verifies the bearer token on inbound webhook requests and
// stashes the resulting UserContext for the handlers.
func Authenticate(signingKey []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			claims := &Claims{}
			parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return signingKey, nil
			})
			if err != nil || !parsed.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			uc := model.UserContext{
				UserID:      claims.Subject,
				OrgID:       claims.OrgID,
				Permissions: claims.Permissions,
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey, uc)))
		})
	}
}

// UserFromContext returns the authenticated UserContext, if any.
func UserFromContext(ctx context.Context) (model.UserContext, bool) {
	uc, ok := ctx.Value(userContextKey).(model.UserContext)
	return uc, ok
}
