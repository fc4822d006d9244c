package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/moneygood/backend/internal/models"
	"github.com/moneygood/backend/internal/services"
)

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the authenticated caller, if any.
func PrincipalFrom(ctx context.Context) (models.Principal, bool) {
	p, ok := ctx.Value(principalKey).(models.Principal)
	return p, ok && p.UserID != ""
}

// RequireAuth verifies an HS256 bearer token and stores the principal in the
// request context.
func RequireAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Get token from Authorization header
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				services.SendErrorResponse(w, "Authorization header required", http.StatusUnauthorized, nil)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				services.SendErrorResponse(w, "Invalid authorization header format", http.StatusUnauthorized, nil)
				return
			}

			principal, err := validateToken(parts[1], secret)
			if err != nil {
				services.SendErrorResponse(w, "Invalid token", http.StatusUnauthorized, nil)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// RequireAdmin rejects callers without the admin claim.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFrom(r.Context())
		if !ok {
			services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
			return
		}
		if !principal.Admin {
			services.SendErrorResponse(w, "Admin access required", http.StatusForbidden, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validateToken(tokenString, secret string) (models.Principal, error) {
	if secret == "" {
		return models.Principal{}, errors.New("jwt secret is not configured")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return models.Principal{}, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return models.Principal{}, errors.New("unexpected claims type")
	}

	var principal models.Principal
	if userID, ok := claims["user_id"]; ok && userID != nil {
		principal.UserID = fmt.Sprintf("%v", userID)
	}
	if principal.UserID == "" || principal.UserID == models.SystemActor {
		return models.Principal{}, errors.New("token carries no usable user_id")
	}

	principal.Email, _ = claims["email"].(string)
	principal.Admin, _ = claims["admin"].(bool)
	return principal, nil
}
