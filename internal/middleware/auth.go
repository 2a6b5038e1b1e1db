// Package middleware provides operator-facing Echo middleware: JWT
// authentication guarding the operator API (spec.md §9 design notes,
// "the pipeline is internal-operator-only; no seller-facing API").
package middleware

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/auth0/go-jwt-middleware/v2/jwks"
	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// OperatorClaims contains the custom claims expected on an operator JWT.
type OperatorClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Validate implements validator.CustomClaims.
func (c OperatorClaims) Validate(ctx context.Context) error {
	return nil
}

type contextKey string

const (
	ClaimsKey     contextKey = "claims"
	OperatorIDKey contextKey = "operator_id"
)

// AuthMiddleware validates operator JWTs issued by the configured Auth0
// tenant. Unlike the seller-facing OAuth connect/callback flow (out of
// scope, spec.md §9 Non-goals), this guards only the internal operator
// surface exposed by internal/httpapi.
type AuthMiddleware struct {
	validator *validator.Validator
}

func NewAuthMiddleware(domain, audience string) (*AuthMiddleware, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, err
	}

	provider := jwks.NewCachingProvider(issuerURL, 5*time.Minute)

	jwtValidator, err := validator.New(
		provider.KeyFunc,
		validator.RS256,
		issuerURL.String(),
		[]string{audience},
		validator.WithCustomClaims(func() validator.CustomClaims {
			return &OperatorClaims{}
		}),
		validator.WithAllowedClockSkew(time.Minute),
	)
	if err != nil {
		return nil, err
	}

	return &AuthMiddleware{validator: jwtValidator}, nil
}

// Authenticate returns an Echo middleware rejecting requests without a
// valid operator bearer token.
func (m *AuthMiddleware) Authenticate() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization header format")
			}

			claims, err := m.validator.ValidateToken(c.Request().Context(), parts[1])
			if err != nil {
				log.Debug().Err(err).Msg("operator token validation failed")
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			validatedClaims, ok := claims.(*validator.ValidatedClaims)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid claims")
			}

			ctx := context.WithValue(c.Request().Context(), ClaimsKey, validatedClaims)
			ctx = context.WithValue(ctx, OperatorIDKey, validatedClaims.RegisteredClaims.Subject)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// GetOperatorID extracts the operator's Auth0 subject from the context.
func GetOperatorID(c echo.Context) string {
	if id, ok := c.Request().Context().Value(OperatorIDKey).(string); ok {
		return id
	}
	return ""
}
