package auth

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	claimSubject = "sub"
	claimScopes  = "scopes"
)

// Token scopes.
const (
	// ScopeMessages lets a chat connector post inbound messages.
	ScopeMessages = "messages"
	// ScopeAdmin lets an operator manage tenants.
	ScopeAdmin = "admin"
)

// JWTMiddleware returns a JWT auth middleware configured for HS256 tokens.
func JWTMiddleware(secret string, skipper middleware.Skipper) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(secret),
		SigningMethod: "HS256",
		TokenLookup:   "header:Authorization:Bearer ",
		Skipper:       skipper,
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return jwt.MapClaims{}
		},
	})
}

// RequireScope rejects tokens that do not carry scope.
func RequireScope(scope string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			scopes, err := ScopesFromContext(c)
			if err != nil {
				return err
			}
			if !slices.Contains(scopes, scope) {
				return echo.NewHTTPError(http.StatusForbidden, "token lacks scope "+scope)
			}
			return next(c)
		}
	}
}

// SubjectFromContext extracts the token subject.
func SubjectFromContext(c echo.Context) (string, error) {
	claims, err := claimsFromContext(c)
	if err != nil {
		return "", err
	}
	if sub := claimString(claims, claimSubject); sub != "" {
		return sub, nil
	}
	return "", echo.NewHTTPError(http.StatusUnauthorized, "subject missing")
}

func ScopesFromContext(c echo.Context) ([]string, error) {
	claims, err := claimsFromContext(c)
	if err != nil {
		return nil, err
	}
	raw, ok := claims[claimScopes].([]any)
	if !ok {
		return nil, nil
	}
	scopes := make([]string, 0, len(raw))
	for _, s := range raw {
		if v, ok := s.(string); ok {
			scopes = append(scopes, v)
		}
	}
	return scopes, nil
}

// GenerateToken creates a signed service token. expiresIn <= 0 yields a token
// without expiry, for long-lived connector credentials.
func GenerateToken(subject string, scopes []string, secret string, expiresIn time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, fmt.Errorf("subject is required")
	}
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}
	if len(scopes) == 0 {
		return "", time.Time{}, fmt.Errorf("at least one scope is required")
	}
	for _, s := range scopes {
		if s != ScopeMessages && s != ScopeAdmin {
			return "", time.Time{}, fmt.Errorf("unknown scope %q", s)
		}
	}

	now := time.Now().UTC()
	claims := jwt.MapClaims{
		claimSubject: subject,
		claimScopes:  scopes,
		"iat":        now.Unix(),
	}
	var expiresAt time.Time
	if expiresIn > 0 {
		expiresAt = now.Add(expiresIn)
		claims["exp"] = expiresAt.Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func claimsFromContext(c echo.Context) (jwt.MapClaims, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil || !token.Valid {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}
	return claims, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	raw, ok := claims[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(raw)
	}
}
