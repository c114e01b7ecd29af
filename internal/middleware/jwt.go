package middleware // middleware holds reusable echo middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// JWTAuth returns an Echo middleware that validates a Bearer access token
// issued by the identity provider and injects the token's subject and role
// into the request context.  Tokens are HS256 signed with the shared
// secret; any other algorithm is rejected.  Handlers read the caller via
// c.Get(KeyUserID), c.Get(KeySubject) and c.Get(KeyRole).
func JWTAuth(secret string) echo.MiddlewareFunc {
	key := []byte(secret)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// The header must read "Bearer <token>".
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			if !strings.HasPrefix(auth, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}
			raw := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))

			claims := jwt.MapClaims{}
			tok, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
				return key, nil
			})
			if err != nil || !tok.Valid {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}

			// A token without a subject identifies nobody.
			sub := subjectString(claims["sub"])
			if sub == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid claims"})
			}
			role, _ := claims["role"].(string)

			c.Set(KeySubject, sub)
			c.Set(KeyRole, strings.ToUpper(role))
			// Service tokens carry names, not user ids.
			if id, err := strconv.ParseUint(sub, 10, 64); err == nil {
				c.Set(KeyUserID, id)
			}
			return next(c)
		}
	}
}
