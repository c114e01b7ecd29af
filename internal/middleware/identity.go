package middleware

// identity.go holds the context keys JWTAuth fills in and the helpers the
// other middleware use to read them back.

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

// Context keys set by JWTAuth.
const (
	KeyUserID  = "user_id" // uint64 when the subject is numeric
	KeySubject = "subject" // raw "sub" claim as a string
	KeyRole    = "role"    // upper-cased "role" claim
)

// Roles issued by the identity provider.
const (
	RoleUser     = "USER"
	RoleBusiness = "BUSINESS"
	RoleSupport  = "SUPPORT"
	RoleService  = "SERVICE"
)

// subject returns the authenticated subject, or "guest" when the request
// carries no valid token.
func subject(c echo.Context) string {
	if s, ok := c.Get(KeySubject).(string); ok && s != "" {
		return s
	}
	return "guest"
}

// subjectString renders a "sub" claim.  JSON numbers decode as float64.
func subjectString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t >= 0 && t == float64(uint64(t)) {
			return strconv.FormatUint(uint64(t), 10)
		}
	}
	return ""
}
