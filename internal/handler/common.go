package handler // handler defines the HTTP handlers of the points API

import (
	"errors"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/review-points-service/internal/middleware"
	"github.com/iliyamo/review-points-service/internal/points"
)

var errNoUser = errors.New("invalid user_id in context")

// getUserID returns the authenticated user's id stored by JWTAuth.  Service
// tokens carry no user id.
func getUserID(c echo.Context) (uint64, error) {
	switch t := c.Get(middleware.KeyUserID).(type) {
	case uint64:
		if t > 0 {
			return t, nil
		}
	case string:
		if n, err := strconv.ParseUint(t, 10, 64); err == nil && n > 0 {
			return n, nil
		}
	}
	return 0, errNoUser
}

// pathUserID parses the :user_id path parameter.
func pathUserID(c echo.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("user_id"), 10, 64)
	return id, err == nil && id > 0
}

// queryInt reads an optional integer query parameter.  Missing or
// malformed values yield def.
func queryInt(c echo.Context, name string, def int) int {
	v := strings.TrimSpace(c.QueryParam(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// paging reads limit and offset, clamped the way the ledger applies them.
func paging(c echo.Context) (limit, offset int) {
	return points.Page(queryInt(c, "limit", 0), queryInt(c, "offset", 0))
}
