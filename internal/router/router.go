// Package router wires handlers to paths, grouped by audience.
package router

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iliyamo/review-points-service/internal/handler"
	"github.com/iliyamo/review-points-service/internal/middleware"
)

// Handlers bundles everything the router mounts.  Geolocation may be nil.
type Handlers struct {
	Points      *handler.PointsHandler
	Admin       *handler.AdminPointsHandler
	Catalog     *handler.CatalogHandler
	Leaderboard *handler.LeaderboardHandler
	Geolocation *handler.GeolocationHandler
}

// Options carries the middleware settings shared by the route groups.
// RateLimit and Cache may be nil.
type Options struct {
	JWTSecret string
	RateLimit echo.MiddlewareFunc
	Cache     echo.MiddlewareFunc
	DB        handler.Pinger
}

// Register mounts every route.
func Register(e *echo.Echo, h Handlers, opts Options) {
	RegisterRoutes(e, opts.DB)
	RegisterPublic(e, h.Leaderboard, opts)
	RegisterUser(e, h.Points, h.Geolocation, opts)
	RegisterService(e, h.Points, opts)
	RegisterSupport(e, h.Admin, h.Catalog, opts)
}

// RegisterRoutes mounts the unauthenticated operational endpoints.
func RegisterRoutes(e *echo.Echo, db handler.Pinger) {
	e.GET("/healthz", handler.Health(db))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// RegisterPublic mounts the leaderboards.  They need no token, are rate
// limited per client and served from the response cache.
func RegisterPublic(e *echo.Echo, lh *handler.LeaderboardHandler, opts Options) {
	mw := chain(opts.RateLimit, opts.Cache)
	g := e.Group("/v1/points/leaderboard")
	g.GET("", lh.Global, mw...)
	g.GET("/states/:state", lh.ByState, mw...)
}

// authed returns JWT validation followed by the role check and, when
// configured, rate limiting keyed on the authenticated subject.
func authed(opts Options, roles ...string) []echo.MiddlewareFunc {
	return chain(middleware.JWTAuth(opts.JWTSecret), middleware.RequireRole(roles...), opts.RateLimit)
}

func chain(mw ...echo.MiddlewareFunc) []echo.MiddlewareFunc {
	out := make([]echo.MiddlewareFunc, 0, len(mw))
	for _, m := range mw {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}
