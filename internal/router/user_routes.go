package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/review-points-service/internal/handler"
	"github.com/iliyamo/review-points-service/internal/middleware"
)

// RegisterUser mounts the caller's own points endpoints.  Any signed-in
// person may use them; the user id always comes from the token.
func RegisterUser(e *echo.Echo, ph *handler.PointsHandler, gh *handler.GeolocationHandler, opts Options) {
	mw := authed(opts, middleware.RoleUser, middleware.RoleBusiness, middleware.RoleSupport)

	g := e.Group("/v1/points")
	g.GET("/me", ph.GetMine, mw...)
	g.POST("/me/initialize", ph.Initialize, mw...)
	g.GET("/me/history", ph.History, mw...)
	g.GET("/me/summary", ph.Summary, mw...)
	g.GET("/me/tier", ph.Tier, mw...)
	g.GET("/me/redemptions", ph.Redemptions, mw...)
	g.POST("/redeem", ph.Redeem, mw...)
	g.POST("/reviews/calculate", ph.CalculateReview, mw...)

	if gh != nil {
		e.POST("/v1/geolocation/me", gh.RecordMine, mw...)
	}
}

// RegisterService mounts the award endpoints called by trusted services
// (and by support staff fixing things by hand).
func RegisterService(e *echo.Echo, ph *handler.PointsHandler, opts Options) {
	mw := authed(opts, middleware.RoleService, middleware.RoleSupport)

	g := e.Group("/v1/points")
	g.POST("/award", ph.Award, mw...)
	g.POST("/reviews/award", ph.AwardReview, mw...)
	g.POST("/milestones/:kind/check", ph.CheckMilestone, mw...)
}
