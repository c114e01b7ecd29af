package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/review-points-service/internal/handler"
	"github.com/iliyamo/review-points-service/internal/middleware"
)

// RegisterSupport mounts support tooling: per-user inspection and
// corrections plus rule and multiplier administration.  SUPPORT only.
func RegisterSupport(e *echo.Echo, ah *handler.AdminPointsHandler, ch *handler.CatalogHandler, opts Options) {
	mw := authed(opts, middleware.RoleSupport)

	g := e.Group("/v1/admin")
	g.GET("/points/:user_id", ah.Get, mw...)
	g.GET("/points/:user_id/reconcile", ah.Reconcile, mw...)
	g.POST("/points/:user_id/adjust", ah.Adjust, mw...)
	g.POST("/points/:user_id/expire", ah.Expire, mw...)

	g.GET("/point-rules", ch.ListRules, mw...)
	g.PUT("/point-rules/:action_type", ch.SaveRule, mw...)
	g.PATCH("/point-rules/:action_type/active", ch.SetRuleActive, mw...)
	g.GET("/point-multipliers", ch.ListMultipliers, mw...)
	g.POST("/point-multipliers", ch.CreateMultiplier, mw...)
	g.PATCH("/point-multipliers/:id/active", ch.SetMultiplierActive, mw...)
}
