package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// RequestLogger logs one line per request and attaches a request-scoped
// logger to the request context, so zerolog.Ctx(ctx) inside handlers and
// the ledger carries the request id.
func RequestLogger(base zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid := req.Header.Get(echo.HeaderXRequestID)
			if rid == "" {
				rid = c.Response().Header().Get(echo.HeaderXRequestID)
			}
			l := base.With().Str("request_id", rid).Logger()
			c.SetRequest(req.WithContext(l.WithContext(req.Context())))

			err := next(c)
			if err != nil {
				// Let echo write the response so the status is final.
				c.Error(err)
			}

			status := c.Response().Status
			ev := l.Info()
			switch {
			case status >= 500:
				ev = l.Error().Err(err)
			case status >= 400:
				ev = l.Warn()
			}
			ev.Str("method", req.Method).
				Str("path", c.Path()).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("subject", subject(c)).
				Str("ip", c.RealIP()).
				Msg("request")
			return nil
		}
	}
}
