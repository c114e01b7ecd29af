package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/iliyamo/review-points-service/internal/points"
	"github.com/iliyamo/review-points-service/internal/repository"
)

// respondError maps ledger errors onto HTTP responses.  Messages of
// unexpected errors stay in the log.
func respondError(c echo.Context, err error) error {
	var insufficient *points.InsufficientPointsError
	switch {
	case errors.As(err, &insufficient):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{
			"error":     "insufficient points",
			"required":  insufficient.Required,
			"available": insufficient.Available,
		})
	case errors.Is(err, points.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
	case errors.Is(err, points.ErrInvalidInput):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, points.ErrConcurrencyConflict), errors.Is(err, repository.ErrConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": "conflicting update, retry the request"})
	}
	zerolog.Ctx(c.Request().Context()).Error().Err(err).Str("path", c.Path()).Msg("request failed")
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}
