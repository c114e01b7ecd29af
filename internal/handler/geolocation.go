package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/review-points-service/internal/model"
)

// GeolocationRecorder stores position reports.
type GeolocationRecorder interface {
	Record(ctx context.Context, g *model.UserGeolocation) error
}

// GeolocationHandler records where users were last seen, which feeds the
// location leaderboard.
type GeolocationHandler struct {
	Repo GeolocationRecorder
	Now  func() time.Time
}

// NewGeolocationHandler constructs a GeolocationHandler.
func NewGeolocationHandler(repo GeolocationRecorder) *GeolocationHandler {
	if repo == nil {
		panic("nil repository passed to NewGeolocationHandler")
	}
	return &GeolocationHandler{Repo: repo, Now: time.Now}
}

// RecordMine handles POST /v1/geolocation/me.
func (h *GeolocationHandler) RecordMine(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var body struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
		City      string   `json:"city"`
		State     string   `json:"state"`
		Country   string   `json:"country"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.Latitude == nil || body.Longitude == nil ||
		*body.Latitude < -90 || *body.Latitude > 90 || *body.Longitude < -180 || *body.Longitude > 180 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "latitude and longitude are required and must be in range"})
	}
	g := &model.UserGeolocation{
		UserID:     userID,
		Latitude:   *body.Latitude,
		Longitude:  *body.Longitude,
		City:       strings.TrimSpace(body.City),
		State:      strings.ToUpper(strings.TrimSpace(body.State)),
		Country:    strings.ToUpper(strings.TrimSpace(body.Country)),
		RecordedAt: h.Now().UTC(),
	}
	if err := h.Repo.Record(c.Request().Context(), g); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, g)
}
