package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/review-points-service/internal/points"
)

// LeaderboardHandler serves the public rankings.
type LeaderboardHandler struct {
	Board *points.Leaderboard
}

// NewLeaderboardHandler constructs a LeaderboardHandler.
func NewLeaderboardHandler(board *points.Leaderboard) *LeaderboardHandler {
	if board == nil {
		panic("nil leaderboard passed to NewLeaderboardHandler")
	}
	return &LeaderboardHandler{Board: board}
}

// Global handles GET /v1/points/leaderboard?limit=.
func (h *LeaderboardHandler) Global(c echo.Context) error {
	entries, err := h.Board.GetLeaderboard(c.Request().Context(), queryInt(c, "limit", 0))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"entries": entries})
}

// ByState handles GET /v1/points/leaderboard/states/:state?limit=.
func (h *LeaderboardHandler) ByState(c echo.Context) error {
	state := strings.ToUpper(strings.TrimSpace(c.Param("state")))
	entries, err := h.Board.GetLocationLeaderboard(c.Request().Context(), state, queryInt(c, "limit", 0))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"state": state, "entries": entries})
}
