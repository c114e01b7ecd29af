package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/review-points-service/internal/points"
)

// AdminPointsHandler serves support tooling over any user's points.  Role
// checks happen in the router.
type AdminPointsHandler struct {
	Ledger *points.Ledger
}

// NewAdminPointsHandler constructs an AdminPointsHandler.
func NewAdminPointsHandler(ledger *points.Ledger) *AdminPointsHandler {
	if ledger == nil {
		panic("nil ledger passed to NewAdminPointsHandler")
	}
	return &AdminPointsHandler{Ledger: ledger}
}

// Get handles GET /v1/admin/points/:user_id and returns the summary.
func (h *AdminPointsHandler) Get(c echo.Context) error {
	userID, ok := pathUserID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid user id"})
	}
	s, err := h.Ledger.GetPointsSummary(c.Request().Context(), userID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

// Reconcile handles GET /v1/admin/points/:user_id/reconcile.
func (h *AdminPointsHandler) Reconcile(c echo.Context) error {
	userID, ok := pathUserID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid user id"})
	}
	r, err := h.Ledger.ReconcileUserPoints(c.Request().Context(), userID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

// Adjust handles POST /v1/admin/points/:user_id/adjust with
// {"adjustment": n, "reason": "..."}.
func (h *AdminPointsHandler) Adjust(c echo.Context) error {
	userID, ok := pathUserID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid user id"})
	}
	var body struct {
		Adjustment int64  `json:"adjustment"`
		Reason     string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	txn, err := h.Ledger.AdjustPoints(c.Request().Context(), userID, body.Adjustment, body.Reason)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, txn)
}

// Expire handles POST /v1/admin/points/:user_id/expire.  The amount is
// clamped to the available balance.
func (h *AdminPointsHandler) Expire(c echo.Context) error {
	userID, ok := pathUserID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid user id"})
	}
	var req points.ExpireRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	req.UserID = userID
	txn, err := h.Ledger.ExpirePoints(c.Request().Context(), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, txn)
}
