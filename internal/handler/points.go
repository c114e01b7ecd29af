package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/review-points-service/internal/model"
	"github.com/iliyamo/review-points-service/internal/points"
)

// PointsHandler serves the caller's own points and the service-to-service
// award endpoints.  User endpoints take the user from the token; service
// endpoints take it from the body.
type PointsHandler struct {
	Ledger  *points.Ledger
	Metrics points.MetricSource // nil when no review service is configured
}

// NewPointsHandler constructs a PointsHandler.  metrics may be nil.
func NewPointsHandler(ledger *points.Ledger, metrics points.MetricSource) *PointsHandler {
	if ledger == nil {
		panic("nil ledger passed to NewPointsHandler")
	}
	return &PointsHandler{Ledger: ledger, Metrics: metrics}
}

// GetMine handles GET /v1/points/me.
func (h *PointsHandler) GetMine(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	acct, err := h.Ledger.GetUserPoints(c.Request().Context(), userID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, acct)
}

// Initialize handles POST /v1/points/me/initialize.  Calling it again
// returns the existing account.
func (h *PointsHandler) Initialize(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	acct, err := h.Ledger.InitializeUserPoints(c.Request().Context(), userID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, acct)
}

// History handles GET /v1/points/me/history?limit=&offset=.
func (h *PointsHandler) History(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	limit, offset := paging(c)
	txns, err := h.Ledger.GetPointsHistory(c.Request().Context(), userID, limit, offset)
	if err != nil {
		return respondError(c, err)
	}
	if txns == nil {
		txns = []model.PointTransaction{}
	}
	return c.JSON(http.StatusOK, echo.Map{"transactions": txns, "limit": limit, "offset": offset})
}

// Summary handles GET /v1/points/me/summary.
func (h *PointsHandler) Summary(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	s, err := h.Ledger.GetPointsSummary(c.Request().Context(), userID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

// Tier handles GET /v1/points/me/tier.
func (h *PointsHandler) Tier(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	t, err := h.Ledger.GetUserTier(c.Request().Context(), userID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

// Redemptions handles GET /v1/points/me/redemptions?limit=&offset=.
func (h *PointsHandler) Redemptions(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	limit, offset := paging(c)
	rs, err := h.Ledger.ListRedemptions(c.Request().Context(), userID, limit, offset)
	if err != nil {
		return respondError(c, err)
	}
	if rs == nil {
		rs = []model.PointRedemption{}
	}
	return c.JSON(http.StatusOK, echo.Map{"redemptions": rs, "limit": limit, "offset": offset})
}

// Redeem handles POST /v1/points/redeem.  It answers 422 with the
// required and available amounts when the balance is too low.
func (h *PointsHandler) Redeem(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var req points.RedeemRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	req.UserID = userID
	res, err := h.Ledger.RedeemPoints(c.Request().Context(), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

// CalculateReview handles POST /v1/points/reviews/calculate.  It quotes
// what a review would earn without writing anything.
func (h *PointsHandler) CalculateReview(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var in points.ReviewPointsInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	in.UserID = userID
	q, err := h.Ledger.CalculateReviewPoints(c.Request().Context(), in)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, q)
}

// Award handles POST /v1/points/award for trusted services.  A granted
// award answers 201; capped, cooling down and duplicate requests answer
// 200 with the status explaining why nothing was written.
func (h *PointsHandler) Award(c echo.Context) error {
	var req points.AwardRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	res, err := h.Ledger.AwardPoints(c.Request().Context(), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(awardStatus(res), res)
}

// AwardReview handles POST /v1/points/reviews/award.
func (h *PointsHandler) AwardReview(c echo.Context) error {
	var in points.ReviewPointsInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	res, err := h.Ledger.AwardReviewPoints(c.Request().Context(), in)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(awardStatus(res.Result), res)
}

// CheckMilestone handles POST /v1/points/milestones/:kind/check.  The
// body carries user_id and, for streaks, the current value.  Review and
// helpful-vote counts are read from the review service when value is
// omitted, before the ledger is entered.
func (h *PointsHandler) CheckMilestone(c echo.Context) error {
	kind := model.MilestoneKind(strings.ToLower(c.Param("kind")))
	if !kind.Valid() {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unknown milestone kind"})
	}
	var body struct {
		UserID uint64 `json:"user_id"`
		Value  *int   `json:"value"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.UserID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user_id is required"})
	}

	ctx := c.Request().Context()
	var value int
	switch {
	case body.Value != nil:
		value = *body.Value
	case kind == model.MilestoneStreak:
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "value is required for streak milestones"})
	case h.Metrics == nil:
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "review service not configured"})
	default:
		v, err := points.FetchMetric(ctx, h.Metrics, body.UserID, kind)
		if err != nil {
			return c.JSON(http.StatusBadGateway, echo.Map{"error": "review service unavailable"})
		}
		value = v
	}

	txn, err := h.Ledger.CheckAndAwardMilestone(ctx, body.UserID, kind, value)
	if err != nil {
		return respondError(c, err)
	}
	if txn == nil {
		return c.JSON(http.StatusOK, echo.Map{"awarded": false, "value": value})
	}
	return c.JSON(http.StatusCreated, echo.Map{"awarded": true, "value": value, "transaction": txn})
}

func awardStatus(res *points.AwardResult) int {
	if res.Awarded() {
		return http.StatusCreated
	}
	return http.StatusOK
}
