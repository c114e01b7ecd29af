package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/review-points-service/internal/model"
	"github.com/iliyamo/review-points-service/internal/points"
)

// CatalogHandler administers point rules and multipliers.
type CatalogHandler struct {
	Catalog *points.Catalog
}

// NewCatalogHandler constructs a CatalogHandler.
func NewCatalogHandler(catalog *points.Catalog) *CatalogHandler {
	if catalog == nil {
		panic("nil catalog passed to NewCatalogHandler")
	}
	return &CatalogHandler{Catalog: catalog}
}

type activeBody struct {
	IsActive *bool `json:"is_active"`
}

// ListRules handles GET /v1/admin/point-rules.
func (h *CatalogHandler) ListRules(c echo.Context) error {
	rules, err := h.Catalog.ListRules(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	if rules == nil {
		rules = []model.PointRule{}
	}
	return c.JSON(http.StatusOK, rules)
}

// SaveRule handles PUT /v1/admin/point-rules/:action_type.  The path
// names the rule; an action_type in the body is ignored.
func (h *CatalogHandler) SaveRule(c echo.Context) error {
	var body struct {
		Description         string `json:"description"`
		PointsValue         int64  `json:"points_value"`
		MaxDailyOccurrences *int   `json:"max_daily_occurrences"`
		MaxTotalOccurrences *int   `json:"max_total_occurrences"`
		CooldownMinutes     *int   `json:"cooldown_minutes"`
		MultiplierEligible  bool   `json:"multiplier_eligible"`
		IsActive            *bool  `json:"is_active"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	rule := &model.PointRule{
		ActionType:          c.Param("action_type"),
		Description:         body.Description,
		PointsValue:         body.PointsValue,
		MaxDailyOccurrences: body.MaxDailyOccurrences,
		MaxTotalOccurrences: body.MaxTotalOccurrences,
		CooldownMinutes:     body.CooldownMinutes,
		MultiplierEligible:  body.MultiplierEligible,
		IsActive:            body.IsActive == nil || *body.IsActive,
	}
	if err := h.Catalog.SaveRule(c.Request().Context(), rule); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, rule)
}

// SetRuleActive handles PATCH /v1/admin/point-rules/:action_type/active.
func (h *CatalogHandler) SetRuleActive(c echo.Context) error {
	var body activeBody
	if err := c.Bind(&body); err != nil || body.IsActive == nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "is_active is required"})
	}
	if err := h.Catalog.SetRuleActive(c.Request().Context(), c.Param("action_type"), *body.IsActive); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ListMultipliers handles GET /v1/admin/point-multipliers.
func (h *CatalogHandler) ListMultipliers(c echo.Context) error {
	ms, err := h.Catalog.ListMultipliers(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	if ms == nil {
		ms = []model.PointMultiplier{}
	}
	return c.JSON(http.StatusOK, ms)
}

// CreateMultiplier handles POST /v1/admin/point-multipliers.
func (h *CatalogHandler) CreateMultiplier(c echo.Context) error {
	var body struct {
		Name        string          `json:"name"`
		Multiplier  decimal.Decimal `json:"multiplier"`
		ActionTypes []string        `json:"action_types"`
		StartsAt    time.Time       `json:"starts_at"`
		EndsAt      time.Time       `json:"ends_at"`
		IsActive    *bool           `json:"is_active"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	m := &model.PointMultiplier{
		Name:        body.Name,
		Multiplier:  body.Multiplier,
		ActionTypes: body.ActionTypes,
		StartsAt:    body.StartsAt,
		EndsAt:      body.EndsAt,
		IsActive:    body.IsActive == nil || *body.IsActive,
	}
	if err := h.Catalog.CreateMultiplier(c.Request().Context(), m); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, m)
}

// SetMultiplierActive handles PATCH /v1/admin/point-multipliers/:id/active.
func (h *CatalogHandler) SetMultiplierActive(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid multiplier id"})
	}
	var body activeBody
	if err := c.Bind(&body); err != nil || body.IsActive == nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "is_active is required"})
	}
	if err := h.Catalog.SetMultiplierActive(c.Request().Context(), id, *body.IsActive); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
