package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/iliyamo/review-points-service/internal/model"
	"github.com/iliyamo/review-points-service/internal/points"
)

const ruleColumns = `id, action_type, description, points_value, max_daily_occurrences,
	max_total_occurrences, cooldown_minutes, multiplier_eligible, is_active, created_at, updated_at`

const multiplierColumns = `id, name, multiplier, action_types, starts_at, ends_at, is_active, created_at`

// Rules implements points.CatalogStore.
func (r *PointsRepo) Rules(ctx context.Context) ([]model.PointRule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM point_rules ORDER BY action_type`)
	if err != nil {
		return nil, errors.Wrap(err, "select point rules")
	}
	defer rows.Close()
	out := []model.PointRule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan point rule")
		}
		out = append(out, *rule)
	}
	return out, errors.Wrap(rows.Err(), "iterate point rules")
}

// SaveRule upserts a rule keyed by action type and reloads its id and
// timestamps.
func (r *PointsRepo) SaveRule(ctx context.Context, rule *model.PointRule) error {
	const q = `INSERT INTO point_rules (action_type, description, points_value, max_daily_occurrences,
	           max_total_occurrences, cooldown_minutes, multiplier_eligible, is_active)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	           ON DUPLICATE KEY UPDATE description = VALUES(description), points_value = VALUES(points_value),
	           max_daily_occurrences = VALUES(max_daily_occurrences),
	           max_total_occurrences = VALUES(max_total_occurrences),
	           cooldown_minutes = VALUES(cooldown_minutes),
	           multiplier_eligible = VALUES(multiplier_eligible), is_active = VALUES(is_active)`
	if _, err := r.db.ExecContext(ctx, q, rule.ActionType, rule.Description, rule.PointsValue,
		nullInt(rule.MaxDailyOccurrences), nullInt(rule.MaxTotalOccurrences), nullInt(rule.CooldownMinutes),
		rule.MultiplierEligible, rule.IsActive); err != nil {
		return errors.Wrap(err, "upsert point rule")
	}
	saved, err := r.RuleByAction(ctx, rule.ActionType)
	if err != nil {
		return err
	}
	*rule = *saved
	return nil
}

// SetRuleActive implements points.CatalogStore.
func (r *PointsRepo) SetRuleActive(ctx context.Context, actionType string, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE point_rules SET is_active = ? WHERE action_type = ?`, active, actionType)
	if err != nil {
		return errors.Wrap(err, "update point rule")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	// MySQL reports zero affected rows when the value was already set.
	_, err = r.RuleByAction(ctx, actionType)
	return err
}

// Multipliers implements points.CatalogStore.
func (r *PointsRepo) Multipliers(ctx context.Context) ([]model.PointMultiplier, error) {
	return r.queryMultipliers(ctx, `SELECT `+multiplierColumns+` FROM point_multipliers ORDER BY id DESC`)
}

// SaveMultiplier inserts a new multiplier.
func (r *PointsRepo) SaveMultiplier(ctx context.Context, m *model.PointMultiplier) error {
	var actions any
	if len(m.ActionTypes) > 0 {
		b, err := json.Marshal(m.ActionTypes)
		if err != nil {
			return errors.Wrap(err, "encode action types")
		}
		actions = string(b)
	}
	const q = `INSERT INTO point_multipliers (name, multiplier, action_types, starts_at, ends_at, is_active, created_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, q, m.Name, m.Multiplier.StringFixed(3), actions,
		m.StartsAt.UTC(), m.EndsAt.UTC(), m.IsActive, m.CreatedAt.UTC())
	if err != nil {
		return errors.Wrap(err, "insert point multiplier")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "point multiplier id")
	}
	m.ID = uint64(id)
	return nil
}

// SetMultiplierActive implements points.CatalogStore.
func (r *PointsRepo) SetMultiplierActive(ctx context.Context, id uint64, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE point_multipliers SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return errors.Wrap(err, "update point multiplier")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var one int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM point_multipliers WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return points.ErrMultiplierNotFound
	}
	return errors.Wrap(err, "select point multiplier")
}

func (r *PointsRepo) queryMultipliers(ctx context.Context, q string, args ...any) ([]model.PointMultiplier, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select point multipliers")
	}
	defer rows.Close()
	out := []model.PointMultiplier{}
	for rows.Next() {
		var m model.PointMultiplier
		var actions sql.NullString
		if err := rows.Scan(&m.ID, &m.Name, &m.Multiplier, &actions, &m.StartsAt, &m.EndsAt,
			&m.IsActive, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan point multiplier")
		}
		if actions.Valid && actions.String != "" {
			if err := json.Unmarshal([]byte(actions.String), &m.ActionTypes); err != nil {
				return nil, errors.Wrapf(err, "decode action types of multiplier %d", m.ID)
			}
		}
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "iterate point multipliers")
}

func scanRule(s scanner) (*model.PointRule, error) {
	var rule model.PointRule
	var daily, total, cooldown sql.NullInt64
	if err := s.Scan(&rule.ID, &rule.ActionType, &rule.Description, &rule.PointsValue, &daily, &total,
		&cooldown, &rule.MultiplierEligible, &rule.IsActive, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
		return nil, err
	}
	rule.MaxDailyOccurrences = intPtr(daily)
	rule.MaxTotalOccurrences = intPtr(total)
	rule.CooldownMinutes = intPtr(cooldown)
	return &rule, nil
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
