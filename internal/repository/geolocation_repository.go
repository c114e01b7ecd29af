package repository

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/iliyamo/review-points-service/internal/model"
)

// GeolocationRepo stores position reports in user_geolocations.  The
// latest row per user is that user's last-known location.
type GeolocationRepo struct {
	db *sql.DB
}

// NewGeolocationRepo returns a GeolocationRepo bound to db.
func NewGeolocationRepo(db *sql.DB) *GeolocationRepo { return &GeolocationRepo{db: db} }

// Record appends a position report and populates its ID.
func (r *GeolocationRepo) Record(ctx context.Context, g *model.UserGeolocation) error {
	const q = `INSERT INTO user_geolocations (user_id, latitude, longitude, city, state, country, recorded_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, q, g.UserID, g.Latitude, g.Longitude, g.City, g.State, g.Country, g.RecordedAt.UTC())
	if err != nil {
		return errors.Wrap(err, "insert geolocation")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "geolocation id")
	}
	g.ID = uint64(id)
	return nil
}

// Latest returns the user's last-known location or sql.ErrNoRows.
func (r *GeolocationRepo) Latest(ctx context.Context, userID uint64) (*model.UserGeolocation, error) {
	const q = `SELECT id, user_id, latitude, longitude, city, state, country, recorded_at
	           FROM user_geolocations WHERE user_id = ? ORDER BY recorded_at DESC, id DESC LIMIT 1`
	var g model.UserGeolocation
	err := r.db.QueryRowContext(ctx, q, userID).Scan(
		&g.ID, &g.UserID, &g.Latitude, &g.Longitude, &g.City, &g.State, &g.Country, &g.RecordedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// UserIDsInState implements points.GeolocationSource.  Only each user's
// most recent report counts.
func (r *GeolocationRepo) UserIDsInState(ctx context.Context, state string) ([]uint64, error) {
	const q = `SELECT DISTINCT g.user_id FROM user_geolocations g
	           JOIN (SELECT user_id, MAX(recorded_at) AS recorded_at
	                 FROM user_geolocations GROUP BY user_id) latest
	             ON latest.user_id = g.user_id AND latest.recorded_at = g.recorded_at
	           WHERE g.state = ? ORDER BY g.user_id`
	rows, err := r.db.QueryContext(ctx, q, state)
	if err != nil {
		return nil, errors.Wrap(err, "select users in state")
	}
	defer rows.Close()
	out := []uint64{}
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan user id")
		}
		out = append(out, id)
	}
	return out, errors.Wrap(rows.Err(), "iterate users in state")
}
