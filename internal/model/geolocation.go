package model

import "time"

// UserGeolocation is one position report in the `user_geolocations`
// table.  The most recent row per user is the user's last-known location.
type UserGeolocation struct {
	ID         uint64    `json:"id"`
	UserID     uint64    `json:"user_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	City       string    `json:"city"`
	State      string    `json:"state"`
	Country    string    `json:"country"`
	RecordedAt time.Time `json:"recorded_at"`
}
