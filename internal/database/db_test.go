package database

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatementsCoverTables(t *testing.T) {
	stmts := Statements()
	require.Len(t, stmts, 8)
	for _, table := range []string{
		"user_points", "point_rules", "point_transactions", "user_daily_points",
		"point_multipliers", "point_redemptions", "user_milestones", "user_geolocations",
	} {
		found := false
		for _, s := range stmts {
			if strings.Contains(s, "CREATE TABLE IF NOT EXISTS "+table+" (") {
				found = true
			}
		}
		assert.True(t, found, table)
	}
}

func TestMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for range Statements() {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, Migrate(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateStopsOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS user_points").WillReturnError(errors.New("access denied"))
	err = Migrate(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema statement 1")
	assert.NoError(t, mock.ExpectationsWereMet())
}
