package testhelper

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nilroute/wikihop/pkg/database"
)

// SetupPostgres sets up a new temporary PostgreSQL database for testing.
// It requires the WIKIHOP_TEST_ADMIN_POSTGRES_URL environment variable to be
// set. It returns a migrated database connection, its URL, and a cleanup
// function.
func SetupPostgres(t *testing.T) (*database.DB, string, func()) {
	t.Helper()

	adminDbURL := os.Getenv("WIKIHOP_TEST_ADMIN_POSTGRES_URL")
	if adminDbURL == "" {
		t.Skip("Skipping Postgres test: WIKIHOP_TEST_ADMIN_POSTGRES_URL not set")
	}

	adminDb, err := database.Open(adminDbURL, nil)
	require.NoError(t, err, "failed to connect to the postgres database")

	dbName := "test_" + MustRandString(32)

	_, err = adminDb.DB().ExecContext(context.Background(), fmt.Sprintf(`CREATE DATABASE %q`, dbName))
	require.NoError(t, err, "failed to create database %s", dbName)

	// Replace the admin database with the ephemeral one in the URL
	u, err := url.Parse(adminDbURL)
	require.NoError(t, err)

	u.Path = "/" + dbName
	dbURL := u.String()

	db, err := database.Open(dbURL, nil)
	require.NoError(t, err)

	require.NoError(t, db.Migrate(context.Background()))

	cleanup := func() {
		_ = db.Close()
		_, _ = adminDb.DB().ExecContext(context.Background(), fmt.Sprintf(`DROP DATABASE %q`, dbName))
		_ = adminDb.Close()
	}

	return db, dbURL, cleanup
}
