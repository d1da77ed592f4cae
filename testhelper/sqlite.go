package testhelper

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nilroute/wikihop/pkg/database"
)

// SetupSQLite creates a temporary SQLite database, migrates it, and returns
// the connection with its URL. The database lives in t.TempDir and is
// removed with it.
func SetupSQLite(t testing.TB) (*database.DB, string) {
	t.Helper()

	dbURL := "sqlite:" + filepath.Join(t.TempDir(), "db.sqlite")

	db, err := database.Open(dbURL, nil)
	require.NoError(t, err)

	require.NoError(t, db.Migrate(context.Background()))

	t.Cleanup(func() { _ = db.Close() })

	return db, dbURL
}
