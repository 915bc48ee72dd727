package database

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trading-session-bot-go/internal/config"
	"trading-session-bot-go/internal/errs"
	"trading-session-bot-go/internal/models"
)

func TestNewDatabaseSQLite(t *testing.T) {
	db, err := NewDatabase(config.Database{Driver: "sqlite", DSN: "file:dbtest?mode=memory&cache=shared"}, zap.NewNop())
	require.NoError(t, err)

	for _, table := range []any{&models.Session{}, &models.Trade{}, &models.SystemLog{}} {
		assert.True(t, db.Migrator().HasTable(table))
	}
	// migrating twice keeps the schema
	assert.NoError(t, AutoMigrate(db))
}

func TestNewDatabaseUnknownDriver(t *testing.T) {
	_, err := NewDatabase(config.Database{Driver: "mysql"}, zap.NewNop())
	var cfgErr *errs.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestCloseReleasesPool(t *testing.T) {
	db, err := NewDatabase(config.Database{Driver: "sqlite", DSN: "file:closetest?mode=memory"}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, Close(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Error(t, sqlDB.Ping())
}
