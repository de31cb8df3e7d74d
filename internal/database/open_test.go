package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpen_SQLite(t *testing.T) {
	db, err := Open(OpenConfig{Dialect: "sqlite", DSN: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, db)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.NoError(t, sqlDB.Ping())
	assert.NoError(t, sqlDB.Close())
}

func TestOpen_UnsupportedDialect(t *testing.T) {
	_, err := Open(OpenConfig{Dialect: "oracle", DSN: "x"}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database dialect")
}
