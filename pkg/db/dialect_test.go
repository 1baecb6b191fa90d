package db

import (
	"testing"
	"time"

	"github.com/smallbiznis/clickrank/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialectByType(t *testing.T) {
	for _, typ := range []string{TypePostgres, TypeMySQL, TypeSQLite} {
		d, err := Dialect(Config{Type: typ, Name: "clickrank"})
		require.NoError(t, err, typ)
		assert.Equal(t, typ, d.Name())
	}

	_, err := Dialect(Config{Type: "oracle"})
	require.Error(t, err)
}

func TestSqlitePath(t *testing.T) {
	assert.Equal(t, "clickrank.db", sqlitePath(""))
	assert.Equal(t, "scores.db", sqlitePath("scores"))
	assert.Equal(t, "/var/lib/clickrank/data.sqlite", sqlitePath("/var/lib/clickrank/data.sqlite"))
	assert.Equal(t, ":memory:", sqlitePath(":memory:"))
}

func TestFromAppConfig(t *testing.T) {
	cfg := FromAppConfig(config.Config{
		DBType:            " Postgres ",
		DBName:            "clickrank",
		DBMaxOpenConn:     20,
		DBConnMaxLifetime: 300,
		DBConnMaxIdleTime: 60,
	})

	assert.Equal(t, TypePostgres, cfg.Type)
	assert.Equal(t, 20, cfg.MaxOpenConn)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
	assert.Equal(t, time.Minute, cfg.ConnMaxIdleTime)
}
