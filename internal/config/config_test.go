package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadPoolDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, int32(10), cfg.DBMaxConns)
	require.Equal(t, int32(2), cfg.DBMinConns)
	require.Equal(t, time.Hour, cfg.DBConnMaxLifetime)
	require.Equal(t, 30*time.Minute, cfg.DBConnMaxIdleTime)
}

func TestLoadPoolOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("DB_MAX_CONNS", "40")
	t.Setenv("DB_MIN_CONNS", "5")
	t.Setenv("DB_CONN_MAX_LIFETIME", "30m")
	t.Setenv("DB_CONN_MAX_IDLE_TIME", "5m")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, int32(40), cfg.DBMaxConns)
	require.Equal(t, int32(5), cfg.DBMinConns)
	require.Equal(t, 30*time.Minute, cfg.DBConnMaxLifetime)
	require.Equal(t, 5*time.Minute, cfg.DBConnMaxIdleTime)
}

func TestLoadRejectsInvertedPoolBounds(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("DB_MAX_CONNS", "2")
	t.Setenv("DB_MIN_CONNS", "8")

	_, err := Load()
	require.Error(t, err)
}
