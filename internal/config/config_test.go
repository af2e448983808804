package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path.yaml")
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, int64(100), cfg.DefaultUserCredits)
	assert.Equal(t, []string{"HS256"}, cfg.TokenAlgs)
}

func TestLoad_EnvOverridesWinOverFileDefaults(t *testing.T) {
	os.Setenv("OCX_ENV", "prod")
	os.Setenv("OCX_DEFAULT_USER_CREDITS", "250")
	defer os.Unsetenv("OCX_ENV")
	defer os.Unsetenv("OCX_DEFAULT_USER_CREDITS")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, int64(250), cfg.DefaultUserCredits)
	assert.True(t, cfg.IsProduction())
}

func TestApplyDefaults_FillsEveryPool(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Pools.Auth.MinConns)
	assert.Equal(t, 50, cfg.Pools.Auth.MaxConns)
	assert.Equal(t, 20, cfg.Pools.Read.MinConns)
	assert.Equal(t, 5, cfg.Pools.Write.MinConns)
	assert.Equal(t, 10000, cfg.CachePriority.L1Capacity)
}

func TestDeadlineHelpers(t *testing.T) {
	cfg := &Config{AuthDeadlineMs: 500, GeneralDeadlineMs: 2000, ServiceCredTTLSec: 3600}
	assert.Equal(t, 500*1e6, float64(cfg.AuthDeadline()))
	assert.Equal(t, 2000*1e6, float64(cfg.GeneralDeadline()))
	assert.Equal(t, 3600*1e9, float64(cfg.ServiceCredTTL()))
}

func TestIsProduction(t *testing.T) {
	assert.True(t, (&Config{Env: "prod"}).IsProduction())
	assert.True(t, (&Config{Env: "production"}).IsProduction())
	assert.False(t, (&Config{Env: "dev"}).IsProduction())
	assert.False(t, (&Config{Env: "staging"}).IsProduction())
}
