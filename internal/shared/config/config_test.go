package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/gateway")
	t.Setenv("CREDENTIAL_MASTER_KEY", "secret")
	t.Setenv("BREAKER_COOLDOWN", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 5, cfg.BreakerFailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.BreakerCooldown)
	assert.Equal(t, 5*time.Minute, cfg.RateCacheTTL)
	assert.False(t, cfg.DebugUpstream)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("CREDENTIAL_MASTER_KEY", "secret")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadRequiresMasterKey(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/gateway")
	t.Setenv("CREDENTIAL_MASTER_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CREDENTIAL_MASTER_KEY")
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("X_DUR", "90s")
	assert.Equal(t, 90*time.Second, getEnvDuration("X_DUR", time.Second))

	t.Setenv("X_DUR", "45")
	assert.Equal(t, 45*time.Second, getEnvDuration("X_DUR", time.Second))

	t.Setenv("X_DUR", "soon")
	assert.Equal(t, time.Second, getEnvDuration("X_DUR", time.Second))
}

func TestValidateThreshold(t *testing.T) {
	cfg := &Config{
		DatabaseURL:             "postgres://x",
		CredentialMasterKey:     "k",
		BreakerFailureThreshold: 0,
		BreakerCooldown:         time.Second,
	}
	assert.Error(t, cfg.Validate())
}
