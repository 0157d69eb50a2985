package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadFrom(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "edu-approvals", cfg.Service.Name)
	assert.Equal(t, 8085, cfg.Server.Port)
	assert.Equal(t, 9085, cfg.GRPC.Port)
	assert.Equal(t, 6*time.Hour, cfg.Escalation.RepeatInterval)
	assert.Equal(t, 2.0, cfg.Analytics.BottleneckMultiple)
	assert.Equal(t, []string{"administrator"}, cfg.Visibility.AdminRoles)
	assert.Equal(t, "@every 10m", cfg.Notifications.RedeliverySchedule)
	assert.Contains(t, cfg.DSN(), "sslmode=disable")
}

func TestLoadEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("APPROVALS_SERVER_PORT", "9999")
	t.Setenv("APPROVALS_ESCALATION_SUPERVISOR_AFTER", "4")

	cfg, err := LoadFrom(viper.New())
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Escalation.SupervisorAfter)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("APPROVALS_ANALYTICS_BOTTLENECK_MULTIPLE", "0")

	_, err := LoadFrom(viper.New())
	assert.Error(t, err)
}
