package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	for _, k := range []string{
		"GW_SERIAL_PORT", "GW_WHITELIST_PATH", "GW_STATE_PATH", "GW_LOG_LEVEL", "GW_LOG_FORMAT",
	} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB0", cfg.SerialPort)
	assert.Equal(t, "./whitelist.hujson", cfg.WhitelistPath)
	assert.Equal(t, 20, cfg.MaxPending)
	assert.Equal(t, 3, cfg.GroupSceneMaxActionRetries)
	assert.Equal(t, 12000, cfg.ThresholdDark)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadHonorsOverrides(t *testing.T) {
	t.Setenv("GW_SERIAL_PORT", "/dev/ttyACM0")
	t.Setenv("GW_TASK_MAX_PENDING", "5")
	t.Setenv("GW_POLL_FRESH_WINDOW", "10s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyACM0", cfg.SerialPort)
	assert.Equal(t, 5, cfg.MaxPending)
	assert.Equal(t, 10*time.Second, cfg.PollFreshWindow)
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.LogLevel = "verbose"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroMaxPending(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.MaxPending = 0
	assert.Error(t, cfg.Validate())
}

func TestProjectionsCarryTunables(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.MaxPending = 7
	cfg.BindVerifyWindow = time.Hour

	assert.Equal(t, 7, cfg.TaskConfig().MaxPending)
	assert.Equal(t, time.Hour, cfg.BindingConfig().VerifyWindow)
}

func defaultTestConfig() *Config {
	return &Config{
		SerialPort:                 "/dev/ttyUSB0",
		SerialBaud:                 115200,
		ASHConnectDelay:            5 * time.Second,
		WhitelistPath:              "./whitelist.hujson",
		StatePath:                  "./data/state.json",
		MaxUnicastFanout:           2,
		MaxGroupFanout:             6,
		MaxPending:                 20,
		GroupSceneMaxActionRetries: 3,
		ThresholdOffset:            7000,
		LogLevel:                   "info",
		LogFormat:                  "json",
	}
}
