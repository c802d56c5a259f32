// Package config loads environment-driven gateway tunables, grounded on
// kradalby/z2m-homekit/config/config.go's env-tag/Load/Validate pipeline.
package config

import (
	"fmt"
	"time"

	env "github.com/Netflix/go-env"

	"github.com/zigbee-gateway/gwcore/pkg/binding"
	"github.com/zigbee-gateway/gwcore/pkg/groupscene"
	"github.com/zigbee-gateway/gwcore/pkg/interpreter"
	"github.com/zigbee-gateway/gwcore/pkg/poll"
	"github.com/zigbee-gateway/gwcore/pkg/task"
)

// Config holds all environment-driven configuration for gatewayd.
type Config struct {
	// Serial transport to the EZSP coordinator dongle.
	SerialPort      string        `env:"GW_SERIAL_PORT,default=/dev/ttyUSB0"`
	SerialBaud      int           `env:"GW_SERIAL_BAUD,default=115200"`
	ASHConnectDelay time.Duration `env:"GW_ASH_CONNECT_TIMEOUT,default=5s"`

	// Device whitelist / button-map document, spec §4.4.
	WhitelistPath string `env:"GW_WHITELIST_PATH,default=./whitelist.hujson"`

	// Persistence sink, spec §6.
	StatePath string `env:"GW_STATE_PATH,default=./data/state.json"`

	// Task scheduler tunables, spec §5.
	GroupSendDelay      time.Duration `env:"GW_TASK_GROUP_SEND_DELAY,default=150ms"`
	UnicastCooldown     time.Duration `env:"GW_TASK_UNICAST_COOLDOWN,default=5s"`
	RunningGCAge        time.Duration `env:"GW_TASK_RUNNING_GC_AGE,default=120s"`
	MaxUnicastFanout    int           `env:"GW_TASK_MAX_UNICAST_FANOUT,default=2"`
	MaxGroupFanout      int           `env:"GW_TASK_MAX_GROUP_FANOUT,default=6"`
	MaxBackgroundTasks  int           `env:"GW_TASK_MAX_BACKGROUND_TASKS,default=4"`
	GroupPollStaleAfter time.Duration `env:"GW_TASK_GROUP_POLL_STALE_AFTER,default=5m"`
	MaxPending          int           `env:"GW_TASK_MAX_PENDING,default=20"`

	// Poll engine tunables, spec §4.8.
	PollFreshWindow    time.Duration `env:"GW_POLL_FRESH_WINDOW,default=360s"`
	PollFreshWindowXAL time.Duration `env:"GW_POLL_FRESH_WINDOW_XAL,default=30m"`
	PollConfirmTimeout time.Duration `env:"GW_POLL_CONFIRM_TIMEOUT,default=60s"`

	// Binding manager tunables, spec §4.9.
	BindVerifyWindow time.Duration `env:"GW_BIND_VERIFY_WINDOW,default=30m"`

	// Group/scene engine tunables, spec §4.10.
	GroupSceneMaxActionRetries int `env:"GW_GROUPSCENE_MAX_ACTION_RETRIES,default=3"`

	// Attribute interpreter tunables, spec §4.5.
	ThresholdDark   int `env:"GW_THRESHOLD_DARK,default=12000"`
	ThresholdOffset int `env:"GW_THRESHOLD_OFFSET,default=7000"`

	// Logging options.
	LogLevel  string `env:"GW_LOG_LEVEL,default=info"`
	LogFormat string `env:"GW_LOG_FORMAT,default=json"`

	// Coordinator network identity.
	PANID      uint16 `env:"GW_PAN_ID,default=0"`
	NetworkKey string `env:"GW_NETWORK_KEY"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate ensures basic correctness of the configuration.
func (c *Config) Validate() error {
	if c.SerialPort == "" {
		return fmt.Errorf("SerialPort cannot be empty")
	}
	if c.SerialBaud < 1 {
		return fmt.Errorf("SerialBaud must be positive, got %d", c.SerialBaud)
	}
	if c.ASHConnectDelay <= 0 {
		return fmt.Errorf("ASHConnectDelay must be positive, got %s", c.ASHConnectDelay)
	}
	if c.WhitelistPath == "" {
		return fmt.Errorf("WhitelistPath cannot be empty")
	}
	if c.StatePath == "" {
		return fmt.Errorf("StatePath cannot be empty")
	}
	if c.MaxUnicastFanout < 1 {
		return fmt.Errorf("MaxUnicastFanout must be at least 1, got %d", c.MaxUnicastFanout)
	}
	if c.MaxGroupFanout < 1 {
		return fmt.Errorf("MaxGroupFanout must be at least 1, got %d", c.MaxGroupFanout)
	}
	if c.MaxPending < 1 {
		return fmt.Errorf("MaxPending must be at least 1, got %d", c.MaxPending)
	}
	if c.GroupSceneMaxActionRetries < 1 {
		return fmt.Errorf("GroupSceneMaxActionRetries must be at least 1, got %d", c.GroupSceneMaxActionRetries)
	}
	if c.ThresholdOffset < 0 {
		return fmt.Errorf("ThresholdOffset must not be negative, got %d", c.ThresholdOffset)
	}
	if err := validateLogLevel(c.LogLevel); err != nil {
		return err
	}
	if err := validateLogFormat(c.LogFormat); err != nil {
		return err
	}
	return nil
}

// TaskConfig projects the scheduler tunables into task.Config.
func (c *Config) TaskConfig() task.Config {
	return task.Config{
		GroupSendDelay:      c.GroupSendDelay,
		UnicastCooldown:     c.UnicastCooldown,
		RunningGCAge:        c.RunningGCAge,
		MaxUnicastFanout:    c.MaxUnicastFanout,
		MaxGroupFanout:      c.MaxGroupFanout,
		MaxBackgroundTasks:  c.MaxBackgroundTasks,
		GroupPollStaleAfter: c.GroupPollStaleAfter,
		MaxPending:          c.MaxPending,
	}
}

// PollConfig projects the poll tunables into poll.Config.
func (c *Config) PollConfig() poll.Config {
	return poll.Config{
		FreshWindow:    c.PollFreshWindow,
		FreshWindowXAL: c.PollFreshWindowXAL,
		ConfirmTimeout: c.PollConfirmTimeout,
	}
}

// BindingConfig projects the binding tunables into binding.Config.
func (c *Config) BindingConfig() binding.Config {
	return binding.Config{VerifyWindow: c.BindVerifyWindow}
}

// GroupSceneConfig projects the group/scene tunables into groupscene.Config.
func (c *Config) GroupSceneConfig() groupscene.Config {
	return groupscene.Config{MaxActionRetries: c.GroupSceneMaxActionRetries}
}

// InterpreterConfig projects the threshold tunables into interpreter.Config.
func (c *Config) InterpreterConfig() interpreter.Config {
	return interpreter.Config{ThresholdDark: c.ThresholdDark, ThresholdOffset: c.ThresholdOffset}
}

func validateLogLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", level)
	}
}

func validateLogFormat(format string) error {
	switch format {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("invalid log format %q, must be 'json' or 'console'", format)
	}
}
