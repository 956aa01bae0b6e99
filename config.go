// Configuration for lockers and stores.
//
// Config follows the zero-value-means-default convention: constructors fill
// in any unset field. LoadConfig reads the same fields from an optional
// TOML file with PKGSTATE_* environment overrides.
package pkgstate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/viper"
)

// Defaults applied by NewLocker and New.
const (
	DefaultPollInterval  = 50 * time.Millisecond
	DefaultProbeTimeout  = 100 * time.Millisecond
	DefaultProbeInterval = 50 * time.Millisecond
)

// EnvPrefix is the prefix for environment overrides read by LoadConfig.
const EnvPrefix = "PKGSTATE"

// Config holds locker and store options.
type Config struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`  // Delay between lock attempts
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`  // Total wait for Busy
	ProbeInterval time.Duration `mapstructure:"probe_interval"` // Delay between Busy attempts
	SyncWrites    bool          `mapstructure:"sync_writes"`    // fsync after each write
	LogLevel      string        `mapstructure:"log_level"`

	// Logger receives lock and store events. Nil discards them.
	Logger hclog.Logger `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	return c
}

// LoadConfig reads configuration from path, which may be empty or name a
// file that does not exist. Environment variables such as
// PKGSTATE_POLL_INTERVAL override file values. The returned Config carries
// a logger named "pkgstate" at the configured level.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	v.SetDefault("poll_interval", DefaultPollInterval)
	v.SetDefault("probe_timeout", DefaultProbeTimeout)
	v.SetDefault("probe_interval", DefaultProbeInterval)
	v.SetDefault("sync_writes", false)
	v.SetDefault("log_level", "warn")

	if path != "" {
		_, err := os.Stat(path)
		switch {
		case err == nil:
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		case !errors.Is(err, fs.ErrNotExist):
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.Logger = hclog.New(&hclog.LoggerOptions{
		Name:  "pkgstate",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})
	return cfg.withDefaults(), nil
}
