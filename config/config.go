package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config carries the tunables of a tablet replica's timestamp machinery.
// Duration fields are expressed in nanoseconds in TOML files.
type Config struct {
	LogLevel string `toml:"log-level"`

	// How long a leader keeps the authority to certify safe times after
	// each acknowledged round of replication.
	LeaderLease time.Duration `toml:"leader-lease"`

	// How often a blocked safe time query re-evaluates its condition
	// without an explicit wakeup.
	SafeTimeRecheckInterval time.Duration `toml:"safe-time-recheck-interval"`

	// A backward wall-clock jump larger than this is logged and counted.
	MaxClockJumpBack time.Duration `toml:"max-clock-jump-back"`
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:                getLogLevel(),
		LeaderLease:             2 * time.Second,
		SafeTimeRecheckInterval: 250 * time.Millisecond,
		MaxClockJumpBack:        500 * time.Millisecond,
	}
}

func NewTestConfig() *Config {
	return &Config{
		LogLevel:                getLogLevel(),
		LeaderLease:             200 * time.Millisecond,
		SafeTimeRecheckInterval: 10 * time.Millisecond,
		MaxClockJumpBack:        500 * time.Millisecond,
	}
}

func (c *Config) Validate() error {
	if c.LeaderLease <= 0 {
		return errors.New("leader lease must be greater than 0")
	}
	if c.SafeTimeRecheckInterval <= 0 {
		return errors.New("safe time recheck interval must be greater than 0")
	}
	return nil
}

// FromFile overlays c with the values found in a TOML file.
func (c *Config) FromFile(path string) error {
	_, err := toml.DecodeFile(path, c)
	return errors.WithStack(err)
}
