package types

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"
)

// Default values applied when configuration fields are not set.
const (
	DefaultBusRebindDelay     uint64 = 3
	DefaultNextFailCheckDelay uint64 = 300
	DefaultLogLevel                  = "info"
	DefaultLogFormat                 = "journal"
	DefaultSysfsRoot                 = "/sys"

	// HookTimeout bounds the wall-clock run time of each hook script.
	HookTimeout = 20 * time.Second

	// Delays are converted to time.Duration; anything larger overflows.
	MaxBusRebindDelay     = uint64(math.MaxInt64 / int64(time.Second))
	MaxNextFailCheckDelay = MaxBusRebindDelay
)

var validLogFormats = map[string]bool{
	"text":    true,
	"json":    true,
	"journal": true,
}

// busIDPattern matches a PCI address such as 0000:05:00.0.
var busIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{4,8}:[0-9a-fA-F]{2}:[0-1][0-9a-fA-F]\.[0-7]$`)

// WatchdogConfig is the complete watchdog configuration. It is built once by
// util.LoadConfig and never mutated afterwards.
type WatchdogConfig struct {
	// BusID is the PCI address of the xHCI controller, e.g. 0000:05:00.0.
	BusID string `toml:"bus-id" yaml:"bus-id" json:"bus-id"`

	// BusRebindDelay is the number of seconds between unbind and bind.
	BusRebindDelay uint64 `toml:"bus-rebind-delay" yaml:"bus-rebind-delay" json:"bus-rebind-delay"`

	// NextFailCheckDelay is the cooldown in seconds after a recovery.
	NextFailCheckDelay uint64 `toml:"next-fail-check-delay" yaml:"next-fail-check-delay" json:"next-fail-check-delay"`

	// PreUnbindHook is run before unbinding; empty disables it.
	PreUnbindHook string `toml:"pre-unbind-cmd" yaml:"pre-unbind-cmd" json:"pre-unbind-cmd"`

	// PostRebindHook is run after a successful bind; empty disables it.
	PostRebindHook string `toml:"post-rebind-cmd" yaml:"post-rebind-cmd" json:"post-rebind-cmd"`

	LogLevel  string `toml:"log-level" yaml:"log-level" json:"log-level"`
	LogFormat string `toml:"log-format" yaml:"log-format" json:"log-format"`

	// SysfsRoot is where sysfs is mounted. Only tests change it.
	SysfsRoot string `toml:"sysfs-root" yaml:"sysfs-root" json:"sysfs-root"`
}

// NewWatchdogConfig returns a configuration populated with defaults.
// Loaders decode on top of it so that an explicit zero delay survives.
func NewWatchdogConfig() *WatchdogConfig {
	c := &WatchdogConfig{
		BusRebindDelay:     DefaultBusRebindDelay,
		NextFailCheckDelay: DefaultNextFailCheckDelay,
	}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills in unset string fields. Delays are left alone since
// zero is a valid value for both.
func (c *WatchdogConfig) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if c.SysfsRoot == "" {
		c.SysfsRoot = DefaultSysfsRoot
	}
}

// Validate checks the configuration. Every failure is a *ConfigError.
func (c *WatchdogConfig) Validate() error {
	if c.BusID == "" {
		return &ConfigError{Field: "bus-id", Err: errors.New("is required")}
	}
	if !busIDPattern.MatchString(c.BusID) {
		return &ConfigError{Field: "bus-id", Err: fmt.Errorf("%q is not a PCI address (expected DDDD:BB:DD.F)", c.BusID)}
	}

	if c.BusRebindDelay > MaxBusRebindDelay {
		return &ConfigError{Field: "bus-rebind-delay", Err: fmt.Errorf("%d exceeds maximum of %d seconds", c.BusRebindDelay, MaxBusRebindDelay)}
	}
	if c.NextFailCheckDelay > MaxNextFailCheckDelay {
		return &ConfigError{Field: "next-fail-check-delay", Err: fmt.Errorf("%d exceeds maximum of %d seconds", c.NextFailCheckDelay, MaxNextFailCheckDelay)}
	}

	if err := validateHookPath(c.PreUnbindHook); err != nil {
		return &ConfigError{Field: "pre-unbind-cmd", Err: err}
	}
	if err := validateHookPath(c.PostRebindHook); err != nil {
		return &ConfigError{Field: "post-rebind-cmd", Err: err}
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return &ConfigError{Field: "log-level", Err: err}
	}
	if !validLogFormats[c.LogFormat] {
		return &ConfigError{Field: "log-format", Err: fmt.Errorf("invalid format %q, must be one of: text, json, journal", c.LogFormat)}
	}

	if c.SysfsRoot == "" || !filepath.IsAbs(c.SysfsRoot) {
		return &ConfigError{Field: "sysfs-root", Err: fmt.Errorf("must be an absolute path, got %q", c.SysfsRoot)}
	}

	return nil
}

// RebindDelay returns the rebind delay as a duration.
func (c *WatchdogConfig) RebindDelay() time.Duration {
	return time.Duration(c.BusRebindDelay) * time.Second
}

// Cooldown returns the next-failure-check delay as a duration.
func (c *WatchdogConfig) Cooldown() time.Duration {
	return time.Duration(c.NextFailCheckDelay) * time.Second
}

// validateHookPath accepts "" (disabled) or an absolute, clean path.
func validateHookPath(path string) error {
	if path == "" {
		return nil
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("hook path must be absolute, got: %s", path)
	}
	if filepath.Clean(path) != path {
		return fmt.Errorf("hook path must be clean (no . or .. components): %s", path)
	}
	return nil
}
