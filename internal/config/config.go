package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/yairfalse/emuroot/internal/locator"
	"github.com/yairfalse/emuroot/internal/stager"
)

// Config represents the emuroot configuration
type Config struct {
	// Timeout bounds a memory search, in seconds
	Timeout int `mapstructure:"timeout" yaml:"timeout"`
	Verbose int `mapstructure:"verbose" yaml:"verbose"`

	GDB     GDBConfig     `mapstructure:"gdb" yaml:"gdb"`
	ADB     ADBConfig     `mapstructure:"adb" yaml:"adb"`
	Staging StagingConfig `mapstructure:"staging" yaml:"staging"`
	Locator LocatorConfig `mapstructure:"locator" yaml:"locator"`
	Walker  WalkerConfig  `mapstructure:"walker" yaml:"walker"`
	Kernel  KernelConfig  `mapstructure:"kernel" yaml:"kernel"`
	Patcher PatcherConfig `mapstructure:"patcher" yaml:"patcher"`
}

// GDBConfig selects the debugger and the stub it attaches to
type GDBConfig struct {
	Path   string `mapstructure:"path" yaml:"path"`
	Target string `mapstructure:"target" yaml:"target"`
}

// ADBConfig locates the adb server and device
type ADBConfig struct {
	Path   string `mapstructure:"path" yaml:"path"`
	Host   string `mapstructure:"host" yaml:"host"`
	Port   int    `mapstructure:"port" yaml:"port"`
	Serial string `mapstructure:"serial" yaml:"serial"`
}

// StagingConfig controls the helper process
type StagingConfig struct {
	Dir           string        `mapstructure:"dir" yaml:"dir"`
	Settle        time.Duration `mapstructure:"settle" yaml:"settle"`
	Attempts      int           `mapstructure:"attempts" yaml:"attempts"`
	MaxDelay      time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	HelperTimeout time.Duration `mapstructure:"helper_timeout" yaml:"helper_timeout"`
}

// LocatorConfig controls descriptor selection
type LocatorConfig struct {
	Policy string `mapstructure:"policy" yaml:"policy"`
}

// WalkerConfig bounds the ancestor walk
type WalkerConfig struct {
	MaxHops int `mapstructure:"max_hops" yaml:"max_hops"`
}

// KernelConfig points at an optional profile table
type KernelConfig struct {
	Profiles string `mapstructure:"profiles" yaml:"profiles"`
}

// PatcherConfig lists the enforcement globals as hex strings
type PatcherConfig struct {
	EnforcementAddresses []string `mapstructure:"enforcement_addresses" yaml:"enforcement_addresses"`
}

// DefaultConfig returns the settings for a stock emulator
func DefaultConfig() *Config {
	return &Config{
		Timeout: 60,
		GDB: GDBConfig{
			Path:   "gdb-multiarch",
			Target: "localhost:1234",
		},
		ADB: ADBConfig{
			Host:   "127.0.0.1",
			Port:   5037,
			Serial: "emulator-5554",
		},
		Staging: StagingConfig{
			Dir:           "/data/local/tmp",
			Settle:        5 * time.Second,
			Attempts:      10,
			MaxDelay:      10 * time.Second,
			HelperTimeout: 30 * time.Second,
		},
		Locator: LocatorConfig{Policy: string(locator.PolicyLast)},
		Walker:  WalkerConfig{MaxHops: 128},
		Patcher: PatcherConfig{
			EnforcementAddresses: []string{"0xc0a77548", "0xc0a7754c", "0xc0a77550"},
		},
	}
}

// SetDefaults registers every default with v
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("verbose", d.Verbose)
	v.SetDefault("gdb.path", d.GDB.Path)
	v.SetDefault("gdb.target", d.GDB.Target)
	v.SetDefault("adb.path", d.ADB.Path)
	v.SetDefault("adb.host", d.ADB.Host)
	v.SetDefault("adb.port", d.ADB.Port)
	v.SetDefault("adb.serial", d.ADB.Serial)
	v.SetDefault("staging.dir", d.Staging.Dir)
	v.SetDefault("staging.settle", d.Staging.Settle)
	v.SetDefault("staging.attempts", d.Staging.Attempts)
	v.SetDefault("staging.max_delay", d.Staging.MaxDelay)
	v.SetDefault("staging.helper_timeout", d.Staging.HelperTimeout)
	v.SetDefault("locator.policy", d.Locator.Policy)
	v.SetDefault("walker.max_hops", d.Walker.MaxHops)
	v.SetDefault("kernel.profiles", d.Kernel.Profiles)
	v.SetDefault("patcher.enforcement_addresses", d.Patcher.EnforcementAddresses)
}

// FromViper decodes and validates the configuration held by v
func FromViper(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks every field
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return NewConfigError("timeout", fmt.Sprintf("must be positive, got %d", c.Timeout), "use --timeout 60")
	}
	if c.GDB.Path == "" {
		return NewConfigError("gdb.path", "is empty", "install gdb-multiarch or set gdb.path")
	}
	if c.GDB.Target == "" {
		return NewConfigError("gdb.target", "is empty", "the emulator stub listens on localhost:1234 with -s")
	}
	if c.ADB.Port <= 0 || c.ADB.Port > 65535 {
		return NewConfigError("adb.port", fmt.Sprintf("out of range: %d", c.ADB.Port), "")
	}
	if c.ADB.Serial == "" {
		return NewConfigError("adb.serial", "is empty", "see adb devices")
	}
	if err := stager.ValidPath(c.Staging.Dir); err != nil {
		return ConfigError{Field: "staging.dir", Message: err.Error(), Cause: err}
	}
	if c.Staging.Settle < 0 {
		return NewConfigError("staging.settle", "must not be negative", "")
	}
	if c.Staging.Attempts <= 0 {
		return NewConfigError("staging.attempts", "must be positive", "")
	}
	if _, err := locator.ParsePolicy(c.Locator.Policy); err != nil {
		return ConfigError{Field: "locator.policy", Message: err.Error(), Suggestion: "use last, first or unique", Cause: err}
	}
	if c.Walker.MaxHops <= 0 {
		return NewConfigError("walker.max_hops", "must be positive", "")
	}
	if _, err := c.EnforcementAddresses(); err != nil {
		return ConfigError{Field: "patcher.enforcement_addresses", Message: err.Error(), Cause: err}
	}
	return nil
}

// SearchTimeout returns Timeout as a duration
func (c *Config) SearchTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// EnforcementAddresses parses the configured enforcement globals
func (c *Config) EnforcementAddresses() ([]uint32, error) {
	out := make([]uint32, 0, len(c.Patcher.EnforcementAddresses))
	for _, s := range c.Patcher.EnforcementAddresses {
		v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x"), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("bad address %q: %w", s, err)
		}
		out = append(out, uint32(v))
	}
	return out, nil
}
