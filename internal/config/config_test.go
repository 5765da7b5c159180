package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Validate())
	assert.Equal(t, 60*time.Second, c.SearchTimeout())

	addrs, err := c.EnforcementAddresses()
	require.NoError(t, err)
	assert.Equal(t, []uint32{0xC0A77548, 0xC0A7754C, 0xC0A77550}, addrs)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, "timeout"},
		{"no gdb", func(c *Config) { c.GDB.Path = "" }, "gdb.path"},
		{"no target", func(c *Config) { c.GDB.Target = "" }, "gdb.target"},
		{"bad port", func(c *Config) { c.ADB.Port = 70000 }, "adb.port"},
		{"no serial", func(c *Config) { c.ADB.Serial = "" }, "adb.serial"},
		{"bad dir", func(c *Config) { c.Staging.Dir = "/tmp/a b" }, "staging.dir"},
		{"negative settle", func(c *Config) { c.Staging.Settle = -time.Second }, "staging.settle"},
		{"no attempts", func(c *Config) { c.Staging.Attempts = 0 }, "staging.attempts"},
		{"bad policy", func(c *Config) { c.Locator.Policy = "random" }, "locator.policy"},
		{"no hops", func(c *Config) { c.Walker.MaxHops = 0 }, "walker.max_hops"},
		{"bad address", func(c *Config) { c.Patcher.EnforcementAddresses = []string{"zz"} }, "patcher.enforcement_addresses"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(c)

			err := c.Validate()
			require.Error(t, err)

			var cerr ConfigError
			require.True(t, errors.As(err, &cerr))
			assert.Equal(t, tt.field, cerr.Field)
		})
	}
}

func TestFromViperDefaults(t *testing.T) {
	c, err := FromViper(viper.New())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), c)
}

func TestFromViperFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emuroot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
timeout: 120
gdb:
  path: /opt/gdb/bin/gdb
adb:
  serial: emulator-5556
staging:
  settle: 2s
locator:
  policy: unique
patcher:
  enforcement_addresses: ["0xc0b00000"]
`), 0o600))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	c, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 120, c.Timeout)
	assert.Equal(t, "/opt/gdb/bin/gdb", c.GDB.Path)
	assert.Equal(t, "localhost:1234", c.GDB.Target)
	assert.Equal(t, "emulator-5556", c.ADB.Serial)
	assert.Equal(t, 2*time.Second, c.Staging.Settle)
	assert.Equal(t, 10, c.Staging.Attempts)
	assert.Equal(t, "unique", c.Locator.Policy)

	addrs, err := c.EnforcementAddresses()
	require.NoError(t, err)
	assert.Equal(t, []uint32{0xc0b00000}, addrs)
}

func TestConfigErrorMessage(t *testing.T) {
	err := NewConfigError("timeout", "must be positive", "use --timeout 60")
	assert.Equal(t, "config validation error in field 'timeout': must be positive (use --timeout 60)", err.Error())
}
