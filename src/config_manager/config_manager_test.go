package config_manager

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestConfigManager(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cm, err := NewConfigManager(path)
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config should have been written")

	config, err := cm.LoadConfig()
	require.NoError(t, err)
	require.NotNil(t, config)

	def := NewDefaultConfig()
	assert.Equal(t, def.Probe.Targets, config.Probe.Targets)
	assert.Equal(t, CurrentConfigVersion, config.ConfigVersion)
	assert.Equal(t, 30*time.Second, config.Probe.PollInterval())
	assert.Equal(t, 30*time.Second, config.Retry.BaseBackoff())
	assert.Equal(t, 120*time.Second, config.Retry.Cooldown())
	assert.Equal(t, 3, config.Retry.MaxAttemptsBeforeCooldown)
	assert.Equal(t, 2, config.Executor.LogoutRepeat)

	config.Username = "alice"
	config.Password = "secret"
	require.NoError(t, cm.SaveConfig(config))

	reloaded, err := cm.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "alice", reloaded.Username)
	assert.Equal(t, "secret", reloaded.Password)
}

func TestLoadConfig_MissingOrEmpty(t *testing.T) {
	dir := t.TempDir()

	config, err := LoadConfig(filepath.Join(dir, "nope.json"))
	assert.NoError(t, err)
	assert.Nil(t, config)

	config, err = LoadConfig(writeFile(t, dir, ""))
	assert.NoError(t, err)
	assert.Nil(t, config)
}

func TestSaveConfig_ForgetsPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	config := NewDefaultConfig()
	config.Username = "bob"
	config.Password = "hunter2"
	config.RememberPassword = false
	config.AutoLogin = true
	require.NoError(t, SaveConfig(path, config))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "bob", loaded.Username)
	assert.Empty(t, loaded.Password)
	assert.False(t, loaded.AutoLogin, "auto login must be off when the password is not remembered")
}

func TestLoadConfig_ForgottenPasswordNeverAutoLogs(t *testing.T) {
	path := writeFile(t, t.TempDir(), `{
		"config_version": "v0.2.0",
		"username": "carol",
		"password": "leaked",
		"remember_password": false,
		"auto_login": true
	}`)

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Empty(t, config.Password)
	assert.False(t, config.AutoLogin)
}

func TestEnsureDefaultConfig_MigratesOlderVersion(t *testing.T) {
	path := writeFile(t, t.TempDir(), `{
		"config_version": "v0.1.0",
		"username": "alice",
		"password": "pw",
		"isp": "mobile",
		"probe": {"interval_seconds": 10}
	}`)

	cm := &ConfigManager{FilePath: path}
	config, err := cm.EnsureDefaultConfig()
	require.NoError(t, err)

	assert.Equal(t, CurrentConfigVersion, config.ConfigVersion)
	assert.Equal(t, "alice", config.Username)
	assert.Equal(t, "mobile", config.ISP)
	assert.Equal(t, 10, config.Probe.IntervalSeconds)
	assert.Equal(t, NewDefaultConfig().Probe.Targets, config.Probe.Targets)
	assert.Equal(t, 120, config.Retry.CooldownSeconds)

	reloaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, CurrentConfigVersion, reloaded.ConfigVersion)
}

func TestEnsureDefaultConfig_UnversionedConfig(t *testing.T) {
	path := writeFile(t, t.TempDir(), `{"username": "dave", "password": "x"}`)

	cm := &ConfigManager{FilePath: path}
	config, err := cm.EnsureDefaultConfig()
	require.NoError(t, err)
	assert.Equal(t, CurrentConfigVersion, config.ConfigVersion)
	assert.Equal(t, "dave", config.Username)
	assert.True(t, config.RememberPassword)
}

func TestEnsureDefaultConfig_NewerVersionIsBackedUp(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, `{"config_version": "v9.0.0", "username": "future"}`)

	cm := &ConfigManager{FilePath: path}
	config, err := cm.EnsureDefaultConfig()
	require.NoError(t, err)
	assert.Empty(t, config.Username)
	assert.Equal(t, CurrentConfigVersion, config.ConfigVersion)

	backup, err := os.ReadFile(path + ".bak")
	require.NoError(t, err)
	assert.Contains(t, string(backup), "future")
}

func TestEnsureDefaultConfig_CorruptFileIsBackedUp(t *testing.T) {
	path := writeFile(t, t.TempDir(), `{not json`)

	cm := &ConfigManager{FilePath: path}
	config, err := cm.EnsureDefaultConfig()
	require.NoError(t, err)
	assert.Equal(t, CurrentConfigVersion, config.ConfigVersion)

	_, err = os.Stat(path + ".bak")
	assert.NoError(t, err)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		check  func(t *testing.T, c *Config)
	}{
		{
			name:   "empty targets fall back to defaults",
			mutate: func(c *Config) { c.Probe.Targets = nil },
			check: func(t *testing.T, c *Config) {
				assert.Len(t, c.Probe.Targets, 6)
			},
		},
		{
			name:   "non-positive interval",
			mutate: func(c *Config) { c.Probe.IntervalSeconds = -5 },
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, 30, c.Probe.IntervalSeconds)
			},
		},
		{
			name:   "zero attempts before cooldown",
			mutate: func(c *Config) { c.Retry.MaxAttemptsBeforeCooldown = 0 },
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, 3, c.Retry.MaxAttemptsBeforeCooldown)
			},
		},
		{
			name:   "logout repeat at least once",
			mutate: func(c *Config) { c.Executor.LogoutRepeat = 0 },
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, 1, c.Executor.LogoutRepeat)
			},
		},
		{
			name:   "empty multiplier",
			mutate: func(c *Config) { c.Retry.BackoffMultiplier = "" },
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, "constant", c.Retry.BackoffMultiplier)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewDefaultConfig()
			tt.mutate(c)
			c.normalize()
			tt.check(t, c)
		})
	}
}

func TestUpdateCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cm, err := NewConfigManager(path)
	require.NoError(t, err)

	user, pass, isp := "erin", "pw", "telecom"
	require.NoError(t, cm.UpdateCredentials(CredentialsUpdate{
		Username: &user,
		Password: &pass,
		ISP:      &isp,
	}))

	config, err := cm.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "erin", config.Username)
	assert.Equal(t, "pw", config.Password)
	assert.Equal(t, "telecom", config.ISP)
	assert.True(t, config.AutoLogin)

	forget := false
	require.NoError(t, cm.UpdateCredentials(CredentialsUpdate{RememberPassword: &forget}))

	config, err = cm.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "erin", config.Username)
	assert.Empty(t, config.Password)
	assert.False(t, config.AutoLogin)
}
