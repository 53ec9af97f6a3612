package config_manager

import (
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/go-version"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("module", "config_manager")

// ConfigManager owns the settings file. Every Load reads from disk so that
// edits made while the service runs are picked up by the next reader.
type ConfigManager struct {
	FilePath string
	mu       sync.Mutex
}

// NewConfigManager creates a new ConfigManager instance and makes sure a
// usable config file exists.
func NewConfigManager(filePath string) (*ConfigManager, error) {
	cm := &ConfigManager{
		FilePath: filePath,
	}
	if _, err := cm.EnsureDefaultConfig(); err != nil {
		return nil, fmt.Errorf("failed to ensure default config: %w", err)
	}
	return cm, nil
}

// LoadConfig reads the configuration from disk.
func (cm *ConfigManager) LoadConfig() (*Config, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return LoadConfig(cm.FilePath)
}

// SaveConfig writes the configuration to disk.
func (cm *ConfigManager) SaveConfig(config *Config) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return SaveConfig(cm.FilePath, config)
}

// EnsureDefaultConfig ensures a default configuration exists, creating it if necessary.
// Older versions are migrated in place, newer or unreadable versions are backed up
// and replaced by defaults.
func (cm *ConfigManager) EnsureDefaultConfig() (*Config, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	config, err := LoadConfig(cm.FilePath)
	if err != nil {
		logger.WithError(err).Warn("Config file is unreadable, backing up and writing defaults")
		if backupErr := cm.backup(); backupErr != nil {
			return nil, backupErr
		}
		config = nil
	}

	if config == nil {
		config = NewDefaultConfig()
		if err := SaveConfig(cm.FilePath, config); err != nil {
			return nil, err
		}
		logger.WithField("path", cm.FilePath).Info("Created default config")
		return config, nil
	}

	if config.ConfigVersion == CurrentConfigVersion {
		return config, nil
	}

	current, _ := version.NewVersion(CurrentConfigVersion)
	found, err := version.NewVersion(config.ConfigVersion)
	switch {
	case config.ConfigVersion == "" || (err == nil && found.LessThan(current)):
		// Missing fields were already filled with defaults during load.
		logger.WithFields(logrus.Fields{
			"from": config.ConfigVersion,
			"to":   CurrentConfigVersion,
		}).Info("Migrating config file")
		config.ConfigVersion = CurrentConfigVersion
	default:
		logger.WithFields(logrus.Fields{
			"found":    config.ConfigVersion,
			"expected": CurrentConfigVersion,
		}).Warn("Config version is newer or invalid, backing up and writing defaults")
		if err := cm.backup(); err != nil {
			return nil, err
		}
		config = NewDefaultConfig()
	}

	if err := SaveConfig(cm.FilePath, config); err != nil {
		return nil, err
	}
	return config, nil
}

// UpdateCredentials replaces the stored login settings. The new values are used
// from the next campaign on.
func (cm *ConfigManager) UpdateCredentials(update CredentialsUpdate) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	config, err := LoadConfig(cm.FilePath)
	if err != nil {
		return err
	}
	if config == nil {
		config = NewDefaultConfig()
	}

	if update.Username != nil {
		config.Username = *update.Username
	}
	if update.Password != nil {
		config.Password = *update.Password
	}
	if update.ISP != nil {
		config.ISP = *update.ISP
	}
	if update.PortalURL != nil {
		config.PortalURL = *update.PortalURL
	}
	if update.RememberPassword != nil {
		config.RememberPassword = *update.RememberPassword
	}
	if update.AutoLogin != nil {
		config.AutoLogin = *update.AutoLogin
	}

	if err := SaveConfig(cm.FilePath, config); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"username":          config.Username,
		"isp":               config.ISP,
		"remember_password": config.RememberPassword,
		"auto_login":        config.AutoLogin,
	}).Info("Credentials updated")
	return nil
}

// CredentialsUpdate carries optional replacements; nil fields are left untouched.
type CredentialsUpdate struct {
	Username         *string `json:"username,omitempty"`
	Password         *string `json:"password,omitempty"`
	ISP              *string `json:"isp,omitempty"`
	PortalURL        *string `json:"portal_url,omitempty"`
	RememberPassword *bool   `json:"remember_password,omitempty"`
	AutoLogin        *bool   `json:"auto_login,omitempty"`
}

func (cm *ConfigManager) backup() error {
	backupPath := cm.FilePath + ".bak"
	if err := os.Rename(cm.FilePath, backupPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to back up config to %s: %w", backupPath, err)
	}
	logger.WithField("backup", backupPath).Info("Backed up existing config")
	return nil
}
