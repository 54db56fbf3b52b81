// Package config provides application configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	DefaultDecisionTimeout = 5 * time.Minute
	DefaultStaleThreshold  = time.Hour
	DefaultStartHour       = 22
	DefaultEndHour         = 6
)

// Config is the application configuration.
type Config struct {
	Paths    PathsConfig    `mapstructure:"paths"`
	Transfer TransferConfig `mapstructure:"transfer"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Server   ServerConfig   `mapstructure:"server"`
}

// PathsConfig holds the filesystem layout shared with the display layer.
// Everything under StatusDir is transient job state; BackupRoot holds the
// transferred data.
type PathsConfig struct {
	StatusDir  string `mapstructure:"statusDir"`
	BackupRoot string `mapstructure:"backupRoot"`
}

// TransferConfig holds local transfer configuration.
type TransferConfig struct {
	MountRoots      []string      `mapstructure:"mountRoots"`
	FallbackMount   string        `mapstructure:"fallbackMount"`
	DecisionTimeout time.Duration `mapstructure:"decisionTimeout"`
}

// SyncConfig holds cloud sync configuration.
type SyncConfig struct {
	Remote         string        `mapstructure:"remote"`
	BandwidthLimit string        `mapstructure:"bandwidthLimit"`
	Transfers      int           `mapstructure:"transfers"`
	Checkers       int           `mapstructure:"checkers"`
	StaleThreshold time.Duration `mapstructure:"staleThreshold"`
}

// ServerConfig holds the status API server configuration.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// Derived status-file paths. The names are a contract with the display
// layer and must not change.

// ProgressPath is the transfer progress record.
func (p PathsConfig) ProgressPath() string {
	return filepath.Join(p.StatusDir, "usb-transfer-progress.json")
}

// StatusPath is the bare transfer status mirror.
func (p PathsConfig) StatusPath() string {
	return filepath.Join(p.StatusDir, "usb-transfer-status")
}

// SyncStatusPath is the cloud sync progress record.
func (p PathsConfig) SyncStatusPath() string {
	return filepath.Join(p.StatusDir, "gdrive-sync-status.json")
}

// DecisionPath is the duplicate-decision request/response channel base.
func (p PathsConfig) DecisionPath() string {
	return filepath.Join(p.StatusDir, "usb-transfer-decision")
}

// TransferLockPath is the transfer job exclusive lock.
func (p PathsConfig) TransferLockPath() string {
	return filepath.Join(p.StatusDir, "usb-transfer.lock")
}

// SyncLockPath is the sync job exclusive lock.
func (p PathsConfig) SyncLockPath() string {
	return filepath.Join(p.StatusDir, "gdrive-sync.lock")
}

// SchedulePath is the user-editable sync schedule record.
func (p PathsConfig) SchedulePath() string {
	return filepath.Join(p.StatusDir, "sync-config.json")
}

// RemoteInfoPath is the remote quota snapshot written after a sync.
func (p PathsConfig) RemoteInfoPath() string {
	return filepath.Join(p.StatusDir, "gdrive-info.json")
}

// NotificationsPath is the notification log consumed by the display layer.
func (p PathsConfig) NotificationsPath() string {
	return filepath.Join(p.StatusDir, "notifications.json")
}

// LoadOptions configures how configuration is loaded.
type LoadOptions struct {
	// ConfigFile is an explicit config file path. If empty, default locations are searched.
	ConfigFile string
}

// Load reads configuration from file and environment variables.
// If opts.ConfigFile is set, that file is used directly. Otherwise it
// searches $HOME, the current directory, and /etc/peblsync for files named
// .peblsync.yaml, peblsync.yaml, or config.yaml.
//
// Environment variables with prefix PEBLSYNC_ override config file values.
func Load(opts LoadOptions) (Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/peblsync")
		v.SetConfigType("yaml")
		v.SetConfigName(".peblsync")
		v.SetConfigName("peblsync")
		v.SetConfigName("config")
	}

	// Environment variables
	v.SetEnvPrefix("PEBLSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("paths.statusDir", "/tmp/usb-transfer-status")
	v.SetDefault("paths.backupRoot", "/srv/backups")
	v.SetDefault("transfer.mountRoots", []string{"/media", "/run/media"})
	v.SetDefault("transfer.fallbackMount", "/mnt/usb-transfer")
	v.SetDefault("transfer.decisionTimeout", DefaultDecisionTimeout.String())
	v.SetDefault("sync.remote", "gdrive:pebl-backups")
	v.SetDefault("sync.staleThreshold", DefaultStaleThreshold.String())
	v.SetDefault("server.listen", "[::]:8423")

	// Read config file (ignore error if not found)
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	if err := validate(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// validate checks that the configuration is valid.
func validate(cfg *Config) error {
	var errs []error

	if cfg.Paths.StatusDir == "" {
		errs = append(errs, errors.New("paths.statusDir is required"))
	}
	if cfg.Paths.BackupRoot == "" {
		errs = append(errs, errors.New("paths.backupRoot is required"))
	}
	if len(cfg.Transfer.MountRoots) == 0 {
		errs = append(errs, errors.New("transfer.mountRoots must not be empty"))
	}
	if cfg.Transfer.DecisionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("transfer.decisionTimeout must be positive, got %s", cfg.Transfer.DecisionTimeout))
	}
	if cfg.Sync.Remote == "" {
		errs = append(errs, errors.New("sync.remote is required"))
	} else if !strings.Contains(cfg.Sync.Remote, ":") {
		errs = append(errs, fmt.Errorf("sync.remote %q is not a remote spec (expected remote:path)", cfg.Sync.Remote))
	}
	if cfg.Sync.Transfers < 0 {
		errs = append(errs, errors.New("sync.transfers must not be negative"))
	}
	if cfg.Sync.Checkers < 0 {
		errs = append(errs, errors.New("sync.checkers must not be negative"))
	}
	if cfg.Sync.StaleThreshold <= 0 {
		errs = append(errs, fmt.Errorf("sync.staleThreshold must be positive, got %s", cfg.Sync.StaleThreshold))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Schedule modes.
const (
	ModeWindowed   = "windowed"
	ModeContinuous = "continuous"
	ModeDisabled   = "disabled"
)

// Schedule is the user-editable sync schedule, written by the display layer.
// Hours are local 24h clock; a start hour after the end hour means an
// overnight window.
type Schedule struct {
	Mode      string `json:"mode"`
	StartHour int    `json:"start_hour"`
	EndHour   int    `json:"end_hour"`
}

// DefaultSchedule is the overnight window used when no schedule record
// exists.
func DefaultSchedule() Schedule {
	return Schedule{Mode: ModeWindowed, StartHour: DefaultStartHour, EndHour: DefaultEndHour}
}

// LoadSchedule reads the schedule record at path. A missing or unreadable
// record yields the default schedule, never an error: the display layer may
// not have written one yet.
func LoadSchedule(path string) Schedule {
	raw, err := os.ReadFile(path)
	if err != nil {
		return DefaultSchedule()
	}
	var s Schedule
	if err := json.Unmarshal(raw, &s); err != nil {
		return DefaultSchedule()
	}
	switch s.Mode {
	case ModeWindowed, ModeContinuous, ModeDisabled:
	default:
		return DefaultSchedule()
	}
	if s.StartHour < 0 || s.StartHour > 23 || s.EndHour < 0 || s.EndHour > 23 {
		return DefaultSchedule()
	}
	return s
}
