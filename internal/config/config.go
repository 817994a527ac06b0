package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fleetpack/fleetpack/internal/manifest"
)

// Config is the installation context shared by the fleetpack binaries.
// It names every path a component is allowed to touch, so tests can
// instantiate fully isolated installations.
type Config struct {
	// UpdateURL is the base URL where channel manifests and packages are hosted.
	UpdateURL string `yaml:"update_url"`
	// Channel is the update track to follow (stable, beta, alpha, development).
	Channel string `yaml:"channel"`
	// InstallDir is the directory holding the installed executable.
	InstallDir string `yaml:"install_dir"`
	// BackupDir is where pre-update snapshots of the executable are kept.
	BackupDir string `yaml:"backup_dir"`
	// KeysDir is where the signing key material lives (packager side).
	KeysDir string `yaml:"keys_dir"`
	// PackageDir is the local package store written by the packager.
	PackageDir string `yaml:"package_dir"`
	// Executable is the base name of the managed binary.
	Executable string `yaml:"executable"`
	// Timeout bounds a whole update session, including downloads.
	Timeout time.Duration `yaml:"timeout"`
	// BackupKeep is the number of backup records retained after pruning.
	BackupKeep int `yaml:"backup_keep"`
	// BackupMaxAge prunes backup records older than this duration (0 keeps all ages).
	BackupMaxAge time.Duration `yaml:"backup_max_age"`
	// BuildCommand is the opaque build step invoked by the packager,
	// e.g. ["make", "build"]. The first element must resolve on PATH.
	BuildCommand []string `yaml:"build_command"`
}

const (
	// DefaultConfigFilename is the default filename for installation settings.
	DefaultConfigFilename = "fleetpack-settings.yaml"

	// DefaultTimeout bounds one update session end to end.
	DefaultTimeout = 5 * time.Minute

	// DefaultBackupKeep is the default count-based backup retention.
	DefaultBackupKeep = 5

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errExecutableRequired is returned when the managed executable name is missing.
	errExecutableRequired = errors.New("executable name must be provided")
)

// Load reads configuration from the provided path and validates essential fields.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the configuration to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the provided settings for required fields
// and fills in defaults for the optional ones.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if cfg.Executable == "" {
		return errExecutableRequired
	}

	if cfg.Channel == "" {
		cfg.Channel = string(manifest.ChannelStable)
	}

	if _, err := manifest.ParseChannel(cfg.Channel); err != nil {
		return err
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.BackupKeep <= 0 {
		cfg.BackupKeep = DefaultBackupKeep
	}

	if cfg.InstallDir == "" {
		cfg.InstallDir = "."
	}

	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(cfg.InstallDir, "backups")
	}

	if cfg.KeysDir == "" {
		cfg.KeysDir = "keys"
	}

	if cfg.PackageDir == "" {
		cfg.PackageDir = "packages"
	}

	if cfg.UpdateURL == "" {
		return nil
	}

	if _, err := url.ParseRequestURI(cfg.UpdateURL); err != nil {
		return fmt.Errorf("invalid update URL: %w", err)
	}

	return nil
}

// InstalledBinary returns the full path of the managed executable.
func (c *Config) InstalledBinary() string {
	return filepath.Join(c.InstallDir, c.Executable)
}
