package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestValidate checks required fields and defaults for Config.
func TestValidate(t *testing.T) {
	t.Parallel()

	// Missing executable.
	cfg := new(Config)

	err := Validate(cfg)
	require.Error(t, err)

	// Bad channel.
	cfg = &Config{
		Executable: "fleetpack-agent",
		Channel:    "nightly",
	}

	err = Validate(cfg)
	require.Error(t, err)

	// Bad update URL.
	cfg = &Config{
		Executable: "fleetpack-agent",
		UpdateURL:  "not a url",
	}

	err = Validate(cfg)
	require.Error(t, err)

	// Okay with defaults filled in.
	cfg = &Config{
		Executable: "fleetpack-agent",
		UpdateURL:  "https://updates.local/fleetpack",
	}

	err = Validate(cfg)
	require.NoError(t, err)
	require.Equal(t, "stable", cfg.Channel)
	require.Equal(t, DefaultTimeout, cfg.Timeout)
	require.Equal(t, DefaultBackupKeep, cfg.BackupKeep)
	require.Equal(t, filepath.Join(".", "backups"), cfg.BackupDir)
}

// TestSaveLoadRoundtrip ensures settings are persisted and loaded back correctly.
func TestSaveLoadRoundtrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")

	cfg := &Config{
		UpdateURL:    "https://updates.local/fleetpack",
		Channel:      "beta",
		InstallDir:   filepath.Join(dir, "install"),
		Executable:   "fleetpack-agent",
		Timeout:      time.Minute,
		BackupKeep:   3,
		BuildCommand: []string{"make", "build"},
	}

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.UpdateURL, loaded.UpdateURL)
	require.Equal(t, cfg.Channel, loaded.Channel)
	require.Equal(t, cfg.Timeout, loaded.Timeout)
	require.Equal(t, cfg.BuildCommand, loaded.BuildCommand)
}

// TestInstalledBinary checks the managed executable path composition.
func TestInstalledBinary(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		InstallDir: "/opt/fleetpack",
		Executable: "fleetpack-agent",
	}

	require.Equal(t, filepath.Join("/opt/fleetpack", "fleetpack-agent"), cfg.InstalledBinary())
}
