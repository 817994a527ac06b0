package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetpack/fleetpack/internal/backup"
	"github.com/fleetpack/fleetpack/internal/config"
	"github.com/fleetpack/fleetpack/internal/lockfile"
	"github.com/fleetpack/fleetpack/internal/manifest"
	"github.com/fleetpack/fleetpack/internal/service/packager"
	"github.com/fleetpack/fleetpack/internal/verify"
	"github.com/fleetpack/fleetpack/internal/version"
)

// fixture is one isolated installation: a package store served over HTTP
// and a settings file pointing the updater at it.
type fixture struct {
	dir     string
	cfgPath string
	cfg     *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("fixture binaries are shell scripts")
	}

	dir := t.TempDir()
	packageDir := filepath.Join(dir, "packages")
	require.NoError(t, os.MkdirAll(packageDir, 0o755))

	server := httptest.NewServer(http.FileServer(http.Dir(packageDir)))
	t.Cleanup(server.Close)

	cfg := &config.Config{
		UpdateURL:  server.URL,
		Executable: "fleetpack-agent",
		InstallDir: filepath.Join(dir, "install"),
		BackupDir:  filepath.Join(dir, "backups"),
		KeysDir:    filepath.Join(dir, "keys"),
		PackageDir: packageDir,
		Timeout:    time.Minute,
	}

	cfgPath := filepath.Join(dir, config.DefaultConfigFilename)
	require.NoError(t, config.Save(cfgPath, cfg))

	return &fixture{dir: dir, cfgPath: cfgPath, cfg: cfg}
}

// versionScript renders an executable that self-reports the given version.
func versionScript(reported string) []byte {
	output := fmt.Sprintf("version: %s, commit: none, built at: unknown", reported)

	return []byte("#!/bin/sh\necho \"" + output + "\"\n")
}

// publishRelease packages a script reporting the given version and publishes
// it to the fixture's store under the build's own semantic version.
func (f *fixture) publishRelease(t *testing.T, reported string) {
	t.Helper()

	binaryPath := filepath.Join(f.dir, "agent-built")
	require.NoError(t, os.WriteFile(binaryPath, versionScript(reported), 0o755))

	require.NoError(t, packager.Run(context.Background(), &packager.Options{
		ConfigPath: f.cfgPath,
		BinaryPath: binaryPath,
	}))
}

// installBinary places a pre-existing managed binary into the install dir.
func (f *fixture) installBinary(t *testing.T, contents []byte) {
	t.Helper()

	require.NoError(t, os.MkdirAll(f.cfg.InstallDir, 0o755))
	require.NoError(t, os.WriteFile(f.cfg.InstalledBinary(), contents, 0o755))
}

func (f *fixture) archivePath() string {
	return filepath.Join(f.cfg.PackageDir, packager.ArchiveName(version.ResolveIdentity()))
}

// TestRunFirstInstall applies the latest release onto an empty installation:
// no backup is possible, the binary lands verified and the version record
// is written.
func TestRunFirstInstall(t *testing.T) {
	f := newFixture(t)
	f.publishRelease(t, version.Short())

	session, err := Run(context.Background(), &Options{ConfigPath: f.cfgPath})
	require.NoError(t, err)
	require.Equal(t, OutcomeVerified, session.Outcome)
	require.Equal(t, StateVerified, session.State)
	require.Nil(t, session.Backup)
	require.True(t, session.Verified)

	installed, err := os.ReadFile(f.cfg.InstalledBinary())
	require.NoError(t, err)
	require.Equal(t, versionScript(version.Short()), installed)

	info, err := os.Stat(f.cfg.InstalledBinary())
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	// The version record reflects the applied release.
	require.Equal(t, version.Short(), recordedVersion(f.cfg.InstallDir))

	// The session lock is gone.
	_, err = os.Stat(filepath.Join(f.cfg.InstallDir, LockFilename))
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestRunUpToDateIsNoOp re-runs after a successful install and changes nothing.
func TestRunUpToDateIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.publishRelease(t, version.Short())

	_, err := Run(context.Background(), &Options{ConfigPath: f.cfgPath})
	require.NoError(t, err)

	before, err := os.Stat(f.cfg.InstalledBinary())
	require.NoError(t, err)

	session, err := Run(context.Background(), &Options{ConfigPath: f.cfgPath})
	require.NoError(t, err)
	require.Equal(t, OutcomeUpToDate, session.Outcome)
	require.Nil(t, session.Candidate)

	after, err := os.Stat(f.cfg.InstalledBinary())
	require.NoError(t, err)
	require.Equal(t, before.ModTime(), after.ModTime())

	// Still only the backup captured by the first run, if any.
	records, err := backup.NewManager(f.cfg.BackupDir, 0, 0).List()
	require.NoError(t, err)
	require.Empty(t, records)
}

// TestRunChecksumMismatchAborts corrupts the published archive and expects
// the session to fail during verification, leaving the installation untouched.
func TestRunChecksumMismatchAborts(t *testing.T) {
	f := newFixture(t)
	f.publishRelease(t, version.Short())

	file, err := os.OpenFile(f.archivePath(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)

	_, err = file.WriteString("garbage")
	require.NoError(t, err)
	require.NoError(t, file.Close())

	session, err := Run(context.Background(), &Options{ConfigPath: f.cfgPath})
	require.ErrorIs(t, err, verify.ErrChecksumMismatch)
	require.Equal(t, OutcomeFailed, session.Outcome)
	require.Equal(t, StateVerifying, session.State)

	// Nothing was installed and nothing was backed up.
	_, err = os.Stat(f.cfg.InstalledBinary())
	require.ErrorIs(t, err, os.ErrNotExist)

	records, err := backup.NewManager(f.cfg.BackupDir, 0, 0).List()
	require.NoError(t, err)
	require.Empty(t, records)
}

// TestRunMissingSignatureAborts strips the signature from the manifest and
// expects the session to refuse the download.
func TestRunMissingSignatureAborts(t *testing.T) {
	f := newFixture(t)
	f.publishRelease(t, version.Short())

	// Rewrite the manifest without a signature.
	manifestPath := filepath.Join(f.cfg.PackageDir, "stable", "manifest.json")

	contents, err := os.ReadFile(manifestPath)
	require.NoError(t, err)

	var m manifest.Manifest
	require.NoError(t, json.Unmarshal(contents, &m))

	m.Releases[0].Signature = ""

	stripped, err := json.Marshal(&m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(manifestPath, stripped, 0o644))

	session, err := Run(context.Background(), &Options{ConfigPath: f.cfgPath})
	require.ErrorIs(t, err, verify.ErrSignatureMissing)
	require.Equal(t, OutcomeFailed, session.Outcome)

	_, err = os.Stat(f.cfg.InstalledBinary())
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestRunRollsBackWhenNewBinaryMisreports publishes an archive whose binary
// reports the wrong version, so the post-apply check fails and the previous
// binary is restored from backup.
func TestRunRollsBackWhenNewBinaryMisreports(t *testing.T) {
	f := newFixture(t)

	// The packaged binary claims a version other than the published one.
	f.publishRelease(t, "0.0.1")

	previous := versionScript("0.9.0")
	f.installBinary(t, previous)

	session, err := Run(context.Background(), &Options{ConfigPath: f.cfgPath})
	require.NoError(t, err)
	require.Equal(t, OutcomeRolledBack, session.Outcome)
	require.Equal(t, StateRolledBack, session.State)
	require.NotNil(t, session.Backup)

	installed, err := os.ReadFile(f.cfg.InstalledBinary())
	require.NoError(t, err)
	require.Equal(t, previous, installed)

	require.Equal(t, "0.9.0", recordedVersion(f.cfg.InstallDir))
}

// TestRunFatalWithoutBackup fails hard when apply breaks on a first install,
// because there is nothing to roll back to.
func TestRunFatalWithoutBackup(t *testing.T) {
	f := newFixture(t)
	f.publishRelease(t, "0.0.1")

	session, err := Run(context.Background(), &Options{ConfigPath: f.cfgPath})
	require.Error(t, err)
	require.Equal(t, OutcomeFailed, session.Outcome)
}

// TestRunLockContention aborts immediately while another session holds the lock.
func TestRunLockContention(t *testing.T) {
	f := newFixture(t)
	f.publishRelease(t, version.Short())

	require.NoError(t, os.MkdirAll(f.cfg.InstallDir, 0o755))

	lock, err := lockfile.Acquire(context.Background(), filepath.Join(f.cfg.InstallDir, LockFilename))
	require.NoError(t, err)

	defer func() {
		_ = lock.Release()
	}()

	_, err = Run(context.Background(), &Options{ConfigPath: f.cfgPath})
	require.ErrorIs(t, err, lockfile.ErrLocked)

	_, err = Check(context.Background(), &Options{ConfigPath: f.cfgPath})
	require.ErrorIs(t, err, lockfile.ErrLocked)
}

// TestCheckReportsWithoutMutating polls the manifest and leaves the
// installation alone.
func TestCheckReportsWithoutMutating(t *testing.T) {
	f := newFixture(t)
	f.publishRelease(t, version.Short())

	session, err := Check(context.Background(), &Options{ConfigPath: f.cfgPath})
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdateAvailable, session.Outcome)
	require.NotNil(t, session.Candidate)
	require.Equal(t, version.Short(), session.Candidate.Version)
	require.Empty(t, session.DownloadedPath)

	_, err = os.Stat(f.cfg.InstalledBinary())
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestRollbackRestoresLatestBackup restores the newest record on request.
func TestRollbackRestoresLatestBackup(t *testing.T) {
	f := newFixture(t)

	previous := versionScript("0.9.0")
	source := filepath.Join(f.dir, "agent-previous")
	require.NoError(t, os.WriteFile(source, previous, 0o755))

	_, err := backup.NewManager(f.cfg.BackupDir, 0, 0).Backup(context.Background(), source, "0.9.0")
	require.NoError(t, err)

	f.installBinary(t, versionScript("1.0.0"))

	session, err := Rollback(context.Background(), &Options{ConfigPath: f.cfgPath})
	require.NoError(t, err)
	require.Equal(t, OutcomeRolledBack, session.Outcome)

	installed, err := os.ReadFile(f.cfg.InstalledBinary())
	require.NoError(t, err)
	require.Equal(t, previous, installed)

	require.Equal(t, "0.9.0", recordedVersion(f.cfg.InstallDir))
}

// TestRollbackWithoutBackups fails without touching the installed binary.
func TestRollbackWithoutBackups(t *testing.T) {
	f := newFixture(t)

	current := versionScript("1.0.0")
	f.installBinary(t, current)

	_, err := Rollback(context.Background(), &Options{ConfigPath: f.cfgPath})
	require.ErrorIs(t, err, backup.ErrNoBackupAvailable)

	installed, err := os.ReadFile(f.cfg.InstalledBinary())
	require.NoError(t, err)
	require.Equal(t, current, installed)
}
