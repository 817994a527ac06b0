package updater

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"

	goupdate "github.com/doitdistributed/go-update"

	"github.com/fleetpack/fleetpack/internal/backup"
	"github.com/fleetpack/fleetpack/internal/config"
	"github.com/fleetpack/fleetpack/internal/keys"
	"github.com/fleetpack/fleetpack/internal/lockfile"
	"github.com/fleetpack/fleetpack/internal/logger"
	"github.com/fleetpack/fleetpack/internal/manifest"
	"github.com/fleetpack/fleetpack/internal/service/packager"
	"github.com/fleetpack/fleetpack/internal/verify"
	"github.com/fleetpack/fleetpack/internal/version"
)

var (
	errUpdateURLRequired = errors.New("update URL is not configured")
	errNetworkFailure    = errors.New("network failure")
	errApplyFailure      = errors.New("apply failed")
	errMinSystemVersion  = errors.New("installed system below required minimum version")
)

// Options are inputs accepted by the updater entry points.
type Options struct {
	// ConfigPath is the optional path to the settings YAML file.
	ConfigPath string
	// Channel overrides the configured update channel when non-empty.
	Channel string
}

// Session is the transient record of one update workflow invocation.
// It is never persisted; callers inspect it after the session ends.
type Session struct {
	// Channel is the update track the session polled.
	Channel manifest.Channel
	// InstalledVersion is the version detected (or, after a verified
	// apply, recorded) for the installed binary.
	InstalledVersion string
	// Candidate is the manifest entry selected for installation.
	Candidate *manifest.Entry
	// DownloadedPath is the scratch location of the downloaded archive.
	DownloadedPath string
	// Verified reports that the download passed checksum and signature checks.
	Verified bool
	// Backup is the snapshot captured before apply, nil on first install.
	Backup *backup.Record
	// Outcome is the terminal result of the session.
	Outcome Outcome
	// State is the last state the session reached.
	State State
}

// runner holds the mutable state and helpers for a single update execution.
// It is intentionally unexported; call Run, Check or Rollback from callers.
type runner struct {
	cfg        *config.Config
	fetcher    *manifest.Fetcher
	backups    *backup.Manager
	session    *Session
	scratchDir string
}

// Run executes the full update workflow and is the public entry point for
// the CLI. The returned session is valid even when an error is returned.
func Run(ctx context.Context, opts *Options) (*Session, error) {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "fleetpack-updater")

	r, err := newRunner(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	release, err := r.lockInstallation(ctx)
	if err != nil {
		return r.session, err
	}

	defer release()
	defer r.cleanup(ctx)

	if err = r.run(ctx); err != nil {
		if r.session.Outcome == "" {
			r.session.Outcome = OutcomeFailed
		}

		logger.ErrorKV(ctx, "Updater run failed", "error", err, "state", r.session.State)

		return r.session, err
	}

	logger.InfoKV(ctx, "Updater completed", "outcome", r.session.Outcome)

	return r.session, nil
}

// Check fetches the channel manifest and reports whether a newer release is
// available, without downloading or mutating anything.
func Check(ctx context.Context, opts *Options) (*Session, error) {
	ctx = logger.WithName(ctx, "fleetpack-updater")

	r, err := newRunner(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	release, err := r.lockInstallation(ctx)
	if err != nil {
		return r.session, err
	}

	defer release()

	if _, err = r.checkForUpdate(ctx); err != nil {
		return r.session, err
	}

	logger.InfoKV(ctx, "Check completed",
		"outcome", r.session.Outcome, "installed", r.session.InstalledVersion)

	return r.session, nil
}

// Rollback restores the most recent backup record on operator request.
// It fails with the backup store's error when there is nothing to restore,
// leaving every file untouched.
func Rollback(ctx context.Context, opts *Options) (*Session, error) {
	ctx = logger.WithName(ctx, "fleetpack-updater")

	r, err := newRunner(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	release, err := r.lockInstallation(ctx)
	if err != nil {
		return r.session, err
	}

	defer release()

	target := r.cfg.InstalledBinary()

	if err = terminateProcess(ctx, r.cfg.Executable); err != nil {
		return r.session, fmt.Errorf("terminate running binary: %w", err)
	}

	record, err := r.backups.Restore(ctx, target)
	if err != nil {
		return r.session, err
	}

	r.session.Backup = record

	restored, err := selfReportedVersion(ctx, target)
	if err != nil || restored == "" {
		restored = record.VersionTag
	}

	if err = writeVersionRecord(r.cfg.InstallDir, restored); err != nil {
		return r.session, err
	}

	r.session.InstalledVersion = restored
	r.session.Outcome = OutcomeRolledBack
	r.transition(ctx, StateRolledBack)

	return r.session, nil
}

// newRunner loads settings and prepares the session scaffolding.
func newRunner(opts *Options) (*runner, error) {
	if opts == nil {
		opts = &Options{}
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	channelName := cfg.Channel
	if opts.Channel != "" {
		channelName = opts.Channel
	}

	channel, err := manifest.ParseChannel(channelName)
	if err != nil {
		return nil, err
	}

	if cfg.UpdateURL == "" {
		return nil, errUpdateURLRequired
	}

	return &runner{
		cfg:     cfg,
		fetcher: manifest.NewFetcher(cfg.UpdateURL, 0),
		backups: backup.NewManager(cfg.BackupDir, cfg.BackupKeep, cfg.BackupMaxAge),
		session: &Session{
			Channel: channel,
			State:   StateIdle,
		},
	}, nil
}

// lockInstallation guards the install directory against concurrent sessions.
// Contention aborts immediately instead of waiting out a stuck session.
func (r *runner) lockInstallation(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(r.cfg.InstallDir, 0o755); err != nil {
		return nil, fmt.Errorf("create install directory: %w", err)
	}

	lock, err := lockfile.Acquire(ctx, filepath.Join(r.cfg.InstallDir, LockFilename))
	if err != nil {
		return nil, err
	}

	return func() {
		_ = lock.Release()
	}, nil
}

// run drives the session state machine in strict order:
// check, download, verify, back up, apply, verify-or-roll-back.
func (r *runner) run(ctx context.Context) error {
	entry, err := r.checkForUpdate(ctx)
	if err != nil {
		return err
	}

	if entry == nil {
		// Up to date: a true no-op, no backup, no writes.
		return nil
	}

	r.transition(ctx, StateDownloading)

	if err = r.download(ctx, entry); err != nil {
		return fmt.Errorf("%w: %v", errNetworkFailure, err)
	}

	r.transition(ctx, StateVerifying)

	if err = r.verifyDownload(ctx, entry); err != nil {
		// Never keep an artifact that failed verification.
		_ = os.Remove(r.session.DownloadedPath)
		r.session.DownloadedPath = ""

		return err
	}

	r.transition(ctx, StateBackingUp)

	if err = r.backupInstalled(ctx); err != nil {
		return err
	}

	r.transition(ctx, StateApplying)

	if err = r.apply(ctx, entry); err != nil {
		return r.recover(ctx, err)
	}

	if err = writeVersionRecord(r.cfg.InstallDir, entry.Version); err != nil {
		return err
	}

	r.session.InstalledVersion = entry.Version
	r.session.Outcome = OutcomeVerified
	r.transition(ctx, StateVerified)

	return nil
}

// checkForUpdate fetches the manifest and selects the candidate entry.
// A nil entry with a nil error means the installation is up to date.
func (r *runner) checkForUpdate(ctx context.Context) (*manifest.Entry, error) {
	r.transition(ctx, StateChecking)

	m, err := r.fetcher.Fetch(ctx, r.session.Channel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNetworkFailure, err)
	}

	r.session.InstalledVersion = detectInstalledVersion(ctx, r.cfg.InstallDir, r.cfg.InstalledBinary())

	if len(m.Releases) == 0 {
		logger.WarnKV(ctx, "Manifest lists no releases", "channel", r.session.Channel)
		r.session.Outcome = OutcomeUpToDate

		return nil, nil
	}

	newer, err := version.IsNewer(m.LatestVersion, r.session.InstalledVersion)
	if err != nil {
		return nil, err
	}

	if !newer {
		logger.InfoKV(ctx, "Already up to date",
			"installed", r.session.InstalledVersion, "latest", m.LatestVersion)
		r.session.Outcome = OutcomeUpToDate

		return nil, nil
	}

	entry, err := m.Latest()
	if err != nil {
		return nil, err
	}

	if err = r.checkMinSystemVersion(entry); err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Update available",
		"installed", r.session.InstalledVersion, "candidate", entry.Version, "critical", entry.Critical)

	r.session.Candidate = entry
	r.session.Outcome = OutcomeUpdateAvailable
	r.transition(ctx, StateUpdateAvailable)

	return entry, nil
}

// checkMinSystemVersion rejects entries the installed system is too old for.
func (r *runner) checkMinSystemVersion(entry *manifest.Entry) error {
	if entry.MinSystemVersion == "" || r.session.InstalledVersion == "" {
		return nil
	}

	tooOld, err := version.IsNewer(entry.MinSystemVersion, r.session.InstalledVersion)
	if err != nil {
		return err
	}

	if tooOld {
		return fmt.Errorf("release %s requires at least %s: %w",
			entry.Version, entry.MinSystemVersion, errMinSystemVersion)
	}

	return nil
}

// download fetches the candidate archive into a scratch directory.
func (r *runner) download(ctx context.Context, entry *manifest.Entry) error {
	scratchDir, err := os.MkdirTemp("", "fleetpack-updater-")
	if err != nil {
		return err
	}

	r.scratchDir = scratchDir

	body, err := r.openDownload(ctx, entry.DownloadURL)
	if err != nil {
		return err
	}

	defer func() {
		_ = body.Close()
	}()

	destination := filepath.Join(scratchDir, path.Base(entry.DownloadURL))

	out, err := os.Create(filepath.Clean(destination))
	if err != nil {
		return err
	}

	if _, err = io.Copy(out, body); err != nil {
		_ = out.Close()

		return err
	}

	if err = out.Close(); err != nil {
		return err
	}

	r.session.DownloadedPath = destination
	logger.InfoKV(ctx, "Downloaded candidate", "path", destination)

	return nil
}

// openDownload resolves the entry URL, which is either absolute or relative
// to the configured update URL.
func (r *runner) openDownload(ctx context.Context, downloadURL string) (io.ReadCloser, error) {
	if parsed, err := url.Parse(downloadURL); err == nil && parsed.Scheme != "" {
		return r.fetcher.GetURL(ctx, downloadURL)
	}

	return r.fetcher.Get(ctx, downloadURL)
}

// verifyDownload checks the archive checksum and detached signature against
// the manifest entry and the distributed certificate. Both are mandatory.
func (r *runner) verifyDownload(ctx context.Context, entry *manifest.Entry) error {
	if entry.Signature == "" {
		return verify.ErrSignatureMissing
	}

	signature, err := base64.StdEncoding.DecodeString(entry.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", verify.ErrSignatureInvalid, err)
	}

	public, err := r.fetchPublicKey(ctx)
	if err != nil {
		return err
	}

	result, err := verify.File(r.session.DownloadedPath, entry.Checksum, signature, public)
	if err != nil {
		return err
	}

	r.session.Verified = result.ChecksumOK && result.SignatureOK
	logger.InfoKV(ctx, "Candidate verified",
		"checksum_ok", result.ChecksumOK, "signature_ok", result.SignatureOK)

	return nil
}

// fetchPublicKey downloads the release certificate and extracts its key.
func (r *runner) fetchPublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	body, err := r.fetcher.Get(ctx, packager.DistributedCertificate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNetworkFailure, err)
	}

	defer func() {
		_ = body.Close()
	}()

	certPEM, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNetworkFailure, err)
	}

	certificate, err := keys.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}

	return keys.PublicKeyFromCertificate(certificate)
}

// backupInstalled snapshots the installed binary. On a first install there
// is nothing to snapshot; the session records that no backup is available.
func (r *runner) backupInstalled(ctx context.Context) error {
	target := r.cfg.InstalledBinary()

	if _, err := os.Stat(target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.InfoKV(ctx, "No installed binary, no backup for this session", "target", target)
			return nil
		}

		return fmt.Errorf("inspect installed binary: %w", err)
	}

	record, err := r.backups.Backup(ctx, target, r.session.InstalledVersion)
	if err != nil {
		return err
	}

	r.session.Backup = record

	return nil
}

// apply stops running instances, extracts the executable from the verified
// archive and swaps it in atomically, then checks that the new binary
// reports the expected version.
func (r *runner) apply(ctx context.Context, entry *manifest.Entry) error {
	if err := terminateProcess(ctx, r.cfg.Executable); err != nil {
		return fmt.Errorf("terminate running binary: %w", err)
	}

	data, err := packager.ExtractFile(r.session.DownloadedPath, packager.BinaryArchivePath(r.cfg.Executable))
	if err != nil {
		return err
	}

	target := r.cfg.InstalledBinary()

	if _, err = os.Stat(target); errors.Is(err, os.ErrNotExist) {
		// go-update needs an existing target to swap against.
		placeholder, createErr := os.Create(filepath.Clean(target))
		if createErr != nil {
			return createErr
		}

		if err = placeholder.Close(); err != nil {
			return err
		}
	}

	digest := sha256.Sum256(data)

	options := goupdate.Options{
		TargetPath: target,
		TargetMode: packager.DefaultFileMode,
		Checksum:   digest[:],
		Hash:       crypto.SHA256,
	}

	if err = goupdate.Apply(bytes.NewReader(data), options); err != nil {
		if rollbackErr := goupdate.RollbackError(err); rollbackErr != nil {
			logger.ErrorKV(ctx, "Swap rollback also failed", "error", rollbackErr)
		}

		return fmt.Errorf("%w: %v", errApplyFailure, err)
	}

	oldFileName := target + ".old"
	if _, err = os.Stat(oldFileName); err == nil {
		_ = os.Remove(oldFileName)
	}

	reported, err := selfReportedVersion(ctx, target)
	if err != nil {
		return fmt.Errorf("%w: new binary failed to start: %v", errApplyFailure, err)
	}

	if reported != entry.Version {
		return fmt.Errorf("%w: new binary reports %q, expected %q", errApplyFailure, reported, entry.Version)
	}

	return nil
}

// recover restores the latest backup after a failed apply. A recovered
// session ends as rolled back, not as a fatal failure; with nothing to
// restore the original apply failure is surfaced as fatal.
func (r *runner) recover(ctx context.Context, cause error) error {
	logger.ErrorKV(ctx, "Apply failed, attempting rollback", "error", cause)

	target := r.cfg.InstalledBinary()

	record, err := r.backups.Restore(ctx, target)
	if err != nil {
		if errors.Is(err, backup.ErrNoBackupAvailable) {
			return fmt.Errorf("no backup to roll back to: %w", cause)
		}

		return fmt.Errorf("rollback after %v: %w", cause, err)
	}

	restored, err := selfReportedVersion(ctx, target)
	if err != nil || restored == "" {
		restored = record.VersionTag
	}

	if err = writeVersionRecord(r.cfg.InstallDir, restored); err != nil {
		return err
	}

	r.session.InstalledVersion = restored
	r.session.Outcome = OutcomeRolledBack
	r.transition(ctx, StateRolledBack)

	return nil
}

// transition advances the session state with a log trail.
func (r *runner) transition(ctx context.Context, next State) {
	logger.DebugKV(ctx, "Session state", "from", r.session.State, "to", next)
	r.session.State = next
}

// cleanup removes the scratch download directory.
func (r *runner) cleanup(ctx context.Context) {
	if r.scratchDir == "" {
		return
	}

	if _, err := os.Stat(r.scratchDir); err == nil {
		_ = os.RemoveAll(r.scratchDir)
	}

	logger.Debug(ctx, "Removed scratch directory")
}
