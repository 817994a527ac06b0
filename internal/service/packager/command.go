package packager

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/fleetpack/fleetpack/internal/config"
	"github.com/fleetpack/fleetpack/internal/keys"
	"github.com/fleetpack/fleetpack/internal/logger"
	"github.com/fleetpack/fleetpack/internal/manifest"
	"github.com/fleetpack/fleetpack/internal/verify"
	"github.com/fleetpack/fleetpack/internal/version"
)

var (
	errMissingDependency = errors.New("required dependency is missing")
	errSigningFailure    = errors.New("signing failed")
	errBuildFailure      = errors.New("build failed")
	errBinaryRequired    = errors.New("path to the built binary must be provided")
)

// Options contains inputs for the packager entry point.
type Options struct {
	// ConfigPath is an optional path to the installation settings YAML.
	ConfigPath string
	// BinaryPath is the built executable to package (the opaque build output).
	BinaryPath string
	// Changelog lines carried into the published manifest entry.
	Changelog []string
	// MinSystemVersion is the oldest system release the update supports.
	MinSystemVersion string
	// Critical marks the release as one clients should not skip.
	Critical bool
}

// packager drives one release build: staging tree, archive, signature,
// checksums, package metadata and the manifest entry.
// It is unexported; callers use Run, which encapsulates setup and validation.
type packager struct {
	cfg      *config.Config
	opts     *Options
	identity version.Identity
	material *keys.KeyMaterial
}

// Run executes the packaging workflow and is the public entry point for the CLI.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "fleetpack-packager")

	p, err := newPackager(opts)
	if err != nil {
		return err
	}

	pkg, err := p.Run(ctx)
	if err != nil {
		logger.ErrorKV(ctx, "Packager run failed", "error", err)
		return err
	}

	logger.InfoKV(ctx, "Packager completed",
		"artifact", pkg.ArtifactPath, "sha256", pkg.SHA256, "size", pkg.SizeBytes)

	return nil
}

// newPackager loads settings and runs the pre-flight checks. Nothing is
// written before every required input is known to exist.
func newPackager(opts *Options) (*packager, error) {
	if opts == nil || opts.BinaryPath == "" {
		return nil, errBinaryRequired
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	p := &packager{
		cfg:      cfg,
		opts:     opts,
		identity: version.ResolveIdentity(),
	}

	if err = p.preflight(); err != nil {
		return nil, err
	}

	return p, nil
}

// preflight verifies external inputs before any artifact is written.
func (p *packager) preflight() error {
	if _, err := os.Stat(p.opts.BinaryPath); err != nil {
		return fmt.Errorf("source binary %s: %w", p.opts.BinaryPath, errMissingDependency)
	}

	if len(p.cfg.BuildCommand) > 0 {
		if _, err := exec.LookPath(p.cfg.BuildCommand[0]); err != nil {
			return fmt.Errorf("build tool %s: %w", p.cfg.BuildCommand[0], errMissingDependency)
		}
	}

	return nil
}

// Run assembles, signs and publishes one release package.
func (p *packager) Run(ctx context.Context) (*Package, error) {
	logger.InfoKV(ctx, "Assembling artifact tree",
		"version", p.identity.FullVersion(), "platform", p.identity.Platform)

	stagingDir, err := p.assembleStaging(ctx)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = os.RemoveAll(stagingDir)
	}()

	archivePath := filepath.Join(p.cfg.PackageDir, ArchiveName(p.identity))

	if err = createArchive(stagingDir, archivePath); err != nil {
		return nil, err
	}

	pkg, err := p.signAndDescribe(ctx, archivePath)
	if err != nil {
		// An unsigned archive must never be left looking like a release.
		_ = os.Remove(archivePath)

		return nil, err
	}

	if err = p.publishEntry(ctx, pkg); err != nil {
		return nil, err
	}

	return pkg, nil
}

// assembleStaging builds the artifact tree: executable, default
// configuration, install scripts and documentation, each templated with the
// resolved release identity.
func (p *packager) assembleStaging(ctx context.Context) (string, error) {
	stagingDir := filepath.Join(p.cfg.PackageDir, stagingDirName, p.identity.FullVersion())

	binaryBytes, err := os.ReadFile(filepath.Clean(p.opts.BinaryPath))
	if err != nil {
		return "", fmt.Errorf("read source binary: %w", err)
	}

	files := map[string]templatedFile{
		BinaryArchivePath(p.cfg.Executable): {contents: binaryBytes, mode: DefaultFileMode},
		"config/default.yaml":               {contents: p.renderDefaultConfig(), mode: 0o644},
		"scripts/install":                   {contents: p.renderInstallScript(), mode: DefaultFileMode},
		"scripts/uninstall":                 {contents: p.renderUninstallScript(), mode: DefaultFileMode},
		"docs/README":                       {contents: p.renderReadme(), mode: 0o644},
	}

	for relative, file := range files {
		destination := filepath.Join(stagingDir, filepath.FromSlash(relative))

		if err = os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
			return "", fmt.Errorf("create staging directory: %w", err)
		}

		if err = os.WriteFile(destination, file.contents, file.mode); err != nil {
			return "", fmt.Errorf("stage %s: %w", relative, err)
		}
	}

	logger.InfoKV(ctx, "Staged artifact tree", "dir", stagingDir, "files", len(files))

	return stagingDir, nil
}

// signAndDescribe signs the final archive, computes its published digests
// and writes the sibling signature, checksum listings and metadata.
func (p *packager) signAndDescribe(ctx context.Context, archivePath string) (*Package, error) {
	keyManager := keys.NewManager(p.cfg.KeysDir)

	material, err := keyManager.EnsureKeyMaterial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errSigningFailure, err)
	}

	p.material = material

	archiveBytes, err := os.ReadFile(filepath.Clean(archivePath))
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}

	signature, err := material.Sign(archiveBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errSigningFailure, err)
	}

	if err = os.WriteFile(archivePath+SignatureSuffix, signature, metadataFileMode); err != nil {
		return nil, fmt.Errorf("write signature: %w", err)
	}

	// The checksum covers the final archive bytes only; the signature file
	// is distributed alongside and verified via the certificate.
	sha256Hex, md5Hex := archiveDigests(archiveBytes)
	archiveName := filepath.Base(archivePath)

	if err = updateChecksumListing(filepath.Join(p.cfg.PackageDir, SHA256SumsFilename), sha256Hex, archiveName); err != nil {
		return nil, err
	}

	if err = updateChecksumListing(filepath.Join(p.cfg.PackageDir, MD5SumsFilename), md5Hex, archiveName); err != nil {
		return nil, err
	}

	certPath := filepath.Join(p.cfg.PackageDir, DistributedCertificate)
	if err = os.WriteFile(certPath, material.CertificatePEM(), metadataFileMode); err != nil {
		return nil, fmt.Errorf("distribute certificate: %w", err)
	}

	pkg := &Package{
		ArtifactPath: archiveName,
		SizeBytes:    int64(len(archiveBytes)),
		SHA256:       sha256Hex,
		Signature:    base64.StdEncoding.EncodeToString(signature),
		Certificate:  DistributedCertificate,
		CreatedAt:    time.Now().UTC(),
	}

	if err = writeMetadata(pkg, archivePath+MetadataSuffix); err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Signed package", "artifact", archiveName, "sha256", sha256Hex)

	return pkg, nil
}

// publishEntry records the package in the channel manifest.
func (p *packager) publishEntry(ctx context.Context, pkg *Package) error {
	channel, err := manifest.ParseChannel(p.cfg.Channel)
	if err != nil {
		return err
	}

	entry := manifest.Entry{
		Version:          p.identity.Semantic,
		ReleaseDate:      pkg.CreatedAt,
		Changelog:        p.opts.Changelog,
		DownloadURL:      pkg.ArtifactPath,
		Checksum:         pkg.SHA256,
		Signature:        pkg.Signature,
		Size:             pkg.SizeBytes,
		MinSystemVersion: p.opts.MinSystemVersion,
		Critical:         p.opts.Critical,
		RollbackAllowed:  true,
	}

	_, err = manifest.NewPublisher(p.cfg.PackageDir).Publish(ctx, channel, entry)

	return err
}

// Clean removes staging leftovers from the package store.
func Clean(ctx context.Context, configPath string) error {
	ctx = logger.WithName(ctx, "fleetpack-packager")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	stagingDir := filepath.Join(cfg.PackageDir, stagingDirName)
	if err = os.RemoveAll(stagingDir); err != nil {
		return fmt.Errorf("remove staging directory: %w", err)
	}

	logger.InfoKV(ctx, "Removed staging leftovers", "dir", stagingDir)

	return nil
}

// VerifyPackage re-checks a published archive end to end: its recorded
// checksum and its detached signature against the distributed certificate.
func VerifyPackage(ctx context.Context, configPath, archivePath string) error {
	ctx = logger.WithName(ctx, "fleetpack-packager")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	pkg, err := readMetadata(archivePath + MetadataSuffix)
	if err != nil {
		return err
	}

	signature, err := os.ReadFile(filepath.Clean(archivePath + SignatureSuffix))
	if err != nil {
		return fmt.Errorf("read signature: %w", err)
	}

	certPEM, err := os.ReadFile(filepath.Join(cfg.PackageDir, pkg.Certificate))
	if err != nil {
		return fmt.Errorf("read certificate: %w", err)
	}

	certificate, err := keys.ParseCertificatePEM(certPEM)
	if err != nil {
		return err
	}

	public, err := keys.PublicKeyFromCertificate(certificate)
	if err != nil {
		return err
	}

	result, err := verify.File(archivePath, pkg.SHA256, signature, public)
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Package verified",
		"artifact", archivePath, "checksum_ok", result.ChecksumOK, "signature_ok", result.SignatureOK)

	return nil
}

// Build runs the configured opaque build command with a pre-flight
// dependency check. The build output is what Options.BinaryPath names
// on a subsequent create.
func Build(ctx context.Context, configPath string) error {
	ctx = logger.WithName(ctx, "fleetpack-packager")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	if len(cfg.BuildCommand) == 0 {
		return fmt.Errorf("build command: %w", errMissingDependency)
	}

	if _, err = exec.LookPath(cfg.BuildCommand[0]); err != nil {
		return fmt.Errorf("build tool %s: %w", cfg.BuildCommand[0], errMissingDependency)
	}

	logger.InfoKV(ctx, "Running build command", "command", cfg.BuildCommand)

	cmd := exec.CommandContext(ctx, cfg.BuildCommand[0], cfg.BuildCommand[1:]...) //nolint:gosec // Operator-configured build step.

	output, err := cmd.CombinedOutput()
	if err != nil {
		logger.ErrorKV(ctx, "Build output", "output", string(output))

		return fmt.Errorf("%w: %v", errBuildFailure, err)
	}

	logger.Info(ctx, "Build completed")

	return nil
}

type templatedFile struct {
	contents []byte
	mode     os.FileMode
}
