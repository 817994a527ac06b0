package packager

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetpack/fleetpack/internal/config"
	"github.com/fleetpack/fleetpack/internal/manifest"
	"github.com/fleetpack/fleetpack/internal/verify"
	"github.com/fleetpack/fleetpack/internal/version"
)

// writeSettings prepares an isolated installation for packager tests.
func writeSettings(t *testing.T, dir string) (cfgPath string, cfg *config.Config) {
	t.Helper()

	cfg = &config.Config{
		Executable: "fleetpack-agent",
		InstallDir: filepath.Join(dir, "install"),
		BackupDir:  filepath.Join(dir, "backups"),
		KeysDir:    filepath.Join(dir, "keys"),
		PackageDir: filepath.Join(dir, "packages"),
	}

	cfgPath = filepath.Join(dir, config.DefaultConfigFilename)
	require.NoError(t, config.Save(cfgPath, cfg))

	return cfgPath, cfg
}

// TestRunProducesSignedPackage drives the whole packaging workflow and
// inspects every artifact it promises: archive, signature, checksum
// listings, certificate, metadata and the manifest entry.
func TestRunProducesSignedPackage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath, cfg := writeSettings(t, dir)

	binaryBytes := []byte("built agent bytes")
	binaryPath := filepath.Join(dir, "agent-built")
	require.NoError(t, os.WriteFile(binaryPath, binaryBytes, 0o755))

	ctx := context.Background()
	options := &Options{
		ConfigPath: cfgPath,
		BinaryPath: binaryPath,
		Changelog:  []string{"initial release"},
	}

	require.NoError(t, Run(ctx, options))

	archivePath := filepath.Join(cfg.PackageDir, ArchiveName(version.ResolveIdentity()))

	_, err := os.Stat(archivePath)
	require.NoError(t, err)

	_, err = os.Stat(archivePath + SignatureSuffix)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(cfg.PackageDir, DistributedCertificate))
	require.NoError(t, err)

	// The checksum in the metadata covers the final archive bytes.
	pkg, err := readMetadata(archivePath + MetadataSuffix)
	require.NoError(t, err)
	require.NotEmpty(t, pkg.Signature)

	digest, err := verify.FileDigest(archivePath)
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(digest), pkg.SHA256)

	sums, err := os.ReadFile(filepath.Join(cfg.PackageDir, SHA256SumsFilename))
	require.NoError(t, err)
	require.Contains(t, string(sums), filepath.Base(archivePath))
	require.Contains(t, string(sums), pkg.SHA256)

	// The executable inside the archive is the built binary, unmodified.
	extracted, err := ExtractFile(archivePath, BinaryArchivePath(cfg.Executable))
	require.NoError(t, err)
	require.Equal(t, binaryBytes, extracted)

	// The manifest entry points at the archive with matching checksum.
	manifestBytes, err := os.ReadFile(filepath.Join(cfg.PackageDir, "stable", manifest.ManifestFilename))
	require.NoError(t, err)

	var m manifest.Manifest
	require.NoError(t, json.Unmarshal(manifestBytes, &m))
	require.Equal(t, version.Short(), m.LatestVersion)
	require.Len(t, m.Releases, 1)
	require.Equal(t, pkg.SHA256, m.Releases[0].Checksum)
	require.Equal(t, pkg.Signature, m.Releases[0].Signature)
	require.Equal(t, filepath.Base(archivePath), m.Releases[0].DownloadURL)
	require.True(t, m.Releases[0].RollbackAllowed)
}

// TestVerifyPackageDetectsTamper re-verifies a published archive, then
// corrupts it and expects a checksum failure.
func TestVerifyPackageDetectsTamper(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath, cfg := writeSettings(t, dir)

	binaryPath := filepath.Join(dir, "agent-built")
	require.NoError(t, os.WriteFile(binaryPath, []byte("built agent bytes"), 0o755))

	ctx := context.Background()
	require.NoError(t, Run(ctx, &Options{ConfigPath: cfgPath, BinaryPath: binaryPath}))

	archivePath := filepath.Join(cfg.PackageDir, ArchiveName(version.ResolveIdentity()))
	require.NoError(t, VerifyPackage(ctx, cfgPath, archivePath))

	// Append garbage to the archive.
	file, err := os.OpenFile(archivePath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)

	_, err = file.WriteString("garbage")
	require.NoError(t, err)
	require.NoError(t, file.Close())

	err = VerifyPackage(ctx, cfgPath, archivePath)
	require.ErrorIs(t, err, verify.ErrChecksumMismatch)
}

// TestRunRequiresBinary rejects a missing build output before writing anything.
func TestRunRequiresBinary(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath, cfg := writeSettings(t, dir)

	err := Run(context.Background(), &Options{ConfigPath: cfgPath})
	require.ErrorIs(t, err, errBinaryRequired)

	err = Run(context.Background(), &Options{
		ConfigPath: cfgPath,
		BinaryPath: filepath.Join(dir, "does-not-exist"),
	})
	require.ErrorIs(t, err, errMissingDependency)

	// Nothing landed in the package store.
	_, err = os.Stat(cfg.PackageDir)
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestCleanRemovesStaging leaves published artifacts alone.
func TestCleanRemovesStaging(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath, cfg := writeSettings(t, dir)

	staging := filepath.Join(cfg.PackageDir, stagingDirName, "leftover")
	require.NoError(t, os.MkdirAll(staging, 0o755))

	published := filepath.Join(cfg.PackageDir, "fleetpack-1.0.0-linux-amd64.tar.gz")
	require.NoError(t, os.WriteFile(published, []byte("archive"), 0o644))

	require.NoError(t, Clean(context.Background(), cfgPath))

	_, err := os.Stat(staging)
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = os.Stat(published)
	require.NoError(t, err)
}

// TestUpdateChecksumListing replaces lines per artifact and keeps them sorted.
func TestUpdateChecksumListing(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "SHA256SUMS")

	require.NoError(t, updateChecksumListing(path, "aaa", "b.tar.gz"))
	require.NoError(t, updateChecksumListing(path, "bbb", "a.tar.gz"))
	require.NoError(t, updateChecksumListing(path, "ccc", "b.tar.gz"))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(contents)), "\n")
	require.Equal(t, []string{"bbb  a.tar.gz", "ccc  b.tar.gz"}, lines)
}
