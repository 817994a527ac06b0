package packager

import (
	"crypto/md5" //nolint:gosec // MD5 digests are published for legacy tooling only.
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fleetpack/fleetpack/internal/version"
)

const (
	// ArchiveSuffix is the extension of published release archives.
	ArchiveSuffix = ".tar.gz"

	// SignatureSuffix names the detached signature distributed next to an archive.
	SignatureSuffix = ".sig"

	// MetadataSuffix names the package metadata document next to an archive.
	MetadataSuffix = ".yaml"

	// SHA256SumsFilename is the plain-text sha256 digest listing in the package store.
	SHA256SumsFilename = "SHA256SUMS"

	// MD5SumsFilename is the plain-text md5 digest listing in the package store.
	MD5SumsFilename = "MD5SUMS"

	// DistributedCertificate is the certificate filename copied into the package store.
	DistributedCertificate = "signer.crt"

	// stagingDirName is where the artifact tree is assembled before archiving.
	stagingDirName = "staging"

	// DefaultFileMode is used when producing artifacts for distribution.
	DefaultFileMode os.FileMode = 0o755

	metadataFileMode os.FileMode = 0o644
)

// Package is the immutable description of one published release archive.
// The checksum covers the final archive bytes; the signature is distributed
// alongside, not embedded, and is verified separately against the certificate.
type Package struct {
	// ArtifactPath locates the archive within the package store.
	ArtifactPath string `yaml:"artifact"`
	// SizeBytes is the archive size.
	SizeBytes int64 `yaml:"size"`
	// SHA256 is the hex-encoded digest of the archive bytes.
	SHA256 string `yaml:"sha256"`
	// Signature is the base64-encoded detached signature over the digest.
	Signature string `yaml:"signature"`
	// Certificate locates the signing certificate within the package store.
	Certificate string `yaml:"certificate"`
	// CreatedAt is when the package was built.
	CreatedAt time.Time `yaml:"created_at"`
}

// ArchiveName returns the store filename for a release of the given identity.
func ArchiveName(identity version.Identity) string {
	return fmt.Sprintf("fleetpack-%s-%s%s", identity.Semantic, identity.Platform, ArchiveSuffix)
}

// BinaryArchivePath returns the path of the executable inside a release archive.
func BinaryArchivePath(executable string) string {
	return "bin/" + executable
}

// writeMetadata persists the package document next to the archive.
func writeMetadata(pkg *Package, path string) error {
	contents, err := yaml.Marshal(pkg)
	if err != nil {
		return fmt.Errorf("marshal package metadata: %w", err)
	}

	if err = os.WriteFile(path, contents, metadataFileMode); err != nil {
		return fmt.Errorf("write package metadata: %w", err)
	}

	return nil
}

// readMetadata loads a package document from the store.
func readMetadata(path string) (*Package, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read package metadata: %w", err)
	}

	var pkg Package
	if err = yaml.Unmarshal(contents, &pkg); err != nil {
		return nil, fmt.Errorf("unmarshal package metadata: %w", err)
	}

	return &pkg, nil
}

// updateChecksumListing maintains a "digest  filename" line per artifact in
// the plain-text listing at path, replacing any previous line for the same
// filename and keeping the listing sorted.
func updateChecksumListing(path, digestHex, artifactName string) error {
	lines := make(map[string]string)

	if contents, err := os.ReadFile(filepath.Clean(path)); err == nil {
		for _, line := range strings.Split(string(contents), "\n") {
			fields := strings.Fields(line)
			if len(fields) == 2 {
				lines[fields[1]] = fields[0]
			}
		}
	}

	lines[artifactName] = digestHex

	names := make([]string, 0, len(lines))
	for name := range lines {
		names = append(names, name)
	}

	sort.Strings(names)

	var builder strings.Builder
	for _, name := range names {
		builder.WriteString(lines[name])
		builder.WriteString("  ")
		builder.WriteString(name)
		builder.WriteString("\n")
	}

	if err := os.WriteFile(filepath.Clean(path), []byte(builder.String()), metadataFileMode); err != nil {
		return fmt.Errorf("write checksum listing: %w", err)
	}

	return nil
}

// archiveDigests computes the sha256 and md5 digests published for an archive.
func archiveDigests(data []byte) (sha256Hex, md5Hex string) {
	shaSum := sha256.Sum256(data)
	md5Sum := md5.Sum(data) //nolint:gosec // Published for legacy tooling only.

	return hex.EncodeToString(shaSum[:]), hex.EncodeToString(md5Sum[:])
}
