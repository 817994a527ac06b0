package manifest

import (
	"errors"
	"time"
)

// ManifestFilename is the document name published per channel.
const ManifestFilename = "manifest.json"

// Entry describes one published release within a channel.
type Entry struct {
	// Version is the semantic version of the release.
	Version string `json:"version"`
	// ReleaseDate is when the release was published.
	ReleaseDate time.Time `json:"release_date"`
	// Changelog holds human-readable release notes, one line per change.
	Changelog []string `json:"changelog"`
	// DownloadURL points at the release archive.
	DownloadURL string `json:"download_url"`
	// Checksum is the hex-encoded SHA-256 of the archive bytes.
	Checksum string `json:"checksum"`
	// Signature is the base64-encoded detached signature over the archive digest.
	Signature string `json:"signature"`
	// Size is the archive size in bytes.
	Size int64 `json:"size"`
	// MinSystemVersion is the oldest system release the update supports.
	MinSystemVersion string `json:"min_system_version,omitempty"`
	// Critical marks releases that clients should not skip.
	Critical bool `json:"critical"`
	// RollbackAllowed reports whether clients may roll this release back.
	RollbackAllowed bool `json:"rollback_allowed"`
}

// Manifest is the machine-readable document polled by update clients.
// CurrentVersion reflects the publisher's own installed version and is
// informational only; clients compare their installed version against
// LatestVersion.
type Manifest struct {
	// Channel names the update track this manifest belongs to.
	Channel Channel `json:"channel"`
	// CurrentVersion is the publisher's version at publish time.
	CurrentVersion string `json:"current_version"`
	// LatestVersion is the semantically greatest release in Releases.
	LatestVersion string `json:"latest_version"`
	// Releases lists published entries, newest first.
	Releases []Entry `json:"releases"`
	// LastCheck is the publish timestamp of this document.
	LastCheck time.Time `json:"last_check"`
}

// ErrNoReleases is returned when a manifest lists no entries at all.
var ErrNoReleases = errors.New("manifest lists no releases")

// Latest returns the entry matching LatestVersion.
func (m *Manifest) Latest() (*Entry, error) {
	return m.EntryFor(m.LatestVersion)
}

// EntryFor returns the entry for the given version.
func (m *Manifest) EntryFor(version string) (*Entry, error) {
	if len(m.Releases) == 0 {
		return nil, ErrNoReleases
	}

	for i := range m.Releases {
		if m.Releases[i].Version == version {
			return &m.Releases[i], nil
		}
	}

	return nil, ErrNoReleases
}
