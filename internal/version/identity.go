package version

import (
	"fmt"
	"runtime"
	"time"

	goversion "github.com/hashicorp/go-version"
)

// Identity describes one release of the managed binary.
type Identity struct {
	// Semantic is the semantic version, e.g. "1.2.3".
	Semantic string
	// Revision is the source revision the release was built from.
	Revision string
	// BuildDate is the build date in YYYYMMDD form.
	BuildDate string
	// Platform is the host platform pair, e.g. "linux-amd64".
	Platform string
}

// buildDateLayout is the date form embedded into the full version string.
const buildDateLayout = "20060102"

// ResolveIdentity derives the release identity from the build environment:
// the ldflags-injected version and commit, the current date and the host platform.
func ResolveIdentity() Identity {
	return Identity{
		Semantic:  Version,
		Revision:  Commit,
		BuildDate: time.Now().UTC().Format(buildDateLayout),
		Platform:  fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH),
	}
}

// FullVersion returns the semantic-revision-date traceability string.
// It is for display only: the embedded revision is not monotonic,
// so ordering decisions must go through IsNewer instead.
func (i Identity) FullVersion() string {
	return fmt.Sprintf("%s-%s-%s", i.Semantic, i.Revision, i.BuildDate)
}

// IsNewer reports whether candidate is a strictly newer semantic version
// than installed. An empty installed version means nothing is installed yet,
// so any candidate counts as newer.
func IsNewer(candidate, installed string) (bool, error) {
	if installed == "" {
		return true, nil
	}

	candidateVersion, err := goversion.NewVersion(candidate)
	if err != nil {
		return false, fmt.Errorf("parse candidate version %q: %w", candidate, err)
	}

	installedVersion, err := goversion.NewVersion(installed)
	if err != nil {
		return false, fmt.Errorf("parse installed version %q: %w", installed, err)
	}

	return candidateVersion.GreaterThan(installedVersion), nil
}

// Max returns the semantically greatest of the provided version strings.
func Max(versions []string) (string, error) {
	if len(versions) == 0 {
		return "", nil
	}

	greatest, err := goversion.NewVersion(versions[0])
	if err != nil {
		return "", fmt.Errorf("parse version %q: %w", versions[0], err)
	}

	result := versions[0]

	for _, raw := range versions[1:] {
		parsed, err := goversion.NewVersion(raw)
		if err != nil {
			return "", fmt.Errorf("parse version %q: %w", raw, err)
		}

		if parsed.GreaterThan(greatest) {
			greatest = parsed
			result = raw
		}
	}

	return result, nil
}
