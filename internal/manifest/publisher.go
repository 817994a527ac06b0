package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	goversion "github.com/hashicorp/go-version"

	"github.com/fleetpack/fleetpack/internal/logger"
	"github.com/fleetpack/fleetpack/internal/version"
)

// publishedFileMode keeps manifests world-readable: they are served as-is.
const publishedFileMode = 0o644

// Publisher maintains one manifest document per channel under its root directory.
type Publisher struct {
	dir string
}

// NewPublisher returns a Publisher rooted at dir.
func NewPublisher(dir string) *Publisher {
	return &Publisher{dir: dir}
}

// Publish appends or replaces the entry for entry.Version in the channel's
// release list, recomputes the latest version by semantic ordering, stamps
// the publish time and writes the manifest document back.
func (p *Publisher) Publish(ctx context.Context, channel Channel, entry Entry) (*Manifest, error) {
	m, err := p.load(channel)
	if err != nil {
		return nil, err
	}

	replaced := false

	for i := range m.Releases {
		if m.Releases[i].Version == entry.Version {
			m.Releases[i] = entry
			replaced = true

			break
		}
	}

	if !replaced {
		m.Releases = append(m.Releases, entry)
	}

	if err = sortNewestFirst(m.Releases); err != nil {
		return nil, err
	}

	m.LatestVersion = m.Releases[0].Version
	m.CurrentVersion = version.Short()
	m.LastCheck = time.Now().UTC()

	if err = p.write(channel, m); err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Published manifest entry",
		"channel", channel, "version", entry.Version, "latest", m.LatestVersion)

	return m, nil
}

// Load returns the current manifest of the channel, or an empty one
// if the channel has never been published to.
func (p *Publisher) Load(channel Channel) (*Manifest, error) {
	return p.load(channel)
}

func (p *Publisher) load(channel Channel) (*Manifest, error) {
	path := p.manifestPath(channel)

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Manifest{Channel: channel}, nil
		}

		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var m Manifest
	if err = json.Unmarshal(contents, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest %s: %w", path, err)
	}

	m.Channel = channel

	return &m, nil
}

// write persists the manifest atomically: a temp file in the same
// directory is renamed over the published document.
func (p *Publisher) write(channel Channel, m *Manifest) error {
	dir := filepath.Join(p.dir, channel.Path())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create channel directory: %w", err)
	}

	contents, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ManifestFilename+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}

	tmpName := tmp.Name()

	if _, err = tmp.Write(contents); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)

		return fmt.Errorf("write temp manifest: %w", err)
	}

	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("close temp manifest: %w", err)
	}

	if err = os.Chmod(tmpName, publishedFileMode); err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("chmod temp manifest: %w", err)
	}

	if err = os.Rename(tmpName, p.manifestPath(channel)); err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("replace manifest: %w", err)
	}

	return nil
}

func (p *Publisher) manifestPath(channel Channel) string {
	return filepath.Join(p.dir, channel.Path(), ManifestFilename)
}

// sortNewestFirst orders entries by descending semantic version.
func sortNewestFirst(entries []Entry) error {
	type keyedEntry struct {
		parsed *goversion.Version
		entry  Entry
	}

	keyed := make([]keyedEntry, len(entries))

	for i := range entries {
		v, err := goversion.NewVersion(entries[i].Version)
		if err != nil {
			return fmt.Errorf("parse release version %q: %w", entries[i].Version, err)
		}

		keyed[i] = keyedEntry{parsed: v, entry: entries[i]}
	}

	sort.SliceStable(keyed, func(i, j int) bool {
		return keyed[i].parsed.GreaterThan(keyed[j].parsed)
	})

	for i := range keyed {
		entries[i] = keyed[i].entry
	}

	return nil
}
