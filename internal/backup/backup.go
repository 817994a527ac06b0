package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fleetpack/fleetpack/internal/logger"
)

// ErrNoBackupAvailable is returned when a rollback is requested
// and the backup store holds no records.
var ErrNoBackupAvailable = errors.New("no backup available")

// recordPrefix starts every backup filename in the store.
const recordPrefix = "backup_"

// backupFileMode keeps restored binaries executable.
const backupFileMode os.FileMode = 0o755

// Record is an immutable snapshot of a previously installed binary.
type Record struct {
	// CapturedAt is when the snapshot was taken.
	CapturedAt time.Time
	// VersionTag is the version the snapshotted binary reported.
	VersionTag string
	// Path locates the snapshot bytes in the backup store.
	Path string
	// Size is the snapshot size in bytes.
	Size int64
}

// Manager owns the backup store directory and its retention policy.
type Manager struct {
	dir    string
	keep   int
	maxAge time.Duration
}

// NewManager returns a Manager over dir keeping at most keep records
// (0 disables count pruning) no older than maxAge (0 disables age pruning).
func NewManager(dir string, keep int, maxAge time.Duration) *Manager {
	return &Manager{dir: dir, keep: keep, maxAge: maxAge}
}

// Backup snapshots the binary at binaryPath into a new, never-overwritten
// record tagged with versionTag, then prunes old records per the retention
// policy. The record just written is never pruned.
func (m *Manager) Backup(ctx context.Context, binaryPath, versionTag string) (*Record, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup store: %w", err)
	}

	capturedAt := time.Now()

	if versionTag == "" {
		versionTag = "unknown"
	}

	name := fmt.Sprintf("%s%s_%d", recordPrefix, versionTag, capturedAt.UnixNano())
	destination := filepath.Join(m.dir, name)

	size, err := copyFile(binaryPath, destination)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", binaryPath, err)
	}

	record := &Record{
		CapturedAt: capturedAt,
		VersionTag: versionTag,
		Path:       destination,
		Size:       size,
	}

	logger.InfoKV(ctx, "Captured backup", "path", destination, "version", versionTag, "size", size)

	m.prune(ctx, record)

	return record, nil
}

// Latest returns the most recently created record across all versions.
func (m *Manager) Latest() (*Record, error) {
	records, err := m.List()
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, ErrNoBackupAvailable
	}

	return &records[0], nil
}

// Restore copies the latest record's bytes over targetPath and re-sets the
// executable permission, returning the record that was used.
func (m *Manager) Restore(ctx context.Context, targetPath string) (*Record, error) {
	record, err := m.Latest()
	if err != nil {
		return nil, err
	}

	if _, err = copyFile(record.Path, targetPath); err != nil {
		return nil, fmt.Errorf("restore %s: %w", record.Path, err)
	}

	if err = os.Chmod(targetPath, backupFileMode); err != nil {
		return nil, fmt.Errorf("restore permissions: %w", err)
	}

	logger.InfoKV(ctx, "Restored binary from backup",
		"backup", record.Path, "version", record.VersionTag, "target", targetPath)

	return record, nil
}

// List returns all records in the store, newest first.
func (m *Manager) List() ([]Record, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("read backup store: %w", err)
	}

	records := make([]Record, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), recordPrefix) {
			continue
		}

		record, ok := parseRecordName(entry.Name())
		if !ok {
			continue
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}

		record.Path = filepath.Join(m.dir, entry.Name())
		record.Size = info.Size()
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CapturedAt.After(records[j].CapturedAt)
	})

	return records, nil
}

// prune applies the retention policy, sparing the just-written record.
func (m *Manager) prune(ctx context.Context, spare *Record) {
	records, err := m.List()
	if err != nil {
		logger.WarnKV(ctx, "Skipping backup pruning", "error", err)
		return
	}

	for i, record := range records {
		if record.Path == spare.Path {
			continue
		}

		tooMany := m.keep > 0 && i >= m.keep
		tooOld := m.maxAge > 0 && time.Since(record.CapturedAt) > m.maxAge

		if !tooMany && !tooOld {
			continue
		}

		if err = os.Remove(record.Path); err != nil {
			logger.WarnKV(ctx, "Unable to prune backup", "path", record.Path, "error", err)
			continue
		}

		logger.InfoKV(ctx, "Pruned backup", "path", record.Path, "version", record.VersionTag)
	}
}

// parseRecordName recovers the version tag and capture time from
// "backup_<version>_<unixnano>" filenames.
func parseRecordName(name string) (Record, bool) {
	trimmed := strings.TrimPrefix(name, recordPrefix)

	separator := strings.LastIndex(trimmed, "_")
	if separator <= 0 || separator == len(trimmed)-1 {
		return Record{}, false
	}

	nanos, err := strconv.ParseInt(trimmed[separator+1:], 10, 64)
	if err != nil {
		return Record{}, false
	}

	return Record{
		CapturedAt: time.Unix(0, nanos),
		VersionTag: trimmed[:separator],
	}, true
}

func copyFile(source, destination string) (int64, error) {
	in, err := os.Open(filepath.Clean(source))
	if err != nil {
		return 0, err
	}

	defer func() {
		_ = in.Close()
	}()

	out, err := os.OpenFile(filepath.Clean(destination), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, backupFileMode)
	if err != nil {
		return 0, err
	}

	size, err := io.Copy(out, in)
	if err != nil {
		_ = out.Close()

		return 0, err
	}

	return size, out.Close()
}
