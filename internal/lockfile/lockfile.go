package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fleetpack/fleetpack/internal/logger"
)

// ErrLocked is returned when another process already holds the lock.
// Callers must abort immediately instead of waiting, so a stuck session
// can never deadlock the next scheduled one.
var ErrLocked = errors.New("lock is held by another process")

// staleLifetime is the age after which an abandoned lock file is reclaimed.
const staleLifetime = 10 * time.Minute

// lockFileMode restricts the lock file to the owning user.
const lockFileMode = 0o600

// Lock is a held file lock. Release removes it.
type Lock struct {
	path string
}

// Acquire creates the lock file at path with O_EXCL semantics and writes the
// owning PID into it. If the file already exists and is younger than the
// stale lifetime, ErrLocked is returned at once. A stale lock is removed and
// acquisition is retried exactly once.
func Acquire(ctx context.Context, path string) (*Lock, error) {
	lock, err := tryCreate(path)
	if err == nil {
		return lock, nil
	}

	if !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create lock %s: %w", path, err)
	}

	info, statErr := os.Stat(path)
	if statErr != nil {
		if errors.Is(statErr, os.ErrNotExist) {
			// The holder released between our attempts.
			return tryCreateFinal(path)
		}

		return nil, fmt.Errorf("inspect lock %s: %w", path, statErr)
	}

	if time.Since(info.ModTime()) <= staleLifetime {
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}

	logger.InfoKV(ctx, "Removing stale lock", "path", path, "age", time.Since(info.ModTime()))

	if removeErr := os.Remove(path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale lock %s: %w", path, removeErr)
	}

	return tryCreateFinal(path)
}

// tryCreate attempts a single exclusive creation of the lock file.
func tryCreate(path string) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, lockFileMode)
	if err != nil {
		return nil, err
	}

	_, writeErr := file.WriteString(strconv.Itoa(os.Getpid()))
	closeErr := file.Close()

	if writeErr != nil || closeErr != nil {
		_ = os.Remove(path)

		if writeErr != nil {
			return nil, writeErr
		}

		return nil, closeErr
	}

	return &Lock{path: path}, nil
}

// tryCreateFinal is the single retry after stale-lock cleanup.
func tryCreateFinal(path string) (*Lock, error) {
	lock, err := tryCreate(path)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}

		return nil, fmt.Errorf("create lock %s: %w", path, err)
	}

	return lock, nil
}

// Release removes the lock file. Releasing an already released lock is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}

	path := l.path
	l.path = ""

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release lock %s: %w", path, err)
	}

	return nil
}
