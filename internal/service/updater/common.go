package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-ps"

	"github.com/fleetpack/fleetpack/internal/logger"
)

const (
	// LockFilename guards an installation directory against concurrent sessions.
	LockFilename = "fleetpack-update.lock"

	// VersionRecordFilename stores the installed version after a verified apply.
	VersionRecordFilename = "version.json"

	// versionCommandTimeout bounds the self-reported version probe.
	versionCommandTimeout = 10 * time.Second

	// terminationGrace is how long a running binary gets to exit after SIGTERM
	// before it is killed.
	terminationGrace = 5 * time.Second

	// terminationPoll is the interval at which surviving processes are re-checked.
	terminationPoll = 200 * time.Millisecond
)

var errInvalidVersionOutput = errors.New("invalid version output format")

// versionRecord is the installed-version document kept in the install dir.
type versionRecord struct {
	Version   string    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// detectInstalledVersion asks the installed binary for its version, falling
// back to the recorded version document. Empty means nothing is installed.
func detectInstalledVersion(ctx context.Context, installDir, binaryPath string) string {
	if reported, err := selfReportedVersion(ctx, binaryPath); err == nil && reported != "" {
		return reported
	} else if err != nil {
		logger.Warnf(ctx, "Could not get local version from %s: %v", binaryPath, err)
	}

	if recorded := recordedVersion(installDir); recorded != "" {
		return recorded
	}

	return ""
}

// selfReportedVersion runs `<binary> version` with a bounded timeout and
// parses the semantic version out of its output.
func selfReportedVersion(ctx context.Context, binaryPath string) (string, error) {
	if _, err := os.Stat(binaryPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// First install: nothing to ask.
			return "", nil
		}

		return "", err
	}

	cmdCtx, cancel := context.WithTimeout(ctx, versionCommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, binaryPath, "version") //nolint:gosec // Managed binary path from settings.

	output, err := cmd.Output()
	if err != nil {
		return "", err
	}

	return parseVersionFromOutput(string(output))
}

// parseVersionFromOutput extracts the semantic version from executable version output.
func parseVersionFromOutput(output string) (string, error) {
	// Parse "version: 1.0.0, commit: abc123, built at: ..." → "1.0.0".
	output = strings.TrimSpace(output)
	if strings.HasPrefix(output, "version: ") {
		parts := strings.Split(output, ",")
		if len(parts) > 0 {
			parsed := strings.TrimSpace(strings.TrimPrefix(parts[0], "version: "))
			if parsed != "" {
				return parsed, nil
			}
		}
	}

	return "", errInvalidVersionOutput
}

// recordedVersion reads the version document written after the last verified apply.
func recordedVersion(installDir string) string {
	contents, err := os.ReadFile(filepath.Clean(filepath.Join(installDir, VersionRecordFilename)))
	if err != nil {
		return ""
	}

	var record versionRecord
	if err = json.Unmarshal(contents, &record); err != nil {
		return ""
	}

	return record.Version
}

// writeVersionRecord persists the installed version after a verified apply.
func writeVersionRecord(installDir, installedVersion string) error {
	record := versionRecord{
		Version:   installedVersion,
		UpdatedAt: time.Now().UTC(),
	}

	contents, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal version record: %w", err)
	}

	path := filepath.Join(installDir, VersionRecordFilename)
	if err = os.WriteFile(path, contents, 0o644); err != nil { //nolint:gosec // Version record is public metadata.
		return fmt.Errorf("write version record: %w", err)
	}

	return nil
}

// terminateProcess stops every running instance of the named executable:
// SIGTERM first, a bounded grace period, then a hard kill for survivors.
func terminateProcess(ctx context.Context, executable string) error {
	pids, err := findProcesses(executable)
	if err != nil {
		return err
	}

	if len(pids) == 0 {
		return nil
	}

	logger.InfoKV(ctx, "Terminating running instances", "executable", executable, "count", len(pids))

	for _, pid := range pids {
		process, findErr := os.FindProcess(pid)
		if findErr != nil {
			continue
		}

		// Ask politely first; the hard stop comes after the grace period.
		_ = process.Signal(os.Interrupt)
	}

	deadline := time.Now().Add(terminationGrace)

	for time.Now().Before(deadline) {
		survivors, pollErr := findProcesses(executable)
		if pollErr != nil {
			return pollErr
		}

		if len(survivors) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(terminationPoll):
		}
	}

	survivors, err := findProcesses(executable)
	if err != nil {
		return err
	}

	for _, pid := range survivors {
		process, findErr := os.FindProcess(pid)
		if findErr != nil {
			continue
		}

		logger.WarnKV(ctx, "Escalating to hard stop", "executable", executable, "pid", pid)

		if killErr := process.Kill(); killErr != nil {
			return killErr
		}
	}

	return nil
}

// findProcesses returns the PIDs of running processes with the given
// executable name, excluding the updater itself.
func findProcesses(executable string) ([]int, error) {
	processList, err := ps.Processes()
	if err != nil {
		return nil, err
	}

	thisProcessID := os.Getpid()

	var pids []int

	for _, process := range processList {
		if process.Pid() == thisProcessID {
			continue
		}

		if process.Executable() != executable {
			continue
		}

		pids = append(pids, process.Pid())
	}

	return pids, nil
}
