// Package lockfile implements the marker-file mutual exclusion used by
// update sessions and first-run key generation. Acquisition never blocks:
// contention is reported immediately, and abandoned locks are reclaimed
// after a stale lifetime.
package lockfile
