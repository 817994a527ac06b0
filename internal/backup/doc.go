// Package backup snapshots the installed binary before an update overwrites
// it and restores the most recent snapshot on rollback. Records are
// immutable, never overwritten and pruned by a bounded count/age retention
// policy, since unbounded backups exhaust storage on constrained devices.
package backup
