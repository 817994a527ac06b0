// Package updater implements the client side of the release pipeline:
// checking a channel manifest for a newer version, downloading and
// verifying the release archive, backing up the installed binary and
// swapping in the new one, with automatic rollback when the freshly
// applied binary does not come up with the expected version.
//
// Each invocation is a session guarded by a lock file in the install
// directory, so concurrent updater runs abort instead of interleaving.
package updater
