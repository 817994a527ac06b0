// Package packager builds signed release packages: it assembles the artifact
// tree around the built binary, archives it, signs the archive with the
// managed key material, records digests and package metadata, and publishes
// the release into the channel manifest. A failed step aborts before anything
// half-built can be mistaken for a release.
package packager
