// Package config defines the installation context used by the fleetpack
// binaries and provides helpers to load, validate and save it in YAML format.
//
// The Config type names the update URL, the channel, every local directory
// the pipeline touches and the retention limits for backups.
package config
