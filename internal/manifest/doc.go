// Package manifest defines the per-channel release manifest document,
// the publisher that maintains it in the package store and the fetcher
// that update clients poll it with.
package manifest
