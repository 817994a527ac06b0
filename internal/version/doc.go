// Package version exposes build-time version information, the release
// identity derived from it, and the semantic comparison helpers every
// "is this newer" decision in the pipeline must go through.
package version
