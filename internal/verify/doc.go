// Package verify validates a downloaded package before any destructive step:
// the SHA-256 checksum against the manifest entry and the detached RSA
// signature against the release certificate. Both checks are blocking; a
// missing signature fails verification the same way an invalid one does.
package verify
