// Package keys owns the release signing identity: an RSA-4096 keypair and a
// self-signed certificate, generated lazily on first use and reused for every
// subsequent release. The private key is persisted with restrictive
// permissions and never leaves the packaging environment.
package keys
