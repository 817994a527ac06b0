package verify

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrChecksumMismatch is returned when the artifact bytes do not hash
	// to the checksum the manifest promised.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrSignatureMissing is returned when no signature accompanies the
	// artifact. Treated exactly like an invalid signature.
	ErrSignatureMissing = errors.New("signature missing")
	// ErrSignatureInvalid is returned when the signature does not verify
	// against the release certificate.
	ErrSignatureInvalid = errors.New("signature invalid")
)

// hashBufferSize is the read buffer for streaming large artifacts.
const hashBufferSize = 1 << 20

// Result reports both verification dimensions of a package.
// Both must hold before a download may be trusted.
type Result struct {
	ChecksumOK  bool
	SignatureOK bool
}

// File verifies the artifact at path against the expected hex-encoded
// SHA-256 checksum and the detached signature, using the public key from
// the release certificate. Checksum and signature are both mandatory;
// either failing means the artifact must not be applied.
func File(path, expectedHex string, signature []byte, public *rsa.PublicKey) (Result, error) {
	var result Result

	digest, err := FileDigest(path)
	if err != nil {
		return result, err
	}

	actualHex := hex.EncodeToString(digest)
	if !strings.EqualFold(actualHex, expectedHex) {
		return result, fmt.Errorf("expected %s, got %s: %w", expectedHex, actualHex, ErrChecksumMismatch)
	}

	result.ChecksumOK = true

	if len(signature) == 0 {
		return result, ErrSignatureMissing
	}

	if err = rsa.VerifyPKCS1v15(public, crypto.SHA256, digest, signature); err != nil {
		return result, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	result.SignatureOK = true

	return result, nil
}

// FileDigest streams the file through SHA-256 and returns the raw digest.
func FileDigest(path string) ([]byte, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	hasher := sha256.New()

	if _, err = io.CopyBuffer(hasher, file, make([]byte, hashBufferSize)); err != nil {
		return nil, fmt.Errorf("hash artifact: %w", err)
	}

	return hasher.Sum(nil), nil
}
