package verify

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func signedArtifact(t *testing.T, contents []byte) (path, checksum string, signature []byte, public *rsa.PublicKey) {
	t.Helper()

	path = filepath.Join(t.TempDir(), "artifact.tar.gz")
	require.NoError(t, os.WriteFile(path, contents, 0o644))

	digest := sha256.Sum256(contents)
	checksum = hex.EncodeToString(digest[:])

	private, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	signature, err = rsa.SignPKCS1v15(rand.Reader, private, crypto.SHA256, digest[:])
	require.NoError(t, err)

	return path, checksum, signature, &private.PublicKey
}

// TestFileAcceptsValidArtifact checks the happy path: both dimensions pass.
func TestFileAcceptsValidArtifact(t *testing.T) {
	t.Parallel()

	path, checksum, signature, public := signedArtifact(t, []byte("release bytes"))

	result, err := File(path, checksum, signature, public)
	require.NoError(t, err)
	require.True(t, result.ChecksumOK)
	require.True(t, result.SignatureOK)
}

// TestFileRejectsTamperedArtifact fails on the checksum before the signature
// is even considered.
func TestFileRejectsTamperedArtifact(t *testing.T) {
	t.Parallel()

	path, checksum, signature, public := signedArtifact(t, []byte("release bytes"))

	require.NoError(t, os.WriteFile(path, []byte("tampered bytes"), 0o644))

	result, err := File(path, checksum, signature, public)
	require.ErrorIs(t, err, ErrChecksumMismatch)
	require.False(t, result.ChecksumOK)
}

// TestFileRejectsMissingSignature treats an absent signature as a failure
// even when the checksum matches.
func TestFileRejectsMissingSignature(t *testing.T) {
	t.Parallel()

	path, checksum, _, public := signedArtifact(t, []byte("release bytes"))

	result, err := File(path, checksum, nil, public)
	require.ErrorIs(t, err, ErrSignatureMissing)
	require.True(t, result.ChecksumOK)
	require.False(t, result.SignatureOK)
}

// TestFileRejectsWrongKey fails signature verification against a different key.
func TestFileRejectsWrongKey(t *testing.T) {
	t.Parallel()

	path, checksum, signature, _ := signedArtifact(t, []byte("release bytes"))

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	result, err := File(path, checksum, signature, &other.PublicKey)
	require.ErrorIs(t, err, ErrSignatureInvalid)
	require.True(t, result.ChecksumOK)
	require.False(t, result.SignatureOK)
}

// TestFileDigest matches the one-shot hash of the same bytes.
func TestFileDigest(t *testing.T) {
	t.Parallel()

	contents := []byte("some artifact")
	path := filepath.Join(t.TempDir(), "artifact")
	require.NoError(t, os.WriteFile(path, contents, 0o644))

	digest, err := FileDigest(path)
	require.NoError(t, err)

	expected := sha256.Sum256(contents)
	require.Equal(t, expected[:], digest)
}
