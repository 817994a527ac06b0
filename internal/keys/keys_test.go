package keys

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestEnsureKeyMaterialGeneratesOnce checks lazy generation and reload.
func TestEnsureKeyMaterialGeneratesOnce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	manager := NewManager(dir)

	material, err := manager.EnsureKeyMaterial(context.Background())
	require.NoError(t, err)
	require.NotNil(t, material.Private)
	require.NotNil(t, material.Certificate)

	// All three files are persisted; the private key stays owner-only.
	info, err := os.Stat(filepath.Join(dir, PrivateKeyFilename))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = os.Stat(filepath.Join(dir, PublicKeyFilename))
	require.NoError(t, err)

	_, err = os.Stat(manager.CertificatePath())
	require.NoError(t, err)

	// The second call loads the same identity instead of regenerating.
	reloaded, err := manager.EnsureKeyMaterial(context.Background())
	require.NoError(t, err)
	require.Zero(t, material.Private.N.Cmp(reloaded.Private.N))
}

// TestSignVerifiesAgainstCertificate signs data and verifies with the
// public key extracted from the distributed certificate.
func TestSignVerifiesAgainstCertificate(t *testing.T) {
	t.Parallel()

	manager := NewManager(t.TempDir())

	material, err := manager.EnsureKeyMaterial(context.Background())
	require.NoError(t, err)

	data := []byte("release archive bytes")

	signature, err := material.Sign(data)
	require.NoError(t, err)

	certificate, err := ParseCertificatePEM(material.CertificatePEM())
	require.NoError(t, err)

	public, err := PublicKeyFromCertificate(certificate)
	require.NoError(t, err)

	digest := sha256.Sum256(data)
	require.NoError(t, rsa.VerifyPKCS1v15(public, crypto.SHA256, digest[:], signature))

	// A different payload must not verify.
	otherDigest := sha256.Sum256([]byte("tampered bytes"))
	require.Error(t, rsa.VerifyPKCS1v15(public, crypto.SHA256, otherDigest[:], signature))
}

// TestParseCertificatePEMRejectsGarbage checks PEM error handling.
func TestParseCertificatePEMRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := ParseCertificatePEM([]byte("not a certificate"))
	require.Error(t, err)
}
