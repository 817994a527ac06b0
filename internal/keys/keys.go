package keys

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/fleetpack/fleetpack/internal/lockfile"
	"github.com/fleetpack/fleetpack/internal/logger"
)

const (
	// PrivateKeyFilename holds the PEM-encoded signing key. Never leaves the packaging environment.
	PrivateKeyFilename = "signer.key"
	// PublicKeyFilename holds the PEM-encoded public key distributed with releases.
	PublicKeyFilename = "signer.pub"
	// CertificateFilename holds the self-signed certificate binding the signing identity.
	CertificateFilename = "signer.crt"

	// generationLock guards first-run generation against concurrent packagers.
	generationLock = "keys.lock"

	// keyBits is the RSA modulus size for newly generated identities.
	keyBits = 4096

	// certificateLifetime keeps old signatures verifiable for years after rotation.
	certificateLifetime = 10 * 365 * 24 * time.Hour

	privateKeyMode = 0o600
	publicFileMode = 0o644
)

var (
	errPEMDecode       = errors.New("no PEM block found")
	errNotRSAKey       = errors.New("key material is not RSA")
	errKeyCertMismatch = errors.New("certificate does not match private key")
)

// KeyMaterial is one signing identity: the private key, its public half
// and the self-signed certificate distributed alongside releases.
type KeyMaterial struct {
	Private     *rsa.PrivateKey
	Public      *rsa.PublicKey
	Certificate *x509.Certificate
}

// Manager owns the key material stored in a single directory.
// Replacing the three files on disk is a key rotation; signatures made with
// the previous material remain valid against the previous certificate.
type Manager struct {
	dir string
}

// NewManager returns a Manager rooted at dir.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// EnsureKeyMaterial loads the signing identity, generating and persisting a
// new one on first use. Generation happens at most once per identity: it is
// guarded by a lock file so concurrent first-time packagers cannot race to
// produce divergent keypairs.
func (m *Manager) EnsureKeyMaterial(ctx context.Context) (*KeyMaterial, error) {
	material, err := m.load()
	if err == nil {
		return material, nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err = os.MkdirAll(m.dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keys directory: %w", err)
	}

	lock, err := lockfile.Acquire(ctx, filepath.Join(m.dir, generationLock))
	if err != nil {
		return nil, fmt.Errorf("guard key generation: %w", err)
	}

	defer func() {
		_ = lock.Release()
	}()

	// Another process may have finished generating while we waited for the lock file.
	if material, err = m.load(); err == nil {
		return material, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	logger.InfoKV(ctx, "Generating new signing identity", "dir", m.dir, "bits", keyBits)

	return m.generate()
}

// Sign produces a detached signature over the SHA-256 digest of data,
// in the PKCS#1 v1.5 scheme the update client verifies before applying.
func (k *KeyMaterial) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)

	signature, err := rsa.SignPKCS1v15(rand.Reader, k.Private, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}

	return signature, nil
}

// CertificatePEM returns the certificate in PEM form for distribution.
func (k *KeyMaterial) CertificatePEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: k.Certificate.Raw})
}

// PublicKeyPEM returns the public key in PKIX PEM form.
func (k *KeyMaterial) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(k.Public)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// CertificatePath returns where the manager persists the certificate.
func (m *Manager) CertificatePath() string {
	return filepath.Join(m.dir, CertificateFilename)
}

func (m *Manager) load() (*KeyMaterial, error) {
	keyPEM, err := os.ReadFile(filepath.Join(m.dir, PrivateKeyFilename))
	if err != nil {
		return nil, err
	}

	certPEM, err := os.ReadFile(m.CertificatePath())
	if err != nil {
		return nil, err
	}

	private, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}

	certificate, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}

	certPublic, ok := certificate.PublicKey.(*rsa.PublicKey)
	if !ok || certPublic.N.Cmp(private.N) != 0 {
		return nil, errKeyCertMismatch
	}

	return &KeyMaterial{
		Private:     private,
		Public:      &private.PublicKey,
		Certificate: certificate,
	}, nil
}

func (m *Manager) generate() (*KeyMaterial, error) {
	private, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization:       []string{"Fleetpack"},
			OrganizationalUnit: []string{"Release Signing"},
			CommonName:         "fleetpack release signing",
		},
		NotBefore:             now,
		NotAfter:              now.Add(certificateLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &private.PublicKey, private)
	if err != nil {
		return nil, fmt.Errorf("self-sign certificate: %w", err)
	}

	certificate, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse generated certificate: %w", err)
	}

	material := &KeyMaterial{
		Private:     private,
		Public:      &private.PublicKey,
		Certificate: certificate,
	}

	if err = m.persist(material); err != nil {
		return nil, err
	}

	return material, nil
}

func (m *Manager) persist(material *KeyMaterial) error {
	keyDER, err := x509.MarshalPKCS8PrivateKey(material.Private)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err = os.WriteFile(filepath.Join(m.dir, PrivateKeyFilename), keyPEM, privateKeyMode); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	publicPEM, err := material.PublicKeyPEM()
	if err != nil {
		return err
	}

	if err = os.WriteFile(filepath.Join(m.dir, PublicKeyFilename), publicPEM, publicFileMode); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	if err = os.WriteFile(m.CertificatePath(), material.CertificatePEM(), publicFileMode); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}

	return nil
}

func parsePrivateKey(keyPEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("private key: %w", errPEMDecode)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	private, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errNotRSAKey
	}

	return private, nil
}

// ParseCertificatePEM decodes a PEM-encoded certificate, such as the one
// distributed next to published packages.
func ParseCertificatePEM(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("certificate: %w", errPEMDecode)
	}

	certificate, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	return certificate, nil
}

// PublicKeyFromCertificate extracts the RSA public key used for verification.
func PublicKeyFromCertificate(certificate *x509.Certificate) (*rsa.PublicKey, error) {
	public, ok := certificate.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errNotRSAKey
	}

	return public, nil
}
