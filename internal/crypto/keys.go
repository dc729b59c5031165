package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/federalis/idp/internal/saml"
)

// KeySet holds the provider's RSA signing key and its X.509 certificate.
// The same key signs SAML messages and session tokens.
type KeySet struct {
	rsaKey    *rsa.PrivateKey
	cert      *x509.Certificate
	keyID     string
	createdAt time.Time
}

// NewKeySet generates a fresh 2048-bit RSA key with a self-signed
// certificate naming the given entity ID.
func NewKeySet(entityID string) (*KeySet, error) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	cert, _, err := saml.GenerateSelfSignedCert(rsaKey, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing certificate: %w", err)
	}

	return &KeySet{
		rsaKey:    rsaKey,
		cert:      cert,
		keyID:     generateKeyID("rsa"),
		createdAt: time.Now(),
	}, nil
}

// LoadKeySet reads a PEM private key and certificate from disk.
func LoadKeySet(keyPath, certPath string) (*KeySet, error) {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	rsaKey, err := parseRSAPrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}

	if cert.PublicKey.(*rsa.PublicKey).N.Cmp(rsaKey.N) != 0 {
		return nil, fmt.Errorf("certificate does not match private key")
	}

	return &KeySet{
		rsaKey:    rsaKey,
		cert:      cert,
		keyID:     generateKeyID("rsa"),
		createdAt: time.Now(),
	}, nil
}

// parseRSAPrivateKeyPEM accepts PKCS#1 and PKCS#8 encodings.
func parseRSAPrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in key file")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}

// ParseCertificatePEM parses a single PEM certificate.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in certificate data")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// generateKeyID creates a unique key identifier
func generateKeyID(prefix string) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%s-%x", prefix, b)
}

// Signer returns the RSA private key.
func (ks *KeySet) Signer() *rsa.PrivateKey { return ks.rsaKey }

// PublicKey returns the RSA public key.
func (ks *KeySet) PublicKey() *rsa.PublicKey { return &ks.rsaKey.PublicKey }

// Certificate returns the signing certificate.
func (ks *KeySet) Certificate() *x509.Certificate { return ks.cert }

// KeyID returns the key identifier published in JWKS and token headers.
func (ks *KeySet) KeyID() string { return ks.keyID }

// CreatedAt returns when the key set was created or loaded.
func (ks *KeySet) CreatedAt() time.Time { return ks.createdAt }

// ============================================================================
// JWKS publication
// ============================================================================

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// PublicJWKS returns the verification key in JWKS format.
func (ks *KeySet) PublicJWKS() JWKS {
	return JWKS{Keys: []JWK{ks.publicJWK()}}
}

func (ks *KeySet) publicJWK() JWK {
	pub := &ks.rsaKey.PublicKey
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Kid: ks.keyID,
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// Thumbprint calculates the JWK thumbprint (RFC 7638)
func (jwk JWK) Thumbprint() string {
	if jwk.Kty != "RSA" {
		return ""
	}
	canonical := map[string]string{
		"e":   jwk.E,
		"kty": jwk.Kty,
		"n":   jwk.N,
	}
	data, _ := json.Marshal(canonical)
	hash := sha256.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(hash[:])
}
