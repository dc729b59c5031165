package saml

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"
)

// ============================================================================
// XML Digital Signature Generation (XML-DSig)
// Per W3C XML Signature Syntax and SAML 2.0 Core Section 5
// ============================================================================

// XMLSigner creates enveloped XML digital signatures per XML-DSig.
type XMLSigner struct {
	privateKey  *rsa.PrivateKey
	certificate *x509.Certificate
}

// NewXMLSigner creates a new XML signer
func NewXMLSigner(privateKey *rsa.PrivateKey, certificate *x509.Certificate) *XMLSigner {
	return &XMLSigner{
		privateKey:  privateKey,
		certificate: certificate,
	}
}

// Sign attaches an enveloped signature to a SAML message and returns the
// serialized XML. Per SAML 2.0 Core Section 5.4.1 the Signature element is
// enveloped within the signed element and references it by ID. Assertions
// inside a Response are signed first so the outer signature covers them.
func (s *XMLSigner) Sign(message interface{}) ([]byte, error) {
	if s.privateKey == nil {
		return nil, fmt.Errorf("no private key configured for signing")
	}

	switch m := message.(type) {
	case *Response:
		for _, a := range m.Assertions {
			if a == nil {
				continue
			}
			sig, err := s.envelopedSignature(a, a.ID, func() { a.Signature = nil })
			if err != nil {
				return nil, fmt.Errorf("failed to sign assertion: %w", err)
			}
			a.Signature = sig
		}
		sig, err := s.envelopedSignature(m, m.ID, func() { m.Signature = nil })
		if err != nil {
			return nil, fmt.Errorf("failed to sign response: %w", err)
		}
		m.Signature = sig
		return xml.MarshalIndent(m, "", "  ")

	case *LogoutRequest:
		sig, err := s.envelopedSignature(m, m.ID, func() { m.Signature = nil })
		if err != nil {
			return nil, fmt.Errorf("failed to sign logout request: %w", err)
		}
		m.Signature = sig
		return xml.MarshalIndent(m, "", "  ")

	case *LogoutResponse:
		sig, err := s.envelopedSignature(m, m.ID, func() { m.Signature = nil })
		if err != nil {
			return nil, fmt.Errorf("failed to sign logout response: %w", err)
		}
		m.Signature = sig
		return xml.MarshalIndent(m, "", "  ")

	default:
		return nil, fmt.Errorf("unsignable message type %T", message)
	}
}

// envelopedSignature computes a signature over the message serialized
// without its Signature element.
func (s *XMLSigner) envelopedSignature(message interface{}, referenceID string, clearSig func()) (*Signature, error) {
	clearSig()
	xmlBytes, err := xml.MarshalIndent(message, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal for signing: %w", err)
	}
	return s.createSignature(xmlBytes, referenceID)
}

// createSignature creates an XML digital signature over canonicalized content.
func (s *XMLSigner) createSignature(xmlData []byte, referenceID string) (*Signature, error) {
	canonicalized := canonicalizeXML(xmlData)

	digest := sha256.Sum256(canonicalized)
	digestB64 := base64.StdEncoding.EncodeToString(digest[:])

	signedInfo := SignedInfo{
		CanonicalizationMethod: CanonicalizationMethod{
			Algorithm: "http://www.w3.org/2001/10/xml-exc-c14n#",
		},
		SignatureMethod: SignatureMethod{
			Algorithm: SigAlgRSASHA256,
		},
		Reference: Reference{
			URI: "#" + referenceID,
			Transforms: Transforms{
				Transforms: []Transform{
					{Algorithm: "http://www.w3.org/2000/09/xmldsig#enveloped-signature"},
					{Algorithm: "http://www.w3.org/2001/10/xml-exc-c14n#"},
				},
			},
			DigestMethod: DigestMethod{
				Algorithm: "http://www.w3.org/2001/04/xmlenc#sha256",
			},
			DigestValue: digestB64,
		},
	}

	signedInfoXML, err := xml.Marshal(signedInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal SignedInfo: %w", err)
	}
	signedInfoHash := sha256.Sum256(canonicalizeXML(signedInfoXML))
	signatureValue, err := rsa.SignPKCS1v15(rand.Reader, s.privateKey, crypto.SHA256, signedInfoHash[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	sig := &Signature{
		SignedInfo:     signedInfo,
		SignatureValue: base64.StdEncoding.EncodeToString(signatureValue),
	}
	if s.certificate != nil {
		sig.KeyInfo = &KeyInfo{
			X509Data: &X509Data{
				X509Certificate: base64.StdEncoding.EncodeToString(s.certificate.Raw),
			},
		}
	}
	return sig, nil
}

// canonicalizeXML performs simplified Exclusive XML Canonicalization:
// the XML declaration is dropped, line endings are normalized, and
// whitespace between tags is collapsed. Both signing and verification go
// through this function so round trips agree. A full implementation would
// use a proper C14N library.
func canonicalizeXML(xmlData []byte) []byte {
	result := string(xmlData)

	declRe := regexp.MustCompile(`<\?xml[^?]*\?>`)
	result = declRe.ReplaceAllString(result, "")

	result = strings.ReplaceAll(result, "\r\n", "\n")
	result = strings.ReplaceAll(result, "\r", "\n")

	// Collapse indentation between elements. Character data inside an
	// element has no adjacent '><' pair and is untouched.
	interTagRe := regexp.MustCompile(`>\s+<`)
	result = interTagRe.ReplaceAllString(result, "><")

	return []byte(strings.TrimSpace(result))
}

// ============================================================================
// Signing Certificate Generation
// ============================================================================

// GenerateSelfSignedCert generates a self-signed X.509 certificate for SAML
// signing, used when no certificate is provisioned. Returns the parsed
// certificate and its DER encoding.
func GenerateSelfSignedCert(privateKey *rsa.PrivateKey, entityID string) (*x509.Certificate, []byte, error) {
	if privateKey == nil {
		return nil, nil, fmt.Errorf("private key is required")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: entityID},
		NotBefore:             time.Now().Add(-5 * time.Minute),
		NotAfter:              time.Now().Add(5 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}

	return cert, certDER, nil
}
