package saml

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// XML Digital Signature Validation (XML-DSig)
// Per W3C XML Signature Syntax and Processing and SAML 2.0 Core Section 5
// ============================================================================

// SignatureValidationError reports why an inbound message's signature was
// rejected. The reason never reaches the wire; callers answer with a bare
// status code.
type SignatureValidationError struct {
	Reason string
}

func (e *SignatureValidationError) Error() string {
	return "signature validation: " + e.Reason
}

// allowedSignatureAlgorithms are the accepted XML signature methods.
// SHA-1 is rejected outright.
var allowedSignatureAlgorithms = map[string]crypto.Hash{
	"http://www.w3.org/2001/04/xmldsig-more#rsa-sha256": crypto.SHA256,
	"http://www.w3.org/2001/04/xmldsig-more#rsa-sha384": crypto.SHA384,
	"http://www.w3.org/2001/04/xmldsig-more#rsa-sha512": crypto.SHA512,
}

var allowedDigestAlgorithms = map[string]crypto.Hash{
	"http://www.w3.org/2001/04/xmlenc#sha256": crypto.SHA256,
	"http://www.w3.org/2001/04/xmlenc#sha384": crypto.SHA384,
	"http://www.w3.org/2001/04/xmlenc#sha512": crypto.SHA512,
}

// signatureProbe picks the root ID and Signature element out of any SAML
// message without committing to a message type.
type signatureProbe struct {
	XMLName   xml.Name
	ID        string     `xml:"ID,attr"`
	Signature *Signature `xml:"Signature"`
}

// VerifyEnveloped verifies the enveloped XML signature on a SAML message
// against the sender's certificate. Both the reference digest and the
// signature over SignedInfo must check out.
func VerifyEnveloped(xmlData []byte, cert *x509.Certificate) error {
	if cert == nil {
		return &SignatureValidationError{Reason: "no certificate to verify against"}
	}

	var probe signatureProbe
	if err := xml.Unmarshal(xmlData, &probe); err != nil {
		return &SignatureValidationError{Reason: fmt.Sprintf("unparseable message: %v", err)}
	}
	sig := probe.Signature
	if sig == nil {
		return &SignatureValidationError{Reason: "message is not signed"}
	}

	sigHash, ok := allowedSignatureAlgorithms[sig.SignedInfo.SignatureMethod.Algorithm]
	if !ok {
		return &SignatureValidationError{Reason: fmt.Sprintf("unsupported signature algorithm: %s", sig.SignedInfo.SignatureMethod.Algorithm)}
	}
	digestHash, ok := allowedDigestAlgorithms[sig.SignedInfo.Reference.DigestMethod.Algorithm]
	if !ok {
		return &SignatureValidationError{Reason: fmt.Sprintf("unsupported digest algorithm: %s", sig.SignedInfo.Reference.DigestMethod.Algorithm)}
	}

	if err := verifyDigest(xmlData, probe, digestHash); err != nil {
		return err
	}
	return verifySignatureValue(sig, cert, sigHash)
}

// verifyDigest recomputes the reference digest over the message with its
// Signature element removed and compares it to the claimed value.
func verifyDigest(xmlData []byte, probe signatureProbe, digestHash crypto.Hash) error {
	sig := probe.Signature
	refURI := sig.SignedInfo.Reference.URI

	content := xmlData
	switch {
	case refURI == "" || refURI == "#" || refURI == "#"+probe.ID:
		// Reference to the signed message itself.
	case strings.HasPrefix(refURI, "#"):
		extracted, err := extractElementByID(xmlData, strings.TrimPrefix(refURI, "#"))
		if err != nil {
			return &SignatureValidationError{Reason: fmt.Sprintf("referenced element not found: %v", err)}
		}
		content = extracted
	default:
		return &SignatureValidationError{Reason: "external references not supported"}
	}

	for _, transform := range sig.SignedInfo.Reference.Transforms.Transforms {
		if transform.Algorithm == "http://www.w3.org/2000/09/xmldsig#enveloped-signature" {
			content = removeEnvelopedSignature(content)
		}
	}

	canonicalized := canonicalizeXML(content)
	computed := hashBytes(digestHash, canonicalized)

	expected, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sig.SignedInfo.Reference.DigestValue))
	if err != nil {
		return &SignatureValidationError{Reason: "digest value is not valid base64"}
	}
	if !compareBytes(computed, expected) {
		return &SignatureValidationError{Reason: "digest mismatch"}
	}
	return nil
}

// verifySignatureValue verifies the RSA signature over canonicalized
// SignedInfo.
func verifySignatureValue(sig *Signature, cert *x509.Certificate, sigHash crypto.Hash) error {
	signedInfoXML, err := xml.Marshal(sig.SignedInfo)
	if err != nil {
		return &SignatureValidationError{Reason: "failed to serialize SignedInfo"}
	}
	canonicalized := canonicalizeXML(signedInfoXML)

	sigValue, err := base64.StdEncoding.DecodeString(
		strings.ReplaceAll(strings.TrimSpace(sig.SignatureValue), " ", ""))
	if err != nil {
		return &SignatureValidationError{Reason: "signature value is not valid base64"}
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return &SignatureValidationError{Reason: "certificate does not carry an RSA key"}
	}

	if err := rsa.VerifyPKCS1v15(pub, sigHash, hashBytes(sigHash, canonicalized), sigValue); err != nil {
		return &SignatureValidationError{Reason: "signature verification failed"}
	}
	return nil
}

// ============================================================================
// Helper Functions
// ============================================================================

func hashBytes(h crypto.Hash, data []byte) []byte {
	switch h {
	case crypto.SHA384:
		sum := sha512.Sum384(data)
		return sum[:]
	case crypto.SHA512:
		sum := sha512.Sum512(data)
		return sum[:]
	default:
		sum := sha256.Sum256(data)
		return sum[:]
	}
}

// extractElementByID extracts an XML element by its ID attribute using
// depth-based tag matching.
func extractElementByID(xmlData []byte, id string) ([]byte, error) {
	pattern := fmt.Sprintf(`<[^>]*(?:ID|Id)="%s"[^>]*>`, regexp.QuoteMeta(id))
	re := regexp.MustCompile(pattern)

	loc := re.FindIndex(xmlData)
	if loc == nil {
		return nil, fmt.Errorf("element with ID %s not found", id)
	}

	startIdx := loc[0]
	depth := 1
	tagName := extractTagName(xmlData[startIdx:])

	endIdx := loc[1]
	for endIdx < len(xmlData) && depth > 0 {
		if xmlData[endIdx] == '<' {
			if endIdx+1 < len(xmlData) && xmlData[endIdx+1] == '/' {
				closeTag := fmt.Sprintf("</%s>", tagName)
				if strings.HasPrefix(string(xmlData[endIdx:]), closeTag) {
					depth--
					if depth == 0 {
						endIdx += len(closeTag)
						break
					}
				}
			} else if !strings.HasPrefix(string(xmlData[endIdx:]), "<?") &&
				!strings.HasPrefix(string(xmlData[endIdx:]), "<!") {
				openTag := fmt.Sprintf("<%s", tagName)
				if strings.HasPrefix(string(xmlData[endIdx:]), openTag) {
					depth++
				}
			}
		}
		endIdx++
	}

	if depth != 0 {
		return nil, fmt.Errorf("malformed XML: unmatched tags for element %s", id)
	}
	return xmlData[startIdx:endIdx], nil
}

// extractTagName extracts the tag name from an opening tag
func extractTagName(tag []byte) string {
	start := 1
	for start < len(tag) && (tag[start] == ' ' || tag[start] == '\t') {
		start++
	}
	end := start
	for end < len(tag) && tag[end] != ' ' && tag[end] != '>' && tag[end] != '/' {
		end++
	}
	return string(tag[start:end])
}

// removeEnvelopedSignature strips the Signature element that is a direct
// child of the content's root element, per the enveloped-signature
// transform. Signatures on nested elements, such as assertions carried
// inside a response, are part of the signed content and stay in place.
func removeEnvelopedSignature(xmlData []byte) []byte {
	depth := 0
	for i := 0; i < len(xmlData); {
		if xmlData[i] != '<' || i+1 >= len(xmlData) {
			i++
			continue
		}
		switch xmlData[i+1] {
		case '/':
			depth--
			i += tagLength(xmlData[i:])
			continue
		case '?', '!':
			i += tagLength(xmlData[i:])
			continue
		}

		n := tagLength(xmlData[i:])
		selfClosing := n >= 2 && xmlData[i+n-2] == '/'
		name := extractTagName(xmlData[i:])
		if c := strings.IndexByte(name, ':'); c >= 0 {
			name = name[c+1:]
		}
		if depth == 1 && name == "Signature" {
			end := i + n
			if !selfClosing {
				// A Signature never nests another Signature, so the first
				// closing tag is the matching one.
				closeRe := regexp.MustCompile(`</(?:\w+:)?Signature>`)
				loc := closeRe.FindIndex(xmlData[i:])
				if loc == nil {
					return xmlData
				}
				end = i + loc[1]
			}
			out := make([]byte, 0, len(xmlData))
			out = append(out, xmlData[:i]...)
			return append(out, xmlData[end:]...)
		}
		if !selfClosing {
			depth++
		}
		i += n
	}
	return xmlData
}

// tagLength is the length in bytes of the tag starting at data[0] == '<',
// through its closing '>'.
func tagLength(data []byte) int {
	for i := 1; i < len(data); i++ {
		if data[i] == '>' {
			return i + 1
		}
	}
	return len(data)
}

// compareBytes performs constant-time comparison to prevent timing attacks
func compareBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var result byte
	for i := 0; i < len(a); i++ {
		result |= a[i] ^ b[i]
	}
	return result == 0
}

// ============================================================================
// Message Replay Prevention
// ============================================================================

// ReplayCache tracks consumed inbound message IDs so a captured request or
// response cannot be replayed. Per SAML 2.0 Profiles Section 4.1.4.5.
type ReplayCache struct {
	mu       sync.Mutex
	consumed map[string]time.Time
	ttl      time.Duration
	stop     chan struct{}
}

// NewReplayCache creates a replay cache that forgets IDs after ttl.
func NewReplayCache(ttl time.Duration) *ReplayCache {
	c := &ReplayCache{
		consumed: make(map[string]time.Time),
		ttl:      ttl,
		stop:     make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// MarkConsumed records a message ID. It returns false if the ID was seen
// before, meaning the message is a replay.
func (c *ReplayCache) MarkConsumed(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.consumed[messageID]; exists {
		return false
	}
	c.consumed[messageID] = time.Now()
	return true
}

// Close stops the background cleanup goroutine.
func (c *ReplayCache) Close() {
	close(c.stop)
}

// cleanup periodically removes expired entries
func (c *ReplayCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			cutoff := time.Now().Add(-c.ttl)
			for id, consumedAt := range c.consumed {
				if consumedAt.Before(cutoff) {
					delete(c.consumed, id)
				}
			}
			c.mu.Unlock()
		}
	}
}
