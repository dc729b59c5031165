package saml

import (
	"bytes"
	"compress/flate"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// SigAlgRSASHA256 is the only query signature algorithm accepted or produced.
const SigAlgRSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"

// maxDeflateSize caps decompression output to block deflate bombs.
const maxDeflateSize = 1 << 20

// Envelope is a decoded inbound SAML message before XML parsing. The raw
// signed query material is retained so the signature can be verified over
// exactly the bytes the sender signed.
type Envelope struct {
	XML        []byte
	RelayState string
	Binding    string // binding URN
	IsRequest  bool

	// HTTP-Redirect binding signature material
	SigAlg     string
	Signature  string
	SignedData string
}

// WireResponse is an encoded outbound SAML message. Exactly one of
// RedirectURL or HTML is set, matching the binding that produced it.
type WireResponse struct {
	Binding     string // binding URN
	RedirectURL string
	HTML        string
}

// Binding encodes and decodes SAML messages for one transport binding.
type Binding interface {
	// URN returns the SAML binding URN this implementation handles.
	URN() string

	// Decode extracts the SAML message from an HTTP request.
	Decode(r *http.Request) (*Envelope, error)

	// VerifySignature checks the inbound message signature against the
	// sender's certificate.
	VerifySignature(env *Envelope, cert *x509.Certificate) error

	// EncodeResponse prepares an outbound SAMLResponse for transmission.
	EncodeResponse(message interface{}, destination, relayState string) (*WireResponse, error)

	// EncodeRequest prepares an outbound SAMLRequest for transmission.
	EncodeRequest(message interface{}, destination, relayState string) (*WireResponse, error)
}

// ============================================================================
// HTTP-Redirect Binding (SAML 2.0 Bindings Section 3.4)
// ============================================================================

// RedirectBinding handles the HTTP-Redirect binding. Outbound messages are
// DEFLATE compressed, base64 encoded, and query-signed with the IdP key.
type RedirectBinding struct {
	privateKey *rsa.PrivateKey
}

// NewRedirectBinding creates a redirect binding handler signing with the
// given key.
func NewRedirectBinding(privateKey *rsa.PrivateKey) *RedirectBinding {
	return &RedirectBinding{privateKey: privateKey}
}

// URN returns the HTTP-Redirect binding URN.
func (b *RedirectBinding) URN() string { return BindingHTTPRedirect }

// Decode decodes a SAML message from the request query string.
// Per SAML 2.0 Bindings Section 3.4.4.1 the message is URL decoded, base64
// decoded, then DEFLATE decompressed.
func (b *RedirectBinding) Decode(r *http.Request) (*Envelope, error) {
	query := r.URL.Query()

	var encoded string
	var isRequest bool
	if v := query.Get("SAMLRequest"); v != "" {
		encoded = v
		isRequest = true
	} else if v := query.Get("SAMLResponse"); v != "" {
		encoded = v
	} else {
		return nil, fmt.Errorf("no SAMLRequest or SAMLResponse in query")
	}

	xmlData, err := inflate(encoded)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		XML:        xmlData,
		RelayState: query.Get("RelayState"),
		Binding:    BindingHTTPRedirect,
		IsRequest:  isRequest,
		SigAlg:     query.Get("SigAlg"),
		Signature:  query.Get("Signature"),
	}
	env.SignedData = signedQueryData(r.URL.RawQuery, isRequest)
	return env, nil
}

// VerifySignature verifies the query signature against the sender's
// certificate. Per SAML 2.0 Bindings Section 3.4.4.1 the signature covers
// the URL-encoded SAMLRequest/SAMLResponse, RelayState, and SigAlg query
// components in that order, exactly as transmitted.
func (b *RedirectBinding) VerifySignature(env *Envelope, cert *x509.Certificate) error {
	if env.Signature == "" || env.SigAlg == "" {
		return &SignatureValidationError{Reason: "message is not signed"}
	}
	if env.SigAlg != SigAlgRSASHA256 {
		return &SignatureValidationError{Reason: fmt.Sprintf("unsupported signature algorithm: %s", env.SigAlg)}
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return &SignatureValidationError{Reason: "certificate does not carry an RSA key"}
	}

	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return &SignatureValidationError{Reason: "signature is not valid base64"}
	}

	hash := sha256.Sum256([]byte(env.SignedData))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, hash[:], sig); err != nil {
		return &SignatureValidationError{Reason: "signature verification failed"}
	}
	return nil
}

// EncodeResponse builds a signed redirect URL carrying a SAMLResponse.
func (b *RedirectBinding) EncodeResponse(message interface{}, destination, relayState string) (*WireResponse, error) {
	u, err := b.buildRedirectURL(destination, message, relayState, false)
	if err != nil {
		return nil, err
	}
	return &WireResponse{Binding: BindingHTTPRedirect, RedirectURL: u}, nil
}

// EncodeRequest builds a signed redirect URL carrying a SAMLRequest.
func (b *RedirectBinding) EncodeRequest(message interface{}, destination, relayState string) (*WireResponse, error) {
	u, err := b.buildRedirectURL(destination, message, relayState, true)
	if err != nil {
		return nil, err
	}
	return &WireResponse{Binding: BindingHTTPRedirect, RedirectURL: u}, nil
}

// buildRedirectURL serializes, compresses and signs a message into a
// redirect URL. Per SAML 2.0 Bindings Section 3.4.4.1 the signature is
// computed over the ordered concatenation
// SAMLRequest=value&RelayState=value&SigAlg=value (RelayState omitted when
// absent).
func (b *RedirectBinding) buildRedirectURL(destination string, message interface{}, relayState string, isRequest bool) (string, error) {
	if err := validateDestinationURL(destination); err != nil {
		return "", fmt.Errorf("invalid destination URL: %w", err)
	}

	encoded, err := deflateEncode(message)
	if err != nil {
		return "", err
	}

	paramName := "SAMLResponse"
	if isRequest {
		paramName = "SAMLRequest"
	}

	var signedData strings.Builder
	signedData.WriteString(paramName)
	signedData.WriteString("=")
	signedData.WriteString(url.QueryEscape(encoded))

	params := url.Values{}
	params.Set(paramName, encoded)

	if relayState != "" {
		signedData.WriteString("&RelayState=")
		signedData.WriteString(url.QueryEscape(relayState))
		params.Set("RelayState", relayState)
	}

	if b.privateKey != nil {
		signedData.WriteString("&SigAlg=")
		signedData.WriteString(url.QueryEscape(SigAlgRSASHA256))

		hash := sha256.Sum256([]byte(signedData.String()))
		signature, err := rsa.SignPKCS1v15(rand.Reader, b.privateKey, crypto.SHA256, hash[:])
		if err != nil {
			return "", fmt.Errorf("failed to sign: %w", err)
		}

		params.Set("SigAlg", SigAlgRSASHA256)
		params.Set("Signature", base64.StdEncoding.EncodeToString(signature))
	}

	parsedURL, err := url.Parse(destination)
	if err != nil {
		return "", fmt.Errorf("invalid destination URL: %w", err)
	}
	parsedURL.RawQuery = params.Encode()
	return parsedURL.String(), nil
}

// deflateEncode serializes a message to XML, DEFLATE compresses it (raw
// deflate, no zlib header) and base64 encodes the result.
func deflateEncode(message interface{}) (string, error) {
	xmlData, err := xml.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}

	var compressed bytes.Buffer
	writer, err := flate.NewWriter(&compressed, flate.BestCompression)
	if err != nil {
		return "", fmt.Errorf("failed to create deflate writer: %w", err)
	}
	if _, err := writer.Write(xmlData); err != nil {
		writer.Close()
		return "", fmt.Errorf("failed to write compressed data: %w", err)
	}
	writer.Close()

	return base64.StdEncoding.EncodeToString(compressed.Bytes()), nil
}

// inflate reverses deflateEncode with a hard output size cap.
func inflate(encoded string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to base64 decode: %w", err)
	}

	reader := flate.NewReader(bytes.NewReader(compressed))
	defer reader.Close()

	decompressed, err := io.ReadAll(io.LimitReader(reader, maxDeflateSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	if len(decompressed) > maxDeflateSize {
		return nil, fmt.Errorf("decompressed message exceeds %d bytes", maxDeflateSize)
	}
	return decompressed, nil
}

// signedQueryData reconstructs the signed portion of a raw query string in
// canonical order using the values exactly as transmitted. Re-encoding the
// parsed values would break verification when the sender's URL encoder
// differs from ours.
func signedQueryData(rawQuery string, isRequest bool) string {
	raw := map[string]string{}
	for _, pair := range strings.Split(rawQuery, "&") {
		key, value, _ := strings.Cut(pair, "=")
		if _, seen := raw[key]; !seen {
			raw[key] = value
		}
	}

	paramName := "SAMLResponse"
	if isRequest {
		paramName = "SAMLRequest"
	}

	var b strings.Builder
	b.WriteString(paramName)
	b.WriteString("=")
	b.WriteString(raw[paramName])
	if v, ok := raw["RelayState"]; ok {
		b.WriteString("&RelayState=")
		b.WriteString(v)
	}
	if v, ok := raw["SigAlg"]; ok {
		b.WriteString("&SigAlg=")
		b.WriteString(v)
	}
	return b.String()
}

// ============================================================================
// HTTP-POST Binding (SAML 2.0 Bindings Section 3.5)
// ============================================================================

// PostBinding handles the HTTP-POST binding. Outbound messages carry an
// enveloped XML signature produced by the signer.
type PostBinding struct {
	signer *XMLSigner
}

// NewPostBinding creates a POST binding handler signing with the given
// XML signer.
func NewPostBinding(signer *XMLSigner) *PostBinding {
	return &PostBinding{signer: signer}
}

// URN returns the HTTP-POST binding URN.
func (b *PostBinding) URN() string { return BindingHTTPPost }

// Decode decodes a SAML message from the request form body.
func (b *PostBinding) Decode(r *http.Request) (*Envelope, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("failed to parse form: %w", err)
	}

	var encoded string
	var isRequest bool
	if v := r.FormValue("SAMLRequest"); v != "" {
		encoded = v
		isRequest = true
	} else if v := r.FormValue("SAMLResponse"); v != "" {
		encoded = v
	} else {
		return nil, fmt.Errorf("no SAMLRequest or SAMLResponse in form")
	}

	// Some agents leave '+' unescaped in form bodies.
	encoded = strings.ReplaceAll(encoded, " ", "+")
	xmlData, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to base64 decode: %w", err)
	}

	return &Envelope{
		XML:        xmlData,
		RelayState: r.FormValue("RelayState"),
		Binding:    BindingHTTPPost,
		IsRequest:  isRequest,
	}, nil
}

// VerifySignature verifies the enveloped XML signature against the
// sender's certificate.
func (b *PostBinding) VerifySignature(env *Envelope, cert *x509.Certificate) error {
	return VerifyEnveloped(env.XML, cert)
}

// EncodeResponse builds an auto-submitting form carrying a signed
// SAMLResponse.
func (b *PostBinding) EncodeResponse(message interface{}, destination, relayState string) (*WireResponse, error) {
	html, err := b.buildPostForm(destination, message, relayState, false)
	if err != nil {
		return nil, err
	}
	return &WireResponse{Binding: BindingHTTPPost, HTML: html}, nil
}

// EncodeRequest builds an auto-submitting form carrying a signed
// SAMLRequest.
func (b *PostBinding) EncodeRequest(message interface{}, destination, relayState string) (*WireResponse, error) {
	html, err := b.buildPostForm(destination, message, relayState, true)
	if err != nil {
		return nil, err
	}
	return &WireResponse{Binding: BindingHTTPPost, HTML: html}, nil
}

// buildPostForm signs, serializes and wraps a message in an auto-submitting
// HTML form per SAML 2.0 Bindings Section 3.5.4. The destination and
// RelayState are escaped before embedding.
func (b *PostBinding) buildPostForm(destination string, message interface{}, relayState string, isRequest bool) (string, error) {
	if err := validateDestinationURL(destination); err != nil {
		return "", fmt.Errorf("invalid destination URL: %w", err)
	}

	var xmlData []byte
	var err error
	if b.signer != nil {
		xmlData, err = b.signer.Sign(message)
	} else {
		xmlData, err = xml.MarshalIndent(message, "", "  ")
	}
	if err != nil {
		return "", fmt.Errorf("failed to serialize message: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(xml.Header + string(xmlData)))

	paramName := "SAMLResponse"
	if isRequest {
		paramName = "SAMLRequest"
	}

	if len(relayState) > 1024 {
		relayState = relayState[:1024]
	}
	relayStateInput := ""
	if relayState != "" {
		relayStateInput = fmt.Sprintf(`<input type="hidden" name="RelayState" value="%s"/>`, escapeHTML(relayState))
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>SAML POST Binding</title>
</head>
<body onload="document.forms[0].submit()">
    <noscript>
        <p>JavaScript is required. Please click the button below to continue.</p>
    </noscript>
    <form method="POST" action="%s">
        <input type="hidden" name="%s" value="%s"/>
        %s
        <noscript>
            <input type="submit" value="Continue"/>
        </noscript>
    </form>
</body>
</html>`, escapeHTML(destination), paramName, encoded, relayStateInput), nil
}

// ============================================================================
// Shared Utilities
// ============================================================================

// DetectBinding maps an HTTP request to the binding URN that carried it.
func DetectBinding(r *http.Request) string {
	if r.Method == http.MethodPost {
		return BindingHTTPPost
	}
	return BindingHTTPRedirect
}

// escapeHTML escapes HTML special characters
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// validateDestinationURL validates a URL is safe for use as a form action
// or redirect target.
func validateDestinationURL(dest string) error {
	if dest == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(dest)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}

	// Block javascript:, data:, vbscript: and friends.
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "" && scheme != "http" && scheme != "https" {
		return fmt.Errorf("invalid URL scheme: %s", scheme)
	}
	if parsed.Host != "" && scheme == "" {
		return fmt.Errorf("absolute URL missing scheme")
	}
	return nil
}
