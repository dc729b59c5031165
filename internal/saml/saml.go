package saml

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/xml"
	"time"
)

// SAML 2.0 XML namespaces
const (
	NamespaceAssertion = "urn:oasis:names:tc:SAML:2.0:assertion"
	NamespaceProtocol  = "urn:oasis:names:tc:SAML:2.0:protocol"
	NamespaceMetadata  = "urn:oasis:names:tc:SAML:2.0:metadata"
	NamespaceDSig      = "http://www.w3.org/2000/09/xmldsig#"
)

// SAML 2.0 NameID formats
const (
	NameIDFormatUnspecified = "urn:oasis:names:tc:SAML:1.1:nameid-format:unspecified"
	NameIDFormatEmail       = "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"
	NameIDFormatPersistent  = "urn:oasis:names:tc:SAML:2.0:nameid-format:persistent"
	NameIDFormatTransient   = "urn:oasis:names:tc:SAML:2.0:nameid-format:transient"
)

// SAML 2.0 binding URNs. The engine implements POST and Redirect; anything
// else a partner declares is treated as unsupported.
const (
	BindingHTTPPost     = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
	BindingHTTPRedirect = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect"
)

// SAML 2.0 status codes (second-level codes are carried verbatim)
const (
	StatusSuccess            = "urn:oasis:names:tc:SAML:2.0:status:Success"
	StatusRequester          = "urn:oasis:names:tc:SAML:2.0:status:Requester"
	StatusResponder          = "urn:oasis:names:tc:SAML:2.0:status:Responder"
	StatusAuthnFailed        = "urn:oasis:names:tc:SAML:2.0:status:AuthnFailed"
	StatusNoPassive          = "urn:oasis:names:tc:SAML:2.0:status:NoPassive"
	StatusPartialLogout      = "urn:oasis:names:tc:SAML:2.0:status:PartialLogout"
	StatusRequestDenied      = "urn:oasis:names:tc:SAML:2.0:status:RequestDenied"
	StatusRequestUnsupported = "urn:oasis:names:tc:SAML:2.0:status:RequestUnsupported"
	StatusUnsupportedBinding = "urn:oasis:names:tc:SAML:2.0:status:UnsupportedBinding"
)

// SAML 2.0 AuthnContext class references
const (
	AuthnContextPasswordProtectedTransport = "urn:oasis:names:tc:SAML:2.0:ac:classes:PasswordProtectedTransport"
	AuthnContextTLSClient                  = "urn:oasis:names:tc:SAML:2.0:ac:classes:TLSClient"
	AuthnContextUnspecified                = "urn:oasis:names:tc:SAML:2.0:ac:classes:unspecified"
)

// ============================================================================
// Core assertion types
// ============================================================================

// Issuer represents the SAML Issuer element
type Issuer struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion Issuer"`
	Format  string   `xml:"Format,attr,omitempty"`
	Value   string   `xml:",chardata"`
}

// NameID represents the SAML NameID element
type NameID struct {
	XMLName         xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion NameID"`
	Format          string   `xml:"Format,attr,omitempty"`
	NameQualifier   string   `xml:"NameQualifier,attr,omitempty"`
	SPNameQualifier string   `xml:"SPNameQualifier,attr,omitempty"`
	Value           string   `xml:",chardata"`
}

// Subject represents the SAML Subject element
type Subject struct {
	XMLName             xml.Name             `xml:"urn:oasis:names:tc:SAML:2.0:assertion Subject"`
	NameID              *NameID              `xml:"NameID,omitempty"`
	SubjectConfirmation *SubjectConfirmation `xml:"SubjectConfirmation,omitempty"`
}

// SubjectConfirmation represents the SAML SubjectConfirmation element
type SubjectConfirmation struct {
	XMLName                 xml.Name                 `xml:"urn:oasis:names:tc:SAML:2.0:assertion SubjectConfirmation"`
	Method                  string                   `xml:"Method,attr"`
	SubjectConfirmationData *SubjectConfirmationData `xml:"SubjectConfirmationData,omitempty"`
}

// SubjectConfirmationData represents the SAML SubjectConfirmationData element
type SubjectConfirmationData struct {
	XMLName      xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion SubjectConfirmationData"`
	NotOnOrAfter string   `xml:"NotOnOrAfter,attr,omitempty"`
	Recipient    string   `xml:"Recipient,attr,omitempty"`
	InResponseTo string   `xml:"InResponseTo,attr,omitempty"`
}

// Conditions represents the SAML Conditions element
type Conditions struct {
	XMLName             xml.Name             `xml:"urn:oasis:names:tc:SAML:2.0:assertion Conditions"`
	NotBefore           string               `xml:"NotBefore,attr,omitempty"`
	NotOnOrAfter        string               `xml:"NotOnOrAfter,attr,omitempty"`
	AudienceRestriction *AudienceRestriction `xml:"AudienceRestriction,omitempty"`
}

// AudienceRestriction represents the SAML AudienceRestriction element
type AudienceRestriction struct {
	XMLName  xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion AudienceRestriction"`
	Audience []string `xml:"Audience"`
}

// AuthnStatement represents the SAML AuthnStatement element
type AuthnStatement struct {
	XMLName             xml.Name      `xml:"urn:oasis:names:tc:SAML:2.0:assertion AuthnStatement"`
	AuthnInstant        string        `xml:"AuthnInstant,attr"`
	SessionIndex        string        `xml:"SessionIndex,attr,omitempty"`
	SessionNotOnOrAfter string        `xml:"SessionNotOnOrAfter,attr,omitempty"`
	AuthnContext        *AuthnContext `xml:"AuthnContext"`
}

// AuthnContext represents the SAML AuthnContext element
type AuthnContext struct {
	XMLName              xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion AuthnContext"`
	AuthnContextClassRef string   `xml:"AuthnContextClassRef"`
}

// AttributeStatement represents the SAML AttributeStatement element
type AttributeStatement struct {
	XMLName    xml.Name    `xml:"urn:oasis:names:tc:SAML:2.0:assertion AttributeStatement"`
	Attributes []Attribute `xml:"Attribute"`
}

// Attribute represents the SAML Attribute element
type Attribute struct {
	XMLName         xml.Name         `xml:"urn:oasis:names:tc:SAML:2.0:assertion Attribute"`
	Name            string           `xml:"Name,attr"`
	NameFormat      string           `xml:"NameFormat,attr,omitempty"`
	FriendlyName    string           `xml:"FriendlyName,attr,omitempty"`
	AttributeValues []AttributeValue `xml:"AttributeValue"`
}

// AttributeValue represents the SAML AttributeValue element
type AttributeValue struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion AttributeValue"`
	Value   string   `xml:",chardata"`
}

// ============================================================================
// XML digital signature types (XML-DSig)
// ============================================================================

// Signature represents the XML digital signature element
type Signature struct {
	XMLName        xml.Name   `xml:"http://www.w3.org/2000/09/xmldsig# Signature"`
	SignedInfo     SignedInfo `xml:"SignedInfo"`
	SignatureValue string     `xml:"SignatureValue"`
	KeyInfo        *KeyInfo   `xml:"KeyInfo,omitempty"`
}

// SignedInfo represents the SignedInfo element
type SignedInfo struct {
	XMLName                xml.Name               `xml:"http://www.w3.org/2000/09/xmldsig# SignedInfo"`
	CanonicalizationMethod CanonicalizationMethod `xml:"CanonicalizationMethod"`
	SignatureMethod        SignatureMethod        `xml:"SignatureMethod"`
	Reference              Reference              `xml:"Reference"`
}

// CanonicalizationMethod represents the CanonicalizationMethod element
type CanonicalizationMethod struct {
	XMLName   xml.Name `xml:"http://www.w3.org/2000/09/xmldsig# CanonicalizationMethod"`
	Algorithm string   `xml:"Algorithm,attr"`
}

// SignatureMethod represents the SignatureMethod element
type SignatureMethod struct {
	XMLName   xml.Name `xml:"http://www.w3.org/2000/09/xmldsig# SignatureMethod"`
	Algorithm string   `xml:"Algorithm,attr"`
}

// Reference represents the Reference element
type Reference struct {
	XMLName      xml.Name     `xml:"http://www.w3.org/2000/09/xmldsig# Reference"`
	URI          string       `xml:"URI,attr"`
	Transforms   Transforms   `xml:"Transforms"`
	DigestMethod DigestMethod `xml:"DigestMethod"`
	DigestValue  string       `xml:"DigestValue"`
}

// Transforms represents the Transforms element
type Transforms struct {
	XMLName    xml.Name    `xml:"http://www.w3.org/2000/09/xmldsig# Transforms"`
	Transforms []Transform `xml:"Transform"`
}

// Transform represents a single Transform element
type Transform struct {
	XMLName   xml.Name `xml:"http://www.w3.org/2000/09/xmldsig# Transform"`
	Algorithm string   `xml:"Algorithm,attr"`
}

// DigestMethod represents the DigestMethod element
type DigestMethod struct {
	XMLName   xml.Name `xml:"http://www.w3.org/2000/09/xmldsig# DigestMethod"`
	Algorithm string   `xml:"Algorithm,attr"`
}

// KeyInfo represents the KeyInfo element
type KeyInfo struct {
	XMLName  xml.Name  `xml:"http://www.w3.org/2000/09/xmldsig# KeyInfo"`
	X509Data *X509Data `xml:"X509Data,omitempty"`
}

// X509Data represents the X509Data element
type X509Data struct {
	XMLName         xml.Name `xml:"http://www.w3.org/2000/09/xmldsig# X509Data"`
	X509Certificate string   `xml:"X509Certificate"`
}

// ============================================================================
// Protocol messages
// ============================================================================

// AuthnRequest represents a SAML AuthnRequest message
type AuthnRequest struct {
	XMLName                     xml.Name      `xml:"urn:oasis:names:tc:SAML:2.0:protocol AuthnRequest"`
	SAMLP                       string        `xml:"xmlns:samlp,attr"`
	SAML                        string        `xml:"xmlns:saml,attr"`
	ID                          string        `xml:"ID,attr"`
	Version                     string        `xml:"Version,attr"`
	IssueInstant                string        `xml:"IssueInstant,attr"`
	Destination                 string        `xml:"Destination,attr,omitempty"`
	ProtocolBinding             string        `xml:"ProtocolBinding,attr,omitempty"`
	AssertionConsumerServiceURL string        `xml:"AssertionConsumerServiceURL,attr,omitempty"`
	ForceAuthn                  bool          `xml:"ForceAuthn,attr,omitempty"`
	IsPassive                   bool          `xml:"IsPassive,attr,omitempty"`
	Issuer                      *Issuer       `xml:"Issuer,omitempty"`
	Signature                   *Signature    `xml:"Signature,omitempty"`
	NameIDPolicy                *NameIDPolicy `xml:"NameIDPolicy,omitempty"`
}

// NameIDPolicy represents the SAML NameIDPolicy element
type NameIDPolicy struct {
	XMLName     xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:protocol NameIDPolicy"`
	Format      string   `xml:"Format,attr,omitempty"`
	AllowCreate bool     `xml:"AllowCreate,attr,omitempty"`
}

// Response represents a SAML Response message
type Response struct {
	XMLName      xml.Name     `xml:"urn:oasis:names:tc:SAML:2.0:protocol Response"`
	SAMLP        string       `xml:"xmlns:samlp,attr"`
	SAML         string       `xml:"xmlns:saml,attr"`
	ID           string       `xml:"ID,attr"`
	Version      string       `xml:"Version,attr"`
	IssueInstant string       `xml:"IssueInstant,attr"`
	Destination  string       `xml:"Destination,attr,omitempty"`
	InResponseTo string       `xml:"InResponseTo,attr,omitempty"`
	Issuer       *Issuer      `xml:"Issuer,omitempty"`
	Signature    *Signature   `xml:"Signature,omitempty"`
	Status       *Status      `xml:"Status"`
	Assertions   []*Assertion `xml:"Assertion,omitempty"`
}

// Status represents the SAML Status element
type Status struct {
	XMLName       xml.Name   `xml:"urn:oasis:names:tc:SAML:2.0:protocol Status"`
	StatusCode    StatusCode `xml:"StatusCode"`
	StatusMessage string     `xml:"StatusMessage,omitempty"`
}

// StatusCode represents the SAML StatusCode element. Second-level codes
// (AuthnFailed, PartialLogout, ...) nest under Requester/Responder.
type StatusCode struct {
	XMLName    xml.Name    `xml:"urn:oasis:names:tc:SAML:2.0:protocol StatusCode"`
	Value      string      `xml:"Value,attr"`
	StatusCode *StatusCode `xml:"StatusCode,omitempty"`
}

// Assertion represents a SAML Assertion
type Assertion struct {
	XMLName            xml.Name            `xml:"urn:oasis:names:tc:SAML:2.0:assertion Assertion"`
	SAML               string              `xml:"xmlns:saml,attr,omitempty"`
	ID                 string              `xml:"ID,attr"`
	Version            string              `xml:"Version,attr"`
	IssueInstant       string              `xml:"IssueInstant,attr"`
	Issuer             *Issuer             `xml:"Issuer"`
	Signature          *Signature          `xml:"Signature,omitempty"`
	Subject            *Subject            `xml:"Subject,omitempty"`
	Conditions         *Conditions         `xml:"Conditions,omitempty"`
	AuthnStatement     *AuthnStatement     `xml:"AuthnStatement,omitempty"`
	AttributeStatement *AttributeStatement `xml:"AttributeStatement,omitempty"`
}

// LogoutRequest represents a SAML LogoutRequest message
type LogoutRequest struct {
	XMLName      xml.Name   `xml:"urn:oasis:names:tc:SAML:2.0:protocol LogoutRequest"`
	SAMLP        string     `xml:"xmlns:samlp,attr"`
	SAML         string     `xml:"xmlns:saml,attr"`
	ID           string     `xml:"ID,attr"`
	Version      string     `xml:"Version,attr"`
	IssueInstant string     `xml:"IssueInstant,attr"`
	Destination  string     `xml:"Destination,attr,omitempty"`
	NotOnOrAfter string     `xml:"NotOnOrAfter,attr,omitempty"`
	Reason       string     `xml:"Reason,attr,omitempty"`
	Issuer       *Issuer    `xml:"Issuer,omitempty"`
	Signature    *Signature `xml:"Signature,omitempty"`
	NameID       *NameID    `xml:"NameID,omitempty"`
	SessionIndex []string   `xml:"SessionIndex,omitempty"`
}

// LogoutResponse represents a SAML LogoutResponse message
type LogoutResponse struct {
	XMLName      xml.Name   `xml:"urn:oasis:names:tc:SAML:2.0:protocol LogoutResponse"`
	SAMLP        string     `xml:"xmlns:samlp,attr"`
	SAML         string     `xml:"xmlns:saml,attr"`
	ID           string     `xml:"ID,attr"`
	Version      string     `xml:"Version,attr"`
	IssueInstant string     `xml:"IssueInstant,attr"`
	Destination  string     `xml:"Destination,attr,omitempty"`
	InResponseTo string     `xml:"InResponseTo,attr,omitempty"`
	Issuer       *Issuer    `xml:"Issuer,omitempty"`
	Signature    *Signature `xml:"Signature,omitempty"`
	Status       *Status    `xml:"Status"`
}

// ============================================================================
// Constructors and helpers
// ============================================================================

// GenerateID generates a unique SAML message ID. IDs must begin with a
// letter or underscore per xs:ID, hence the prefix.
func GenerateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return "_" + hex.EncodeToString(b)
}

// TimeFormat is the xs:dateTime layout required by SAML 2.0 Core Section
// 1.3.3: UTC with the 'Z' indicator.
const TimeFormat = "2006-01-02T15:04:05Z"

// TimeNow returns the current time in SAML wire format.
func TimeNow() string {
	return time.Now().UTC().Format(TimeFormat)
}

// TimeIn returns a time offset from now in SAML wire format.
func TimeIn(d time.Duration) string {
	return time.Now().UTC().Add(d).Format(TimeFormat)
}

// NewStatusResponse creates a Response carrying only a status, used for all
// login failure answers. Second-level codes nest under Requester/Responder
// per SAML 2.0 Core Section 3.2.2.2.
func NewStatusResponse(issuer, destination, inResponseTo, statusCode string) *Response {
	return &Response{
		SAMLP:        NamespaceProtocol,
		SAML:         NamespaceAssertion,
		ID:           GenerateID(),
		Version:      "2.0",
		IssueInstant: TimeNow(),
		Destination:  destination,
		InResponseTo: inResponseTo,
		Issuer:       &Issuer{Value: issuer},
		Status:       nestedStatus(statusCode),
	}
}

// NewSuccessResponse creates a success Response shell; the caller attaches
// the assertion.
func NewSuccessResponse(issuer, destination, inResponseTo string) *Response {
	return NewStatusResponse(issuer, destination, inResponseTo, StatusSuccess)
}

// NewAssertion creates a SAML assertion for an authenticated subject.
func NewAssertion(issuer, audience, nameID, nameIDFormat, sessionIndex, authnContext string, validity time.Duration, attributes map[string][]string) *Assertion {
	now := TimeNow()
	notOnOrAfter := TimeIn(validity)

	a := &Assertion{
		SAML:         NamespaceAssertion,
		ID:           GenerateID(),
		Version:      "2.0",
		IssueInstant: now,
		Issuer:       &Issuer{Value: issuer},
		Subject: &Subject{
			NameID: &NameID{Format: nameIDFormat, Value: nameID},
			SubjectConfirmation: &SubjectConfirmation{
				Method: "urn:oasis:names:tc:SAML:2.0:cm:bearer",
				SubjectConfirmationData: &SubjectConfirmationData{
					NotOnOrAfter: notOnOrAfter,
					Recipient:    audience,
				},
			},
		},
		Conditions: &Conditions{
			NotBefore:    now,
			NotOnOrAfter: notOnOrAfter,
			AudienceRestriction: &AudienceRestriction{
				Audience: []string{audience},
			},
		},
		AuthnStatement: &AuthnStatement{
			AuthnInstant: now,
			SessionIndex: sessionIndex,
			AuthnContext: &AuthnContext{AuthnContextClassRef: authnContext},
		},
	}

	if len(attributes) > 0 {
		stmt := &AttributeStatement{Attributes: make([]Attribute, 0, len(attributes))}
		for name, values := range attributes {
			attr := Attribute{
				Name:            name,
				NameFormat:      "urn:oasis:names:tc:SAML:2.0:attrname-format:uri",
				AttributeValues: make([]AttributeValue, len(values)),
			}
			for i, v := range values {
				attr.AttributeValues[i] = AttributeValue{Value: v}
			}
			stmt.Attributes = append(stmt.Attributes, attr)
		}
		a.AttributeStatement = stmt
	}

	return a
}

// NewLogoutRequest creates a LogoutRequest addressed to one partner.
func NewLogoutRequest(issuer, destination, nameID, nameIDFormat string, sessionIndexes []string) *LogoutRequest {
	return &LogoutRequest{
		SAMLP:        NamespaceProtocol,
		SAML:         NamespaceAssertion,
		ID:           GenerateID(),
		Version:      "2.0",
		IssueInstant: TimeNow(),
		Destination:  destination,
		NotOnOrAfter: TimeIn(5 * time.Minute),
		Issuer:       &Issuer{Value: issuer},
		NameID:       &NameID{Format: nameIDFormat, Value: nameID},
		SessionIndex: sessionIndexes,
	}
}

// NewLogoutResponse creates a LogoutResponse with the given status code.
func NewLogoutResponse(issuer, destination, inResponseTo, statusCode string) *LogoutResponse {
	return &LogoutResponse{
		SAMLP:        NamespaceProtocol,
		SAML:         NamespaceAssertion,
		ID:           GenerateID(),
		Version:      "2.0",
		IssueInstant: TimeNow(),
		Destination:  destination,
		InResponseTo: inResponseTo,
		Issuer:       &Issuer{Value: issuer},
		Status:       nestedStatus(statusCode),
	}
}

// nestedStatus wraps a second-level status code under the appropriate
// top-level code. Success and the bare top-level codes stand alone.
func nestedStatus(code string) *Status {
	switch code {
	case StatusSuccess, StatusRequester, StatusResponder:
		return &Status{StatusCode: StatusCode{Value: code}}
	case StatusRequestDenied, StatusRequestUnsupported, StatusUnsupportedBinding:
		return &Status{StatusCode: StatusCode{
			Value:      StatusRequester,
			StatusCode: &StatusCode{Value: code},
		}}
	default:
		return &Status{StatusCode: StatusCode{
			Value:      StatusResponder,
			StatusCode: &StatusCode{Value: code},
		}}
	}
}

// SecondLevelStatus extracts the nested second-level status code, or the
// empty string when the status carries only a top-level code.
func SecondLevelStatus(s *Status) string {
	if s == nil || s.StatusCode.StatusCode == nil {
		return ""
	}
	return s.StatusCode.StatusCode.Value
}

// IsSuccess reports whether a Status carries the Success top-level code.
func IsSuccess(s *Status) bool {
	return s != nil && s.StatusCode.Value == StatusSuccess
}

// Marshal marshals a SAML message to XML with indentation.
func Marshal(v interface{}) ([]byte, error) {
	return xml.MarshalIndent(v, "", "  ")
}

// Unmarshal unmarshals XML data into a SAML type.
func Unmarshal(data []byte, v interface{}) error {
	return xml.Unmarshal(data, v)
}
