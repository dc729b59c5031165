package saml

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
)

// ============================================================================
// SAML Metadata Types (SAML 2.0 Metadata)
// ============================================================================

// EntityDescriptor represents a SAML metadata EntityDescriptor
type EntityDescriptor struct {
	XMLName          xml.Name          `xml:"urn:oasis:names:tc:SAML:2.0:metadata EntityDescriptor"`
	DS               string            `xml:"xmlns:ds,attr"`
	EntityID         string            `xml:"entityID,attr"`
	ValidUntil       string            `xml:"validUntil,attr,omitempty"`
	CacheDuration    string            `xml:"cacheDuration,attr,omitempty"`
	IDPSSODescriptor *IDPSSODescriptor `xml:"IDPSSODescriptor,omitempty"`
	Organization     *Organization     `xml:"Organization,omitempty"`
	ContactPerson    []ContactPerson   `xml:"ContactPerson,omitempty"`
}

// IDPSSODescriptor represents the Identity Provider SSO Descriptor
type IDPSSODescriptor struct {
	XMLName                    xml.Name              `xml:"urn:oasis:names:tc:SAML:2.0:metadata IDPSSODescriptor"`
	ProtocolSupportEnumeration string                `xml:"protocolSupportEnumeration,attr"`
	WantAuthnRequestsSigned    bool                  `xml:"WantAuthnRequestsSigned,attr,omitempty"`
	KeyDescriptors             []KeyDescriptor       `xml:"KeyDescriptor,omitempty"`
	SingleLogoutServices       []SingleLogoutService `xml:"SingleLogoutService,omitempty"`
	NameIDFormats              []string              `xml:"NameIDFormat,omitempty"`
	SingleSignOnServices       []SingleSignOnService `xml:"SingleSignOnService"`
	Attributes                 []MetadataAttribute   `xml:"Attribute,omitempty"`
}

// KeyDescriptor represents a key descriptor in metadata
type KeyDescriptor struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:metadata KeyDescriptor"`
	Use     string   `xml:"use,attr,omitempty"` // "signing" or "encryption"
	KeyInfo KeyInfo  `xml:"KeyInfo"`
}

// SingleLogoutService represents a Single Logout Service endpoint
type SingleLogoutService struct {
	XMLName          xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:metadata SingleLogoutService"`
	Binding          string   `xml:"Binding,attr"`
	Location         string   `xml:"Location,attr"`
	ResponseLocation string   `xml:"ResponseLocation,attr,omitempty"`
}

// SingleSignOnService represents a Single Sign-On Service endpoint
type SingleSignOnService struct {
	XMLName  xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:metadata SingleSignOnService"`
	Binding  string   `xml:"Binding,attr"`
	Location string   `xml:"Location,attr"`
}

// MetadataAttribute represents an attribute declared in IdP metadata
type MetadataAttribute struct {
	XMLName      xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion Attribute"`
	Name         string   `xml:"Name,attr"`
	NameFormat   string   `xml:"NameFormat,attr,omitempty"`
	FriendlyName string   `xml:"FriendlyName,attr,omitempty"`
}

// Organization represents organization information
type Organization struct {
	XMLName                  xml.Name        `xml:"urn:oasis:names:tc:SAML:2.0:metadata Organization"`
	OrganizationNames        []LocalizedName `xml:"OrganizationName"`
	OrganizationDisplayNames []LocalizedName `xml:"OrganizationDisplayName"`
	OrganizationURLs         []LocalizedURL  `xml:"OrganizationURL"`
}

// LocalizedName represents a localized string
type LocalizedName struct {
	Lang  string `xml:"xml:lang,attr"`
	Value string `xml:",chardata"`
}

// LocalizedURL represents a localized URL
type LocalizedURL struct {
	Lang  string `xml:"xml:lang,attr"`
	Value string `xml:",chardata"`
}

// ContactPerson represents contact information
type ContactPerson struct {
	XMLName      xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:metadata ContactPerson"`
	ContactType  string   `xml:"contactType,attr"` // technical, support, administrative, billing, other
	Company      string   `xml:"Company,omitempty"`
	EmailAddress []string `xml:"EmailAddress,omitempty"`
}

// ============================================================================
// Metadata Generation
// ============================================================================

// MetadataConfig contains configuration for generating IdP metadata
type MetadataConfig struct {
	EntityID    string
	SSOURL      string
	SLOURL      string
	Certificate *x509.Certificate

	WantAuthnRequestsSigned bool

	OrgName        string
	OrgDisplayName string
	OrgURL         string

	TechnicalContact string
	SupportContact   string
}

// GenerateIDPMetadata generates Identity Provider metadata announcing the
// SSO and SLO endpoints on both supported bindings.
func GenerateIDPMetadata(config *MetadataConfig) *EntityDescriptor {
	metadata := &EntityDescriptor{
		DS:       NamespaceDSig,
		EntityID: config.EntityID,
		IDPSSODescriptor: &IDPSSODescriptor{
			ProtocolSupportEnumeration: NamespaceProtocol,
			WantAuthnRequestsSigned:    config.WantAuthnRequestsSigned,
			NameIDFormats: []string{
				NameIDFormatEmail,
				NameIDFormatPersistent,
				NameIDFormatTransient,
				NameIDFormatUnspecified,
			},
			SingleSignOnServices: []SingleSignOnService{
				{Binding: BindingHTTPPost, Location: config.SSOURL},
				{Binding: BindingHTTPRedirect, Location: config.SSOURL},
			},
			SingleLogoutServices: []SingleLogoutService{
				{Binding: BindingHTTPPost, Location: config.SLOURL},
				{Binding: BindingHTTPRedirect, Location: config.SLOURL},
			},
			Attributes: []MetadataAttribute{
				{Name: "urn:oid:0.9.2342.19200300.100.1.3", NameFormat: "urn:oasis:names:tc:SAML:2.0:attrname-format:uri", FriendlyName: "mail"},
				{Name: "urn:oid:2.5.4.42", NameFormat: "urn:oasis:names:tc:SAML:2.0:attrname-format:uri", FriendlyName: "givenName"},
				{Name: "urn:oid:2.5.4.4", NameFormat: "urn:oasis:names:tc:SAML:2.0:attrname-format:uri", FriendlyName: "sn"},
				{Name: "urn:oid:2.5.4.3", NameFormat: "urn:oasis:names:tc:SAML:2.0:attrname-format:uri", FriendlyName: "cn"},
			},
		},
	}

	// X509Certificate carries the base64 DER certificate, not PEM.
	if config.Certificate != nil {
		certB64 := base64.StdEncoding.EncodeToString(config.Certificate.Raw)
		metadata.IDPSSODescriptor.KeyDescriptors = []KeyDescriptor{
			{
				Use: "signing",
				KeyInfo: KeyInfo{
					X509Data: &X509Data{X509Certificate: certB64},
				},
			},
		}
	}

	if config.OrgName != "" {
		metadata.Organization = &Organization{
			OrganizationNames:        []LocalizedName{{Lang: "en", Value: config.OrgName}},
			OrganizationDisplayNames: []LocalizedName{{Lang: "en", Value: config.OrgDisplayName}},
			OrganizationURLs:         []LocalizedURL{{Lang: "en", Value: config.OrgURL}},
		}
	}
	if config.TechnicalContact != "" {
		metadata.ContactPerson = append(metadata.ContactPerson, ContactPerson{
			ContactType:  "technical",
			EmailAddress: []string{config.TechnicalContact},
		})
	}
	if config.SupportContact != "" {
		metadata.ContactPerson = append(metadata.ContactPerson, ContactPerson{
			ContactType:  "support",
			EmailAddress: []string{config.SupportContact},
		})
	}

	return metadata
}

// MarshalMetadata marshals metadata to XML with an XML declaration.
func MarshalMetadata(metadata *EntityDescriptor) ([]byte, error) {
	xmlData, err := xml.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return nil, err
	}
	return []byte(xml.Header + string(xmlData)), nil
}
