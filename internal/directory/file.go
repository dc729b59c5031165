package directory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/federalis/idp/internal/crypto"
	"github.com/federalis/idp/internal/saml"
)

// partnerFile is the YAML shape of the partner registry.
type partnerFile struct {
	Partners []partnerEntry `yaml:"partners"`
}

type partnerEntry struct {
	EntityID             string        `yaml:"entity_id"`
	Name                 string        `yaml:"name"`
	ACS                  endpointEntry `yaml:"acs"`
	SLO                  endpointEntry `yaml:"slo"`
	PreferredBinding     string        `yaml:"preferred_binding"` // "post" or "redirect"
	WantAssertionsSigned bool          `yaml:"want_assertions_signed"`
	Certificate          string        `yaml:"certificate"` // PEM
}

type endpointEntry struct {
	Post     string `yaml:"post"`
	Redirect string `yaml:"redirect"`
}

// LoadFile parses a YAML partner registry into a StaticDirectory.
func LoadFile(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read partner file: %w", err)
	}
	partners, err := parsePartners(data)
	if err != nil {
		return nil, fmt.Errorf("partner file %s: %w", path, err)
	}
	return NewStaticDirectory(partners...), nil
}

func parsePartners(data []byte) ([]*Partner, error) {
	var file partnerFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if len(file.Partners) == 0 {
		return nil, fmt.Errorf("no partners declared")
	}

	partners := make([]*Partner, 0, len(file.Partners))
	seen := make(map[string]bool, len(file.Partners))
	for i, entry := range file.Partners {
		p, err := entry.toPartner()
		if err != nil {
			return nil, fmt.Errorf("partner %d (%s): %w", i, entry.EntityID, err)
		}
		if seen[p.EntityID] {
			return nil, fmt.Errorf("duplicate partner entity_id %s", p.EntityID)
		}
		seen[p.EntityID] = true
		partners = append(partners, p)
	}
	return partners, nil
}

func (e partnerEntry) toPartner() (*Partner, error) {
	if e.EntityID == "" {
		return nil, fmt.Errorf("entity_id is required")
	}
	if e.ACS.Post == "" && e.ACS.Redirect == "" {
		return nil, fmt.Errorf("at least one acs endpoint is required")
	}

	preferred, err := bindingURN(e.PreferredBinding)
	if err != nil {
		return nil, err
	}

	p := &Partner{
		EntityID:             e.EntityID,
		Name:                 e.Name,
		ACS:                  Endpoints{Post: e.ACS.Post, Redirect: e.ACS.Redirect},
		SLO:                  Endpoints{Post: e.SLO.Post, Redirect: e.SLO.Redirect},
		PreferredBinding:     preferred,
		WantAssertionsSigned: e.WantAssertionsSigned,
	}

	if e.Certificate != "" {
		cert, err := crypto.ParseCertificatePEM([]byte(e.Certificate))
		if err != nil {
			return nil, fmt.Errorf("bad certificate: %w", err)
		}
		p.Certificate = cert
	}

	return p, nil
}

func bindingURN(name string) (string, error) {
	switch name {
	case "", "post":
		return saml.BindingHTTPPost, nil
	case "redirect":
		return saml.BindingHTTPRedirect, nil
	default:
		return "", fmt.Errorf("unknown binding %q (want post or redirect)", name)
	}
}
