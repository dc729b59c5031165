package authn

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/federalis/idp/internal/saml"
)

// User is one entry in the local user registry.
type User struct {
	Username     string              `yaml:"username"`
	PasswordHash string              `yaml:"password_sha256"` // hex SHA-256
	NameID       string              `yaml:"name_id"`
	NameIDFormat string              `yaml:"name_id_format"`
	Email        string              `yaml:"email"`
	DisplayName  string              `yaml:"display_name"`
	Groups       []string            `yaml:"groups"`
	Attributes   map[string][]string `yaml:"attributes"`
}

type userFile struct {
	Users []User `yaml:"users"`
}

// Registry is the parsed user file, indexed by username and email.
type Registry struct {
	byUsername map[string]*User
	byEmail    map[string]*User
}

// LoadUsers parses a YAML user registry.
func LoadUsers(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read user file: %w", err)
	}
	return ParseUsers(data)
}

// ParseUsers builds a registry from YAML bytes.
func ParseUsers(data []byte) (*Registry, error) {
	var file userFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid user file: %w", err)
	}

	r := &Registry{
		byUsername: make(map[string]*User, len(file.Users)),
		byEmail:    make(map[string]*User, len(file.Users)),
	}
	for i := range file.Users {
		u := &file.Users[i]
		if u.Username == "" {
			return nil, fmt.Errorf("user %d: username is required", i)
		}
		if _, dup := r.byUsername[u.Username]; dup {
			return nil, fmt.Errorf("duplicate username %s", u.Username)
		}
		if u.NameID == "" {
			u.NameID = u.Username
		}
		if u.NameIDFormat == "" {
			u.NameIDFormat = saml.NameIDFormatUnspecified
		}
		r.byUsername[u.Username] = u
		if u.Email != "" {
			r.byEmail[strings.ToLower(u.Email)] = u
		}
	}
	return r, nil
}

// LookupUsername returns the user for a username.
func (r *Registry) LookupUsername(username string) (*User, bool) {
	u, ok := r.byUsername[username]
	return u, ok
}

// LookupEmail returns the user for an email address, case-insensitive.
func (r *Registry) LookupEmail(email string) (*User, bool) {
	u, ok := r.byEmail[strings.ToLower(email)]
	return u, ok
}

// identity builds the engine-facing identity for a user.
func (u *User) identity() *Identity {
	attrs := make(map[string][]string, len(u.Attributes)+3)
	for k, v := range u.Attributes {
		attrs[k] = append([]string(nil), v...)
	}
	if u.Email != "" {
		attrs["mail"] = []string{u.Email}
	}
	if u.DisplayName != "" {
		attrs["displayName"] = []string{u.DisplayName}
	}
	if len(u.Groups) > 0 {
		attrs["groups"] = append([]string(nil), u.Groups...)
	}
	return &Identity{
		Username:     u.Username,
		NameID:       u.NameID,
		NameIDFormat: u.NameIDFormat,
		Attributes:   attrs,
	}
}

// checkPassword compares a candidate against the stored hash in constant
// time.
func (u *User) checkPassword(password string) bool {
	if u.PasswordHash == "" {
		return false
	}
	stored, err := hex.DecodeString(u.PasswordHash)
	if err != nil {
		return false
	}
	candidate := sha256.Sum256([]byte(password))
	return subtle.ConstantTimeCompare(stored, candidate[:]) == 1
}

// HashPassword produces the stored form of a password, for provisioning
// tools and tests.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}
