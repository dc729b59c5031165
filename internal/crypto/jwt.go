package crypto

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims is the signed representation of a cached session record.
// Records serialized into external stores carry these claims so a tampered
// row fails verification instead of producing a forged session.
type SessionClaims struct {
	jwt.RegisteredClaims
	NameID       string              `json:"name_id"`
	NameIDFormat string              `json:"name_id_format"`
	SessionIndex string              `json:"session_index"`
	AuthnContext string              `json:"authn_context"`
	Attributes   map[string][]string `json:"attributes,omitempty"`
	ActiveSPs    []string            `json:"active_sps,omitempty"`
}

// TokenCodec signs and verifies session claims with the provider key.
type TokenCodec struct {
	keySet *KeySet
	issuer string
}

// NewTokenCodec creates a codec issuing tokens under the given issuer.
func NewTokenCodec(keySet *KeySet, issuer string) *TokenCodec {
	return &TokenCodec{keySet: keySet, issuer: issuer}
}

// Encode signs session claims into a compact RS256 token.
func (c *TokenCodec) Encode(claims *SessionClaims, expiresAt time.Time) (string, error) {
	now := time.Now()
	claims.Issuer = c.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.NotBefore = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(expiresAt)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = c.keySet.KeyID()
	return token.SignedString(c.keySet.Signer())
}

// Decode verifies a token and returns its session claims. Expired or
// tampered tokens are rejected.
func (c *TokenCodec) Decode(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.keySet.PublicKey(), nil
	}, jwt.WithIssuer(c.issuer))
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
