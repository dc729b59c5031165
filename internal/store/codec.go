package store

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/federalis/idp/internal/crypto"
)

// SessionCodec serializes session records for the external adapters. The
// SQLite and Redis stores hold rows an operator can reach directly, so the
// serialized form is signed rather than plain JSON.
type SessionCodec interface {
	Encode(rec *SessionRecord) (string, error)
	Decode(token string) (*SessionRecord, error)
}

// SignedSessionCodec is the SessionCodec backed by the provider key: a
// record round-trips through signed session claims, so a tampered row is
// rejected on read instead of minting a session.
type SignedSessionCodec struct {
	codec *crypto.TokenCodec
}

// NewSignedSessionCodec creates a codec using the given token codec.
func NewSignedSessionCodec(codec *crypto.TokenCodec) *SignedSessionCodec {
	return &SignedSessionCodec{codec: codec}
}

func (c *SignedSessionCodec) Encode(rec *SessionRecord) (string, error) {
	claims := &crypto.SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: rec.Cookie,
		},
		NameID:       rec.NameID,
		NameIDFormat: rec.NameIDFormat,
		SessionIndex: rec.SessionIndex,
		AuthnContext: rec.AuthnContext,
		Attributes:   rec.Attributes,
		ActiveSPs:    rec.ActiveSPs,
	}
	return c.codec.Encode(claims, rec.ExpiresAt)
}

func (c *SignedSessionCodec) Decode(token string) (*SessionRecord, error) {
	claims, err := c.codec.Decode(token)
	if err != nil {
		return nil, fmt.Errorf("session record rejected: %w", err)
	}
	rec := &SessionRecord{
		Cookie:       claims.Subject,
		NameID:       claims.NameID,
		NameIDFormat: claims.NameIDFormat,
		SessionIndex: claims.SessionIndex,
		AuthnContext: claims.AuthnContext,
		Attributes:   claims.Attributes,
		ActiveSPs:    claims.ActiveSPs,
	}
	if claims.IssuedAt != nil {
		rec.CreatedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		rec.ExpiresAt = claims.ExpiresAt.Time
	}
	return rec, nil
}
