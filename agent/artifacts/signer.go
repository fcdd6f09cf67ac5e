package artifacts

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidLink is returned when a download token is missing, expired,
// forged or issued for another attachment.
var ErrInvalidLink = errors.New("artifacts: invalid or expired download link")

const linkIssuer = "agentgate/attachments"

// Signer issues HS256 tokens that grant read access to one attachment.
type Signer struct {
	key []byte
	now func() time.Time
}

// NewSigner creates a Signer. The key must be at least 32 bytes.
func NewSigner(key string) (*Signer, error) {
	if len(key) < 32 {
		return nil, errors.New("artifacts: signing key must be at least 32 bytes")
	}
	return &Signer{key: []byte(key), now: time.Now}, nil
}

// Sign returns a token for attachment id valid for ttl.
func (s *Signer) Sign(id string, ttl time.Duration) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(ttl).Truncate(time.Second)
	claims := jwt.RegisteredClaims{
		Issuer:    linkIssuer,
		Subject:   id,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign attachment link: %w", err)
	}
	return token, exp, nil
}

// Verify checks that token is a valid, unexpired grant for id.
func (s *Signer) Verify(token, id string) error {
	if token == "" {
		return ErrInvalidLink
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(linkIssuer),
		jwt.WithSubject(id),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	return nil
}
