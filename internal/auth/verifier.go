// Package auth verifies the signed credentials presented by socket and HTTP
// clients. Issuing credentials is handled by the account service.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/example/trip-tracking/internal/models"
)

const bearerPrefix = "Bearer "

var errEmptySecret = errors.New("auth: empty signing secret")

// Claims is the token payload written by the account service.
type Claims struct {
	UserID string      `json:"userId"`
	Role   models.Role `json:"role,omitempty"`
	jwtlib.RegisteredClaims
}

var _ jwtlib.Claims = (*Claims)(nil)

// Payload is the result of a successful verification.
type Payload struct {
	models.Identity
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Verifier checks HMAC-signed tokens against a provisioned secret.
type Verifier struct {
	secret []byte
	parser *jwtlib.Parser
}

// NewVerifier returns a Verifier for secret. opts are passed to the
// underlying parser (e.g. jwtlib.WithTimeFunc in tests).
func NewVerifier(secret string, opts ...jwtlib.ParserOption) (*Verifier, error) {
	s := strings.TrimSpace(secret)
	if s == "" {
		return nil, errEmptySecret
	}
	base := []jwtlib.ParserOption{jwtlib.WithValidMethods([]string{
		jwtlib.SigningMethodHS256.Alg(),
		jwtlib.SigningMethodHS384.Alg(),
		jwtlib.SigningMethodHS512.Alg(),
	})}
	return &Verifier{secret: []byte(s), parser: jwtlib.NewParser(append(base, opts...)...)}, nil
}

// Verify accepts "Bearer <jwt>" or a raw token. Every failure, including
// empty or garbage input, is reported as models.ErrCredentialInvalid.
func (v *Verifier) Verify(credential string) (Payload, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(credential), bearerPrefix))
	if raw == "" {
		return Payload{}, fmt.Errorf("%w: missing token", models.ErrCredentialInvalid)
	}

	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(raw, claims, func(t *jwtlib.Token) (any, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, jwtlib.ErrTokenSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", models.ErrCredentialInvalid, err)
	}
	if !token.Valid {
		return Payload{}, fmt.Errorf("%w: token not valid", models.ErrCredentialInvalid)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return Payload{}, fmt.Errorf("%w: token has no user id", models.ErrCredentialInvalid)
	}

	p := Payload{Identity: models.Identity{UserID: userID, Role: claims.Role}}
	if claims.IssuedAt != nil {
		p.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}
