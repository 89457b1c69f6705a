package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload carried by a gateway credential.
type Claims struct {
	ID   string `json:"id"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs credentials with a shared HMAC secret. The REST side of
// the platform owns issuance in production; the gateway uses it for the
// token command and for tests.
type TokenIssuer struct {
	secret []byte
	issuer string
}

// NewTokenIssuer returns an issuer for the given secret.
func NewTokenIssuer(secret []byte, issuer string) *TokenIssuer {
	return &TokenIssuer{secret: secret, issuer: issuer}
}

// Issue creates a signed credential for id/kind valid for ttl.
func (t *TokenIssuer) Issue(id string, kind Kind, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		ID:   id,
		Role: string(kind),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, nil
}

// Verifier checks credential signatures and expiry.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier returns a Verifier accepting HS256 tokens signed with secret.
// When issuer is non-empty the iss claim must match it.
func NewVerifier(secret []byte, issuer string) *Verifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &Verifier{secret: secret, parser: jwt.NewParser(opts...)}
}

// Verify parses the credential and returns its claims. The claimed id falls
// back to the subject when the id claim is absent.
func (v *Verifier) Verify(credential string) (*Claims, error) {
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(credential, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if claims.ID == "" {
		claims.ID = claims.Subject
	}
	if claims.ID == "" {
		return nil, errors.New("identity: token carries no identity id")
	}
	return claims, nil
}
