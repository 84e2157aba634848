// Package identity resolves transport-level tokens to stable anonymous
// identities. The identity is an opaque ID minted on first contact and
// carried in a signed JWT; it survives reconnects but maps to nothing
// personal. Display handles shown to chat partners are generated per
// session elsewhere and never derive from this ID.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "pairline-chat"

// ErrInvalidToken rejects tokens that fail signature, expiry, or claim
// checks. Callers treat it uniformly; the cause is deliberately not leaked
// to clients.
var ErrInvalidToken = errors.New("identity: invalid token")

// Resolver mints and validates identity tokens.
type Resolver struct {
	secret []byte
	ttl    time.Duration
}

// NewResolver creates a Resolver signing with secret. ttl bounds token
// lifetime; expired clients just mint a fresh identity.
func NewResolver(secret string, ttl time.Duration) *Resolver {
	return &Resolver{secret: []byte(secret), ttl: ttl}
}

// Mint creates a new anonymous identity and returns it with its signed
// token.
func (r *Resolver) Mint() (identity, token string, err error) {
	identity = "anon-" + uuid.New().String()
	token, err = r.sign(identity)
	return identity, token, err
}

func (r *Resolver) sign(identity string) (string, error) {
	claims := jwt.MapClaims{
		"sub": identity,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(r.ttl).Unix(),
		"iss": issuer,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(r.secret)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, nil
}

// Resolve validates tokenStr and returns the stable identity it carries.
// An empty token is not an error here; callers decide whether to Mint.
func (r *Resolver) Resolve(tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}

// ResolveOrMint resolves tokenStr when present and valid, otherwise mints a
// fresh identity. The returned token is empty when the incoming one was
// accepted unchanged.
func (r *Resolver) ResolveOrMint(tokenStr string) (identity, freshToken string, err error) {
	if tokenStr != "" {
		if id, err := r.Resolve(tokenStr); err == nil {
			return id, "", nil
		}
	}
	return r.Mint()
}
