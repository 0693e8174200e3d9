// Package identity issues and verifies the access tokens that authenticate
// API callers, and caches remote JWKS documents for tokens signed by an
// external identity provider.
package identity

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sprintconnect/registry/internal/registry/model"
)

// Claims are the JWT claims of a SprintConnect access token. Subject carries
// the user ID; OrgID scopes every data access.
type Claims struct {
	jwt.RegisteredClaims
	OrgID string   `json:"org_id"`
	Roles []string `json:"roles"`
	Type  string   `json:"type"` // always "access"
}

// Principal is the authenticated caller derived from verified claims.
type Principal struct {
	UserID uuid.UUID
	OrgID  uuid.UUID
	Roles  []model.Role
}

// Can reports whether the principal holds the permission.
func (p *Principal) Can(perm model.Permission) bool {
	return perm.Allows(p.Roles)
}

// principalFromClaims converts verified claims into a Principal, rejecting
// malformed identifiers.
func principalFromClaims(claims *Claims) (*Principal, error) {
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("invalid user id in token: %w", err)
	}
	orgID, err := uuid.Parse(claims.OrgID)
	if err != nil {
		return nil, fmt.Errorf("invalid org id in token: %w", err)
	}
	roles := make([]model.Role, 0, len(claims.Roles))
	for _, r := range claims.Roles {
		roles = append(roles, model.Role(r))
	}
	return &Principal{UserID: userID, OrgID: orgID, Roles: roles}, nil
}

// TokenIssuer signs and verifies access tokens with a local RSA key.
type TokenIssuer struct {
	key    *rsa.PrivateKey
	pub    *rsa.PublicKey
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer.
//
//	issuerURL — the "iss" claim value; matches the registry's base URL.
//	ttl       — token lifetime (default: 24 hours).
func NewTokenIssuer(key *rsa.PrivateKey, issuerURL string, ttl time.Duration) *TokenIssuer {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{
		key:    key,
		pub:    &key.PublicKey,
		issuer: issuerURL,
		ttl:    ttl,
	}
}

// PublicKey returns the verification key, for JWKS publication.
func (t *TokenIssuer) PublicKey() *rsa.PublicKey { return t.pub }

// Issue creates a signed access token for the given user.
func (t *TokenIssuer) Issue(userID, orgID uuid.UUID, roles []model.Role) (string, error) {
	now := time.Now().UTC()
	roleStrs := make([]string, 0, len(roles))
	for _, r := range roles {
		roleStrs = append(roleStrs, string(r))
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		OrgID: orgID.String(),
		Roles: roleStrs,
		Type:  "access",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Verifier validates an access token and returns the caller's Principal.
// Both *TokenIssuer (local key) and *JWKSVerifier (remote key set) satisfy it.
type Verifier interface {
	Verify(ctx context.Context, tokenStr string) (*Principal, error)
}

// Verify parses and validates an access token, returning its Principal.
func (t *TokenIssuer) Verify(_ context.Context, tokenStr string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.pub, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify access token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid access token claims")
	}
	if claims.Type != "access" {
		return nil, fmt.Errorf("not an access token")
	}
	return principalFromClaims(claims)
}
