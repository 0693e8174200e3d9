package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// JWKSet is a JSON Web Key Set (RFC 7517).
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// JWK is a JSON Web Key for an RSA public key.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// RSAPublicKey decodes the JWK modulus and exponent into an rsa.PublicKey.
func (k JWK) RSAPublicKey() (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type: %s", k.Kty)
	}
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}

// PublicJWKS encodes an RSA public key as a single-key JWKS (RFC 7518 §6.3)
// for the /.well-known/jwks.json endpoint.
func PublicJWKS(pub *rsa.PublicKey, kid string) JWKSet {
	n := base64.RawURLEncoding.EncodeToString(pub.N.Bytes())

	eBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(eBuf, uint64(pub.E))
	i := 0
	for i < len(eBuf)-1 && eBuf[i] == 0 {
		i++
	}
	e := base64.RawURLEncoding.EncodeToString(eBuf[i:])

	return JWKSet{Keys: []JWK{{Kty: "RSA", Use: "sig", Kid: kid, Alg: "RS256", N: n, E: e}}}
}

// Clock abstracts time for cache expiry so tests can advance it.
type Clock func() time.Time

// JWKSCache fetches a remote JWKS document and caches it with a TTL. It backs
// verification of tokens signed by an external identity provider. The cache
// is an explicit instance owned by its verifier, never process-level state.
type JWKSCache struct {
	url        string
	httpClient *http.Client
	ttl        time.Duration
	now        Clock

	mu        sync.Mutex
	set       *JWKSet
	fetchedAt time.Time

	logger *zap.Logger
}

// NewJWKSCache creates a JWKSCache. ttl defaults to one hour; a nil clock
// uses time.Now.
func NewJWKSCache(url string, ttl time.Duration, now Clock, logger *zap.Logger) *JWKSCache {
	if ttl == 0 {
		ttl = time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &JWKSCache{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		ttl:        ttl,
		now:        now,
		logger:     logger,
	}
}

// Keys returns the cached key set, refreshing it when stale. A refresh
// failure falls back to the stale set when one exists.
func (c *JWKSCache) Keys(ctx context.Context) (*JWKSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.set != nil && c.now().Sub(c.fetchedAt) < c.ttl {
		return c.set, nil
	}

	set, err := c.fetch(ctx)
	if err != nil {
		if c.set != nil {
			c.logger.Warn("JWKS refresh failed, serving stale keys", zap.Error(err))
			return c.set, nil
		}
		return nil, err
	}
	c.set = set
	c.fetchedAt = c.now()
	return set, nil
}

// KeyFor returns the RSA public key with the given key ID.
func (c *JWKSCache) KeyFor(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	set, err := c.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, k := range set.Keys {
		if k.Kid == kid {
			return k.RSAPublicKey()
		}
	}
	return nil, fmt.Errorf("no key with id %q in JWKS", kid)
}

func (c *JWKSCache) fetch(ctx context.Context) (*JWKSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build JWKS request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read JWKS response: %w", err)
	}

	var set JWKSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("decode JWKS: %w", err)
	}
	if len(set.Keys) == 0 {
		return nil, fmt.Errorf("JWKS contains no keys")
	}
	return &set, nil
}

// JWKSVerifier verifies access tokens signed by an external identity
// provider, resolving the signing key through the JWKS cache.
type JWKSVerifier struct {
	cache  *JWKSCache
	issuer string
}

// NewJWKSVerifier creates a JWKSVerifier that accepts tokens from issuer.
func NewJWKSVerifier(cache *JWKSCache, issuer string) *JWKSVerifier {
	return &JWKSVerifier{cache: cache, issuer: issuer}
}

// Verify parses and validates a token against the remote key set.
func (v *JWKSVerifier) Verify(ctx context.Context, tokenStr string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			kid, _ := tok.Header["kid"].(string)
			if kid == "" {
				return nil, fmt.Errorf("token has no key id")
			}
			return v.cache.KeyFor(ctx, kid)
		},
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify access token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid access token claims")
	}
	return principalFromClaims(claims)
}
