// Package jwtauth verifies bearer tokens presented to the gateway. Keys come
// from an HMAC secret, a JWKS URL, or a JWKS discovered through the issuer's
// OpenID configuration. JWKS keys are refreshed in the background.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates that the token failed validation (signature,
// issuer, audience, exp/nbf) and the call should be rejected.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// Config controls token validation.
type Config struct {
	// Issuer, when set, must match the iss claim.
	Issuer string
	// Audiences, when set, must intersect the aud claim.
	Audiences   []string
	AllowedAlgs []string
	Leeway      time.Duration
}

// Verifier validates tokens against one key source.
type Verifier struct {
	cfg     Config
	keyfunc jwt.Keyfunc
}

// NewHMAC returns a verifier for tokens signed with a shared secret.
func NewHMAC(secret []byte, cfg Config) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"HS256", "HS384", "HS512"}
	}
	return newVerifier(cfg, func(*jwt.Token) (any, error) { return secret, nil }), nil
}

// NewJWKS returns a verifier that resolves keys from the JWKS at jwksURI.
func NewJWKS(ctx context.Context, jwksURI string, cfg Config) (*Verifier, error) {
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256", "ES256"}
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return newVerifier(cfg, kf.Keyfunc), nil
}

// NewFromDiscovery performs OIDC discovery against cfg.Issuer to find the
// jwks_uri, then behaves like NewJWKS.
func NewFromDiscovery(ctx context.Context, cfg Config) (*Verifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	return NewJWKS(ctx, meta.JwksURI, cfg)
}

func newVerifier(cfg Config, kf jwt.Keyfunc) *Verifier {
	return &Verifier{
		cfg: cfg,
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(cfg.AllowedAlgs, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf(t)
		},
	}
}

// Verify checks the token and returns its claims.
func (v *Verifier) Verify(ctx context.Context, tok string) (jwt.MapClaims, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	parsed, err := jwt.NewParser(opts...).Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	if len(v.cfg.Audiences) > 0 && !audIntersects(claims["aud"], v.cfg.Audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	return claims, nil
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
