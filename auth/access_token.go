package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ggoodman/sportstream-go/frame"
	"github.com/ggoodman/sportstream-go/internal/jwtauth"
)

// JWTOption configures optional aspects of the JWT verifier.
type JWTOption func(*jwtauth.Config)

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) JWTOption {
	return func(c *jwtauth.Config) { c.RequiredScopes = append([]string(nil), scopes...) }
}

// WithAllowedAlgs restricts allowed JWS algorithms. Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) JWTOption {
	return func(c *jwtauth.Config) { c.AllowedAlgs = append([]string(nil), algs...) }
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) JWTOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithTierClaim names the claim holding the tier. Defaults to "tier".
func WithTierClaim(name string) JWTOption {
	return func(c *jwtauth.Config) { c.TierClaim = name }
}

// WithAccessTokenType enforces the RFC 9068 "at+jwt" header.
func WithAccessTokenType() JWTOption {
	return func(c *jwtauth.Config) { c.RequireAccessTokenType = true }
}

// NewJWTFromDiscovery returns a Verifier for JWTs issued by issuer, locating
// the signing keys through OpenID Connect discovery.
func NewJWTFromDiscovery(ctx context.Context, issuer string, audience string, opts ...JWTOption) (Verifier, error) {
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	if audience != "" {
		cfg.ExpectedAudiences = []string{audience}
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.ExpectedAudiences) == 0 {
		return nil, errors.New("audience is required")
	}
	v, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &jwtVerifier{v: v}, nil
}

// SecurityConfig describes a JWT verifier configured without discovery.
type SecurityConfig struct {
	Issuer      string
	Audiences   []string
	AllowedAlgs []string // default: ["RS256"] if empty
	JWKSURL     string
	Leeway      time.Duration // default 60s
	TierClaim   string        // default "tier"
}

// Validate returns an error if required fields are missing.
func (c SecurityConfig) Validate() error {
	if c.Issuer == "" {
		return errors.New("security: issuer required")
	}
	if len(c.Audiences) == 0 {
		return errors.New("security: at least one audience required")
	}
	for _, a := range c.Audiences {
		if a == "" {
			return errors.New("security: empty audience entry")
		}
	}
	if c.JWKSURL == "" {
		return errors.New("security: JWKSURL required for manual JWT verifier")
	}
	return nil
}

// NewManualJWTVerifier builds a JWT Verifier from c without performing OIDC
// discovery.
func (c SecurityConfig) NewManualJWTVerifier(ctx context.Context) (Verifier, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = c.Issuer
	cfg.ExpectedAudiences = append([]string(nil), c.Audiences...)
	if len(c.AllowedAlgs) > 0 {
		cfg.AllowedAlgs = append([]string(nil), c.AllowedAlgs...)
	}
	if c.Leeway > 0 {
		cfg.Leeway = c.Leeway
	}
	if c.TierClaim != "" {
		cfg.TierClaim = c.TierClaim
	}
	v, err := jwtauth.NewStatic(ctx, cfg, c.JWKSURL)
	if err != nil {
		return nil, err
	}
	return &jwtVerifier{v: v}, nil
}

type jwtVerifier struct {
	v *jwtauth.Validator
}

func (j *jwtVerifier) Verify(ctx context.Context, tok string) (Identity, error) {
	// Compact JWS always has three segments; anything else belongs to another verifier.
	if strings.Count(tok, ".") != 2 {
		return Identity{}, ErrNotApplicable
	}
	claims, err := j.v.Validate(ctx, tok)
	if err != nil {
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return Identity{}, &frame.Error{Code: frame.CodeTierDenied, Message: "insufficient scope", Err: err}
		}
		return Identity{}, &frame.Error{Code: frame.CodeAuthFailed, Message: "invalid token", Err: err}
	}
	return Identity{UserID: claims.Subject, Tier: tierFromClaims(claims)}, nil
}

// tierFromClaims prefers the explicit tier claim, then a "tier:<name>" scope,
// and falls back to starter for any authenticated principal.
func tierFromClaims(c *jwtauth.Claims) Tier {
	if t, err := ParseTier(c.Tier); err == nil && c.Tier != "" {
		return t
	}
	best := TierStarter
	for _, s := range c.Scopes {
		name, ok := strings.CutPrefix(s, "tier:")
		if !ok {
			continue
		}
		if t, err := ParseTier(name); err == nil && t > best {
			best = t
		}
	}
	return best
}
