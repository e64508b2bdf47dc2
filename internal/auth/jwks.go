package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/atriumhq/atrium/pkg/caller"
)

// JWKSVerifier validates tokens against the identity provider's published
// key set. The JWKS is cached and refreshed in the background to pick up
// key rotation; a token that fails against the cached set triggers one
// forced refresh before being rejected, so a freshly rotated signing key
// does not invalidate live traffic.
type JWKSVerifier struct {
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
}

// NewJWKSVerifier builds a verifier that fetches keys from jwksURL. The
// initial fetch runs synchronously so a misconfigured URL fails at startup
// rather than on the first request.
func NewJWKSVerifier(ctx context.Context, jwksURL, issuer, audience string, refreshInterval time.Duration) (*JWKSVerifier, error) {
	if refreshInterval <= 0 {
		refreshInterval = 15 * time.Minute
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(refreshInterval)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWKSVerifier{
		jwksURL:  jwksURL,
		cache:    cache,
		issuer:   issuer,
		audience: audience,
	}, nil
}

// Verify parses and validates a token, checking signature, expiry, issuer,
// and audience.
func (v *JWKSVerifier) Verify(ctx context.Context, token string) (caller.Context, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return caller.Context{}, fmt.Errorf("%w: jwks unavailable: %v", ErrInvalidToken, err)
	}

	parsed, err := v.parse(token, keyset)
	if err != nil {
		// The provider may have rotated its signing key since the last
		// refresh. Force one refresh and retry before rejecting.
		keyset, rerr := v.cache.Refresh(ctx, v.jwksURL)
		if rerr != nil {
			return caller.Context{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		parsed, err = v.parse(token, keyset)
		if err != nil {
			return caller.Context{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}

	name, _ := parsed.Get("name")
	email, _ := parsed.Get("email")
	department, _ := parsed.Get("department")
	rolesClaim, _ := parsed.Get("roles")

	return contextFromClaims(
		parsed.Subject(),
		stringClaim(name),
		stringClaim(email),
		stringClaim(department),
		parsed.JwtID(),
		rolesFromClaim(rolesClaim),
		parsed.IssuedAt(),
		parsed.Expiration(),
	)
}

func (v *JWKSVerifier) parse(token string, keyset jwk.Set) (jwt.Token, error) {
	opts := []jwt.ParseOption{
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	return jwt.Parse([]byte(token), opts...)
}

func stringClaim(v any) string {
	s, _ := v.(string)
	return s
}
