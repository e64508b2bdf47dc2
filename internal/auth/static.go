package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atriumhq/atrium/pkg/caller"
)

// StaticVerifier validates HS256 tokens signed with a shared secret. It
// exists for development and test environments where no identity provider
// is available; production deployments use JWKSVerifier.
type StaticVerifier struct {
	secret   []byte
	issuer   string
	audience string
}

// NewStaticVerifier builds a shared-secret verifier. Issuer and audience
// checks are skipped when the corresponding value is empty.
func NewStaticVerifier(secret, issuer, audience string) (*StaticVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("auth: static mode requires a secret")
	}
	return &StaticVerifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
	}, nil
}

// StaticClaims is the claim set carried by development tokens.
type StaticClaims struct {
	Name       string   `json:"name,omitempty"`
	Email      string   `json:"email,omitempty"`
	Roles      []string `json:"roles,omitempty"`
	Department string   `json:"department,omitempty"`
	jwt.RegisteredClaims
}

// Verify parses and validates a token against the shared secret.
func (s *StaticVerifier) Verify(ctx context.Context, token string) (caller.Context, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}

	parsed, err := jwt.ParseWithClaims(token, &StaticClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return caller.Context{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*StaticClaims)
	if !ok || !parsed.Valid {
		return caller.Context{}, ErrInvalidToken
	}
	return contextFromClaims(
		claims.Subject, claims.Name, claims.Email, claims.Department, claims.ID,
		claims.Roles, numericDate(claims.IssuedAt), numericDate(claims.ExpiresAt),
	)
}

func numericDate(d *jwt.NumericDate) time.Time {
	if d == nil {
		return time.Time{}
	}
	return d.Time
}

// Mint issues a signed development token carrying the given identity.
// The atrium-tools CLI uses this to create test credentials.
func (s *StaticVerifier) Mint(c caller.Context, ttl time.Duration) (string, error) {
	if strings.TrimSpace(c.UserID) == "" {
		return "", fmt.Errorf("auth: user id required")
	}

	now := time.Now()
	claims := StaticClaims{
		Name:       c.UserName,
		Email:      c.Email,
		Roles:      c.Roles,
		Department: c.Department,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        c.TokenID,
			Subject:   c.UserID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}
