// Package auth verifies bearer tokens at the gateway edge.
//
// Two verifier implementations share one interface: JWKSVerifier validates
// RS256 tokens against the identity provider's published key set, and
// StaticVerifier validates HS256 tokens against a shared secret for
// development setups. Both map the token's claims onto a caller.Context.
// Revocation is handled separately by Set, which mirrors the revocation
// list into memory so the hot path never blocks on Redis.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/atriumhq/atrium/pkg/caller"
)

var (
	// ErrMissingToken reports a request without a bearer token.
	ErrMissingToken = errors.New("auth: missing bearer token")

	// ErrInvalidToken reports a token that failed signature, expiry,
	// issuer, or audience checks.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrIncompleteClaims reports a cryptographically valid token whose
	// claims carry no subject.
	ErrIncompleteClaims = errors.New("auth: token missing identity claims")
)

// Verifier checks a bearer token and returns the caller identity carried
// in its claims.
type Verifier interface {
	Verify(ctx context.Context, token string) (caller.Context, error)
}

// ExtractBearer pulls the bearer token out of an Authorization header.
// Returns "" when the header is absent or not a bearer scheme.
func ExtractBearer(h http.Header) string {
	value := h.Get("Authorization")
	lower := strings.ToLower(value)
	if strings.HasPrefix(lower, "bearer ") {
		return strings.TrimSpace(value[len("bearer "):])
	}
	return ""
}

// contextFromClaims assembles a caller context from verified token claims.
// A subject is required; roles are not. A token with no usable roles still
// authenticates and simply carries an empty allow-list.
func contextFromClaims(sub, name, email, department, tokenID string, roles []string, issuedAt, expiresAt time.Time) (caller.Context, error) {
	c := caller.Context{
		UserID:     strings.TrimSpace(sub),
		UserName:   strings.TrimSpace(name),
		Email:      strings.TrimSpace(email),
		Roles:      roles,
		Department: strings.TrimSpace(department),
		IssuedAt:   claimTime(issuedAt),
		ExpiresAt:  claimTime(expiresAt),
		TokenID:    strings.TrimSpace(tokenID),
	}
	if c.UserID == "" {
		return caller.Context{}, fmt.Errorf("%w: missing subject", ErrIncompleteClaims)
	}
	return c, nil
}

// claimTime normalizes a claim timestamp to UTC seconds so the header codec
// reproduces it exactly on the tool-server side.
func claimTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return time.Unix(t.Unix(), 0).UTC()
}

// rolesFromClaim normalizes a roles claim that may arrive as a JSON array
// or as a comma-separated string.
func rolesFromClaim(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		roles := make([]string, 0, len(val))
		for _, entry := range val {
			if s, ok := entry.(string); ok && strings.TrimSpace(s) != "" {
				roles = append(roles, strings.TrimSpace(s))
			}
		}
		return roles
	case string:
		return caller.ParseRoles(val)
	default:
		return nil
	}
}
