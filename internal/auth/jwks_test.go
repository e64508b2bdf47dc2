package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/atriumhq/atrium/pkg/caller"
)

// signingKey bundles an RSA key pair in JWK form for test token minting.
type signingKey struct {
	private jwk.Key
	public  jwk.Key
}

func newSigningKey(t *testing.T, kid string) *signingKey {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	private, err := jwk.FromRaw(raw)
	if err != nil {
		t.Fatalf("jwk from raw: %v", err)
	}
	if err := private.Set(jwk.KeyIDKey, kid); err != nil {
		t.Fatalf("set kid: %v", err)
	}
	if err := private.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		t.Fatalf("set alg: %v", err)
	}
	public, err := jwk.PublicKeyOf(private)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return &signingKey{private: private, public: public}
}

// jwksServer serves a swappable key set, mimicking an identity provider
// that rotates its signing keys.
type jwksServer struct {
	mu  sync.Mutex
	set jwk.Set
	srv *httptest.Server
}

func newJWKSServer(t *testing.T, keys ...*signingKey) *jwksServer {
	t.Helper()
	s := &jwksServer{}
	s.swap(keys...)
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.set)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *jwksServer) swap(keys ...*signingKey) {
	set := jwk.NewSet()
	for _, k := range keys {
		_ = set.AddKey(k.public)
	}
	s.mu.Lock()
	s.set = set
	s.mu.Unlock()
}

func mintRS256(t *testing.T, key *signingKey, mutate func(b *jwt.Builder)) string {
	t.Helper()
	b := jwt.NewBuilder().
		Issuer(testIssuer).
		Audience([]string{testAudience}).
		Subject("u-100").
		JwtID("tok-8841").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour)).
		Claim("name", "Alice Nguyen").
		Claim("email", "alice@atrium.example").
		Claim("roles", []string{caller.RoleHRRead, caller.RoleManager}).
		Claim("department", "People Ops")
	if mutate != nil {
		mutate(b)
	}
	token, err := b.Build()
	if err != nil {
		t.Fatalf("build token: %v", err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key.private))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return string(signed)
}

func TestJWKSVerifier_Verify(t *testing.T) {
	key := newSigningKey(t, "key-1")
	srv := newJWKSServer(t, key)

	v, err := NewJWKSVerifier(context.Background(), srv.srv.URL, testIssuer, testAudience, time.Minute)
	if err != nil {
		t.Fatalf("NewJWKSVerifier error: %v", err)
	}

	got, err := v.Verify(context.Background(), mintRS256(t, key, nil))
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if got.UserID != "u-100" {
		t.Errorf("UserID = %q, want u-100", got.UserID)
	}
	if got.TokenID != "tok-8841" {
		t.Errorf("TokenID = %q, want tok-8841", got.TokenID)
	}
	if got.UserName != "Alice Nguyen" {
		t.Errorf("UserName = %q", got.UserName)
	}
	if len(got.Roles) != 2 {
		t.Errorf("Roles = %v, want two roles", got.Roles)
	}
	if got.Department != "People Ops" {
		t.Errorf("Department = %q", got.Department)
	}
}

func TestJWKSVerifier_RejectsBadTokens(t *testing.T) {
	key := newSigningKey(t, "key-1")
	stranger := newSigningKey(t, "key-x")
	srv := newJWKSServer(t, key)

	v, err := NewJWKSVerifier(context.Background(), srv.srv.URL, testIssuer, testAudience, time.Minute)
	if err != nil {
		t.Fatalf("NewJWKSVerifier error: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"unknown signer", mintRS256(t, stranger, nil)},
		{"expired", mintRS256(t, key, func(b *jwt.Builder) { b.Expiration(time.Now().Add(-time.Minute)) })},
		{"wrong issuer", mintRS256(t, key, func(b *jwt.Builder) { b.Issuer("https://evil.example") })},
		{"wrong audience", mintRS256(t, key, func(b *jwt.Builder) { b.Audience([]string{"other-service"}) })},
		{"garbage", "not.a.jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(context.Background(), tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWKSVerifier_RolelessTokenAuthenticates(t *testing.T) {
	key := newSigningKey(t, "key-1")
	srv := newJWKSServer(t, key)

	v, err := NewJWKSVerifier(context.Background(), srv.srv.URL, testIssuer, testAudience, time.Minute)
	if err != nil {
		t.Fatalf("NewJWKSVerifier error: %v", err)
	}

	noRoles := mintRS256(t, key, func(b *jwt.Builder) { b.Claim("roles", []string{}) })
	got, err := v.Verify(context.Background(), noRoles)
	if err != nil {
		t.Fatalf("Verify error for role-less token: %v", err)
	}
	if len(got.Roles) != 0 {
		t.Errorf("Roles = %v, want none", got.Roles)
	}
}

func TestJWKSVerifier_KeyRotation(t *testing.T) {
	oldKey := newSigningKey(t, "key-1")
	srv := newJWKSServer(t, oldKey)

	v, err := NewJWKSVerifier(context.Background(), srv.srv.URL, testIssuer, testAudience, time.Hour)
	if err != nil {
		t.Fatalf("NewJWKSVerifier error: %v", err)
	}

	// The provider rotates its signing key after the verifier cached the
	// old set. A token from the new key must still verify via the forced
	// refresh path.
	newKey := newSigningKey(t, "key-2")
	srv.swap(newKey)

	got, err := v.Verify(context.Background(), mintRS256(t, newKey, nil))
	if err != nil {
		t.Fatalf("Verify after rotation error: %v", err)
	}
	if got.UserID != "u-100" {
		t.Errorf("UserID = %q, want u-100", got.UserID)
	}
}

func TestJWKSVerifier_CSVRoles(t *testing.T) {
	key := newSigningKey(t, "key-1")
	srv := newJWKSServer(t, key)

	v, err := NewJWKSVerifier(context.Background(), srv.srv.URL, testIssuer, testAudience, time.Minute)
	if err != nil {
		t.Fatalf("NewJWKSVerifier error: %v", err)
	}

	// Some providers emit roles as a comma-separated string.
	token := mintRS256(t, key, func(b *jwt.Builder) { b.Claim("roles", "finance-read, executive") })
	got, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if len(got.Roles) != 2 || got.Roles[1] != caller.RoleExecutive {
		t.Errorf("Roles = %v, want parsed csv roles", got.Roles)
	}
}

func TestNewJWKSVerifier_BadURL(t *testing.T) {
	if _, err := NewJWKSVerifier(context.Background(), "http://127.0.0.1:1/jwks.json", testIssuer, testAudience, time.Minute); err == nil {
		t.Error("expected startup error for unreachable JWKS URL")
	}
}
