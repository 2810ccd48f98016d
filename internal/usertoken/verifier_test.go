package usertoken

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"cropdoc/pkg/domain"
	jwt "github.com/golang-jwt/jwt/v5"
)

func newClaims(subject string, issuedAt time.Time) *Claims {
	c := &Claims{
		Email: subject + "@farm.example",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{"authenticated"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
		},
	}
	return c
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims *Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func signHS256(t *testing.T, secret string, claims *Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestNewVerifierRequiresKeyMaterial(t *testing.T) {
	if _, err := NewVerifier(context.Background(), Config{}); err == nil {
		t.Fatalf("expected missing jwks url and secret to fail")
	}
}

func TestJWKSAuthenticateAndRefreshOnUnknownKid(t *testing.T) {
	key1, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key1: %v", err)
	}
	key2, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key2: %v", err)
	}

	var fetches atomic.Int32
	var active atomic.Value
	active.Store("kid-1")
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		kid := active.Load().(string)
		pub := key1.PublicKey
		if kid == "kid-2" {
			pub = key2.PublicKey
		}
		w.Header().Set("Cache-Control", "public, max-age=600")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK(kid, pub)}})
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(context.Background(), Config{JWKSURL: jwksServer.URL, Issuer: "https://auth.example/auth/v1"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	c1 := newClaims("user-a", time.Now())
	c1.Issuer = "https://auth.example/auth/v1"
	user, err := v.Authenticate(context.Background(), signRS256(t, key1, "kid-1", c1))
	if err != nil {
		t.Fatalf("authenticate token1: %v", err)
	}
	if user.ID != "user-a" || user.Email != "user-a@farm.example" || user.Role != domain.RoleUser {
		t.Fatalf("unexpected user %+v", user)
	}

	active.Store("kid-2")
	c2 := newClaims("user-b", time.Now())
	c2.Issuer = "https://auth.example/auth/v1"
	c2.AppMetadata.Role = "admin"
	user, err = v.Authenticate(context.Background(), signRS256(t, key2, "kid-2", c2))
	if err != nil {
		t.Fatalf("authenticate token2 after rotation: %v", err)
	}
	if user.ID != "user-b" || user.Role != domain.RoleAdmin {
		t.Fatalf("unexpected user %+v", user)
	}
	if got := fetches.Load(); got != 2 {
		t.Fatalf("expected exactly one refresh, got %d fetches", got)
	}
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK("kid-1", key.PublicKey)}})
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(context.Background(), Config{JWKSURL: jwksServer.URL, Leeway: 5 * time.Second})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	wrongAud := newClaims("user-1", time.Now())
	wrongAud.Audience = jwt.ClaimStrings{"service_role"}
	noSubject := newClaims("", time.Now())

	cases := map[string]string{
		"garbage":          "not-a-jwt",
		"future iat":       signRS256(t, key, "kid-1", newClaims("user-1", time.Now().Add(2*time.Minute))),
		"wrong audience":   signRS256(t, key, "kid-1", wrongAud),
		"missing subject":  signRS256(t, key, "kid-1", noSubject),
		"hmac not enabled": signHS256(t, "secret", newClaims("user-1", time.Now())),
	}
	for name, token := range cases {
		if _, err := v.Authenticate(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestSecretAuthenticate(t *testing.T) {
	v, err := NewVerifier(context.Background(), Config{Secret: "super-secret-jwt-key"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	user, err := v.Authenticate(context.Background(), signHS256(t, "super-secret-jwt-key", newClaims("user-9", time.Now())))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if user.ID != "user-9" {
		t.Fatalf("unexpected user %+v", user)
	}
	if _, err := v.Authenticate(context.Background(), signHS256(t, "other-secret", newClaims("user-9", time.Now()))); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected wrong secret to fail, got %v", err)
	}

	expired := newClaims("user-9", time.Now().Add(-time.Hour))
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	if _, err := v.Authenticate(context.Background(), signHS256(t, "super-secret-jwt-key", expired)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}

func TestParseCacheMaxAge(t *testing.T) {
	if got := parseCacheMaxAge("public, max-age=120"); got != 2*time.Minute {
		t.Fatalf("unexpected ttl %v", got)
	}
	if got := parseCacheMaxAge("no-store"); got != 0 {
		t.Fatalf("expected zero ttl, got %v", got)
	}
}

func toJWK(kid string, key rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}
