package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

type mockIDP struct {
	srv    *httptest.Server
	issuer string
}

// newMockIDP serves an OpenID configuration and the JWKS it points at.
func newMockIDP(t *testing.T, keysJSON []byte) *mockIDP {
	t.Helper()
	m := &mockIDP{}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 m.issuer,
			"jwks_uri":               m.issuer + "/keys",
			"authorization_endpoint": m.issuer + "/oauth2/auth",
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(mux)
	m.issuer = m.srv.URL
	t.Cleanup(m.srv.Close)
	return m
}

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signRSA(t *testing.T, pk *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func signHMAC(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func validClaims(iss string, aud any) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss": iss,
		"sub": "user-123",
		"aud": aud,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
}

func TestHMAC_HappyPath(t *testing.T) {
	t.Parallel()

	v, err := NewHMAC([]byte("s3cret"), Config{Issuer: "gw", Audiences: []string{"rpc"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	claims, err := v.Verify(context.Background(), signHMAC(t, "s3cret", validClaims("gw", "rpc")))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims["sub"] != "user-123" {
		t.Fatalf("sub = %v", claims["sub"])
	}
}

func TestHMAC_Rejects(t *testing.T) {
	t.Parallel()

	v, err := NewHMAC([]byte("s3cret"), Config{Issuer: "gw", Audiences: []string{"rpc"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	expired := validClaims("gw", "rpc")
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	noExp := validClaims("gw", "rpc")
	delete(noExp, "exp")

	cases := map[string]string{
		"empty":          "",
		"garbage":        "not.a.jwt",
		"wrong secret":   signHMAC(t, "other", validClaims("gw", "rpc")),
		"wrong issuer":   signHMAC(t, "s3cret", validClaims("evil", "rpc")),
		"wrong audience": signHMAC(t, "s3cret", validClaims("gw", "other")),
		"expired":        signHMAC(t, "s3cret", expired),
		"no exp":         signHMAC(t, "s3cret", noExp),
	}
	for name, tok := range cases {
		tok := tok
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := v.Verify(context.Background(), tok); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestHMAC_RejectsAsymmetricAlg(t *testing.T) {
	t.Parallel()

	pk, kid, _ := genRSA(t)
	v, err := NewHMAC([]byte("s3cret"), Config{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := v.Verify(context.Background(), signRSA(t, pk, kid, validClaims("gw", "rpc"))); err == nil {
		t.Fatal("expected RS256 token to be rejected by an HMAC verifier")
	}
}

func TestNewHMAC_RequiresSecret(t *testing.T) {
	if _, err := NewHMAC(nil, Config{}); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestJWKS_AudienceArray(t *testing.T) {
	t.Parallel()

	pk, kid, jwks := genRSA(t)
	idp := newMockIDP(t, jwks)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v, err := NewJWKS(ctx, idp.issuer+"/keys", Config{Issuer: idp.issuer, Audiences: []string{"rpc"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tok := signRSA(t, pk, kid, validClaims(idp.issuer, []string{"https://other", "rpc"}))
	if _, err := v.Verify(ctx, tok); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestFromDiscovery(t *testing.T) {
	t.Parallel()

	pk, kid, jwks := genRSA(t)
	idp := newMockIDP(t, jwks)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v, err := NewFromDiscovery(ctx, Config{Issuer: idp.issuer})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := v.Verify(ctx, signRSA(t, pk, kid, validClaims(idp.issuer, "rpc"))); err != nil {
		t.Fatalf("verify: %v", err)
	}

	other, _, _ := genRSA(t)
	if _, err := v.Verify(ctx, signRSA(t, other, kid, validClaims(idp.issuer, "rpc"))); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for a foreign key, got %v", err)
	}
}

func TestFromDiscovery_RequiresIssuer(t *testing.T) {
	if _, err := NewFromDiscovery(context.Background(), Config{}); err == nil {
		t.Fatal("expected error without issuer")
	}
}
