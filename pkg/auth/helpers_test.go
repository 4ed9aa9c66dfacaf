package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	testIssuer   = "https://test-issuer.example.com"
	testAudience = "mnemo-api"
	testKeyID    = "test-key-id"
)

func generateRSAKeyPair(t testing.TB) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key pair: %v", err)
	}
	return privateKey, &privateKey.PublicKey
}

func createJWKS(t testing.TB, publicKey *rsa.PublicKey) jwk.Set {
	t.Helper()

	key, err := jwk.FromRaw(publicKey)
	if err != nil {
		t.Fatalf("failed to create JWK: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, testKeyID); err != nil {
		t.Fatalf("failed to set key id: %v", err)
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		t.Fatalf("failed to set algorithm: %v", err)
	}

	keyset := jwk.NewSet()
	if err := keyset.AddKey(key); err != nil {
		t.Fatalf("failed to add key: %v", err)
	}
	return keyset
}

// signTestToken builds and signs a JWT with the standard test issuer,
// audience, and a one-hour expiry, overridable through the extra claims.
func signTestToken(t testing.TB, privateKey *rsa.PrivateKey, subject string, extra map[string]any) string {
	t.Helper()

	token := jwt.New()
	setClaim := func(k string, v any) {
		if err := token.Set(k, v); err != nil {
			t.Fatalf("failed to set claim %s: %v", k, err)
		}
	}

	setClaim(jwt.IssuerKey, testIssuer)
	setClaim(jwt.AudienceKey, testAudience)
	setClaim(jwt.SubjectKey, subject)
	setClaim(jwt.IssuedAtKey, time.Now())
	setClaim(jwt.ExpirationKey, time.Now().Add(time.Hour))

	for key, value := range extra {
		setClaim(key, value)
	}

	key, err := jwk.FromRaw(privateKey)
	if err != nil {
		t.Fatalf("failed to create signing key: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, testKeyID); err != nil {
		t.Fatalf("failed to set key id: %v", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return string(signed)
}

// setupTestValidator starts a JWKS server and returns a validator wired to
// it along with the signing key.
func setupTestValidator(t testing.TB) (*JWTValidator, *rsa.PrivateKey) {
	t.Helper()

	privateKey, publicKey := generateRSAKeyPair(t)
	keyset := createJWKS(t, publicKey)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(keyset)
	}))
	t.Cleanup(server.Close)

	validator, err := NewJWTValidator(JWTValidatorConfig{
		JWKSURL:  server.URL + "/.well-known/jwks.json",
		Issuer:   testIssuer,
		Audience: testAudience,
	})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}

	return validator, privateKey
}
