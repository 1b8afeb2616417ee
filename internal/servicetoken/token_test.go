package servicetoken

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// writeKeyPair writes a PKCS#8 private key and its PKIX public key under dir
// and returns both paths.
func writeKeyPair(t *testing.T, dir, name string) (string, string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	privPath := filepath.Join(dir, name+".key")
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		t.Fatalf("write private key: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPath := filepath.Join(dir, name+".pub")
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		t.Fatalf("write public key: %v", err)
	}
	return privPath, pubPath, key
}

func newGatewaySigner(t *testing.T, privPath string) *Signer {
	t.Helper()
	signer, err := NewSignerWithOptions(SignerOptions{
		PrivateKeyPath: privPath,
		KeyID:          "gateway-2026",
		Issuer:         "gateway",
		TTL:            time.Minute,
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return signer
}

func newAuthVerifier(t *testing.T, pubPath string) *Verifier {
	t.Helper()
	verifier, err := NewVerifierWithOptions(VerifierOptions{
		VerifyPublicKeyMap: map[string]string{"gateway-2026": pubPath},
		Audience:           "auth",
		AllowedIssuers:     []string{"gateway"},
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return verifier
}

func TestGatewayTokenAcceptedByAuth(t *testing.T) {
	privPath, pubPath, _ := writeKeyPair(t, t.TempDir(), "gateway")
	signer := newGatewaySigner(t, privPath)
	verifier := newAuthVerifier(t, pubPath)

	token, err := signer.Sign("auth")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Issuer != "gateway" || claims.Subject != "gateway" {
		t.Errorf("claims = issuer %q subject %q, want gateway", claims.Issuer, claims.Subject)
	}
	if claims.ID == "" {
		t.Error("token minted without a jti")
	}
}

func TestTokenForAnotherServiceIsRejected(t *testing.T) {
	privPath, pubPath, _ := writeKeyPair(t, t.TempDir(), "gateway")
	signer := newGatewaySigner(t, privPath)
	verifier := newAuthVerifier(t, pubPath)

	// Minted for the chat service, presented to auth.
	token, err := signer.Sign("chat")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.Verify(token); err == nil {
		t.Fatal("token for a different audience was accepted")
	}
}

func TestUnknownIssuerIsRejected(t *testing.T) {
	dir := t.TempDir()
	privPath, pubPath, _ := writeKeyPair(t, dir, "rogue")
	rogue, err := NewSignerWithOptions(SignerOptions{
		PrivateKeyPath: privPath,
		KeyID:          "gateway-2026",
		Issuer:         "rogue-service",
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier := newAuthVerifier(t, pubPath)

	token, err := rogue.Sign("auth")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.Verify(token); err == nil {
		t.Fatal("token from an unlisted issuer was accepted")
	}
}

func TestUnknownKeyIDIsRejected(t *testing.T) {
	dir := t.TempDir()
	privPath, pubPath, _ := writeKeyPair(t, dir, "gateway")
	signer, err := NewSignerWithOptions(SignerOptions{
		PrivateKeyPath: privPath,
		KeyID:          "retired-2024",
		Issuer:         "gateway",
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier := newAuthVerifier(t, pubPath)

	token, err := signer.Sign("auth")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.Verify(token); err == nil {
		t.Fatal("token signed under an unknown kid was accepted")
	}
}

func TestTokenWithoutKidIsRejected(t *testing.T) {
	dir := t.TempDir()
	_, pubPath, key := writeKeyPair(t, dir, "gateway")
	verifier := newAuthVerifier(t, pubPath)

	now := time.Now().UTC()
	bare := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    "gateway",
		Subject:   "gateway",
		Audience:  jwt.ClaimStrings{"auth"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		ID:        "abc123",
	})
	token, err := bare.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.Verify(token); err == nil {
		t.Fatal("token without a kid header was accepted")
	}
}

func TestExpiredTokenIsRejected(t *testing.T) {
	dir := t.TempDir()
	_, pubPath, key := writeKeyPair(t, dir, "gateway")
	verifier := newAuthVerifier(t, pubPath)

	stale := time.Now().UTC().Add(-time.Hour)
	expired := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    "gateway",
		Subject:   "gateway",
		Audience:  jwt.ClaimStrings{"auth"},
		IssuedAt:  jwt.NewNumericDate(stale),
		ExpiresAt: jwt.NewNumericDate(stale.Add(time.Minute)),
		ID:        "abc123",
	})
	expired.Header["kid"] = "gateway-2026"
	token, err := expired.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.Verify(token); err == nil {
		t.Fatal("expired token was accepted")
	}
}

func TestSignerRequiresKeyAndIssuer(t *testing.T) {
	if _, err := NewSignerWithOptions(SignerOptions{Issuer: "gateway"}); err == nil {
		t.Error("signer built without a private key path")
	}
	privPath, _, _ := writeKeyPair(t, t.TempDir(), "gateway")
	if _, err := NewSignerWithOptions(SignerOptions{PrivateKeyPath: privPath}); err == nil {
		t.Error("signer built without an issuer")
	}
}

func TestVerifierRequiresKeysAndIssuers(t *testing.T) {
	_, pubPath, _ := writeKeyPair(t, t.TempDir(), "gateway")
	if _, err := NewVerifierWithOptions(VerifierOptions{
		Audience:       "auth",
		AllowedIssuers: []string{"gateway"},
	}); err == nil {
		t.Error("verifier built without any public key")
	}
	if _, err := NewVerifierWithOptions(VerifierOptions{
		VerifyPublicKeyMap: map[string]string{"gateway-2026": pubPath},
		Audience:           "auth",
	}); err == nil {
		t.Error("verifier built without an issuer allowlist")
	}
}

func TestParseVerifyPublicKeys(t *testing.T) {
	got, err := ParseVerifyPublicKeys("gateway-2026=/etc/keys/gateway.pub, chat-2026=/etc/keys/chat.pub")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 2 || got["gateway-2026"] != "/etc/keys/gateway.pub" || got["chat-2026"] != "/etc/keys/chat.pub" {
		t.Fatalf("parsed map = %v", got)
	}

	if got, err := ParseVerifyPublicKeys("   "); err != nil || got != nil {
		t.Errorf("blank config = %v, %v; want nil map", got, err)
	}
	if _, err := ParseVerifyPublicKeys("missing-path"); err == nil {
		t.Error("entry without a path was accepted")
	}
	if _, err := ParseVerifyPublicKeys("=path-only"); err == nil {
		t.Error("entry without a kid was accepted")
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/internal/users", nil)
	if _, ok := BearerToken(req); ok {
		t.Error("missing header treated as a token")
	}
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if _, ok := BearerToken(req); ok {
		t.Error("basic auth treated as a bearer token")
	}
	req.Header.Set("Authorization", "Bearer   ")
	if _, ok := BearerToken(req); ok {
		t.Error("blank bearer token accepted")
	}
	req.Header.Set("Authorization", "Bearer "+strings.Repeat("x", 32))
	token, ok := BearerToken(req)
	if !ok || token != strings.Repeat("x", 32) {
		t.Errorf("token = %q ok = %v", token, ok)
	}
}
