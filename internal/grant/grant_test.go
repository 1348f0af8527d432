package grant

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return key, string(pemBytes)
}

func signTestGrant(t *testing.T, key *rsa.PrivateKey, g Grant) string {
	t.Helper()
	c := claims{
		Project:    g.Project,
		Channel:    g.Channel,
		UserID:     g.UserID,
		KeyID:      g.KeyID,
		Topics:     g.Topics,
		WebhookURL: g.WebhookURL,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(g.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(g.ExpiresAt),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, c).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return tok
}

func TestVerifierAcceptsValidGrant(t *testing.T) {
	key, pub := newTestKeyPair(t)
	v, err := NewVerifier(pub)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	want := Grant{
		Project:   "proj",
		Channel:   "room",
		UserID:    "u1",
		Topics:    []TopicScope{{Topic: "lobby", Scope: ScopeReadWrite}},
		IssuedAt:  time.Now().Add(-time.Minute),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	tok := signTestGrant(t, key, want)

	got, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.UserID != want.UserID || got.Channel != want.Channel {
		t.Fatalf("Verify() = %+v, want %+v", got, want)
	}
}

func TestVerifierRejectsExpiredGrant(t *testing.T) {
	key, pub := newTestKeyPair(t)
	v, err := NewVerifier(pub)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	expired := Grant{
		Project:   "proj",
		Channel:   "room",
		UserID:    "u1",
		IssuedAt:  time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	tok := signTestGrant(t, key, expired)

	if _, err := v.Verify(tok); err == nil {
		t.Fatal("expected error for expired grant")
	}
}

func TestVerifierRejectsWrongKey(t *testing.T) {
	_, pub := newTestKeyPair(t)
	otherKey, _ := newTestKeyPair(t)
	v, err := NewVerifier(pub)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	g := Grant{Project: "proj", Channel: "room", UserID: "u1", IssuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	tok := signTestGrant(t, otherKey, g)

	if _, err := v.Verify(tok); err == nil {
		t.Fatal("expected error for grant signed by an untrusted key")
	}
}

func TestCanReadCanWriteInfoOnlyWildcard(t *testing.T) {
	g := Grant{Topics: []TopicScope{{Topic: "*", Scope: ScopeInfo}, {Topic: "room", Scope: ScopeWrite}}}

	if !g.CanWrite("room") {
		t.Fatal("expected CanWrite(room) via exact entry")
	}
	if g.CanRead("room") {
		t.Fatal("write-only entry must not grant read")
	}
	if !g.InfoOnly("other") {
		t.Fatal("expected wildcard info entry to cover an unlisted topic")
	}
	if g.InfoOnly("room") {
		t.Fatal("room already has a non-info match, so InfoOnly must be false")
	}
}

func TestExtractTokenPrefersQueryOverHeader(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/v1/pubsub/room?grant="+url.QueryEscape("qtok"), nil)
	r.Header.Set("X-Erebus-Grant", "htok")

	tok, err := ExtractToken(r)
	if err != nil {
		t.Fatalf("ExtractToken: %v", err)
	}
	if tok != "qtok" {
		t.Fatalf("ExtractToken() = %q, want %q", tok, "qtok")
	}
}

func TestExtractTokenFallsBackToHeader(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/v1/pubsub/room", nil)
	r.Header.Set("X-Erebus-Grant", "htok")

	tok, err := ExtractToken(r)
	if err != nil {
		t.Fatalf("ExtractToken: %v", err)
	}
	if tok != "htok" {
		t.Fatalf("ExtractToken() = %q, want %q", tok, "htok")
	}
}
