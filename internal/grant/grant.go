// Package grant verifies and represents the per-connection Grant described
// in spec §3: a signed JWT binding a connection to (project, channel,
// userId) with per-topic scopes. Verification follows the same
// parse-with-claims shape as go-server/internal/auth.JWTManager, but checks
// an RS256 signature against a configured public key instead of an HS256
// shared secret, matching spec §4.F ("grant verification uses a configured
// public key").
package grant

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scope is the access level a Grant's topic entry grants.
type Scope string

const (
	ScopeRead      Scope = "read"
	ScopeWrite     Scope = "write"
	ScopeReadWrite Scope = "readwrite"
	ScopeInfo      Scope = "info"
)

// WildcardTopic matches any topic within the channel for access-control and
// subscription purposes (spec §3 Topic).
const WildcardTopic = "*"

// TopicScope is one entry of a Grant's topics list.
type TopicScope struct {
	Topic string `json:"topic"`
	Scope Scope  `json:"scope"`
}

// Grant is the immutable, per-connection access token described in spec §3.
type Grant struct {
	Project     string       `json:"project"`
	Channel     string       `json:"channel"`
	UserID      string       `json:"userId"`
	KeyID       string       `json:"keyId"`
	Topics      []TopicScope `json:"topics"`
	WebhookURL  string       `json:"webhookUrl"`
	IssuedAt    time.Time    `json:"issuedAt"`
	ExpiresAt   time.Time    `json:"expiresAt"`
}

// Validate enforces the invariants in spec §3: expiresAt > issuedAt, and
// channel is non-empty.
func (g Grant) Validate() error {
	if g.Channel == "" {
		return errors.New("grant: channel must not be empty")
	}
	if !g.ExpiresAt.After(g.IssuedAt) {
		return errors.New("grant: expiresAt must be after issuedAt")
	}
	return nil
}

// Expired reports whether the grant has expired as of now.
func (g Grant) Expired(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}

// CanRead reports whether the grant allows reading (subscribing to) topic:
// an exact or wildcard entry with scope read or readwrite.
func (g Grant) CanRead(topic string) bool {
	return g.matchScope(topic, ScopeRead, ScopeReadWrite)
}

// CanWrite reports whether the grant allows publishing to topic: an exact
// or wildcard entry with scope write or readwrite.
func (g Grant) CanWrite(topic string) bool {
	return g.matchScope(topic, ScopeWrite, ScopeReadWrite)
}

// InfoOnly reports whether the grant's access to topic is info-only (no
// read/write/readwrite entry matches, but an info entry does).
func (g Grant) InfoOnly(topic string) bool {
	if g.CanRead(topic) || g.CanWrite(topic) {
		return false
	}
	return g.matchScope(topic, ScopeInfo)
}

func (g Grant) matchScope(topic string, wanted ...Scope) bool {
	for _, t := range g.Topics {
		if t.Topic != topic && t.Topic != WildcardTopic {
			continue
		}
		for _, w := range wanted {
			if t.Scope == w {
				return true
			}
		}
	}
	return false
}

// claims is the JWT claim shape a grant token is signed with.
type claims struct {
	Project    string       `json:"project"`
	Channel    string       `json:"channel"`
	UserID     string       `json:"userId"`
	KeyID      string       `json:"keyId"`
	Topics     []TopicScope `json:"topics"`
	WebhookURL string       `json:"webhookUrl"`
	jwt.RegisteredClaims
}

// Verifier verifies grant JWTs against a configured RS256 public key.
type Verifier struct {
	publicKey *rsa.PublicKey
}

// NewVerifier builds a Verifier from a PEM-encoded RSA public key.
func NewVerifier(publicKeyPEM string) (*Verifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("grant: parse public key: %w", err)
	}
	return &Verifier{publicKey: key}, nil
}

// Verify parses and validates a grant JWT, returning the decoded Grant.
// Expired or malformed grants are rejected (spec §4.F).
func (v *Verifier) Verify(tokenString string) (Grant, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.publicKey, nil
	})
	if err != nil {
		return Grant{}, fmt.Errorf("grant: invalid token: %w", err)
	}
	if !token.Valid {
		return Grant{}, errors.New("grant: token not valid")
	}

	g := Grant{
		Project:    c.Project,
		Channel:    c.Channel,
		UserID:     c.UserID,
		KeyID:      c.KeyID,
		Topics:     c.Topics,
		WebhookURL: c.WebhookURL,
	}
	if c.IssuedAt != nil {
		g.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		g.ExpiresAt = c.ExpiresAt.Time
	}

	if err := g.Validate(); err != nil {
		return Grant{}, err
	}
	if g.Expired(time.Now()) {
		return Grant{}, errors.New("grant: expired")
	}
	return g, nil
}

// ExtractToken extracts the grant JWT from the request: query `?grant=`
// first (primary, since browsers cannot set headers on a WebSocket
// upgrade), then the `X-Erebus-Grant` header as a fallback (spec §6).
func ExtractToken(r *http.Request) (string, error) {
	if q := r.URL.Query().Get("grant"); q != "" {
		tok, err := url.QueryUnescape(q)
		if err != nil {
			return "", fmt.Errorf("grant: malformed query token: %w", err)
		}
		return tok, nil
	}
	if h := r.Header.Get("X-Erebus-Grant"); h != "" {
		return h, nil
	}
	return "", errors.New("grant: missing grant (query or X-Erebus-Grant header)")
}
