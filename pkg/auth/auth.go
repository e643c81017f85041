// Package auth verifies the bearer credential an agent or sink presents when
// it opens a relay connection and derives the connection's identity from it.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultAgentLabel is used when a connection does not declare a From header.
	DefaultAgentLabel = "!bot"

	headerAuthorization = "Authorization"
	headerFrom          = "From"
	headerUserAgent     = "User-Agent"
	bearerScheme        = "bearer"
)

var (
	ErrMissingToken = errors.New("no token provided")
	ErrInvalidToken = errors.New("invalid token provided")
)

// Identity is what a verified connection is allowed to act as. GuildID comes
// from the signed credential; AgentLabel and ClientVersion are caller-declared
// and only used for presence, version gating and logs.
type Identity struct {
	GuildID       string
	AgentLabel    string
	ClientVersion string
}

// Claims is the credential payload issued to agents and the sink.
type Claims struct {
	jwt.RegisteredClaims
	GuildID string `json:"guildId"`
}

// Verifier checks HMAC-signed credentials against a shared secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier builds a verifier for the shared secret. now may be nil.
func NewVerifier(secret string, now func() time.Time) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth.jwt_secret is required")
	}
	if now == nil {
		now = time.Now
	}

	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithTimeFunc(now),
		),
	}, nil
}

// Verify checks the token signature and validity window and returns the guild claim.
//
// Failures wrap ErrInvalidToken; the jwt cause is kept in the chain for logs.
func (v *Verifier) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}

	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	guildID := strings.TrimSpace(claims.GuildID)
	if guildID == "" {
		return "", fmt.Errorf("%w: guildId claim is empty", ErrInvalidToken)
	}

	return guildID, nil
}

// Authenticate verifies the handshake headers of one connection attempt.
func (v *Verifier) Authenticate(header http.Header) (Identity, error) {
	raw := strings.TrimSpace(header.Get(headerAuthorization))
	if raw == "" {
		return Identity{}, ErrMissingToken
	}

	token, ok := BearerToken(raw)
	if !ok {
		return Identity{}, fmt.Errorf("%w: malformed authorization header", ErrInvalidToken)
	}

	guildID, err := v.Verify(token)
	if err != nil {
		if errors.Is(err, ErrMissingToken) {
			return Identity{}, fmt.Errorf("%w: empty bearer token", ErrInvalidToken)
		}
		return Identity{}, err
	}

	label := strings.TrimSpace(header.Get(headerFrom))
	if label == "" {
		label = DefaultAgentLabel
	}

	return Identity{
		GuildID:       guildID,
		AgentLabel:    label,
		ClientVersion: strings.TrimSpace(header.Get(headerUserAgent)),
	}, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value.
func BearerToken(value string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(value), " ")
	if !found || !strings.EqualFold(scheme, bearerScheme) {
		return "", false
	}

	token = strings.TrimSpace(token)
	return token, token != ""
}

// SourceHint returns the caller-declared origin of a connection attempt for logs.
func SourceHint(header http.Header) string {
	if from := strings.TrimSpace(header.Get(headerFrom)); from != "" {
		return from
	}
	return "unknown"
}

// Issue signs an HS256 credential for guildID that expires at expires.
func Issue(secret, guildID string, expires time.Time) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("secret is required")
	}
	if strings.TrimSpace(guildID) == "" {
		return "", errors.New("guild id is required")
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		GuildID: guildID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
