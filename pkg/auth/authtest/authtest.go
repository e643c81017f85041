// Package authtest mints relay credentials for tests.
package authtest

import (
	"testing"
	"time"

	"wynnbridge/pkg/auth"
)

// Secret is the shared secret tests configure verifiers with.
const Secret = "test-secret"

// Token signs an HS256 credential for guildID valid for one hour.
func Token(t testing.TB, secret string, guildID string) string {
	t.Helper()
	return TokenWithExpiry(t, secret, guildID, time.Now().Add(time.Hour))
}

// TokenWithExpiry signs an HS256 credential for guildID expiring at expires.
func TokenWithExpiry(t testing.TB, secret string, guildID string, expires time.Time) string {
	t.Helper()

	signed, err := auth.Issue(secret, guildID, expires)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return signed
}
