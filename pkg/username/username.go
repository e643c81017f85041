// Package username normalizes in-game player names for comparison and storage keys.
//
// Player names are matched case-insensitively everywhere: presence checks,
// mute lookups and reward ledger rows all use Key.
package username

import (
	"strings"

	"golang.org/x/text/cases"
)

// Key returns the case-folded lookup key for a player name.
func Key(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	// A Caser is stateful, so each call gets its own.
	return cases.Fold().String(name)
}

// Equal reports whether two player names refer to the same player.
func Equal(a string, b string) bool {
	keyA := Key(a)
	return keyA != "" && keyA == Key(b)
}
