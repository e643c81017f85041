// Package version gates agents by the client version they declare on connect.
package version

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// Policy enforces a minimum declared client version. The zero Policy allows every client.
type Policy struct {
	minimum string
}

// NewPolicy builds a policy requiring at least minimum. An empty minimum disables the check.
func NewPolicy(minimum string) (Policy, error) {
	minimum = strings.TrimSpace(minimum)
	if minimum == "" {
		return Policy{}, nil
	}

	canonical, ok := Canonical(minimum)
	if !ok {
		return Policy{}, fmt.Errorf("invalid minimum client version %q", minimum)
	}

	return Policy{minimum: canonical}, nil
}

// Minimum returns the canonical minimum version, or "" when unset.
func (p Policy) Minimum() string {
	return p.minimum
}

// Allows reports whether a declared client version satisfies the policy.
// Undeclared or unparseable versions fail whenever a minimum is set.
func (p Policy) Allows(declared string) bool {
	if p.minimum == "" {
		return true
	}

	canonical, ok := Canonical(declared)
	if !ok {
		return false
	}

	return semver.Compare(canonical, p.minimum) >= 0
}

// Canonical extracts a semantic version from a user-agent style string such as
// "2.1.0", "v2.1.0" or "wynnbridge-mod/2.1.0 (fabric)".
func Canonical(declared string) (string, bool) {
	value := strings.TrimSpace(declared)
	if value == "" {
		return "", false
	}

	if fields := strings.Fields(value); len(fields) > 0 {
		value = fields[0]
	}
	if idx := strings.LastIndex(value, "/"); idx >= 0 {
		value = value[idx+1:]
	}
	if !strings.HasPrefix(value, "v") {
		value = "v" + value
	}

	if !semver.IsValid(value) {
		return "", false
	}

	return semver.Canonical(value), true
}
