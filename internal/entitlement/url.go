package entitlement

import (
	"strings"

	"keygate/internal/domain"
)

// RoutePrefix is the fixed path segment that may precede a key in the
// application's URLs, as in /k/ABC123. A bare /ABC123 also carries a key.
const RoutePrefix = "k"

// KeyFromPath extracts a candidate activation key from a URL path, or ""
// when the path carries none. The candidate is returned normalized.
func KeyFromPath(path string) string {
	parts := make([]string, 0, 4)
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}

	var candidate string
	switch {
	case len(parts) >= 2 && parts[len(parts)-2] == RoutePrefix:
		candidate = parts[len(parts)-1]
	case len(parts) == 1:
		candidate = parts[0]
	default:
		return ""
	}

	if strings.Contains(candidate, ".") {
		return ""
	}
	candidate = domain.NormalizeKeyID(candidate)
	if !domain.ValidKeyID(candidate) {
		return ""
	}
	return candidate
}
