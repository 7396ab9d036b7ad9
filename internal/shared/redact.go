package shared

import (
	"regexp"
	"strings"
)

// Mask is what every redacted value is replaced with.
const Mask = "[REDACTED]"

// secretRule keeps the text matched by its first group and masks the rest
// of the match.
type secretRule struct {
	name string
	re   *regexp.Regexp
}

var secretRules = []secretRule{
	// daemon.json fields and handshake payloads, JSON or key=value.
	{"daemon-field", regexp.MustCompile(`(?i)("?(?:private_key|password_hash|password|proof)"?\s*[:=]\s*)"?[A-Za-z0-9_\-./+=]{4,}"?`)},
	// ?password=... on operator connect URLs.
	{"query-password", regexp.MustCompile(`(?i)([?&]password=)[^&\s"]+`)},
	{"authorization", regexp.MustCompile(`(?i)(authorization:\s*)\S+(?:\s+[A-Za-z0-9_\-./+=]{8,})?`)},
	{"bearer", regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9_\-./+=]{16,}`)},
}

// Redact masks daemon secrets found in a log line, audit reason or error text.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, rule := range secretRules {
		s = rule.re.ReplaceAllString(s, "${1}"+Mask)
	}
	return s
}

var secretKeyParts = []string{"password", "private_key", "privatekey", "proof", "secret", "token", "authorization"}

// IsSecretKey reports whether a structured field or env var name carries a
// secret and must never be logged verbatim.
func IsSecretKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	for _, part := range secretKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}
