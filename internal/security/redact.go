// Package security holds the fabric's safety kernels: log redaction, the
// filesystem sandbox, shell argument validation, and the SSRF egress filter.
package security

import "strings"

// Redacted replaces sensitive values in logs and audit records.
const Redacted = "***REDACTED***"

// maxRedactDepth bounds recursion into nested structures.
const maxRedactDepth = 10

var sensitiveKeyParts = []string{
	"key",
	"token",
	"password",
	"secret",
	"credential",
	"authorization",
}

// SensitiveKey reports whether a map key names a value that must never be
// logged.
func SensitiveKey(k string) bool {
	lower := strings.ToLower(k)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// Redact returns a copy of v with every value under a sensitive key
// replaced by the redaction marker, recursing through maps and slices to a
// fixed depth. The input is never mutated.
func Redact(v any) any {
	return redact(v, 0)
}

func redact(v any, depth int) any {
	if depth >= maxRedactDepth {
		return v
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if SensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = redact(val, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redact(val, depth+1)
		}
		return out
	default:
		return v
	}
}
