// Package redact masks sensitive values before they reach log output.
//
// Tool arguments produced by the model are logged at debug level; any key
// that looks like a credential is masked there, and the LLM API key is
// stripped from error strings that might echo request headers.
package redact

import "strings"

// Placeholder replaces every masked value.
const Placeholder = "[REDACTED]"

var sensitiveWords = []string{"password", "passwd", "token", "secret", "credential", "apikey", "api_key", "auth"}

// String replaces every occurrence of each value in s. Values shorter than
// four bytes are ignored so that common substrings survive.
func String(s string, values ...string) string {
	for _, v := range values {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, Placeholder)
	}
	return s
}

// Map returns a copy of m in which string values under sensitive-looking keys
// are masked. Nested objects are copied and masked recursively; m itself is
// never modified.
func Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch tv := v.(type) {
		case map[string]any:
			out[k] = Map(tv)
		case string:
			if tv != "" && IsSensitiveKey(k) {
				out[k] = Placeholder
			} else {
				out[k] = tv
			}
		default:
			out[k] = v
		}
	}
	return out
}

// IsSensitiveKey reports whether a key name suggests it holds a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, w := range sensitiveWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
