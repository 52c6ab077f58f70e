package tools

import "strings"

// Redacted replaces sensitive values before persistence.
const Redacted = "[REDACTED]"

// redactionSet holds key substrings whose values are replaced. Matching is
// case-insensitive and partial: "api_key", "apiKey", and "x-api-key" all
// match "key".
var redactionSet = []string{
	"token",
	"key",
	"api_key",
	"secret",
	"authorization",
	"bearer",
	"credential",
	"access_token",
	"private_key",
	"password",
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, needle := range redactionSet {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

// Redact walks a decoded JSON value and replaces every value whose key
// matches the redaction set. Maps with the {key, value} shape are treated
// semantically: when the "key" field names a sensitive header, the "value"
// field is redacted. Redact is idempotent and never mutates its input.
func Redact(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		semantic := semanticPairKey(val)
		for k, item := range val {
			switch {
			case sensitiveKey(k):
				out[k] = Redacted
			case semantic && k == "value":
				out[k] = Redacted
			default:
				out[k] = Redact(item)
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Redact(item)
		}
		return out
	default:
		return v
	}
}

// semanticPairKey reports whether a map is a {key, value} record whose
// semantic key names a sensitive field, e.g.
// {"key": "Authorization", "value": "Bearer ..."}.
func semanticPairKey(m map[string]any) bool {
	if _, ok := m["value"]; !ok {
		return false
	}
	name, ok := m["key"].(string)
	if !ok {
		return false
	}
	return sensitiveKey(name)
}
