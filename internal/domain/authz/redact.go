package authz

import "strings"

// redactedSentinel replaces the value of a parameter key recognized as
// carrying a secret when the redact_secrets obligation is present.
const redactedSentinel = "***redacted***"

// secretKeywords mirrors the bundled policy's own redaction keyword list
// (§4.2); kept here so the engine can enforce redact_secrets even against
// a bundle that sets the obligation without filtering the value itself.
var secretKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "private_key", "privatekey",
}

// RedactSecrets returns a copy of params with any key matching a known
// secret keyword replaced by a sentinel value. Keys not matching any
// keyword pass through unchanged.
func RedactSecrets(params map[string]any) map[string]any {
	if len(params) == 0 {
		return params
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if isSecretKey(k) {
			out[k] = redactedSentinel
			continue
		}
		out[k] = v
	}
	return out
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range secretKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
