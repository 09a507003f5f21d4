package logging

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode/utf8"
)

const (
	// RedactedValue replaces secret values in log output.
	RedactedValue = "[REDACTED]"

	// TruncationMarker is appended to bodies cut at the length limit.
	TruncationMarker = "...[truncated]"
)

// DefaultSanitizeFields are the JSON body fields redacted by default.
var DefaultSanitizeFields = []string{
	"password",
	"token",
	"access_token",
	"refresh_token",
	"client_secret",
	"api_key",
	"secret",
}

// alwaysRedacted headers are redacted regardless of configuration.
var alwaysRedacted = map[string]bool{
	"Authorization": true,
}

// SanitizeJSON returns a copy of body with the top-level fields named in
// fields replaced by RedactedValue. Names match exactly. Bodies that are not
// a JSON object are returned unchanged. The input is never modified.
func SanitizeJSON(body []byte, fields []string) []byte {
	if len(body) == 0 || len(fields) == 0 {
		return body
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		return body
	}

	redacted, _ := json.Marshal(RedactedValue)
	changed := false
	for _, field := range fields {
		if _, ok := obj[field]; ok {
			obj[field] = redacted
			changed = true
		}
	}
	if !changed {
		return body
	}

	out, err := json.Marshal(obj)
	if err != nil {
		return body
	}
	return out
}

// Truncate cuts s to at most max bytes, backing off to a rune boundary, and
// appends TruncationMarker. It reports whether s was cut. A max of zero or
// less disables truncation.
func Truncate(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + TruncationMarker, true
}

// RedactHeaders flattens headers for logging. Authorization and any header
// named in extra are replaced by RedactedValue.
func RedactHeaders(h http.Header, extra ...string) map[string]string {
	redact := make(map[string]bool, len(alwaysRedacted)+len(extra))
	for name := range alwaysRedacted {
		redact[name] = true
	}
	for _, name := range extra {
		redact[http.CanonicalHeaderKey(name)] = true
	}

	out := make(map[string]string, len(h))
	for name, values := range h {
		if redact[http.CanonicalHeaderKey(name)] {
			out[name] = RedactedValue
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}
