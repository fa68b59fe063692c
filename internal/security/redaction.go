package security

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/fishvault/launchgate/internal/model"
)

const redacted = "[REDACTED]"

var (
	secretKeyExpr        = `(?:password|passwd|secret|dev_?key|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern      = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"'&]+)`)
	jsonSecretPattern    = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	authorizationPattern = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerTokenPattern   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	secretKeyPattern     = regexp.MustCompile(`(?i)^` + secretKeyExpr + `$`)
)

// Identifier keys that attribution payloads carry and logs must not.
var identifierKeys = map[string]struct{}{
	"idfa":             {},
	"idfv":             {},
	"advertising_id":   {},
	"af_id":            {},
	"appsflyer_id":     {},
	"device_id":        {},
	"customer_user_id": {},
	"push_token":       {},
	"fcm_token":        {},
}

// RedactPayload masks secret-looking values in free text such as raw push
// payloads before they are logged.
func RedactPayload(input string) string {
	if input == "" {
		return ""
	}
	out := jsonSecretPattern.ReplaceAllString(input, `${1}"`+redacted+`"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return redacted
		}
		return match[:idx+1] + redacted
	})
	out = authorizationPattern.ReplaceAllString(out, `${1}`+redacted)
	out = bearerTokenPattern.ReplaceAllString(out, "Bearer "+redacted)
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if _, ok := identifierKeys[lower]; ok {
		return true
	}
	return secretKeyPattern.MatchString(lower)
}

// RedactRecord returns a copy of rec with identifier and secret values masked.
func RedactRecord(rec model.Record) model.Record {
	out := rec
	for _, key := range rec.Keys() {
		if isSensitiveKey(key) {
			out = out.With(key, redacted)
			continue
		}
		if s, ok := rec.Get(key); ok {
			if str, isStr := s.(string); isStr && strings.Contains(str, "://") {
				out = out.With(key, RedactURL(str))
			}
		}
	}
	return out
}

// RedactURL masks sensitive query parameters. Unparseable input is run
// through RedactPayload instead.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return RedactPayload(raw)
	}
	if u.User != nil {
		u.User = url.User(redacted)
	}
	q := u.Query()
	changed := false
	for key := range q {
		if isSensitiveKey(key) {
			q.Set(key, redacted)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}
