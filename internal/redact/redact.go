// Package redact scrubs secrets out of state trees before they are
// hashed into a chain. Map fields whose key looks like a credential
// holder are replaced wholesale; string values matching known secret
// formats are redacted inline.
package redact

import (
	"regexp"

	"github.com/pruvlabs/xychain/pkg/canonical"
)

// Redacted is the replacement marker for scrubbed values.
const Redacted = "[REDACTED]"

// maxDepth caps recursion into nested state.
const maxDepth = 50

// keyPatterns match map keys that hold secrets by name.
var keyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)password`),
	regexp.MustCompile(`(?i)secret`),
	regexp.MustCompile(`(?i)api[_-]?key`),
	regexp.MustCompile(`(?i)token`),
	regexp.MustCompile(`(?i)private[_-]?key`),
	regexp.MustCompile(`(?i)auth`),
	regexp.MustCompile(`(?i)credential`),
	regexp.MustCompile(`(?i)access[_-]?key`),
	regexp.MustCompile(`(?i)connection[_-]?string`),
	regexp.MustCompile(`(?i)database[_-]?url`),
	regexp.MustCompile(`(?i)dsn`),
}

// valuePatterns match secret material embedded in string values.
var valuePatterns = []*regexp.Regexp{
	// Stripe keys
	regexp.MustCompile(`sk_live_[a-zA-Z0-9]+`),
	regexp.MustCompile(`sk_test_[a-zA-Z0-9]+`),
	regexp.MustCompile(`pk_live_[a-zA-Z0-9]+`),
	regexp.MustCompile(`pk_test_[a-zA-Z0-9]+`),
	// pruv keys
	regexp.MustCompile(`pv_live_[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`pv_test_[a-zA-Z0-9_-]+`),
	// GitHub tokens
	regexp.MustCompile(`ghp_[a-zA-Z0-9]+`),
	regexp.MustCompile(`gho_[a-zA-Z0-9]+`),
	regexp.MustCompile(`ghs_[a-zA-Z0-9]+`),
	regexp.MustCompile(`ghr_[a-zA-Z0-9]+`),
	// AWS access keys
	regexp.MustCompile(`AKIA[A-Z0-9]{16}`),
	// Slack tokens
	regexp.MustCompile(`xoxb-[a-zA-Z0-9-]+`),
	regexp.MustCompile(`xoxp-[a-zA-Z0-9-]+`),
	regexp.MustCompile(`xoxs-[a-zA-Z0-9-]+`),
	// PEM private key blocks
	regexp.MustCompile(`-----BEGIN\s+(?:RSA\s+)?PRIVATE\s+KEY-----[\s\S]*?-----END\s+(?:RSA\s+)?PRIVATE\s+KEY-----`),
	regexp.MustCompile(`-----BEGIN\s+EC\s+PRIVATE\s+KEY-----[\s\S]*?-----END\s+EC\s+PRIVATE\s+KEY-----`),
	// Database connection strings
	regexp.MustCompile(`(?:postgresql|postgres|mysql|mongodb(?:\+srv)?|redis)://\S+`),
	// key=value assignments
	regexp.MustCompile(`(?i)(?:password|secret|token|api_key)\s*=\s*\S+`),
}

// State recursively redacts secrets from a state tree, returning a new
// tree. Non-string leaves pass through untouched.
func State(v canonical.Value) canonical.Value {
	return redactValue(v, 0)
}

func redactValue(v canonical.Value, depth int) canonical.Value {
	if depth > maxDepth {
		return v
	}

	switch v.Kind() {
	case canonical.KindString:
		return canonical.String(redactString(v.StringVal()))
	case canonical.KindList:
		items := make([]canonical.Value, v.Len())
		for i := range items {
			items[i] = redactValue(v.Item(i), depth+1)
		}
		return canonical.List(items...)
	case canonical.KindMap:
		fields := make(map[string]canonical.Value, v.Len())
		for _, k := range v.Keys() {
			f, _ := v.Field(k)
			if secretKey(k) {
				fields[k] = canonical.String(Redacted)
			} else {
				fields[k] = redactValue(f, depth+1)
			}
		}
		return canonical.Map(fields)
	default:
		return v
	}
}

func secretKey(key string) bool {
	for _, p := range keyPatterns {
		if p.MatchString(key) {
			return true
		}
	}
	return false
}

func redactString(s string) string {
	for _, p := range valuePatterns {
		s = p.ReplaceAllString(s, Redacted)
	}
	return s
}
