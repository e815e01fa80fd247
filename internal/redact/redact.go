// Package redact scrubs sensitive fragments from strings before they reach
// logs or error responses. The patterns cover what this service actually
// puts in errors: database connection strings, credentials from config,
// worker script paths, backend addresses, and SQL from the store layer.
package redact

import "regexp"

// Placeholders substituted for matched fragments.
const (
	CredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	KeyPlaceholder        = "[REDACTED_KEY]"
	PathPlaceholder       = "[REDACTED_PATH]"
	HostPlaceholder       = "[REDACTED_HOST]"
	SQLPlaceholder        = "[REDACTED_SQL]"
)

type rule struct {
	re          *regexp.Regexp
	placeholder string
}

// Ordered so the most specific patterns win: a postgres URL is collapsed
// whole before the path rule can nibble at its tail.
var rules = []rule{
	// Connection strings with embedded credentials (postgres://user:pw@host).
	{regexp.MustCompile(`(?i)(postgres|postgresql|redis|mysql)://[^@\s]+@`), CredentialPlaceholder},

	// password=..., passwd: ... from config or driver errors.
	{regexp.MustCompile(`(?i)(password|passwd|pwd)([=:\s]['"]?)[^'"&\s]{3,}`), CredentialPlaceholder},

	// api_key=..., token: ..., secret=... key material.
	{regexp.MustCompile(`(?i)(api[_-]?key|token|secret|auth)(['"\s:=]+)[A-Za-z0-9_\-.~+/]{8,}`), KeyPlaceholder},

	// Absolute paths, e.g. the worker executable in spawn errors.
	{regexp.MustCompile(`(/[\w.-]+){2,}`), PathPlaceholder},

	// host:port endpoints such as the redis or postgres address.
	{regexp.MustCompile(`\b(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}(?::\d{1,5})?\b`), HostPlaceholder},

	// SQL fragments surfacing from the store layer.
	{regexp.MustCompile(`(?i)(SELECT|INSERT|UPDATE|DELETE|CREATE|ALTER|DROP)[\s\w,*()]+(?:FROM|INTO|SET|TABLE|WHERE)(?:[\s\w,*()='"$]+)?`), SQLPlaceholder},
}

// String returns input with every sensitive fragment replaced by its
// placeholder.
func String(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, r := range rules {
		result = r.re.ReplaceAllString(result, r.placeholder)
	}
	return result
}

// Error redacts err's message; nil yields the empty string.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
