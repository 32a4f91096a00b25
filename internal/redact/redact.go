// Package redact scrubs credentials and internal details from text before it
// is logged or stored. Engine error bodies and driver errors routinely echo
// request URLs, headers and queries, any of which may carry a secret.
package redact

import "regexp"

// Placeholders substituted for redacted fragments.
const (
	Placeholder           = "[REDACTED]"
	CredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	TokenPlaceholder      = "[REDACTED_TOKEN]"
	JWTPlaceholder        = "[REDACTED_JWT]"
	PathPlaceholder       = "[REDACTED_PATH]"
	SQLPlaceholder        = "[REDACTED_SQL]"
	StackPlaceholder      = "[REDACTED_STACK]"
)

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// rules are applied in order. Narrow patterns come first so a broad one
// never sees half of a secret.
var rules = []rule{
	{
		regexp.MustCompile(`(?:goroutine \d+ \[[^\]]*\]:|panic: )[\s\S]*`),
		StackPlaceholder,
	},
	{
		regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`),
		JWTPlaceholder,
	},
	{
		regexp.MustCompile(`(?i)\b(bearer)\s+[A-Za-z0-9._~+/=-]{8,}`),
		"${1} " + TokenPlaceholder,
	},
	// userinfo in connection strings and engine URLs
	{
		regexp.MustCompile(`(?i)\b(postgres(?:ql)?|pgx|https?)://[^\s@/]+@`),
		"${1}://" + CredentialPlaceholder + "@",
	},
	// signed document URLs
	{
		regexp.MustCompile(`(?i)([?&](?:x-amz-signature|x-amz-credential|x-amz-security-token|signature|sig|token|access_token))=[^&\s"']+`),
		"${1}=" + Placeholder,
	},
	{
		regexp.MustCompile(`(?i)\b(x-engine-secret|x-api-key|api[_-]?key|callback[_-]?secret|jwt[_-]?secret|secret|password|passwd)(["']?\s*[:=]\s*["']?)[^\s"'&,}]+`),
		"${1}${2}" + Placeholder,
	},
	{
		regexp.MustCompile(`(?i)\b(?:SELECT|INSERT|UPDATE|DELETE)\b[^;]*?\b(?:FROM|INTO|SET)\b[^;]*`),
		SQLPlaceholder,
	},
	// Absolute paths only when they stand alone, so URL paths survive.
	{
		regexp.MustCompile(`(^|[\s"'=(])(?:/[\w.-]+){2,}`),
		"${1}" + PathPlaceholder,
	},
}

// String returns s with every sensitive fragment replaced.
func String(s string) string {
	if s == "" {
		return s
	}
	for _, r := range rules {
		s = r.pattern.ReplaceAllString(s, r.replacement)
	}
	return s
}

// Error redacts err's message. A nil error yields "".
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
