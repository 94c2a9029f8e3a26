package security

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

var tokenFieldPatterns = []*regexp.Regexp{
	// JSON bodies: "access_token":"..."
	regexp.MustCompile(`("(?:access_token|refresh_token|id_token|client_secret|code)"\s*:\s*")[^"]*(")`),
	// form-encoded bodies: access_token=...&
	regexp.MustCompile(`((?:^|[?&])(?:access_token|refresh_token|id_token|client_secret|code)=)[^&\s]*`),
	// Authorization headers echoed back in error bodies.
	regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-._~+/]+=*`),
}

// Redact strips token material from s: known token fields in JSON or form
// bodies, bearer credentials, and every literal secret passed in.
func Redact(s string, secrets ...string) string {
	for _, secret := range secrets {
		if len(secret) >= 4 {
			s = strings.ReplaceAll(s, secret, redacted)
		}
	}
	for _, re := range tokenFieldPatterns {
		s = re.ReplaceAllStringFunc(s, func(m string) string {
			sub := re.FindStringSubmatch(m)
			if len(sub) == 3 {
				return sub[1] + redacted + sub[2]
			}
			return sub[1] + redacted
		})
	}
	return s
}
