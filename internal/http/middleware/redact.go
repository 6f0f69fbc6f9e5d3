package middleware

import (
	"net/http"
	"regexp"
	"strings"
)

var (
	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	// Digits only, so the hex segments of a UUID never match.
	phoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

// redactor scrubs obvious PII from log fields.
type redactor struct {
	masked map[string]struct{}
}

func newRedactor(extra []string) redactor {
	r := redactor{masked: map[string]struct{}{
		"authorization":        {},
		"cookie":               {},
		"set-cookie":           {},
		"x-amz-security-token": {},
		"idempotency-key":      {},
	}}
	for _, h := range extra {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			r.masked[h] = struct{}{}
		}
	}
	return r
}

// scrub replaces UUIDs, then e-mails, then phone numbers. UUIDs go first so
// the phone pattern cannot eat their digit groups.
func (r redactor) scrub(s string) string {
	if s == "" {
		return s
	}
	s = uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

func (r redactor) headers(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if _, ok := r.masked[strings.ToLower(k)]; ok {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = r.scrub(strings.Join(vv, ", "))
	}
	return out
}
