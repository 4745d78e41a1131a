package runner

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const redacted = "[REDACTED]"

// Secrets shorter than this are only redacted as whole tokens, so a
// password like "pg" leaves "pg_dump" intact.
const minLiteralSecret = 8

var (
	assignmentPattern = regexp.MustCompile(`(?i)\b(pgpassword|password|passwd|pwd)\s*[=:]\s*('[^']*'|"[^"]*"|\S+)`)
	userinfoPattern   = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://[^/\s:@]+):[^@\s/]+@`)
)

// Scrub removes every known secret plus password assignments and URL
// userinfo passwords from text. The result is safe to persist and log.
func Scrub(text string, secrets ...string) string {
	for _, s := range secrets {
		switch {
		case s == "":
			continue
		case len(s) < minLiteralSecret:
			text = replaceToken(text, s)
		default:
			text = strings.ReplaceAll(text, s, redacted)
		}
	}
	text = assignmentPattern.ReplaceAllString(text, "$1="+redacted)
	text = userinfoPattern.ReplaceAllString(text, "$1:"+redacted+"@")
	return strings.TrimSpace(text)
}

// replaceToken redacts occurrences of s not glued to a letter, digit or
// underscore on either side.
func replaceToken(text, s string) string {
	var b strings.Builder
	for {
		i := strings.Index(text, s)
		if i < 0 {
			b.WriteString(text)
			return b.String()
		}
		end := i + len(s)
		r, _ := utf8.DecodeLastRuneInString(text[:i])
		next, _ := utf8.DecodeRuneInString(text[end:])
		if (i == 0 || !isWordRune(r)) && (end == len(text) || !isWordRune(next)) {
			b.WriteString(text[:i])
			b.WriteString(redacted)
		} else {
			b.WriteString(text[:end])
		}
		text = text[end:]
	}
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
