package fault

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxErrorRunes error 列最大长度
const MaxErrorRunes = 512

const (
	redacted        = "[REDACTED]"
	truncatedSuffix = "...(truncated)"
)

var secretPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/@]+):([^@\s]+)@`), `$1:` + redacted + `@`},
	{regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*`), "Bearer " + redacted},
	{regexp.MustCompile(`(?i)(authorization\s*:\s*basic\s+)[a-z0-9+/=]+`), `${1}` + redacted},
	{regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`), redacted},
	{regexp.MustCompile(`(?i)\b(api[-_]?key|password|secret|token)\s*[:=]\s*([^\s,;&]+)`), `$1=` + redacted},
}

// SanitizeText 替换非法 UTF-8、去除凭据并截断，写入 outbox_event.error 前调用
func SanitizeText(msg string) string {
	out := strings.TrimSpace(strings.ToValidUTF8(msg, "\uFFFD"))
	for _, p := range secretPatterns {
		out = p.re.ReplaceAllString(out, p.repl)
	}
	if utf8.RuneCountInString(out) <= MaxErrorRunes {
		return out
	}
	keep := MaxErrorRunes - utf8.RuneCountInString(truncatedSuffix)
	return string([]rune(out)[:keep]) + truncatedSuffix
}
