package fault

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeTextRedactsCredentials(t *testing.T) {
	cases := map[string]string{
		"dial http://elastic:changeme@es:9200 failed": "dial http://elastic:[REDACTED]@es:9200 failed",
		"Authorization: Bearer abc.def-123":           "Authorization: Bearer [REDACTED]",
		"retry with password=hunter2, then give up":   "retry with password=[REDACTED], then give up",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeText(in), in)
	}
}

func TestSanitizeTextTruncates(t *testing.T) {
	out := SanitizeText(strings.Repeat("错", 2000))
	assert.Equal(t, MaxErrorRunes, utf8.RuneCountInString(out))
	assert.True(t, strings.HasSuffix(out, "...(truncated)"))

	assert.Equal(t, "short", SanitizeText("  short \n"))
}

func TestSanitizeTextReplacesInvalidUTF8(t *testing.T) {
	out := SanitizeText("bad body \xff\xfe from es")
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, "bad body \uFFFD from es", out)

	long := SanitizeText(strings.Repeat("a\xff", 1000))
	assert.True(t, utf8.ValidString(long))
	assert.Equal(t, MaxErrorRunes, utf8.RuneCountInString(long))
}
