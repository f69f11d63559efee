// Package extract turns raw backend replies into outbound chat lines and interprets
// bracketed offer and constraint tokens.
package extract

import (
	"context"
	"strings"
	"unicode/utf8"

	"negotiator/pkg/logx"
)

// Placeholder is returned in place of a reply that carried no content field.
const Placeholder = "Unexpected response format: missing message content"

// minQuotedLen is the length a quoted span must exceed to replace the whole reply.
const minQuotedLen = 30

// marker is a prefix-stripping rule applied at most limit times.
type marker struct {
	text  string
	limit int
}

var markers = []marker{ //nolint:gochecknoglobals
	{"optimal_offer", 1},
	{":", 3},
	{"Here is the most efficient offer", 3},
	{"response", 3},
}

// Clean reduces one generated reply to a single clean line. ok reports whether the reply
// carried a content field at all.
func Clean(content string, ok bool) string {
	if !ok {
		return Placeholder
	}
	content = strings.TrimSpace(content)

	quoted := false
	if strings.Count(content, `"`) > 1 {
		start := strings.Index(content, `"`) + 1
		end := strings.LastIndex(content, `"`)
		if inner := content[start:end]; utf8.RuneCountInString(inner) > minQuotedLen {
			content = inner
			quoted = true
		}
	}
	if !quoted {
		content = stripSystemMarker(content)
	}

	content = removeSpans(content, '(', ')')
	content = removeSpans(content, '[', ']')

	for _, m := range markers {
		content = stripThrough(content, m.text, m.limit)
	}

	content = strings.TrimLeftFunc(content, func(r rune) bool { return !isASCIIAlnum(r) })
	content, _, _ = strings.Cut(content, "\n")
	content = strings.TrimSpace(content)
	return strings.Trim(content, `"`)
}

func stripSystemMarker(s string) string {
	for _, prefix := range []string{"system:", "system,"} {
		if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
			s = strings.TrimSpace(s[len(prefix):])
		}
	}
	return s
}

// removeSpans deletes opening...closing spans, leftmost first, until none remain.
func removeSpans(s string, opening, closing byte) string {
	for {
		start := strings.IndexByte(s, opening)
		if start < 0 {
			return s
		}
		end := strings.IndexByte(s[start:], closing)
		if end < 0 {
			return s
		}
		s = s[:start] + s[start+end+1:]
	}
}

// stripThrough drops everything up to and including text, at most limit times.
func stripThrough(s, text string, limit int) string {
	for i := 0; i < limit; i++ {
		_, after, found := strings.Cut(s, text)
		if !found {
			break
		}
		s = strings.TrimSpace(after)
	}
	return s
}

func isASCIIAlnum(r rune) bool {
	return ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9')
}

// Extractor cleans replies and records each (input, output) pair to the debug log.
type Extractor struct {
	// File is the debug file name under the debug log directory. Empty disables file records.
	File string
}

// Extract cleans content and writes a best-effort debug record.
func (e Extractor) Extract(ctx context.Context, content string, ok bool) string {
	out := Clean(content, ok)
	logx.DebugToFile(ctx, "extract", e.File, "%s;%s", Flatten(content), Flatten(out))
	return out
}

// Flatten puts a multi-line reply on one debug record line.
func Flatten(s string) string {
	return strings.ReplaceAll(s, "\n", " ### ")
}
