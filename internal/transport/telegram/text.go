package telegram

import (
	"strings"
	"unicode/utf8"
)

// maxMessageRunes is Telegram's text limit for one message.
const maxMessageRunes = 4096

// truncRunes cuts s to at most n runes, ending with "…" when cut.
func truncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count, cut := 0, 0
	for i, r := range s {
		count++
		if count == n {
			cut = i + utf8.RuneLen(r)
			continue
		}
		if count > n {
			if cut <= 0 {
				cut = i
			}
			return s[:cut] + "…"
		}
	}
	return s
}

// chunk splits s into messages of at most limit runes, preferring line
// breaks. A single line longer than limit is hard-cut.
func chunk(s string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}
	var (
		out []string
		b   strings.Builder
		n   int
	)
	flush := func() {
		if b.Len() > 0 {
			out = append(out, strings.TrimRight(b.String(), "\n"))
			b.Reset()
			n = 0
		}
	}
	for _, line := range strings.SplitAfter(s, "\n") {
		ln := utf8.RuneCountInString(line)
		if n+ln > limit {
			flush()
		}
		for ln > limit {
			r := []rune(line)
			out = append(out, string(r[:limit]))
			line = string(r[limit:])
			ln -= limit
		}
		b.WriteString(line)
		n += ln
	}
	flush()
	return out
}
