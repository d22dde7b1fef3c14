package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel…"},
		{"héllo", 2, "hé…"},
		{"x", 0, ""},
	}
	for _, c := range cases {
		if got := truncRunes(c.in, c.n); got != c.want {
			t.Fatalf("truncRunes(%q, %d) = %q, want %q", c.in, c.n, got, c.want)
		}
	}
}

func TestChunkPrefersLineBreaks(t *testing.T) {
	t.Parallel()
	text := "aaaa\nbbbb\ncccc"
	got := chunk(text, 10)
	if len(got) != 2 || got[0] != "aaaa\nbbbb" || got[1] != "cccc" {
		t.Fatalf("chunks = %q", got)
	}
}

func TestChunkHardCutsLongLine(t *testing.T) {
	t.Parallel()
	got := chunk(strings.Repeat("é", 25), 10)
	if len(got) != 3 {
		t.Fatalf("chunks = %d", len(got))
	}
	for _, c := range got {
		if utf8.RuneCountInString(c) > 10 {
			t.Fatalf("chunk too long: %d", utf8.RuneCountInString(c))
		}
	}
	if strings.Join(got, "") != strings.Repeat("é", 25) {
		t.Fatal("content lost")
	}
}

func TestChunkShortPassesThrough(t *testing.T) {
	t.Parallel()
	if got := chunk("hi", maxMessageRunes); len(got) != 1 || got[0] != "hi" {
		t.Fatalf("chunks = %q", got)
	}
}
