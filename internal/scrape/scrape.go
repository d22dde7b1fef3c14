// Package scrape extracts records from NexusPHP pages. Every function is
// best effort: malformed markup yields fewer records, never an error.
package scrape

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Record is one shoutbox line.
type Record struct {
	Time   string `json:"time,omitempty"`
	Author string `json:"author,omitempty"`
	Text   string `json:"text"`
}

// InboxRow is one private message listed on messages.php.
type InboxRow struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Topic  string `json:"topic"`
	From   string `json:"from,omitempty"`
	Time   string `json:"time,omitempty"`
}

// Unread reports whether the row status marks the message as new.
func (r InboxRow) Unread() bool {
	s := strings.ToLower(r.Status)
	return strings.Contains(s, "unread") || strings.Contains(s, "未读") || strings.Contains(s, "new")
}

var (
	spaceRe   = regexp.MustCompile(`\s+`)
	bracketRe = regexp.MustCompile(`^\[([^\]]{1,32})\]`)
)

func parse(body []byte) *html.Node {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	return doc
}

func walk(n *html.Node, fn func(*html.Node) bool) {
	if n == nil {
		return
	}
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func findAll(n *html.Node, a atom.Atom) []*html.Node {
	var out []*html.Node
	walk(n, func(x *html.Node) bool {
		if x.Type == html.ElementNode && x.DataAtom == a {
			out = append(out, x)
		}
		return true
	})
	return out
}

func first(n *html.Node, a atom.Atom) *html.Node {
	var hit *html.Node
	walk(n, func(x *html.Node) bool {
		if hit != nil {
			return false
		}
		if x != n && x.Type == html.ElementNode && x.DataAtom == a {
			hit = x
			return false
		}
		return true
	})
	return hit
}

// childCells returns the td/th children of a row, ignoring nested tables.
func childCells(tr *html.Node) []*html.Node {
	var out []*html.Node
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (c.DataAtom == atom.Td || c.DataAtom == atom.Th) {
			out = append(out, c)
		}
	}
	return out
}

func text(n *html.Node) string {
	var b strings.Builder
	walk(n, func(x *html.Node) bool {
		switch {
		case x.Type == html.TextNode:
			b.WriteString(x.Data)
			b.WriteByte(' ')
		case x.Type == html.ElementNode && (x.DataAtom == atom.Script || x.DataAtom == atom.Style):
			return false
		}
		return true
	})
	return clean(b.String())
}

func clean(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

func attr(n *html.Node, key string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// Shoutbox extracts shoutbox lines in page order, newest first on most
// trackers. limit <= 0 returns all lines.
func Shoutbox(body []byte, limit int) []Record {
	doc := parse(body)
	if doc == nil {
		return nil
	}
	var out []Record
	for _, tr := range findAll(doc, atom.Tr) {
		for _, td := range childCells(tr) {
			if r, ok := shoutRecord(td); ok {
				out = append(out, r)
				if limit > 0 && len(out) >= limit {
					return out
				}
			}
		}
	}
	return out
}

func shoutRecord(td *html.Node) (Record, bool) {
	full := text(td)
	if full == "" {
		return Record{}, false
	}
	var r Record

	walk(td, func(x *html.Node) bool {
		if r.Time == "" && x.Type == html.ElementNode && x.DataAtom == atom.Span && hasClass(x, "date") {
			r.Time = strings.Trim(text(x), "[] ")
			return false
		}
		return true
	})
	rest := full
	if m := bracketRe.FindStringSubmatch(rest); m != nil {
		if r.Time == "" {
			r.Time = strings.TrimSpace(m[1])
		}
		rest = strings.TrimSpace(rest[len(m[0]):])
	} else if r.Time != "" {
		rest = strings.TrimSpace(strings.TrimPrefix(rest, r.Time))
	}

	if a := first(td, atom.A); a != nil {
		r.Author = text(a)
		if r.Author != "" && strings.HasPrefix(rest, r.Author) {
			rest = strings.TrimSpace(rest[len(r.Author):])
		}
	}
	rest = strings.TrimSpace(strings.TrimLeft(rest, ":："))
	r.Text = rest
	if r.Text == "" && r.Author == "" {
		return Record{}, false
	}
	return r, true
}

// Inbox extracts the message rows of messages.php. Rows without a message
// id (headers, pagers) are skipped.
func Inbox(body []byte) []InboxRow {
	doc := parse(body)
	if doc == nil {
		return nil
	}
	var out []InboxRow
	for _, form := range findAll(doc, atom.Form) {
		for _, tr := range findAll(form, atom.Tr) {
			cells := childCells(tr)
			if len(cells) < 5 {
				continue
			}
			id := attr(first(cells[4], atom.Input), "value")
			if id == "" {
				continue
			}
			out = append(out, InboxRow{
				ID:     id,
				Status: attr(first(cells[0], atom.Img), "title"),
				Topic:  text(cells[1]),
				From:   text(cells[2]),
				Time:   text(cells[3]),
			})
		}
	}
	return out
}
