// Package nexus speaks the handful of NexusPHP endpoints the plugins use:
// the shoutbox form and the private message inbox.
package nexus

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"shoutbot/internal/httpx"
	"shoutbot/internal/scrape"
	"shoutbot/internal/sites"
)

const (
	shoutTimeout = 15 * time.Second
	// button label NexusPHP checks for on shoutbox.php
	shoutLabel    = "我喊"
	markReadLabel = "设为已读"
)

var ErrIncomplete = errors.New("nexus: site is missing url, cookie or user-agent")

// Client issues logged-in requests on behalf of a site.
type Client struct {
	http httpx.Doer
}

func New(d httpx.Doer) *Client { return &Client{http: d} }

// Target is the request identity for one site. Referer defaults to the
// site URL as configured.
type Target struct {
	Name    string
	URL     string
	Cookie  string
	UA      string
	Referer string
	Proxy   bool
}

// FromSite builds a Target from a registry entry.
func FromSite(s sites.Site) Target {
	return Target{Name: s.Name, URL: s.URL, Cookie: s.Cookie, UA: s.UA, Proxy: s.Proxy}
}

func (t Target) base() string {
	return sites.Site{URL: t.URL}.BaseURL()
}

func (t Target) check() error {
	if strings.TrimSpace(t.URL) == "" || strings.TrimSpace(t.Cookie) == "" || strings.TrimSpace(t.UA) == "" {
		return fmt.Errorf("%w (%s)", ErrIncomplete, t.Name)
	}
	return nil
}

func (t Target) headers() map[string]string {
	ref := t.Referer
	if ref == "" {
		ref = strings.TrimSpace(t.URL)
	}
	return map[string]string{
		"User-Agent": t.UA,
		"Cookie":     t.Cookie,
		"Referer":    ref,
	}
}

// Shout posts msg to the site's shoutbox and returns the records the
// refreshed shoutbox shows, newest first.
func (c *Client) Shout(ctx context.Context, t Target, msg string) ([]scrape.Record, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	resp, err := c.http.Do(ctx, httpx.Request{
		URL: t.base() + "/shoutbox.php",
		Query: url.Values{
			"shbox_text": {msg},
			"shout":      {shoutLabel},
			"sent":       {"yes"},
			"type":       {"shoutbox"},
		},
		Headers:  t.headers(),
		UseProxy: t.Proxy,
		Timeout:  shoutTimeout,
	})
	if err != nil {
		return nil, err
	}
	return scrape.Shoutbox(resp.Body, 5), nil
}

// Inbox lists the first page of private messages.
func (c *Client) Inbox(ctx context.Context, t Target) ([]scrape.InboxRow, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	resp, err := c.http.Do(ctx, httpx.Request{
		URL:      t.base() + "/messages.php",
		Headers:  t.headers(),
		UseProxy: t.Proxy,
	})
	if err != nil {
		return nil, err
	}
	return scrape.Inbox(resp.Body), nil
}

// MarkRead flags the given message ids as read in the inbox.
func (c *Client) MarkRead(ctx context.Context, t Target, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := t.check(); err != nil {
		return err
	}
	form := url.Values{
		"action":   {"moveordel"},
		"markread": {markReadLabel},
		"box":      {"1"},
	}
	for _, id := range ids {
		form.Add("messages[]", id)
	}
	_, err := c.http.Do(ctx, httpx.Request{
		Method:   "POST",
		URL:      t.base() + "/messages.php",
		Form:     form,
		Headers:  t.headers(),
		UseProxy: t.Proxy,
	})
	return err
}
