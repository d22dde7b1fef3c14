package notifier

import (
	"context"
	"strings"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Notification is one operator-facing message.
type Notification struct {
	Title string `json:"title"`
	Text  string `json:"text"`
	// Source names the emitter, usually a plugin.
	Source   string `json:"source,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// Render joins title and text the way every sink displays them.
func (n Notification) Render() string {
	title := strings.TrimSpace(n.Title)
	text := strings.TrimRight(n.Text, "\n")
	switch {
	case title == "":
		return text
	case text == "":
		return title
	default:
		return title + "\n" + text
	}
}

// Sink delivers a rendered notification somewhere. Send is called from
// worker goroutines and must be safe for concurrent use.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Closer is implemented by sinks holding connections.
type Closer interface {
	Close() error
}

type HistoryItem struct {
	At     time.Time `json:"at"`
	Source string    `json:"source,omitempty"`
	Text   string    `json:"text"`
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Source string    `json:"source,omitempty"`
	Sink   string    `json:"sink,omitempty"`
	Key    string    `json:"key"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
