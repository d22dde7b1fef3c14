package sink

import (
	"context"

	"shoutbot/internal/notifier"
	logx "shoutbot/pkg/logx"
)

// Log writes notifications to the application log. It is the default sink.
type Log struct{ log logx.Logger }

func NewLog(log logx.Logger) *Log { return &Log{log: log.With(logx.String("sink", "log"))} }

func (l *Log) Name() string { return "log" }

func (l *Log) Send(_ context.Context, n notifier.Notification) error {
	l.log.Info("notification",
		logx.String("source", n.Source),
		logx.String("title", n.Title),
		logx.String("text", n.Text),
	)
	return nil
}
