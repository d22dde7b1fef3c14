// Package sink holds the notification sinks and builds them from config.
package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"shoutbot/internal/config"
	"shoutbot/internal/notifier"
	logx "shoutbot/pkg/logx"
)

// Build constructs every configured sink. A sink that fails to build is
// reported in the joined error and left out; the rest are still returned.
func Build(ctx context.Context, cfgs []config.SinkConfig, log logx.Logger) ([]notifier.Sink, error) {
	var (
		out  []notifier.Sink
		errs []error
	)
	for i, c := range cfgs {
		s, err := build(ctx, c, log)
		if err != nil {
			errs = append(errs, fmt.Errorf("sinks[%d] (%s): %w", i, c.Type, err))
			continue
		}
		out = append(out, s)
	}
	return out, errors.Join(errs...)
}

func build(ctx context.Context, c config.SinkConfig, log logx.Logger) (notifier.Sink, error) {
	switch strings.ToLower(strings.TrimSpace(c.Type)) {
	case "log", "":
		return NewLog(log), nil
	case "telegram":
		return NewTelegram(c.Token, c.ChatID, c.ThreadID)
	case "redis":
		return NewRedis(ctx, c.Addr, c.Password, c.DB, c.Channel)
	case "amqp", "rabbitmq":
		return NewAMQP(c.URL, c.Exchange, c.RoutingKey)
	default:
		return nil, fmt.Errorf("unknown sink type %q", c.Type)
	}
}

// CloseAll closes sinks that hold connections.
func CloseAll(sinks []notifier.Sink) {
	for _, s := range sinks {
		if c, ok := s.(notifier.Closer); ok {
			_ = c.Close()
		}
	}
}
