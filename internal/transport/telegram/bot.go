// Package telegram is the operator bot: owners send /status, /run and
// friends to the daemon over Telegram long polling.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "shoutbot/internal/runtime/supervisor"
	logx "shoutbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Bot polls Telegram and answers command messages through a Router.
type Bot struct {
	cfg    Config
	log    logx.Logger
	router *Router

	bot *tele.Bot

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	running bool
}

func New(cfg Config, router *Router, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Bot{cfg: cfg, log: log.With(logx.String("comp", "telegram")), router: router, bot: b}, nil
}

func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	b.running = true
	b.sup = rtsup.New(ctx, rtsup.WithLogger(b.log), rtsup.WithCancelOnError(false))
	sup := b.sup
	b.router.Go = sup.Go0

	b.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		cmd, args, ok := Parse(m.Text)
		if !ok {
			return nil
		}
		req := &Request{ChatID: m.Chat.ID, ThreadID: m.ThreadID, FromID: m.Sender.ID, Command: cmd, Args: args}
		reply, err := b.router.Dispatch(sup.Context(), req)
		switch {
		case errors.Is(err, ErrNotOwner):
			// stay silent to strangers
			return nil
		case err != nil:
			reply = "error: " + truncRunes(err.Error(), 300)
		}
		if reply == "" {
			return nil
		}
		opts := &tele.SendOptions{ThreadID: m.ThreadID, DisableWebPagePreview: true}
		for _, part := range chunk(reply, maxMessageRunes) {
			if err := c.Send(part, opts); err != nil {
				return err
			}
		}
		return nil
	})

	cmds := make([]tele.Command, 0, len(b.router.Commands()))
	for _, c := range b.router.Commands() {
		cmds = append(cmds, tele.Command{Text: c.Name, Description: c.Description})
	}
	if err := b.bot.SetCommands(cmds); err != nil {
		b.log.Warn("set bot commands failed", logx.Err(err))
	}

	sup.Go0("telegram.poll", func(c context.Context) {
		go func() {
			<-c.Done()
			b.bot.Stop()
		}()
		b.log.Info("polling started")
		b.bot.Start()
	})
	return nil
}

// Stop ends polling. Long polls are abandoned after a short grace so
// shutdown stays snappy.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	sup := b.sup
	wasRunning := b.running
	b.running = false
	b.sup = nil
	b.mu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && errors.Is(err, context.DeadlineExceeded) {
		b.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
	b.log.Info("polling stopped")
	return nil
}
