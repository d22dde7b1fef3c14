package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"shoutbot/internal/eventbus"
	"shoutbot/internal/nexus"
	"shoutbot/internal/notifier"
	"shoutbot/internal/scrape"
	"shoutbot/internal/storage"
	"shoutbot/internal/task/scheduler"
	logx "shoutbot/pkg/logx"
)

const (
	MinInterval = time.Second
	MaxInterval = 10 * time.Second
)

var (
	ErrGuardHeld     = errors.New("dispatch: a run is already active")
	ErrOutsideWindow = errors.New("dispatch: outside execution window")
	ErrNoTargets     = errors.New("dispatch: no target sites selected")
)

// Sender delivers one message to one target.
type Sender interface {
	Shout(ctx context.Context, t nexus.Target, msg string) ([]scrape.Record, error)
}

type Notifier interface {
	Notify(ctx context.Context, n notifier.Notification) error
}

// Observer is told about run outcomes. Metrics hook in here.
type Observer interface {
	MessageSent(plugin, site string, ok bool)
	RunFinished(plugin string, ok, fail int, took time.Duration)
	RunSkipped(plugin, reason string)
}

// Plan is what one run works through. It is loaded after the guard is
// taken so every run sees the current registry and config.
type Plan struct {
	Targets  []nexus.Target
	Messages MessageSet
	Interval time.Duration
	Window   *scheduler.Window
	Notify   bool
}

type Options struct {
	Name string
	// Title heads the summary notification; empty means SummaryTitle.
	Title    string
	Load     func(ctx context.Context) (Plan, error)
	Sender   Sender
	Notifier Notifier
	Store    storage.Store
	Bus      eventbus.Bus
	Observer Observer
	Log      logx.Logger

	// Now and Sleep default to the wall clock.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Job is one plugin's dispatch run. Run may be called from the scheduler
// and by hand at the same time; only one proceeds.
type Job struct {
	opts  Options
	log   logx.Logger
	guard Guard
}

func NewJob(opts Options) *Job {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &Job{opts: opts, log: opts.Log.With(logx.String("job", "dispatch"))}
}

// ClampInterval bounds the pause between two messages to one target.
func ClampInterval(d time.Duration) time.Duration {
	return min(max(d, MinInterval), MaxInterval)
}

// Busy reports whether a run holds the guard.
func (j *Job) Busy() bool { return j.guard.Busy() }

// WaitIdle blocks until no run holds the guard or ctx ends.
func (j *Job) WaitIdle(ctx context.Context) error { return j.guard.WaitIdle(ctx) }

// Trigger adapts Run to a scheduler job.
func (j *Job) Trigger(ctx context.Context) { _, _ = j.Run(ctx) }

// Run performs one dispatch pass. It returns ErrGuardHeld,
// ErrOutsideWindow or ErrNoTargets, with a nil result, when the run was
// skipped.
func (j *Job) Run(ctx context.Context) (res *RunResult, err error) {
	if !j.guard.TryAcquire() {
		j.log.Info("previous run still active; skipping")
		j.skipped("busy")
		return nil, ErrGuardHeld
	}
	defer j.guard.Release()
	defer func() {
		if r := recover(); r != nil {
			j.log.Error("dispatch run panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("dispatch: panic: %v", r)
		}
	}()

	if j.opts.Load == nil {
		return nil, errors.New("dispatch: no plan loader")
	}
	plan, err := j.opts.Load(ctx)
	if err != nil {
		j.log.Warn("load dispatch plan failed", logx.Err(err))
		return nil, err
	}
	now := j.opts.Now()
	if plan.Window != nil && !plan.Window.Contains(now) {
		j.log.Info("outside execution window; skipping",
			logx.Int("hour", now.Hour()), logx.String("window", plan.Window.String()))
		j.skipped("window")
		return nil, ErrOutsideWindow
	}

	if len(plan.Targets) == 0 {
		j.log.Info("no target sites selected; skipping")
		j.skipped("no targets")
		return nil, ErrNoTargets
	}

	res = &RunResult{ID: uuid.NewString(), Plugin: j.opts.Name, StartedAt: now}
	j.opts.Bus.Publish(eventbus.Event{Type: eventbus.RunStarted, Time: now, Data: res.ID})

	interval := ClampInterval(plan.Interval)
	for _, t := range plan.Targets {
		res.Targets = append(res.Targets, j.runTarget(ctx, t, plan.Messages[t.Name], interval))
	}
	res.FinishedAt = j.opts.Now()

	ok, fail := res.Totals()
	took := res.FinishedAt.Sub(res.StartedAt)
	j.log.Info("dispatch run finished",
		logx.String("run", res.ID), logx.Int("sites", len(res.Targets)),
		logx.Int("ok", ok), logx.Int("fail", fail), logx.Duration("took", took))
	if fail > 0 {
		j.log.Warn("some messages failed", logx.Any("failed", res.FailedMessages()))
	}

	j.report(ctx, res, plan.Notify)
	if j.opts.Observer != nil {
		j.opts.Observer.RunFinished(j.opts.Name, ok, fail, took)
	}
	j.opts.Bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Time: res.FinishedAt, Data: res})
	return res, nil
}

func (j *Job) runTarget(ctx context.Context, t nexus.Target, msgs []string, interval time.Duration) (tr TargetResult) {
	tr.Site = t.Name
	log := j.log.With(logx.String("site", t.Name))

	// a panic here costs this target its remaining messages, nothing more
	defer func() {
		if r := recover(); r != nil {
			log.Error("target loop panicked", logx.Any("panic", r))
			if tr.Skipped == "" && tr.OK+tr.Fail < len(msgs) {
				rest := msgs[tr.OK+tr.Fail:]
				tr.Fail += len(rest)
				tr.Failed = append(tr.Failed, rest...)
			}
		}
	}()

	if len(msgs) == 0 {
		log.Debug("no messages for site")
		tr.Skipped = "no messages"
		return tr
	}
	if t.URL == "" || t.Cookie == "" || t.UA == "" {
		log.Warn("site is missing url, cookie or user-agent; skipping")
		tr.Skipped = "incomplete site"
		return tr
	}

	log.Info("sending site messages", logx.Int("count", len(msgs)))
	for i, msg := range msgs {
		recs, err := j.send(ctx, t, msg)
		if err != nil {
			log.Error("send message failed", logx.String("message", msg), logx.Err(err))
			tr.Fail++
			tr.Failed = append(tr.Failed, msg)
		} else {
			tr.OK++
			if len(recs) > 0 {
				tr.Reply = formatRecord(recs[0])
				log.Debug("shoutbox after send", logx.String("latest", tr.Reply))
			}
		}
		if j.opts.Observer != nil {
			j.opts.Observer.MessageSent(j.opts.Name, t.Name, err == nil)
		}

		if i < len(msgs)-1 {
			log.Debug("waiting before next message", logx.Duration("interval", interval))
			if err := j.opts.Sleep(ctx, interval); err != nil {
				// shutting down; what is left counts as failed
				rest := msgs[i+1:]
				tr.Fail += len(rest)
				tr.Failed = append(tr.Failed, rest...)
				return tr
			}
		}
	}
	return tr
}

// send isolates a panicking Sender to the one message.
func (j *Job) send(ctx context.Context, t nexus.Target, msg string) (recs []scrape.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return j.opts.Sender.Shout(ctx, t, msg)
}

func (j *Job) report(ctx context.Context, res *RunResult, notify bool) {
	if notify && j.opts.Notifier != nil {
		title := j.opts.Title
		if title == "" {
			title = SummaryTitle
		}
		err := j.opts.Notifier.Notify(ctx, notifier.Notification{
			Title:  title,
			Text:   res.SummaryText(),
			Source: j.opts.Name,
		})
		if err != nil {
			j.log.Warn("summary notification failed", logx.Err(err))
		}
	}

	if j.opts.Store == nil {
		return
	}
	ok, fail := res.Totals()
	detail, _ := json.Marshal(res.Targets)
	rec := storage.RunRecord{
		ID:         res.ID,
		Plugin:     res.Plugin,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		OK:         ok,
		Fail:       fail,
		Summary:    fmt.Sprintf("%d sites, %d ok, %d failed", len(res.Targets), ok, fail),
		Detail:     string(detail),
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := j.opts.Store.AppendRun(sctx, rec); err != nil && !errors.Is(err, storage.ErrDisabled) {
		j.log.Warn("persist run record failed", logx.Err(err))
	}
}

func (j *Job) skipped(reason string) {
	if j.opts.Observer != nil {
		j.opts.Observer.RunSkipped(j.opts.Name, reason)
	}
	j.opts.Bus.Publish(eventbus.Event{Type: eventbus.RunSkipped, Time: time.Now(), Data: reason})
}

func formatRecord(r scrape.Record) string {
	switch {
	case r.Author != "" && r.Time != "":
		return fmt.Sprintf("[%s] %s: %s", r.Time, r.Author, r.Text)
	case r.Author != "":
		return r.Author + ": " + r.Text
	default:
		return r.Text
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
