// Package inbox checks the private message inbox of registry sites and
// notifies about unread messages it has not reported before.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"shoutbot/internal/dispatch"
	"shoutbot/internal/nexus"
	"shoutbot/internal/notifier"
	"shoutbot/internal/plugin"
	"shoutbot/internal/scrape"
	"shoutbot/internal/sites"
	"shoutbot/internal/storage"
	logx "shoutbot/pkg/logx"
)

const (
	Name  = "inbox"
	Title = "【站内信】"

	defaultSchedule    = "1"
	defaultConcurrency = 3
	// seen ids are remembered this long
	seenTTL = 90 * 24 * time.Hour
)

var ErrBusy = errors.New("inbox: a check is already running")

type Config struct {
	// Cron accepts every form the schedule resolver does; empty means hourly.
	Cron string `json:"cron"`
	// Sites are registry ids; empty checks every private site.
	Sites       []int `json:"sites"`
	MarkRead    bool  `json:"mark_read"`
	Notify      *bool `json:"notify,omitempty"`
	Concurrency int   `json:"concurrency,omitempty"`
}

// SiteReport is the outcome of one site check.
type SiteReport struct {
	Site   string
	Unread []scrape.InboxRow
	Err    error

	target nexus.Target
	keys   []string // dedup keys of Unread
	ids    []string // every unread id, reported or not
}

type Plugin struct {
	plugin.PluginBase

	guard dispatch.Guard

	mu  sync.RWMutex
	cfg Config
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Capabilities() plugin.CapabilitySet {
	return plugin.CapabilitySet{plugin.CapSchedule, plugin.CapNotify, plugin.CapStore, plugin.CapManualRun}
}

func (p *Plugin) Init(_ context.Context, deps plugin.Deps) error {
	if deps.Sites == nil || deps.Nexus == nil {
		return errors.New("inbox: site registry and client required")
	}
	p.InitBase(deps, Name)
	return nil
}

func (p *Plugin) ValidateConfig(_ context.Context, raw json.RawMessage) error {
	c, err := plugin.DecodePluginConfig[Config](raw)
	if err != nil {
		return err
	}
	if c.Concurrency < 0 {
		return errors.New("concurrency must not be negative")
	}
	return nil
}

func (p *Plugin) Configure(ctx context.Context, raw json.RawMessage) error {
	if err := p.ValidateConfig(ctx, raw); err != nil {
		return err
	}
	c, _ := plugin.DecodePluginConfig[Config](raw)
	if strings.TrimSpace(c.Cron) == "" {
		c.Cron = defaultSchedule
	}
	if c.Concurrency == 0 {
		c.Concurrency = defaultConcurrency
	}
	p.mu.Lock()
	p.cfg = c
	p.mu.Unlock()

	g, err := p.Reschedule()
	if err != nil {
		return err
	}
	t := p.Resolve(c.Cron)
	if err := g.Add("check", t, func(ctx context.Context) {
		if _, err := p.Check(ctx); err != nil && !errors.Is(err, ErrBusy) {
			p.Log.Warn("inbox check failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}
	p.Log.Info("inbox check scheduled", logx.String("trigger", t.String()))
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error {
	p.Unschedule()
	wctx, cancel := context.WithTimeout(ctx, p.StopTimeout())
	err := p.guard.WaitIdle(wctx)
	cancel()
	if err != nil {
		p.Log.Warn("inbox check still going at stop deadline", logx.Err(err))
	}
	return p.StopBase(ctx)
}

func (p *Plugin) RunNow(ctx context.Context) error {
	_, err := p.Check(ctx)
	return err
}

func (p *Plugin) targets(c Config) []sites.Site {
	var list []sites.Site
	if len(c.Sites) == 0 {
		list = p.Deps.Sites.List()
	} else {
		list = p.Deps.Sites.Resolve(c.Sites)
	}
	out := list[:0]
	for _, s := range list {
		if s.Usable() {
			out = append(out, s)
		} else {
			p.Log.Debug("site lacks credentials; skipping", logx.String("site", s.Name))
		}
	}
	return out
}

// Check fetches every selected inbox, at most Concurrency at a time, and
// reports unread messages not reported before. Per-site failures are
// logged and carried in the reports; they do not fail the check. A message
// counts as reported only once its notification went out, and it is
// marked read on the site only then.
func (p *Plugin) Check(ctx context.Context) ([]SiteReport, error) {
	if !p.guard.TryAcquire() {
		p.Log.Info("previous inbox check still active; skipping")
		return nil, ErrBusy
	}
	defer p.guard.Release()

	p.mu.RLock()
	c := p.cfg
	p.mu.RUnlock()

	list := p.targets(c)
	reports := make([]SiteReport, len(list))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(max(c.Concurrency, 1))
	for i, s := range list {
		eg.Go(func() error {
			reports[i] = p.checkSite(ectx, s)
			return nil
		})
	}
	_ = eg.Wait()

	notify := c.Notify == nil || *c.Notify
	total := 0
	for _, r := range reports {
		if r.Err != nil {
			continue
		}
		total += len(r.Unread)
		if notify && len(r.Unread) > 0 {
			if err := p.Notify(ctx, notifier.Notification{Title: Title + r.Site, Text: formatRows(r.Unread)}); err != nil {
				p.Log.Warn("inbox notification failed; will report again", logx.String("site", r.Site), logx.Err(err))
				continue
			}
		}
		for _, key := range r.keys {
			p.markSeen(ctx, key)
		}
		if c.MarkRead && len(r.ids) > 0 {
			p.markRead(ctx, r)
		}
	}
	p.Log.Info("inbox check finished", logx.Int("sites", len(list)), logx.Int("unread", total))
	return reports, nil
}

func (p *Plugin) checkSite(ctx context.Context, s sites.Site) (rep SiteReport) {
	rep.Site = s.Name
	rep.target = nexus.FromSite(s)
	log := p.Log.With(logx.String("site", s.Name))
	defer func() {
		if r := recover(); r != nil {
			log.Error("inbox check panicked", logx.Any("panic", r))
			rep.Err = fmt.Errorf("panic: %v", r)
		}
	}()

	rows, err := p.Deps.Nexus.Inbox(ctx, rep.target)
	if err != nil {
		log.Warn("fetch inbox failed", logx.Err(err))
		rep.Err = err
		return rep
	}
	for _, row := range rows {
		if !row.Unread() || row.ID == "" {
			continue
		}
		rep.ids = append(rep.ids, row.ID)
		key := fmt.Sprintf("inbox:%d:%s", s.ID, row.ID)
		if p.seen(ctx, key) {
			continue
		}
		rep.Unread = append(rep.Unread, row)
		rep.keys = append(rep.keys, key)
	}
	return rep
}

func (p *Plugin) markRead(ctx context.Context, r SiteReport) {
	log := p.Log.With(logx.String("site", r.Site))
	if err := p.Deps.Nexus.MarkRead(ctx, r.target, r.ids); err != nil {
		log.Warn("mark read failed", logx.Err(err))
		return
	}
	log.Debug("messages marked read", logx.Int("count", len(r.ids)))
}

func (p *Plugin) seen(ctx context.Context, key string) bool {
	if p.Deps.Store == nil {
		return false
	}
	until, ok, err := p.Deps.Store.GetDedup(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrDisabled) {
			p.Log.Debug("dedup lookup failed", logx.Err(err))
		}
		return false
	}
	return ok && time.Now().Before(until)
}

func (p *Plugin) markSeen(ctx context.Context, key string) {
	if p.Deps.Store == nil {
		return
	}
	if err := p.Deps.Store.PutDedup(ctx, key, time.Now().Add(seenTTL)); err != nil && !errors.Is(err, storage.ErrDisabled) {
		p.Log.Debug("dedup write failed", logx.Err(err))
	}
}

func formatRows(rows []scrape.InboxRow) string {
	var b strings.Builder
	for i, r := range rows {
		if i > 0 {
			b.WriteByte('\n')
		}
		from := r.From
		if from == "" {
			from = "?"
		}
		fmt.Fprintf(&b, "%s: %s", from, r.Topic)
		if r.Time != "" {
			fmt.Fprintf(&b, " (%s)", r.Time)
		}
	}
	return b.String()
}
