// Package groupchat sends shoutbox messages to selected registry sites on
// a schedule and reports one summary per run.
package groupchat

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"

	"shoutbot/internal/config"
	"shoutbot/internal/dispatch"
	"shoutbot/internal/eventbus"
	"shoutbot/internal/nexus"
	"shoutbot/internal/plugin"
	"shoutbot/internal/pluginkit"
	"shoutbot/internal/sites"
	"shoutbot/internal/storage"
	logx "shoutbot/pkg/logx"
)

const Name = "groupchat"

type Plugin struct {
	pluginkit.DispatchBase

	mu     sync.RWMutex
	cfg    Config
	source uint64
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Capabilities() plugin.CapabilitySet {
	return plugin.CapabilitySet{plugin.CapSchedule, plugin.CapNotify, plugin.CapStore, plugin.CapManualRun}
}

func (p *Plugin) Init(_ context.Context, deps plugin.Deps) error {
	if deps.Sites == nil {
		return errors.New("groupchat: site registry not available")
	}
	p.InitDispatch(deps, Name, dispatch.SummaryTitle, p.plan)
	return nil
}

func (p *Plugin) ValidateConfig(_ context.Context, raw json.RawMessage) error {
	c, err := plugin.DecodePluginConfig[Config](raw)
	if err != nil {
		return err
	}
	return c.validate()
}

// Configure applies raw, unless the stored document was derived from the
// same raw config; then the stored copy wins since it carries runtime
// edits (consumed onlyonce, deleted sites).
func (p *Plugin) Configure(ctx context.Context, raw json.RawMessage) error {
	c, err := plugin.DecodePluginConfig[Config](raw)
	if err != nil {
		return err
	}
	if err := c.validate(); err != nil {
		return err
	}
	src := config.HashJSON(raw)

	var st stored
	switch err := p.LoadDoc(ctx, &st); {
	case err == nil && st.Source == src:
		c = st.Config
	case err == nil, errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrDisabled):
	default:
		p.Log.Warn("load stored config failed", logx.Err(err))
	}

	selected := len(c.ChatSites)
	c.ChatSites = sites.FilterIDs(c.ChatSites, p.Deps.Sites.IDs())
	if dropped := selected - len(c.ChatSites); dropped > 0 {
		p.Log.Info("dropped unknown or duplicate chat sites", logx.Int("dropped", dropped))
	}
	once := c.OnlyOnce
	c.OnlyOnce = false

	p.mu.Lock()
	p.cfg = c
	p.source = src
	p.mu.Unlock()
	p.persist(ctx)

	return p.Arm(c.Cron, pluginkit.Bool(c.Enabled, true), once)
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)
	ch, unsub := p.Deps.Bus.Subscribe(16)
	p.Runner.Go0("site.events", func(ctx context.Context) {
		defer unsub()
		p.watchSites(ctx, ch)
	})
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error {
	return p.StopDispatch(ctx)
}

// Config returns the effective config.
func (p *Plugin) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c := p.cfg
	c.ChatSites = slices.Clone(c.ChatSites)
	return c
}

func (p *Plugin) watchSites(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			id, _ := ev.Data.(int)
			switch ev.Type {
			case eventbus.SiteDeleted:
				p.siteDeleted(ctx, id)
			case eventbus.SiteAdded:
				// targets are resolved per run; nothing to refresh
				p.Log.Debug("site added", logx.Int("site_id", id))
			}
		}
	}
}

// siteDeleted drops id from the selection. The plugin stays enabled even
// when nothing is left selected.
func (p *Plugin) siteDeleted(ctx context.Context, id int) {
	p.mu.Lock()
	if !slices.Contains(p.cfg.ChatSites, id) {
		p.mu.Unlock()
		return
	}
	p.cfg.ChatSites = sites.RemoveID(p.cfg.ChatSites, id)
	left := len(p.cfg.ChatSites)
	p.mu.Unlock()

	p.Log.Info("deleted site removed from selection", logx.Int("site_id", id), logx.Int("left", left))
	if left == 0 {
		p.Log.Warn("no chat sites left; runs will be skipped until sites are selected")
	}
	p.persist(ctx)
}

func (p *Plugin) persist(ctx context.Context) {
	p.mu.RLock()
	doc := stored{Config: p.cfg, Source: p.source}
	p.mu.RUnlock()
	if err := p.SaveDoc(ctx, doc); err != nil && !errors.Is(err, storage.ErrDisabled) {
		p.Log.Warn("persist config failed", logx.Err(err))
	}
}

func (p *Plugin) plan(context.Context) (dispatch.Plan, error) {
	c := p.Config()
	list := p.Deps.Sites.Resolve(c.ChatSites)
	targets := make([]nexus.Target, 0, len(list))
	names := make([]string, 0, len(list))
	for _, s := range list {
		targets = append(targets, nexus.FromSite(s))
		names = append(names, s.Name)
	}
	return dispatch.Plan{
		Targets:  targets,
		Messages: dispatch.ParseMessages(c.SitesMessages, names, p.Log),
		Interval: c.interval(),
		Notify:   c.Notify,
	}, nil
}
