// Package sitemessenger sends shoutbox messages to a site list kept in its
// own config, independent of the site registry.
package sitemessenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"shoutbot/internal/config"
	"shoutbot/internal/dispatch"
	"shoutbot/internal/nexus"
	"shoutbot/internal/plugin"
	"shoutbot/internal/pluginkit"
	"shoutbot/internal/storage"
	logx "shoutbot/pkg/logx"
)

const (
	Name  = "sitemessenger"
	Title = "【站点消息助手】"

	defaultInterval = 5 * time.Second
	defaultUA       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
)

type SiteEntry struct {
	Name      string   `json:"name"`
	URL       string   `json:"url"`
	Cookie    string   `json:"cookie"`
	UserAgent string   `json:"user_agent,omitempty"`
	Referer   string   `json:"referer,omitempty"`
	Proxy     bool     `json:"proxy,omitempty"`
	Enabled   bool     `json:"enabled"`
	Messages  []string `json:"messages"`
}

type Config struct {
	Enabled  *bool             `json:"enabled,omitempty"`
	Cron     string            `json:"cron"`
	Interval pluginkit.Seconds `json:"interval"`
	Notify   bool              `json:"notify"`
	OnlyOnce bool              `json:"onlyonce"`
	Sites    []SiteEntry       `json:"sites"`
}

type stored struct {
	Config
	Source uint64 `json:"source"`
}

func (c Config) validate() error {
	if c.Interval < 0 {
		return errors.New("interval must not be negative")
	}
	seen := map[string]bool{}
	for i, s := range c.Sites {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("sites[%d]: name required", i)
		}
		if seen[name] {
			return fmt.Errorf("sites[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
	}
	return nil
}

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
	p.InitDispatch(deps, Name, Title, p.plan)
	return nil
}

func (p *Plugin) ValidateConfig(_ context.Context, raw json.RawMessage) error {
	c, err := plugin.DecodePluginConfig[Config](raw)
	if err != nil {
		return err
	}
	return c.validate()
}

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
	if err := p.LoadDoc(ctx, &st); err == nil && st.Source == src {
		c = st.Config
	}
	once := c.OnlyOnce
	c.OnlyOnce = false

	p.mu.Lock()
	p.cfg = c
	p.source = src
	p.mu.Unlock()
	if err := p.SaveDoc(ctx, stored{Config: c, Source: src}); err != nil && !errors.Is(err, storage.ErrDisabled) {
		p.Log.Warn("persist config failed", logx.Err(err))
	}

	// a missing cron leaves only manual and one-off runs
	periodic := pluginkit.Bool(c.Enabled, true) && strings.TrimSpace(c.Cron) != ""
	return p.Arm(c.Cron, periodic, once)
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error {
	return p.StopDispatch(ctx)
}

func (p *Plugin) plan(context.Context) (dispatch.Plan, error) {
	p.mu.RLock()
	c := p.cfg
	p.mu.RUnlock()

	var targets []nexus.Target
	msgs := dispatch.MessageSet{}
	for _, s := range c.Sites {
		if !s.Enabled {
			continue
		}
		t := nexus.Target{
			Name:    strings.TrimSpace(s.Name),
			URL:     strings.TrimSpace(s.URL),
			Cookie:  strings.TrimSpace(s.Cookie),
			UA:      strings.TrimSpace(s.UserAgent),
			Referer: strings.TrimSpace(s.Referer),
			Proxy:   s.Proxy,
		}
		if t.UA == "" {
			t.UA = defaultUA
		}
		targets = append(targets, t)
		var list []string
		for _, m := range s.Messages {
			if m = strings.TrimSpace(m); m != "" {
				list = append(list, m)
			}
		}
		if len(list) > 0 {
			msgs[t.Name] = list
		}
	}

	interval := c.Interval.Duration()
	if c.Interval == 0 {
		interval = defaultInterval
	}
	return dispatch.Plan{
		Targets:  targets,
		Messages: msgs,
		Interval: interval,
		Notify:   c.Notify,
	}, nil
}
