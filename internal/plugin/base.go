package plugin

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"shoutbot/internal/eventbus"
	"shoutbot/internal/notifier"
	rtsup "shoutbot/internal/runtime/supervisor"
	"shoutbot/internal/storage"
	"shoutbot/internal/task/scheduler"
	logx "shoutbot/pkg/logx"
)

const defaultStopTimeout = 30 * time.Second

// PluginBase is a small helper to make writing plugins faster and safer.
// Typical usage:
//
//	type Plugin struct{ plugin.PluginBase }
//	func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error { p.InitBase(deps, p.Name()); return nil }
//	func (p *Plugin) Start(ctx context.Context) error { p.StartBase(ctx); return nil }
//	func (p *Plugin) Stop(ctx context.Context) error { return p.StopBase(ctx) }
type PluginBase struct {
	Log    logx.Logger
	Deps   Deps
	Runner *rtsup.Supervisor

	pluginName string

	mu    sync.Mutex
	group *scheduler.Group
	ctx   context.Context
}

// InitBase wires deps + logger.
func (b *PluginBase) InitBase(deps Deps, pluginName string) {
	b.Deps = deps
	b.pluginName = pluginName
	if deps.Bus == nil {
		b.Deps.Bus = eventbus.Nop{}
	}
	if !deps.Log.IsZero() {
		b.Log = deps.Log.With(logx.String("plugin", pluginName))
	} else {
		b.Log = logx.Nop().With(logx.String("plugin", pluginName))
	}
}

// StartBase creates a per-plugin supervisor tied to ctx.
func (b *PluginBase) StartBase(ctx context.Context) {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()
	b.Runner = rtsup.New(ctx, rtsup.WithLogger(b.Log), rtsup.WithCancelOnError(false))
}

// StopBase drops the plugin's schedules, then cancels the runner and waits
// bounded by ctx.
func (b *PluginBase) StopBase(ctx context.Context) error {
	b.Unschedule()
	if b.Runner == nil {
		return nil
	}
	b.Runner.Cancel()
	err := b.Runner.Wait(ctx)
	b.Runner = nil
	return err
}

// Context returns the plugin runtime context (canceled on stop/disable).
func (b *PluginBase) Context() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

func (b *PluginBase) PluginName() string { return b.pluginName }

// StopTimeout is how long Stop may wait for an active run.
func (b *PluginBase) StopTimeout() time.Duration {
	if b.Deps.StopTimeout > 0 {
		return b.Deps.StopTimeout
	}
	return defaultStopTimeout
}

// Reschedule drops whatever the previous configure cycle registered and
// returns a fresh schedule group for this one.
func (b *PluginBase) Reschedule() (*scheduler.Group, error) {
	if !b.Deps.Grants.Allows(CapSchedule) {
		return nil, deny(CapSchedule)
	}
	if b.Deps.Scheduler == nil {
		return nil, errors.New("scheduler not available")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.group != nil {
		b.group.RemoveAll()
	}
	b.group = b.Deps.Scheduler.Group(b.pluginName)
	return b.group, nil
}

// Unschedule removes every schedule the plugin owns.
func (b *PluginBase) Unschedule() int {
	b.mu.Lock()
	g := b.group
	b.group = nil
	b.mu.Unlock()
	if g == nil {
		return 0
	}
	n := g.RemoveAll()
	if n > 0 {
		b.Log.Debug("schedules removed", logx.Int("count", n))
	}
	return n
}

// Schedules lists the plugin's registered triggers.
func (b *PluginBase) Schedules() []scheduler.ScheduleInfo {
	b.mu.Lock()
	g := b.group
	b.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Entries()
}

// Resolve turns a schedule string into a trigger using the shared resolver.
func (b *PluginBase) Resolve(raw string) scheduler.Trigger {
	r := b.Deps.Resolver
	if r == nil {
		r = scheduler.NewResolver(b.Log, nil)
	}
	return r.Resolve(raw)
}

// Notify sends n with the plugin name as source.
func (b *PluginBase) Notify(ctx context.Context, n notifier.Notification) error {
	if b.Deps.Notifier == nil {
		return errors.New("notifier not available")
	}
	if n.Source == "" {
		n.Source = b.pluginName
	}
	return b.Deps.Notifier.Notify(ctx, n)
}

func (b *PluginBase) docKey() string { return "plugin/" + b.pluginName }

// LoadDoc reads the plugin's persisted config document into dst.
// A missing document returns storage.ErrNotFound.
func (b *PluginBase) LoadDoc(ctx context.Context, dst any) error {
	if b.Deps.Store == nil {
		return storage.ErrDisabled
	}
	return storage.LoadDoc(ctx, b.Deps.Store, b.docKey(), dst)
}

// SaveDoc persists v as the plugin's config document.
func (b *PluginBase) SaveDoc(ctx context.Context, v any) error {
	if b.Deps.Store == nil {
		return storage.ErrDisabled
	}
	return storage.SaveDoc(ctx, b.Deps.Store, b.docKey(), v)
}

// Handle mounts h under /api/v1/plugins/<name>/<path>.
func (b *PluginBase) Handle(method, path string, h http.Handler) error {
	if !b.Deps.Grants.Allows(CapHTTP) {
		return deny(CapHTTP)
	}
	if b.Deps.Routes == nil {
		return errors.New("http api not available")
	}
	b.Deps.Routes.Handle(b.pluginName, method, path, h)
	return nil
}

// DropRoutes unmounts every handler the plugin registered.
func (b *PluginBase) DropRoutes() {
	if b.Deps.Routes != nil {
		b.Deps.Routes.Drop(b.pluginName)
	}
}

// PublishEvent publishes a lightweight event to the in-process event bus.
func (b *PluginBase) PublishEvent(typ string, data any) {
	if b.Deps.Bus == nil {
		return
	}
	b.Deps.Bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
