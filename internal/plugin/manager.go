package plugin

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"shoutbot/internal/config"
	"shoutbot/internal/eventbus"
	logx "shoutbot/pkg/logx"
)

var (
	ErrUnknownPlugin = errors.New("plugin: unknown plugin")
	ErrNotRunning    = errors.New("plugin: not running")
	ErrNotRunnable   = errors.New("plugin: does not support manual runs")
)

// StopReason is recorded in logs and events when a plugin stops.
type StopReason string

const (
	StopDisabled   StopReason = "disabled"
	StopQuarantine StopReason = "quarantine"
	StopShutdown   StopReason = "shutdown"
)

const callTimeout = 10 * time.Second

type pluginEvent struct {
	Plugin string `json:"plugin"`
	Stage  string `json:"stage,omitempty"`
	Reason string `json:"reason,omitempty"`
	Err    string `json:"err,omitempty"`
	TookMS int64  `json:"took_ms,omitempty"`
	Count  int    `json:"count,omitempty"`
}

type quarantineState struct {
	rawHash uint64
	err     string
	since   time.Time
	count   int
}

// Manager starts, reconfigures and stops registered plugins so that the
// running set matches the "plugins" config section.
type Manager struct {
	mu sync.Mutex

	log  logx.Logger
	deps Deps

	reg    map[string]Plugin
	run    map[string]bool
	inited map[string]bool
	since  map[string]time.Time
	// last config blob hash per running plugin, used to skip redundant Configure calls
	lastRawHash map[string]uint64
	// last config seen, for Snapshot
	last map[string]config.PluginConfigRaw

	// baseCtx outlives the call-scoped ctx passed to Reconcile.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	bound      bool

	pctx    map[string]context.Context
	pcancel map[string]context.CancelFunc

	// plugins kept disabled because their config failed to apply
	quarantine map[string]quarantineState

	grants map[string]*Grants
}

func NewManager(log logx.Logger, deps Deps) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Manager{
		log:         log.With(logx.String("comp", "plugins")),
		deps:        deps,
		reg:         map[string]Plugin{},
		run:         map[string]bool{},
		inited:      map[string]bool{},
		since:       map[string]time.Time{},
		lastRawHash: map[string]uint64{},
		last:        map[string]config.PluginConfigRaw{},
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		pctx:        map[string]context.Context{},
		pcancel:     map[string]context.CancelFunc{},
		quarantine:  map[string]quarantineState{},
		grants:      map[string]*Grants{},
	}
}

func (pm *Manager) emit(typ string, data pluginEvent) {
	pm.deps.Bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func (pm *Manager) Register(p ...Plugin) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, pl := range p {
		pm.reg[pl.Name()] = pl
	}
}

// Get returns a registered plugin.
func (pm *Manager) Get(name string) (Plugin, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	p, ok := pm.reg[name]
	return p, ok
}

// BindContext binds appCtx to baseCtx via cancellation bridge. First non-nil bind wins.
func (pm *Manager) BindContext(appCtx context.Context) {
	pm.mu.Lock()
	if pm.bound || appCtx == nil {
		pm.mu.Unlock()
		return
	}
	pm.bound = true
	baseCancel := pm.baseCancel
	pm.mu.Unlock()

	go func() {
		<-appCtx.Done()
		baseCancel()
	}()
}

func (pm *Manager) grantsFor(p Plugin, allow []string) *Grants {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	g := pm.grants[p.Name()]
	if g == nil {
		g = newGrants(pm.safeCaps(p), allow)
		pm.grants[p.Name()] = g
		return g
	}
	g.Update(allow)
	return g
}

func (pm *Manager) depsFor(g *Grants) Deps {
	d := pm.deps
	d.Grants = g
	if d.Notifier != nil {
		d.Notifier = &capNotifier{inner: pm.deps.Notifier, caps: g}
	}
	if d.Store != nil {
		d.Store = &capStore{inner: pm.deps.Store, caps: g}
	}
	return d
}

func (pm *Manager) isQuarantined(name string, rawHash uint64) bool {
	pm.mu.Lock()
	st, ok := pm.quarantine[name]
	pm.mu.Unlock()
	return ok && st.rawHash == rawHash
}

func (pm *Manager) clearQuarantineOnChange(name string, rawHash uint64) {
	pm.mu.Lock()
	st, ok := pm.quarantine[name]
	if ok && st.rawHash != rawHash {
		delete(pm.quarantine, name)
		pm.mu.Unlock()
		pm.log.Info("plugin quarantine cleared (config changed)", logx.String("plugin", name))
		pm.emit("plugin.quarantine_cleared", pluginEvent{Plugin: name})
		return
	}
	pm.mu.Unlock()
}

func (pm *Manager) setQuarantine(name string, rawHash uint64, err error, stage string) {
	if err == nil {
		return
	}
	errStr := err.Error()
	pm.mu.Lock()
	prev, ok := pm.quarantine[name]
	if ok && prev.rawHash == rawHash && prev.err == errStr {
		prev.count++
		pm.quarantine[name] = prev
		pm.mu.Unlock()
		return
	}
	count := 1
	if ok {
		count = prev.count + 1
	}
	pm.quarantine[name] = quarantineState{rawHash: rawHash, err: errStr, since: time.Now(), count: count}
	pm.mu.Unlock()

	pm.log.Error("plugin quarantined", logx.String("plugin", name), logx.String("stage", stage), logx.String("err", errStr))
	pm.emit("plugin.quarantined", pluginEvent{Plugin: name, Stage: stage, Err: errStr, Count: count})
}

// Reconcile starts enabled plugins, stops disabled ones and hands changed
// config documents to running ones.
func (pm *Manager) Reconcile(ctx context.Context, plugins map[string]config.PluginConfigRaw) error {
	pm.BindContext(ctx)

	type op struct {
		name    string
		p       Plugin
		raw     config.PluginConfigRaw
		rawHash uint64
		enabled bool
		run     bool
	}
	pm.mu.Lock()
	ops := make([]op, 0, len(pm.reg))
	for name, p := range pm.reg {
		raw, ok := plugins[name]
		pm.last[name] = raw
		ops = append(ops, op{
			name:    name,
			p:       p,
			raw:     raw,
			rawHash: config.HashJSON(raw.Config),
			enabled: ok && raw.Enabled,
			run:     pm.run[name],
		})
	}
	pm.mu.Unlock()
	sort.Slice(ops, func(i, j int) bool { return ops[i].name < ops[j].name })

	var errs []error
	for _, o := range ops {
		switch {
		case o.enabled && !o.run:
			if err := pm.startOne(o.name, o.p, o.raw, o.rawHash); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", o.name, err))
			}
		case !o.enabled && o.run:
			pm.emit("plugin.disable_requested", pluginEvent{Plugin: o.name})
			pm.stopOne(o.name, StopDisabled)
		case o.enabled && o.run:
			pm.grantsFor(o.p, o.raw.Allow)
			pm.mu.Lock()
			oldHash := pm.lastRawHash[o.name]
			pctx := pm.pctx[o.name]
			pm.mu.Unlock()
			if o.rawHash == oldHash {
				pm.log.Debug("plugin config unchanged; skipping", logx.String("plugin", o.name))
				break
			}
			if err := pm.configure(pctx, o.name, o.p, o.raw); err != nil {
				pm.setQuarantine(o.name, o.rawHash, err, "config")
				pm.emit("plugin.config_failed", pluginEvent{Plugin: o.name, Err: err.Error()})
				pm.stopOne(o.name, StopQuarantine)
				errs = append(errs, fmt.Errorf("%s: %w", o.name, err))
				break
			}
			pm.mu.Lock()
			pm.lastRawHash[o.name] = o.rawHash
			delete(pm.quarantine, o.name)
			pm.mu.Unlock()
		}
	}
	return errors.Join(errs...)
}

func (pm *Manager) startOne(name string, p Plugin, raw config.PluginConfigRaw, rawHash uint64) error {
	pm.clearQuarantineOnChange(name, rawHash)
	if pm.isQuarantined(name, rawHash) {
		pm.log.Warn("plugin enable skipped (quarantined)", logx.String("plugin", name))
		return nil
	}
	pm.log.Debug("plugin enable requested", logx.String("plugin", name))
	pm.emit("plugin.enable_requested", pluginEvent{Plugin: name})

	pctx, cancel := context.WithCancel(pm.baseCtx)
	g := pm.grantsFor(p, raw.Allow)

	pm.mu.Lock()
	needInit := !pm.inited[name]
	pm.mu.Unlock()
	if in, ok := p.(Initializer); ok && needInit {
		deps := pm.depsFor(g)
		ictx, icancel := context.WithTimeout(pctx, callTimeout)
		err := pm.safeCall("plugin.init."+name, func() error { return in.Init(ictx, deps) })
		icancel()
		if err != nil {
			pm.log.Error("plugin init failed", logx.String("plugin", name), logx.Err(err))
			pm.emit("plugin.init_failed", pluginEvent{Plugin: name, Err: err.Error()})
			cancel()
			return err
		}
	}
	pm.mu.Lock()
	pm.inited[name] = true
	pm.mu.Unlock()

	if err := pm.configure(pctx, name, p, raw); err != nil {
		pm.setQuarantine(name, rawHash, err, "config")
		pm.emit("plugin.config_failed", pluginEvent{Plugin: name, Err: err.Error()})
		pm.cleanup(name, p)
		cancel()
		return err
	}

	if err := pm.startWithTimeout(name, p, pctx, cancel, callTimeout); err != nil {
		pm.log.Error("plugin start failed", logx.String("plugin", name), logx.Err(err))
		pm.emit("plugin.start_failed", pluginEvent{Plugin: name, Err: err.Error()})
		pm.cleanup(name, p)
		cancel()
		return err
	}

	pm.mu.Lock()
	pm.run[name] = true
	pm.since[name] = time.Now()
	pm.pctx[name] = pctx
	pm.pcancel[name] = cancel
	pm.lastRawHash[name] = rawHash
	delete(pm.quarantine, name)
	pm.mu.Unlock()

	pm.log.Info("plugin started", logx.String("plugin", name), logx.Strings("caps", g.Effective().Strings()))
	pm.emit("plugin.started", pluginEvent{Plugin: name})
	return nil
}

func (pm *Manager) configure(pctx context.Context, name string, p Plugin, raw config.PluginConfigRaw) error {
	if pctx == nil {
		pctx = pm.baseCtx
	}
	cctx, cancel := context.WithTimeout(pctx, callTimeout)
	defer cancel()
	if v, ok := p.(ConfigValidator); ok {
		if err := pm.safeCall("plugin.validate."+name, func() error { return v.ValidateConfig(cctx, raw.Config) }); err != nil {
			return fmt.Errorf("config validate: %w", err)
		}
	}
	if err := pm.safeCall("plugin.config."+name, func() error { return p.Configure(cctx, raw.Config) }); err != nil {
		return fmt.Errorf("config apply: %w", err)
	}
	pm.emit(eventbus.PluginConfigured, pluginEvent{Plugin: name})
	return nil
}

// cleanup stops a plugin that failed before it was marked running, so
// schedules registered by Configure do not linger.
func (pm *Manager) cleanup(name string, p Plugin) {
	ctx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
	defer cancel()
	_ = pm.safeCall("plugin.stop."+name, func() error { return p.Stop(ctx) })
}

// StopAll stops every running plugin. Each Stop is bounded by ctx.
func (pm *Manager) StopAll(ctx context.Context) {
	pm.mu.Lock()
	names := make([]string, 0, len(pm.reg))
	for name := range pm.reg {
		names = append(names, name)
	}
	pm.mu.Unlock()
	sort.Strings(names)

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pm.stopOneCtx(ctx, name, StopShutdown)
		}()
	}
	wg.Wait()
	pm.baseCancel()
}

func (pm *Manager) stopTimeout() time.Duration {
	if pm.deps.StopTimeout > 0 {
		return pm.deps.StopTimeout + 5*time.Second
	}
	return defaultStopTimeout + 5*time.Second
}

func (pm *Manager) stopOne(name string, reason StopReason) {
	ctx, cancel := context.WithTimeout(pm.baseCtx, pm.stopTimeout())
	defer cancel()
	pm.stopOneCtx(ctx, name, reason)
}

func (pm *Manager) stopOneCtx(stopCtx context.Context, name string, reason StopReason) {
	pm.mu.Lock()
	p := pm.reg[name]
	running := pm.run[name]
	cancel := pm.pcancel[name]
	pm.mu.Unlock()

	if !running || p == nil {
		return
	}

	start := time.Now()
	pm.log.Debug("stopping plugin", logx.String("plugin", name), logx.String("reason", string(reason)))

	// Stop first so the plugin can wait for its active run; the plugin
	// context is cancelled after.
	done := make(chan struct{})
	go func() {
		_ = pm.safeCall("plugin.stop."+name, func() error { return p.Stop(stopCtx) })
		close(done)
	}()
	select {
	case <-done:
	case <-stopCtx.Done():
		pm.log.Warn("plugin stop timeout (continuing)", logx.String("plugin", name), logx.Err(stopCtx.Err()))
		pm.emit("plugin.stop_timeout", pluginEvent{Plugin: name, Reason: string(reason), Err: stopCtx.Err().Error()})
	}
	if cancel != nil {
		cancel()
	}

	pm.mu.Lock()
	pm.run[name] = false
	pm.since[name] = time.Now()
	delete(pm.pctx, name)
	delete(pm.pcancel, name)
	delete(pm.lastRawHash, name)
	delete(pm.grants, name)
	pm.mu.Unlock()

	took := time.Since(start)
	pm.emit("plugin.stopped", pluginEvent{Plugin: name, Reason: string(reason), TookMS: took.Milliseconds()})
	pm.log.Info("plugin stopped", logx.String("plugin", name), logx.String("reason", string(reason)), logx.Duration("took", took))
}

// startWithTimeout calls Start(pctx) but enforces a deadline. If it times out, plugin ctx is cancelled.
func (pm *Manager) startWithTimeout(name string, p Plugin, pctx context.Context, cancel context.CancelFunc, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- pm.safeCall("plugin.start."+name, func() error { return p.Start(pctx) })
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case err := <-done:
		return err
	case <-t.C:
		cancel()

		grace := time.NewTimer(2 * time.Second)
		defer grace.Stop()
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("start timeout (%s): %w", timeout, err)
			}
			return fmt.Errorf("start timeout (%s)", timeout)
		case <-grace.C:
			return fmt.Errorf("start timeout (%s): start did not return after cancel", timeout)
		}
	}
}

func (pm *Manager) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic in plugin call",
				logx.String("call", label),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}

func (pm *Manager) safeCaps(p Plugin) (out CapabilitySet) {
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic in plugin Capabilities()", logx.String("plugin", p.Name()), logx.Any("panic", r))
			out = nil
		}
	}()
	return p.Capabilities()
}

// CanRun reports why name cannot be triggered by hand, or nil.
func (pm *Manager) CanRun(name string) error {
	_, err := pm.runner(name)
	return err
}

func (pm *Manager) runner(name string) (Runner, error) {
	pm.mu.Lock()
	p, ok := pm.reg[name]
	running := pm.run[name]
	g := pm.grants[name]
	pm.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	if !running {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, name)
	}
	r, ok := p.(Runner)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRunnable, name)
	}
	if !g.Allows(CapManualRun) {
		return nil, deny(CapManualRun)
	}
	return r, nil
}

// Run triggers a running plugin by hand. It requires the manual_run
// capability and returns whatever the plugin's run returned, including
// its skip sentinels.
func (pm *Manager) Run(ctx context.Context, name string) error {
	r, err := pm.runner(name)
	if err != nil {
		return err
	}
	pm.log.Info("manual run requested", logx.String("plugin", name))
	return pm.safeCall("plugin.run."+name, func() error { return r.RunNow(ctx) })
}

// ValidateConfig checks every enabled plugin's config document without
// applying it. It is used as the config reload validator.
func (pm *Manager) ValidateConfig(ctx context.Context, plugins map[string]config.PluginConfigRaw) error {
	pm.mu.Lock()
	type item struct {
		name string
		v    ConfigValidator
		raw  config.PluginConfigRaw
	}
	var items []item
	for name, p := range pm.reg {
		raw, ok := plugins[name]
		v, isV := p.(ConfigValidator)
		if ok && raw.Enabled && isV {
			items = append(items, item{name: name, v: v, raw: raw})
		}
	}
	pm.mu.Unlock()

	for _, it := range items {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := pm.safeCall("plugin.validate."+it.name, func() error { return it.v.ValidateConfig(cctx, it.raw.Config) })
		cancel()
		if err != nil {
			return fmt.Errorf("plugin %s: config validate: %w", it.name, err)
		}
	}
	return nil
}

// Snapshot lists registered plugins sorted by name.
func (pm *Manager) Snapshot() []Status {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]Status, 0, len(pm.reg))
	for name := range pm.reg {
		st := Status{
			Name:    name,
			Enabled: pm.last[name].Enabled,
			Running: pm.run[name],
			Since:   pm.since[name],
		}
		if q, ok := pm.quarantine[name]; ok {
			st.Quarantined = true
			st.Err = q.err
		}
		if g := pm.grants[name]; g != nil {
			st.Caps = g.Effective().Strings()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
