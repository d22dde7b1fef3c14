package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"shoutbot/internal/config"
	"shoutbot/internal/notifier"
	"shoutbot/internal/storage"
	"shoutbot/internal/task/scheduler"
	logx "shoutbot/pkg/logx"
)

type fakePlugin struct {
	PluginBase

	name string
	caps CapabilitySet

	mu         sync.Mutex
	inits      int
	configured []string
	starts     int
	stops      int
	runs       int
	failConfig bool
	panicStart bool
}

func (f *fakePlugin) Name() string                { return f.name }
func (f *fakePlugin) Capabilities() CapabilitySet { return f.caps }

func (f *fakePlugin) Init(_ context.Context, deps Deps) error {
	f.mu.Lock()
	f.inits++
	f.mu.Unlock()
	f.InitBase(deps, f.name)
	return nil
}

func (f *fakePlugin) Configure(_ context.Context, raw json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConfig {
		return errors.New("bad config")
	}
	f.configured = append(f.configured, string(raw))
	if f.caps.Has(CapSchedule) {
		g, err := f.Reschedule()
		if err != nil {
			return err
		}
		return g.Add("tick", scheduler.Trigger{Kind: scheduler.KindCron, Cron: "0 8 * * *"}, func(context.Context) {})
	}
	return nil
}

func (f *fakePlugin) Start(ctx context.Context) error {
	if f.panicStart {
		panic("start exploded")
	}
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
	f.StartBase(ctx)
	return nil
}

func (f *fakePlugin) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	return f.StopBase(ctx)
}

func (f *fakePlugin) RunNow(context.Context) error {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	return nil
}

func (f *fakePlugin) counts() (inits, starts, stops, configured int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inits, f.starts, f.stops, len(f.configured)
}

func enabled(raw string, allow ...string) config.PluginConfigRaw {
	return config.PluginConfigRaw{Enabled: true, Allow: allow, Config: json.RawMessage(raw)}
}

func newTestManager(t *testing.T) (*Manager, *scheduler.Service) {
	t.Helper()
	s := scheduler.New(scheduler.Config{Timezone: "UTC"}, logx.Nop())
	pm := NewManager(logx.Nop(), Deps{Scheduler: s, Store: storage.NewMemory(0)})
	t.Cleanup(func() { pm.StopAll(context.Background()) })
	return pm, s
}

func TestReconcileLifecycle(t *testing.T) {
	t.Parallel()
	pm, s := newTestManager(t)
	p := &fakePlugin{name: "demo", caps: CapabilitySet{CapSchedule, CapManualRun}}
	pm.Register(p)
	ctx := context.Background()

	if err := pm.Reconcile(ctx, map[string]config.PluginConfigRaw{"demo": enabled(`{"a":1}`)}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if i, st, _, c := p.counts(); i != 1 || st != 1 || c != 1 {
		t.Fatalf("after enable: inits=%d starts=%d configured=%d", i, st, c)
	}
	if es := s.Entries(); len(es) != 1 || es[0].Name != "demo:tick" {
		t.Fatalf("entries = %+v", es)
	}

	// same document with different whitespace is not a change
	_ = pm.Reconcile(ctx, map[string]config.PluginConfigRaw{"demo": enabled(`{ "a" : 1 }`)})
	if _, _, _, c := p.counts(); c != 1 {
		t.Fatalf("configured again on identical config: %d", c)
	}
	_ = pm.Reconcile(ctx, map[string]config.PluginConfigRaw{"demo": enabled(`{"a":2}`)})
	if _, st, _, c := p.counts(); c != 2 || st != 1 {
		t.Fatalf("reconfigure: starts=%d configured=%d", st, c)
	}
	if len(s.Entries()) != 1 {
		t.Fatalf("reconfigure left stale entries: %+v", s.Entries())
	}

	_ = pm.Reconcile(ctx, map[string]config.PluginConfigRaw{"demo": {Enabled: false}})
	if _, _, stops, _ := p.counts(); stops != 1 {
		t.Fatalf("stops = %d", stops)
	}
	if len(s.Entries()) != 0 {
		t.Fatalf("entries after disable = %+v", s.Entries())
	}

	// re-enable does not call Init again
	_ = pm.Reconcile(ctx, map[string]config.PluginConfigRaw{"demo": enabled(`{"a":2}`)})
	if i, st, _, _ := p.counts(); i != 1 || st != 2 {
		t.Fatalf("re-enable: inits=%d starts=%d", i, st)
	}
}

func TestQuarantineUntilConfigChanges(t *testing.T) {
	t.Parallel()
	pm, s := newTestManager(t)
	p := &fakePlugin{name: "broken", caps: CapabilitySet{CapSchedule}, failConfig: true}
	pm.Register(p)
	ctx := context.Background()

	if err := pm.Reconcile(ctx, map[string]config.PluginConfigRaw{"broken": enabled(`{"x":1}`)}); err == nil {
		t.Fatal("expected configure error")
	}
	st := pm.Snapshot()
	if len(st) != 1 || st[0].Running || !st[0].Quarantined {
		t.Fatalf("snapshot = %+v", st)
	}
	if len(s.Entries()) != 0 {
		t.Fatalf("failed plugin left schedules: %+v", s.Entries())
	}

	// same config stays quarantined without another Configure call
	_ = pm.Reconcile(ctx, map[string]config.PluginConfigRaw{"broken": enabled(`{"x":1}`)})

	p.mu.Lock()
	p.failConfig = false
	p.mu.Unlock()
	if err := pm.Reconcile(ctx, map[string]config.PluginConfigRaw{"broken": enabled(`{"x":2}`)}); err != nil {
		t.Fatalf("Reconcile after fix: %v", err)
	}
	if st := pm.Snapshot(); !st[0].Running || st[0].Quarantined {
		t.Fatalf("snapshot after fix = %+v", st)
	}
}

func TestStartPanicIsRecovered(t *testing.T) {
	t.Parallel()
	pm, _ := newTestManager(t)
	p := &fakePlugin{name: "boom", panicStart: true}
	pm.Register(p)
	err := pm.Reconcile(context.Background(), map[string]config.PluginConfigRaw{"boom": enabled(`{}`)})
	if err == nil {
		t.Fatal("expected start error")
	}
	if pm.Snapshot()[0].Running {
		t.Fatal("panicking plugin marked running")
	}
}

func TestManualRunNeedsCapability(t *testing.T) {
	t.Parallel()
	pm, _ := newTestManager(t)
	p := &fakePlugin{name: "gc", caps: CapabilitySet{CapManualRun, CapNotify}}
	pm.Register(p)
	ctx := context.Background()

	if err := pm.Run(ctx, "gc"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Run before start = %v", err)
	}
	if err := pm.Run(ctx, "nope"); !errors.Is(err, ErrUnknownPlugin) {
		t.Fatalf("Run unknown = %v", err)
	}

	_ = pm.Reconcile(ctx, map[string]config.PluginConfigRaw{"gc": enabled(`{}`, "notify")})
	if err := pm.Run(ctx, "gc"); !errors.Is(err, ErrCapabilityDenied) {
		t.Fatalf("Run without manual_run = %v", err)
	}

	// allow-list reload applies without a restart
	_ = pm.Reconcile(ctx, map[string]config.PluginConfigRaw{"gc": enabled(`{}`)})
	if err := pm.Run(ctx, "gc"); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if p.runs != 1 {
		t.Fatalf("runs = %d", p.runs)
	}
}

type countNotifier struct{ n int }

func (c *countNotifier) Notify(context.Context, notifier.Notification) error {
	c.n++
	return nil
}

func TestWrappedPortsEnforceGrants(t *testing.T) {
	t.Parallel()
	g := newGrants(CapabilitySet{CapNotify, CapStore, CapSchedule}, []string{"store"})
	inner := &countNotifier{}
	n := &capNotifier{inner: inner, caps: g}
	if err := n.Notify(context.Background(), notifier.Notification{Text: "x"}); !errors.Is(err, ErrCapabilityDenied) {
		t.Fatalf("Notify = %v", err)
	}
	st := &capStore{inner: storage.NewMemory(0), caps: g}
	if err := st.PutDoc(context.Background(), "k", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("PutDoc = %v", err)
	}

	b := &PluginBase{}
	b.InitBase(Deps{Grants: g, Scheduler: scheduler.New(scheduler.Config{}, logx.Nop())}, "p")
	if _, err := b.Reschedule(); !errors.Is(err, ErrCapabilityDenied) {
		t.Fatalf("Reschedule = %v", err)
	}

	g.Update(nil)
	if err := n.Notify(context.Background(), notifier.Notification{Text: "x"}); err != nil || inner.n != 1 {
		t.Fatalf("Notify after widen = %v (n=%d)", err, inner.n)
	}
	if got := g.Effective(); len(got) != 3 {
		t.Fatalf("Effective = %v", got)
	}
	// allow cannot grant what was not declared
	g.Update([]string{"http"})
	if g.Allows(CapHTTP) {
		t.Fatal("undeclared capability granted")
	}
}

func TestDecodePluginConfig(t *testing.T) {
	t.Parallel()
	type cfg struct {
		Cron string `json:"cron"`
	}
	got, err := DecodePluginConfig[cfg](json.RawMessage(`{"cron":"3"}`))
	if err != nil || got.Cron != "3" {
		t.Fatalf("got %+v, %v", got, err)
	}
	if _, err := DecodePluginConfig[cfg](nil); err != nil {
		t.Fatalf("empty: %v", err)
	}
	if _, err := DecodePluginConfig[cfg](json.RawMessage(`{`)); err == nil {
		t.Fatal("expected error")
	}
}
