package groupchat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"shoutbot/internal/config"
	"shoutbot/internal/dispatch"
	"shoutbot/internal/eventbus"
	"shoutbot/internal/httpx"
	"shoutbot/internal/nexus"
	"shoutbot/internal/notifier"
	"shoutbot/internal/plugin"
	"shoutbot/internal/sites"
	"shoutbot/internal/storage"
	"shoutbot/internal/task/scheduler"
	logx "shoutbot/pkg/logx"
)

type captureNotifier struct {
	mu  sync.Mutex
	got []notifier.Notification
}

func (c *captureNotifier) Notify(_ context.Context, n notifier.Notification) error {
	c.mu.Lock()
	c.got = append(c.got, n)
	c.mu.Unlock()
	return nil
}

type harness struct {
	p     *Plugin
	reg   *sites.Registry
	store storage.Store
	sched *scheduler.Service
	note  *captureNotifier
	hits  chan string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: storage.NewMemory(0),
		sched: scheduler.New(scheduler.Config{Timezone: "UTC"}, logx.Nop()),
		note:  &captureNotifier{},
		hits:  make(chan string, 16),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.hits <- r.URL.Query().Get("shbox_text")
		_, _ = w.Write([]byte(`<td class="shoutrow">[10:00] <a>bot</a> ok</td>`))
	}))
	t.Cleanup(srv.Close)

	bus := eventbus.New()
	h.reg = sites.NewRegistry(bus)
	h.reg.Upsert(sites.Site{ID: 1, Name: "alpha", URL: srv.URL, Cookie: "c", UA: "ua"})
	h.reg.Upsert(sites.Site{ID: 2, Name: "beta", URL: srv.URL, Cookie: "c", UA: "ua", Priority: 1})

	hc, err := httpx.New(httpx.Options{})
	if err != nil {
		t.Fatal(err)
	}
	h.p = New()
	err = h.p.Init(context.Background(), plugin.Deps{
		Scheduler:   h.sched,
		Store:       h.store,
		Bus:         bus,
		Sites:       h.reg,
		Nexus:       nexus.New(hc),
		Notifier:    h.note,
		StopTimeout: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *harness) stored(t *testing.T) stored {
	t.Helper()
	var st stored
	if err := storage.LoadDoc(context.Background(), h.store, "plugin/groupchat", &st); err != nil {
		t.Fatalf("LoadDoc: %v", err)
	}
	return st
}

func TestConfigureFiltersAndPersists(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	raw := json.RawMessage(`{"cron":"2/9-23","chat_sites":[2,9,1,2],"interval_cnt":"3","sites_messages":"alpha|hi"}`)
	if err := h.p.Configure(context.Background(), raw); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	c := h.p.Config()
	if got := c.ChatSites; len(got) != 2 || got[0] != 2 || got[1] != 1 {
		t.Fatalf("chat_sites = %v", got)
	}
	if c.interval() != 3*time.Second {
		t.Fatalf("interval = %s", c.interval())
	}
	if w := h.p.Window(); w == nil || w.Start != 9 || w.End != 23 {
		t.Fatalf("window = %+v", w)
	}
	st := h.stored(t)
	if st.Source != config.HashJSON(raw) || len(st.ChatSites) != 2 {
		t.Fatalf("stored = %+v", st)
	}
	es := h.sched.Entries()
	if len(es) != 1 || es[0].Name != "groupchat:dispatch" || es[0].Spec != "@every 2h0m0s" {
		t.Fatalf("entries = %+v", es)
	}
}

func TestOnlyOnceIsConsumed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	raw := json.RawMessage(`{"enabled":false,"onlyonce":true,"chat_sites":[1]}`)
	if err := h.p.Configure(context.Background(), raw); err != nil {
		t.Fatal(err)
	}
	es := h.sched.Entries()
	if len(es) != 1 || es[0].Name != "groupchat:onlyonce" || !es[0].Once {
		t.Fatalf("entries = %+v", es)
	}
	if h.stored(t).OnlyOnce {
		t.Fatal("onlyonce persisted as true")
	}

	// the same file content on the next start does not fire again
	if err := h.p.Configure(context.Background(), raw); err != nil {
		t.Fatal(err)
	}
	if es := h.sched.Entries(); len(es) != 0 {
		t.Fatalf("entries after reconfigure = %+v", es)
	}
}

func TestSiteDeletedKeepsPluginRunning(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	if err := h.p.Configure(ctx, json.RawMessage(`{"cron":"0 8 * * *","chat_sites":[1,2]}`)); err != nil {
		t.Fatal(err)
	}
	if err := h.p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer h.p.Stop(ctx)

	h.reg.Delete(1)
	h.reg.Delete(2)
	deadline := time.Now().Add(2 * time.Second)
	for len(h.p.Config().ChatSites) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("chat_sites = %v", h.p.Config().ChatSites)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if st := h.stored(t); len(st.ChatSites) != 0 {
		t.Fatalf("stored chat_sites = %v", st.ChatSites)
	}
	if es := h.sched.Entries(); len(es) != 1 {
		t.Fatalf("schedule dropped after deletes: %+v", es)
	}
	if err := h.p.RunNow(ctx); !errors.Is(err, dispatch.ErrNoTargets) {
		t.Fatalf("RunNow = %v", err)
	}
}

func TestRunNowSendsAndSummarizes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	raw := json.RawMessage(`{"cron":"0 8 * * *","notify":true,"chat_sites":[1,2],
		"sites_messages":"alpha|求上传\nbeta|早上好\ngamma|skipped"}`)
	if err := h.p.Configure(ctx, raw); err != nil {
		t.Fatal(err)
	}
	if err := h.p.RunNow(ctx); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	close(h.hits)
	var sent []string
	for m := range h.hits {
		sent = append(sent, m)
	}
	if strings.Join(sent, ",") != "求上传,早上好" {
		t.Fatalf("sent = %v", sent)
	}
	if len(h.note.got) != 1 || h.note.got[0].Title != dispatch.SummaryTitle {
		t.Fatalf("notifications = %+v", h.note.got)
	}
	if !strings.Contains(h.note.got[0].Text, "【alpha】成功发送1条信息，失败0条") {
		t.Fatalf("summary:\n%s", h.note.got[0].Text)
	}
	runs, _ := h.store.ListRuns(ctx, Name, 5)
	if len(runs) != 1 || runs[0].OK != 2 {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestStopRemovesSchedules(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	if err := h.p.Configure(ctx, json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}
	if len(h.sched.Entries()) != 2 {
		t.Fatalf("random daily entries = %+v", h.sched.Entries())
	}
	if err := h.p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if es := h.sched.Entries(); len(es) != 0 {
		t.Fatalf("entries after stop = %+v", es)
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	p := New()
	if err := p.ValidateConfig(context.Background(), json.RawMessage(`{"interval_cnt":"abc"}`)); err == nil {
		t.Fatal("expected error for non-numeric interval")
	}
	if err := p.ValidateConfig(context.Background(), json.RawMessage(`{"chat_sites":[0]}`)); err == nil {
		t.Fatal("expected error for site id 0")
	}
	if err := p.ValidateConfig(context.Background(), json.RawMessage(`{"interval_cnt":5,"chat_sites":[3]}`)); err != nil {
		t.Fatal(err)
	}
}
