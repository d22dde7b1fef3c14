package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"shoutbot/internal/eventbus"
	"shoutbot/internal/storage"
	logx "shoutbot/pkg/logx"
)

type fakeSink struct {
	mu     sync.Mutex
	name   string
	failN  int
	calls  int
	got    []Notification
	signal chan struct{}
}

func newFakeSink(name string, failN int) *fakeSink {
	return &fakeSink{name: name, failN: failN, signal: make(chan struct{}, 16)}
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Send(_ context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return errors.New("boom")
	}
	f.got = append(f.got, n)
	f.signal <- struct{}{}
	return nil
}

func (f *fakeSink) snapshot() (int, []Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]Notification(nil), f.got...)
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		QueueSize:     8,
		RatePerSec:    100,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never received the notification")
	}
}

func TestNotifyDeliversToEverySink(t *testing.T) {
	t.Parallel()
	a, b := newFakeSink("a", 0), newFakeSink("b", 0)
	s := New(testConfig(), []Sink{a, b}, logx.Nop(), eventbus.New(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	n := Notification{Title: "【执行喊话任务完成】:", Text: "全部站点数量: 1\n", Source: "groupchat"}
	if err := s.Notify(context.Background(), n); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitSignal(t, a.signal)
	waitSignal(t, b.signal)

	_, got := a.snapshot()
	if len(got) != 1 || got[0].Title != n.Title || got[0].Text != n.Text {
		t.Fatalf("sink a got %+v", got)
	}
	if h := s.Snapshot(); len(h) != 1 || h[0].Source != "groupchat" {
		t.Fatalf("history = %+v", h)
	}
}

func TestNotifyRetriesFailingSink(t *testing.T) {
	t.Parallel()
	flaky := newFakeSink("flaky", 2)
	s := New(testConfig(), []Sink{flaky}, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), Notification{Title: "t", Text: "x"}); err != nil {
		t.Fatal(err)
	}
	waitSignal(t, flaky.signal)
	if calls, _ := flaky.snapshot(); calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestNotifyDedupSuppressesRepeats(t *testing.T) {
	t.Parallel()
	sk := newFakeSink("a", 0)
	s := New(testConfig(), []Sink{sk}, logx.Nop(), nil, nil)
	s.Start(context.Background())

	n := Notification{Title: "same", Text: "body"}
	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), n); err != nil {
			t.Fatal(err)
		}
	}
	s.Stop(context.Background())
	if calls, _ := sk.snapshot(); calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory(0)
	cfg := testConfig()
	cfg.PersistDedup = true
	n := Notification{Title: "once", Text: "only"}

	first := newFakeSink("a", 0)
	s := New(cfg, []Sink{first}, logx.Nop(), nil, st)
	s.Start(context.Background())
	if err := s.Notify(context.Background(), n); err != nil {
		t.Fatal(err)
	}
	waitSignal(t, first.signal)
	s.Stop(context.Background())

	second := newFakeSink("b", 0)
	s2 := New(cfg, []Sink{second}, logx.Nop(), nil, st)
	s2.Start(context.Background())
	_ = s2.Notify(context.Background(), n)
	s2.Stop(context.Background())
	if calls, _ := second.snapshot(); calls != 0 {
		t.Fatalf("restarted notifier re-sent a deduped notification")
	}
}

func TestNotifyErrors(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop(), nil, nil)
	if err := s.Notify(context.Background(), Notification{Title: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: err = %v", err)
	}

	s = New(testConfig(), nil, logx.Nop(), nil, nil)
	if err := s.Notify(context.Background(), Notification{Title: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started: err = %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())
	if err := s.Notify(context.Background(), Notification{Title: " ", Text: ""}); !errors.Is(err, ErrEmpty) {
		t.Fatalf("empty: err = %v", err)
	}
}

func TestRender(t *testing.T) {
	t.Parallel()
	cases := []struct {
		n    Notification
		want string
	}{
		{Notification{Title: "T", Text: "body\n"}, "T\nbody"},
		{Notification{Text: "only"}, "only"},
		{Notification{Title: "only"}, "only"},
	}
	for _, c := range cases {
		if got := c.n.Render(); got != c.want {
			t.Fatalf("Render(%+v) = %q, want %q", c.n, got, c.want)
		}
	}
}
