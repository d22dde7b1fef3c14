package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"shoutbot/internal/nexus"
	"shoutbot/internal/notifier"
	"shoutbot/internal/scrape"
	"shoutbot/internal/storage"
	"shoutbot/internal/task/scheduler"
)

// recorder logs sends and sleeps in the order they happen.
type recorder struct {
	mu      sync.Mutex
	events  []string
	fail    map[string]bool // "site/msg" -> fail
	panics  map[string]bool
	block   chan struct{}
	entered chan struct{}
}

func (r *recorder) Shout(_ context.Context, t nexus.Target, msg string) ([]scrape.Record, error) {
	if r.block != nil {
		r.entered <- struct{}{}
		<-r.block
	}
	key := t.Name + "/" + msg
	r.mu.Lock()
	r.events = append(r.events, "send "+key)
	r.mu.Unlock()
	if r.panics[key] {
		panic("sender exploded")
	}
	if r.fail[key] {
		return nil, errors.New("503 after retries")
	}
	return []scrape.Record{{Time: "10:00", Author: "bot", Text: msg}}, nil
}

func (r *recorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.events = append(r.events, "sleep "+d.String())
	r.mu.Unlock()
	return nil
}

func (r *recorder) log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

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

func target(name string) nexus.Target {
	return nexus.Target{Name: name, URL: "https://" + name + ".example", Cookie: "c", UA: "ua"}
}

func fixedClock(hour int) func() time.Time {
	return func() time.Time { return time.Date(2024, 5, 1, hour, 30, 0, 0, time.Local) }
}

func newTestJob(rec *recorder, plan Plan, opts ...func(*Options)) *Job {
	o := Options{
		Name:   "groupchat",
		Load:   func(context.Context) (Plan, error) { return plan, nil },
		Sender: rec,
		Sleep:  rec.sleep,
		Now:    fixedClock(12),
	}
	for _, f := range opts {
		f(&o)
	}
	return NewJob(o)
}

func TestRunSleepsBetweenMessagesOnly(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	j := newTestJob(rec, Plan{
		Targets:  []nexus.Target{target("A")},
		Messages: MessageSet{"A": {"m1", "m2", "m3"}},
		Interval: 2 * time.Second,
	})

	res, err := j.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"send A/m1", "sleep 2s", "send A/m2", "sleep 2s", "send A/m3"}
	if got := rec.log(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if tr, _ := res.Target("A"); tr.OK != 3 || tr.Fail != 0 {
		t.Fatalf("result = %+v", tr)
	}
}

func TestRunClampsInterval(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		in, want time.Duration
	}{
		{0, time.Second},
		{-5 * time.Second, time.Second},
		{3 * time.Second, 3 * time.Second},
		{time.Minute, 10 * time.Second},
	} {
		rec := &recorder{}
		j := newTestJob(rec, Plan{
			Targets:  []nexus.Target{target("A")},
			Messages: MessageSet{"A": {"x", "y"}},
			Interval: tc.in,
		})
		if _, err := j.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		if got := rec.log()[1]; got != "sleep "+tc.want.String() {
			t.Fatalf("interval %s: got %q", tc.in, got)
		}
	}
}

func TestRunIsolatesFailures(t *testing.T) {
	t.Parallel()
	rec := &recorder{
		fail:   map[string]bool{"B/m2": true},
		panics: map[string]bool{"C/boom": true},
	}
	store := storage.NewMemory(0)
	note := &captureNotifier{}
	j := newTestJob(rec, Plan{
		Targets:  []nexus.Target{target("B"), target("C"), target("D")},
		Messages: MessageSet{"B": {"m1", "m2", "m3"}, "C": {"boom", "after"}, "D": {"d1"}},
		Notify:   true,
	}, func(o *Options) {
		o.Store = store
		o.Notifier = note
	})

	res, err := j.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := strings.Join(rec.log(), ",")
	for _, want := range []string{"send B/m3", "send C/after", "send D/d1"} {
		if !strings.Contains(events, want) {
			t.Fatalf("%q not attempted; events = %s", want, events)
		}
	}
	failed := res.FailedMessages()
	if len(failed["B"]) != 1 || failed["B"][0] != "m2" {
		t.Fatalf("failed[B] = %v", failed["B"])
	}
	if len(failed["C"]) != 1 || failed["C"][0] != "boom" {
		t.Fatalf("failed[C] = %v", failed["C"])
	}
	if ok, fail := res.Totals(); ok != 4 || fail != 2 {
		t.Fatalf("totals = %d/%d", ok, fail)
	}

	if len(note.got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(note.got))
	}
	body := note.got[0].Text
	for _, want := range []string{"全部站点数量: 3", "【B】成功发送2条信息，失败1条", "失败的消息: m2"} {
		if !strings.Contains(body, want) {
			t.Fatalf("summary missing %q:\n%s", want, body)
		}
	}
	runs, err := store.ListRuns(context.Background(), "groupchat", 10)
	if err != nil || len(runs) != 1 || runs[0].ID != res.ID || runs[0].Fail != 2 {
		t.Fatalf("runs = %+v, err = %v", runs, err)
	}
}

func TestRunOutsideWindowSendsNothing(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	j := newTestJob(rec, Plan{
		Targets:  []nexus.Target{target("A")},
		Messages: MessageSet{"A": {"m1"}},
		Window:   &scheduler.Window{Start: 9, End: 23},
	}, func(o *Options) { o.Now = fixedClock(5) })

	res, err := j.Run(context.Background())
	if !errors.Is(err, ErrOutsideWindow) || res != nil {
		t.Fatalf("Run = %v, %v", res, err)
	}
	if len(rec.log()) != 0 {
		t.Fatalf("events = %v", rec.log())
	}
	if j.Busy() {
		t.Fatal("guard still held after skipped run")
	}
}

func TestRunSkipsWhileGuardHeld(t *testing.T) {
	t.Parallel()
	rec := &recorder{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	j := newTestJob(rec, Plan{
		Targets:  []nexus.Target{target("A")},
		Messages: MessageSet{"A": {"m1"}},
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = j.Run(context.Background())
	}()
	select {
	case <-rec.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first run never started sending")
	}
	if !j.Busy() {
		t.Fatal("guard not held during a run")
	}

	res, err := j.Run(context.Background())
	if !errors.Is(err, ErrGuardHeld) || res != nil {
		t.Fatalf("second Run = %v, %v", res, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := j.WaitIdle(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitIdle while busy = %v", err)
	}

	close(rec.block)
	<-done
	if err := j.WaitIdle(context.Background()); err != nil {
		t.Fatalf("WaitIdle = %v", err)
	}
	if got := rec.log(); len(got) != 1 {
		t.Fatalf("events = %v", got)
	}
}

func TestGuardReleasedAfterPanic(t *testing.T) {
	t.Parallel()
	j := NewJob(Options{
		Name: "groupchat",
		Load: func(context.Context) (Plan, error) { panic("config exploded") },
	})
	if _, err := j.Run(context.Background()); err == nil {
		t.Fatal("expected error from panicking loader")
	}
	if j.Busy() {
		t.Fatal("guard leaked")
	}
}

func TestRunSkipsIncompleteTargets(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	bad := target("E")
	bad.Cookie = ""
	j := newTestJob(rec, Plan{
		Targets:  []nexus.Target{bad, target("F")},
		Messages: MessageSet{"E": {"x"}, "F": {"y"}},
	})
	res, err := j.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tr, _ := res.Target("E"); tr.Skipped == "" || tr.OK+tr.Fail != 0 {
		t.Fatalf("E = %+v", tr)
	}
	if got := rec.log(); len(got) != 1 || got[0] != "send F/y" {
		t.Fatalf("events = %v", got)
	}
}

func TestCancelledSleepFailsTheRest(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	j := newTestJob(rec, Plan{
		Targets:  []nexus.Target{target("A")},
		Messages: MessageSet{"A": {"m1", "m2", "m3"}},
	}, func(o *Options) {
		o.Sleep = func(context.Context, time.Duration) error { return context.Canceled }
	})
	res, err := j.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	tr, _ := res.Target("A")
	if tr.OK != 1 || tr.Fail != 2 || strings.Join(tr.Failed, ",") != "m2,m3" {
		t.Fatalf("A = %+v", tr)
	}
}

func TestRunWithoutTargetsIsSkipped(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	note := &captureNotifier{}
	j := newTestJob(rec, Plan{Messages: MessageSet{"A": {"m1"}}, Notify: true},
		func(o *Options) { o.Notifier = note })
	res, err := j.Run(context.Background())
	if !errors.Is(err, ErrNoTargets) || res != nil {
		t.Fatalf("Run = %v, %v", res, err)
	}
	if len(note.got) != 0 || len(rec.log()) != 0 {
		t.Fatalf("notifications=%d events=%v", len(note.got), rec.log())
	}
}
