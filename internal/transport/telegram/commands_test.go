package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"shoutbot/internal/plugin"
	"shoutbot/internal/task/scheduler"
	logx "shoutbot/pkg/logx"
)

type fakeOps struct {
	mu   sync.Mutex
	runs []string
}

func (f *fakeOps) Snapshot() []plugin.Status {
	return []plugin.Status{
		{Name: "groupchat", Enabled: true, Running: true, Since: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)},
		{Name: "inbox", Enabled: true, Quarantined: true, Err: "bad config"},
	}
}

func (f *fakeOps) CanRun(name string) error {
	if name != "groupchat" {
		return fmt.Errorf("%w: %s", plugin.ErrUnknownPlugin, name)
	}
	return nil
}

func (f *fakeOps) Run(_ context.Context, name string) error {
	f.mu.Lock()
	f.runs = append(f.runs, name)
	f.mu.Unlock()
	return nil
}

func TestParse(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		cmd  string
		args []string
		ok   bool
	}{
		{"/status", "status", nil, true},
		{"/Run@shout_bot groupchat", "run", []string{"groupchat"}, true},
		{"  /next  2/9-23 ", "next", []string{"2/9-23"}, true},
		{"hello", "", nil, false},
		{"/", "", nil, false},
	}
	for _, c := range cases {
		cmd, args, ok := Parse(c.in)
		if cmd != c.cmd || ok != c.ok || strings.Join(args, ",") != strings.Join(c.args, ",") {
			t.Fatalf("Parse(%q) = %q %v %v", c.in, cmd, args, ok)
		}
	}
}

func TestDispatchOwnerOnly(t *testing.T) {
	t.Parallel()
	r := NewRouter(logx.Nop(), &fakeOps{}, []int64{42})
	_, err := r.Dispatch(context.Background(), &Request{FromID: 7, Command: "status"})
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("stranger: err = %v", err)
	}
	out, err := r.Dispatch(context.Background(), &Request{FromID: 42, Command: "status"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "groupchat: running since 05-01 09:00") || !strings.Contains(out, "inbox: quarantined: bad config") {
		t.Fatalf("status = %q", out)
	}

	r.SetOwners(nil)
	if _, err := r.Dispatch(context.Background(), &Request{FromID: 42, Command: "status"}); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("after owner removal: err = %v", err)
	}
}

func TestDispatchUnknown(t *testing.T) {
	t.Parallel()
	r := NewRouter(logx.Nop(), &fakeOps{}, []int64{1})
	if _, err := r.Dispatch(context.Background(), &Request{FromID: 1, Command: "reboot"}); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunCommand(t *testing.T) {
	t.Parallel()
	ops := &fakeOps{}
	r := NewRouter(logx.Nop(), ops, []int64{1})
	done := make(chan struct{})
	r.Go = func(_ string, fn func(ctx context.Context)) {
		fn(context.Background())
		close(done)
	}

	if _, err := r.Dispatch(context.Background(), &Request{FromID: 1, Command: "run", Args: []string{"nope"}}); !errors.Is(err, plugin.ErrUnknownPlugin) {
		t.Fatalf("unknown plugin: err = %v", err)
	}
	out, err := r.Dispatch(context.Background(), &Request{FromID: 1, Command: "run", Args: []string{"groupchat"}})
	if err != nil || !strings.Contains(out, "run started") {
		t.Fatalf("run = %q, %v", out, err)
	}
	<-done
	if len(ops.runs) != 1 || ops.runs[0] != "groupchat" {
		t.Fatalf("runs = %v", ops.runs)
	}
}

func TestSchedulesAndNext(t *testing.T) {
	t.Parallel()
	r := NewRouter(logx.Nop(), &fakeOps{}, []int64{1})
	r.Schedules = func() []scheduler.ScheduleInfo {
		return []scheduler.ScheduleInfo{{Name: "groupchat:dispatch", Spec: "@every 2h0m0s"}}
	}
	r.now = func() time.Time { return time.Date(2024, 5, 1, 21, 30, 0, 0, time.UTC) }

	out, err := r.Dispatch(context.Background(), &Request{FromID: 1, Command: "schedules"})
	if err != nil || !strings.Contains(out, "groupchat:dispatch  @every 2h0m0s") {
		t.Fatalf("schedules = %q, %v", out, err)
	}

	out, err = r.Dispatch(context.Background(), &Request{FromID: 1, Command: "next", Args: []string{"0", "9", "*", "*", "*"}})
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(out, "\n")
	if lines[0] != "cron 0 9 * * *" || len(lines) != 6 || lines[1] != "2024-05-02 09:00" {
		t.Fatalf("next = %q", out)
	}
}

func TestHelpListsCommands(t *testing.T) {
	t.Parallel()
	r := NewRouter(logx.Nop(), &fakeOps{}, []int64{1})
	out, err := r.Dispatch(context.Background(), &Request{FromID: 1, Command: "help"})
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range []string{"/help", "/next <schedule>", "/run <plugin>", "/schedules", "/status"} {
		if !strings.Contains(out, c) {
			t.Fatalf("help missing %q:\n%s", c, out)
		}
	}
}
