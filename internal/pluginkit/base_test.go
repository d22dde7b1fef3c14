package pluginkit

import (
	"context"
	"errors"
	"testing"
	"time"

	"shoutbot/internal/dispatch"
	"shoutbot/internal/plugin"
	"shoutbot/internal/task/scheduler"
	logx "shoutbot/pkg/logx"
)

// otherZone returns a zone whose wall-clock hour currently differs from
// time.Local.
func otherZone(t *testing.T) string {
	t.Helper()
	now := time.Now()
	for _, name := range []string{"Etc/GMT-5", "Etc/GMT+7", "Etc/GMT-10"} {
		loc, err := time.LoadLocation(name)
		if err != nil {
			continue
		}
		if now.In(loc).Hour() != now.Hour() {
			return name
		}
	}
	t.Skip("no zone data")
	return ""
}

func TestJobClockFollowsSchedulerZone(t *testing.T) {
	t.Parallel()
	tz := otherZone(t)
	sched := scheduler.New(scheduler.Config{Timezone: tz}, logx.Nop())

	var b DispatchBase
	b.InitDispatch(plugin.Deps{Scheduler: sched}, "groupchat", "Group chat", func(context.Context) (dispatch.Plan, error) {
		return dispatch.Plan{}, nil
	})

	if got := clockIn(sched)().Location().String(); got != tz {
		t.Fatalf("clock zone = %s, want %s", got, tz)
	}

	// a window covering only the current scheduler-zone hour must admit the run
	h := time.Now().In(sched.Location()).Hour()
	b.mu.Lock()
	b.window = &scheduler.Window{Start: h, End: h}
	b.mu.Unlock()
	if err := b.RunNow(context.Background()); !errors.Is(err, dispatch.ErrNoTargets) {
		t.Fatalf("err = %v, want ErrNoTargets", err)
	}
}

func TestClockWithoutSchedulerIsLocal(t *testing.T) {
	t.Parallel()
	if got := clockIn(nil)().Location(); got != time.Local {
		t.Fatalf("zone = %v", got)
	}
}
