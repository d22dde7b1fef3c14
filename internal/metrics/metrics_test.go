package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"shoutbot/internal/dispatch"
	"shoutbot/internal/notifier"
)

var (
	_ dispatch.Observer = (*Metrics)(nil)
	_ notifier.Observer = (*Metrics)(nil)
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestCounters(t *testing.T) {
	t.Parallel()
	m := New()
	m.MessageSent("groupchat", "a", true)
	m.MessageSent("groupchat", "a", true)
	m.MessageSent("groupchat", "a", false)
	m.RunFinished("groupchat", 2, 1, 3*time.Second)
	m.RunSkipped("groupchat", "guard")
	m.NotifySent("log")
	m.NotifyFailed("telegram")
	m.NotifyDropped()

	out := scrape(t, m)
	for _, want := range []string{
		`shoutbot_messages_total{plugin="groupchat",result="ok",site="a"} 2`,
		`shoutbot_messages_total{plugin="groupchat",result="fail",site="a"} 1`,
		`shoutbot_runs_total{plugin="groupchat"} 1`,
		`shoutbot_runs_skipped_total{plugin="groupchat",reason="guard"} 1`,
		`shoutbot_run_duration_seconds_count{plugin="groupchat"} 1`,
		`shoutbot_notifications_sent_total{sink="log"} 1`,
		`shoutbot_notifications_failed_total{sink="telegram"} 1`,
		`shoutbot_notifications_dropped_total 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q", want)
		}
	}
}

func TestRegistryIncludesRuntimeCollectors(t *testing.T) {
	t.Parallel()
	if out := scrape(t, New()); !strings.Contains(out, "go_goroutines") {
		t.Fatal("go collector not registered")
	}
}
