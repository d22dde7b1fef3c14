package dispatch

import (
	"fmt"
	"strings"
	"time"
)

// SummaryTitle heads the end-of-run notification.
const SummaryTitle = "【执行喊话任务完成】:"

// TargetResult is the outcome for one target.
type TargetResult struct {
	Site   string   `json:"site"`
	OK     int      `json:"ok"`
	Fail   int      `json:"fail"`
	Failed []string `json:"failed,omitempty"`
	// Skipped explains why nothing was sent, if so.
	Skipped string `json:"skipped,omitempty"`
	// Reply is the newest shoutbox line seen after the last successful send.
	Reply string `json:"reply,omitempty"`
}

// RunResult aggregates one dispatch run.
type RunResult struct {
	ID         string         `json:"id"`
	Plugin     string         `json:"plugin"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Targets    []TargetResult `json:"targets"`
}

// Totals sums successes and failures over all targets.
func (r *RunResult) Totals() (ok, fail int) {
	for _, t := range r.Targets {
		ok += t.OK
		fail += t.Fail
	}
	return ok, fail
}

// Target returns the entry for site, if present.
func (r *RunResult) Target(site string) (TargetResult, bool) {
	for _, t := range r.Targets {
		if t.Site == site {
			return t, true
		}
	}
	return TargetResult{}, false
}

// FailedMessages maps each target with failures to its failed messages.
func (r *RunResult) FailedMessages() map[string][]string {
	out := map[string][]string{}
	for _, t := range r.Targets {
		if len(t.Failed) > 0 {
			out[t.Site] = append([]string(nil), t.Failed...)
		}
	}
	return out
}

// SummaryText renders the notification body.
func (r *RunResult) SummaryText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "全部站点数量: %d\n", len(r.Targets))
	for _, t := range r.Targets {
		fmt.Fprintf(&b, "【%s】成功发送%d条信息，失败%d条\n", t.Site, t.OK, t.Fail)
		if len(t.Failed) > 0 {
			fmt.Fprintf(&b, "失败的消息: %s\n", strings.Join(t.Failed, ", "))
		}
		if t.Reply != "" {
			fmt.Fprintf(&b, "最新回复: %s\n", t.Reply)
		}
	}
	fmt.Fprintf(&b, "\n%s", r.FinishedAt.Format("2006-01-02 15:04:05"))
	return b.String()
}
