package dispatch

import (
	"reflect"
	"strings"
	"testing"
	"time"

	logx "shoutbot/pkg/logx"
)

func TestParseMessages(t *testing.T) {
	t.Parallel()
	text := `
alpha|求上传|谢谢大佬
beta| 早上好 | |晚安
no separator here
gamma|not selected
alpha|覆盖
delta| |
`
	got := ParseMessages(text, []string{"alpha", "beta", "delta"}, logx.Nop())
	want := MessageSet{
		"alpha": {"覆盖"},
		"beta":  {"早上好", "晚安"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseMessages = %v, want %v", got, want)
	}
	if got.Count() != 3 {
		t.Fatalf("Count = %d", got.Count())
	}
}

func TestParseMessagesEmpty(t *testing.T) {
	t.Parallel()
	if got := ParseMessages("", []string{"a"}, logx.Nop()); len(got) != 0 {
		t.Fatalf("got %v", got)
	}
	if got := ParseMessages("a|x\r\nb|y\r\n", []string{"a", "b"}, logx.Nop()); len(got) != 2 || got["a"][0] != "x" || got["b"][0] != "y" {
		t.Fatalf("CRLF input: %v", got)
	}
}

func TestSummaryText(t *testing.T) {
	t.Parallel()
	res := &RunResult{
		FinishedAt: time.Date(2024, 5, 1, 21, 4, 5, 0, time.UTC),
		Targets: []TargetResult{
			{Site: "A", OK: 2, Fail: 1, Failed: []string{"m2"}},
			{Site: "B", Skipped: "no messages"},
		},
	}
	want := strings.Join([]string{
		"全部站点数量: 2",
		"【A】成功发送2条信息，失败1条",
		"失败的消息: m2",
		"【B】成功发送0条信息，失败0条",
		"",
		"2024-05-01 21:04:05",
	}, "\n")
	if got := res.SummaryText(); got != want {
		t.Fatalf("SummaryText =\n%s\nwant\n%s", got, want)
	}
}
