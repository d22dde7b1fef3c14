package scheduler

import (
	"math/rand"
	"testing"
	"time"
)

func TestResolveVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		kind   Kind
		cron   string
		every  time.Duration
		window *Window
	}{
		{name: "daily cron", raw: "0 8 * * *", kind: KindCron, cron: "0 8 * * *"},
		{name: "cron extra spaces", raw: "  */5  *   * * * ", kind: KindCron, cron: "*/5 * * * *"},
		{name: "fractional hours with window", raw: "2.5/9-23", kind: KindInterval, every: 150 * time.Minute, window: &Window{Start: 9, End: 23}},
		{name: "window from midnight", raw: "1/0-6", kind: KindInterval, every: time.Hour, window: &Window{Start: 0, End: 6}},
		{name: "bare hours", raw: "3", kind: KindInterval, every: 3 * time.Hour},
		{name: "empty", raw: "", kind: KindRandomDaily},
		{name: "garbage", raw: "whenever", kind: KindRandomDaily},
		{name: "invalid cron", raw: "99 99 * * *", kind: KindRandomDaily},
		{name: "reversed window", raw: "2/20-8", kind: KindRandomDaily},
		{name: "window past 23", raw: "2/9-24", kind: KindRandomDaily},
		{name: "zero hours", raw: "0", kind: KindRandomDaily},
		{name: "negative hours", raw: "-4", kind: KindRandomDaily},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := NewResolver(nilLogger(), rand.New(rand.NewSource(1)))
			got := r.Resolve(tt.raw)
			if got.Kind != tt.kind {
				t.Fatalf("Resolve(%q).Kind = %v, want %v", tt.raw, got.Kind, tt.kind)
			}
			switch tt.kind {
			case KindCron:
				if got.Cron != tt.cron || got.Window != nil {
					t.Fatalf("Resolve(%q) = %+v", tt.raw, got)
				}
			case KindInterval:
				if got.Every != tt.every {
					t.Fatalf("Every = %v, want %v", got.Every, tt.every)
				}
				if (got.Window == nil) != (tt.window == nil) {
					t.Fatalf("Window = %v, want %v", got.Window, tt.window)
				}
				if tt.window != nil && *got.Window != *tt.window {
					t.Fatalf("Window = %v, want %v", *got.Window, *tt.window)
				}
			case KindRandomDaily:
				if len(got.Times) != 1 {
					t.Fatalf("Times = %v, want exactly one", got.Times)
				}
			}
		})
	}
}

func TestRandomDailyWithinBounds(t *testing.T) {
	t.Parallel()
	r := NewResolver(nilLogger(), rand.New(rand.NewSource(42)))
	for i := 0; i < 500; i++ {
		tr := r.Resolve("")
		at := tr.Times[0]
		if at < 11*time.Hour || at > 15*time.Hour {
			t.Fatalf("pick %s outside 11:00..15:00", clock(at))
		}
		if at%time.Minute != 0 {
			t.Fatalf("pick %v not minute aligned", at)
		}
	}
}

func TestRandomDailyMultiplePicksStayInWindow(t *testing.T) {
	t.Parallel()
	r := &Resolver{Picks: 4, rng: rand.New(rand.NewSource(7))}
	for i := 0; i < 200; i++ {
		times := r.Resolve("").Times
		if len(times) != 4 {
			t.Fatalf("len = %d", len(times))
		}
		for j, at := range times {
			if at < 9*time.Hour || at >= 23*time.Hour {
				t.Fatalf("pick %s outside window", clock(at))
			}
			if j > 0 && times[j-1] > at {
				t.Fatalf("picks not sorted: %v", times)
			}
		}
	}
}

func TestWindowContainsInclusive(t *testing.T) {
	t.Parallel()
	w := Window{Start: 9, End: 23}
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	cases := map[int]bool{0: false, 5: false, 8: false, 9: true, 15: true, 23: true}
	for h, want := range cases {
		if got := w.Contains(day.Add(time.Duration(h)*time.Hour + 59*time.Minute)); got != want {
			t.Fatalf("Contains(%02d:59) = %v, want %v", h, got, want)
		}
	}
}

func TestTriggerString(t *testing.T) {
	t.Parallel()
	tr := Trigger{Kind: KindInterval, Every: 2 * time.Hour, Window: &Window{Start: 9, End: 23}}
	if got := tr.String(); got != "every 2h0m0s within 09-23" {
		t.Fatalf("String() = %q", got)
	}
	tr = Trigger{Kind: KindRandomDaily, Times: []time.Duration{13*time.Hour + 7*time.Minute}}
	if got := tr.String(); got != "random daily at 13:07" {
		t.Fatalf("String() = %q", got)
	}
}

func TestTriggerNext(t *testing.T) {
	t.Parallel()
	from := time.Date(2024, 5, 1, 21, 30, 0, 0, time.UTC)

	cron := Trigger{Kind: KindCron, Cron: "0 9 * * *"}
	if got := cron.Next(from, 2); len(got) != 2 || !got[0].Equal(time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("cron next = %v", got)
	}

	win := Trigger{Kind: KindInterval, Every: time.Hour, Window: &Window{Start: 9, End: 22}}
	got := win.Next(from, 3)
	want := []time.Time{
		time.Date(2024, 5, 1, 22, 30, 0, 0, time.UTC),
		time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC),
		time.Date(2024, 5, 2, 10, 30, 0, 0, time.UTC),
	}
	if len(got) != len(want) {
		t.Fatalf("interval next = %v", got)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("interval next[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	daily := Trigger{Kind: KindRandomDaily, Times: []time.Duration{13 * time.Hour}}
	if got := daily.Next(from, 2); len(got) != 2 || got[0].Day() != 2 || got[0].Hour() != 13 || got[1].Day() != 3 {
		t.Fatalf("random daily next = %v", got)
	}
}
