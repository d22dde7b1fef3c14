package scheduler

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "shoutbot/pkg/logx"
)

type Kind int

const (
	KindCron Kind = iota + 1
	KindInterval
	KindRandomDaily
)

func (k Kind) String() string {
	switch k {
	case KindCron:
		return "cron"
	case KindInterval:
		return "interval"
	case KindRandomDaily:
		return "random-daily"
	default:
		return "unknown"
	}
}

// Window is an inclusive hour-of-day range.
type Window struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether t's hour lies in [Start, End].
func (w Window) Contains(t time.Time) bool {
	h := t.Hour()
	return h >= w.Start && h <= w.End
}

func (w Window) String() string { return fmt.Sprintf("%02d-%02d", w.Start, w.End) }

// Trigger is a resolved schedule string.
type Trigger struct {
	Kind   Kind
	Cron   string        // KindCron
	Every  time.Duration // KindInterval
	Window *Window       // KindInterval, optional
	// Times are offsets from local midnight (KindRandomDaily).
	Times []time.Duration

	reroll func() []time.Duration
}

func (t Trigger) String() string {
	switch t.Kind {
	case KindCron:
		return "cron " + t.Cron
	case KindInterval:
		if t.Window != nil {
			return fmt.Sprintf("every %s within %s", t.Every, t.Window)
		}
		return "every " + t.Every.String()
	case KindRandomDaily:
		parts := make([]string, 0, len(t.Times))
		for _, d := range t.Times {
			parts = append(parts, clock(d))
		}
		return "random daily at " + strings.Join(parts, ",")
	default:
		return "none"
	}
}

// Next lists up to n fire times after from. Interval triggers count from
// from itself and skip times outside their window.
func (t Trigger) Next(from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	switch t.Kind {
	case KindCron:
		out, _ = NextRuns(t.Cron, from, n)
	case KindInterval:
		if t.Every <= 0 {
			return nil
		}
		at := from
		// a window can exclude most of a day; bound the walk to a week
		for limit := from.Add(7 * 24 * time.Hour); len(out) < n && at.Before(limit); {
			at = at.Add(t.Every)
			if t.Window == nil || t.Window.Contains(at) {
				out = append(out, at)
			}
		}
	case KindRandomDaily:
		if len(t.Times) == 0 {
			return nil
		}
		y, m, d := from.Date()
		for day := 0; len(out) < n && day < n+1; day++ {
			midnight := time.Date(y, m, d+day, 0, 0, 0, 0, from.Location())
			for _, off := range t.Times {
				if at := midnight.Add(off); at.After(from) && len(out) < n {
					out = append(out, at)
				}
			}
		}
	}
	return out
}

func clock(d time.Duration) string {
	m := int(d / time.Minute)
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// Resolver turns user schedule strings into triggers. The zero value is
// usable and picks random times between 09:00 and 23:00, each 2h to 6h
// after the previous pick.
type Resolver struct {
	Log logx.Logger

	Begin, End     int // hours
	MinGap, MaxGap time.Duration
	// Picks is how many random firings a day gets.
	Picks int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewResolver returns a resolver drawing from rng; nil seeds from the clock.
func NewResolver(log logx.Logger, rng *rand.Rand) *Resolver {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Resolver{Log: log, rng: rng}
}

func (r *Resolver) defaults() (begin, end int, lo, hi time.Duration, picks int) {
	begin, end, lo, hi, picks = r.Begin, r.End, r.MinGap, r.MaxGap, r.Picks
	if begin <= 0 && end <= 0 {
		begin, end = 9, 23
	}
	if lo <= 0 {
		lo = 2 * time.Hour
	}
	if hi < lo {
		hi = 6 * time.Hour
	}
	if picks <= 0 {
		picks = 1
	}
	return
}

// Resolve never fails: every form that does not parse falls through to the
// next one, ending at the random daily trigger.
func (r *Resolver) Resolve(raw string) Trigger {
	log := r.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	raw = strings.TrimSpace(raw)

	if fields := strings.Fields(raw); len(fields) == 5 {
		spec := strings.Join(fields, " ")
		_, err := StandardParser.Parse(spec)
		if err == nil {
			return Trigger{Kind: KindCron, Cron: spec}
		}
		log.Warn("invalid cron expression; falling back", logx.String("schedule", raw), logx.Err(err))
	} else if hours, win, ok := strings.Cut(raw, "/"); ok {
		every, err := parseHours(hours)
		if err == nil {
			var w Window
			w, err = parseWindow(win)
			if err == nil {
				return Trigger{Kind: KindInterval, Every: every, Window: &w}
			}
		}
		log.Warn("invalid windowed interval; falling back", logx.String("schedule", raw), logx.Err(err))
	} else if raw != "" {
		every, err := parseHours(raw)
		if err == nil {
			return Trigger{Kind: KindInterval, Every: every}
		}
		log.Warn("invalid schedule; falling back to random daily", logx.String("schedule", raw), logx.Err(err))
	}

	t := Trigger{Kind: KindRandomDaily, reroll: r.pick}
	t.Times = r.pick()
	log.Debug("random daily schedule", logx.String("at", t.String()))
	return t
}

// pick draws the day's firing offsets. Each lands a random MinGap..MaxGap
// after the previous one (the first after Begin); picks past End wrap
// back to the start of the window.
func (r *Resolver) pick() []time.Duration {
	begin, end, lo, hi, n := r.defaults()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rng == nil {
		r.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	start := time.Duration(begin) * time.Hour
	span := time.Duration(end-begin) * time.Hour
	if span <= 0 {
		span = time.Hour
	}
	loMin, hiMin := int64(lo/time.Minute), int64(hi/time.Minute)

	out := make([]time.Duration, 0, n)
	prev := time.Duration(0)
	for i := 0; i < n; i++ {
		gap := time.Duration(loMin+r.rng.Int63n(hiMin-loMin+1)) * time.Minute
		off := (prev + gap) % span
		out = append(out, start+off)
		prev = off
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func parseHours(s string) (time.Duration, error) {
	h, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("hours %q: %w", s, err)
	}
	if h <= 0 || math.IsNaN(h) || math.IsInf(h, 0) {
		return 0, fmt.Errorf("hours must be > 0, got %q", s)
	}
	d := time.Duration(h * float64(time.Hour)).Round(time.Second)
	if d < time.Minute {
		return 0, fmt.Errorf("interval %s below one minute", d)
	}
	return d, nil
}

func parseWindow(s string) (Window, error) {
	a, b, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return Window{}, fmt.Errorf("window %q: expected <start>-<end>", s)
	}
	start, err1 := strconv.Atoi(strings.TrimSpace(a))
	end, err2 := strconv.Atoi(strings.TrimSpace(b))
	if err1 != nil || err2 != nil {
		return Window{}, fmt.Errorf("window %q: hours must be integers", s)
	}
	if start < 0 || end > 23 || start > end {
		return Window{}, fmt.Errorf("window %q out of range", s)
	}
	return Window{Start: start, End: end}, nil
}

// AddTrigger registers t under name. Random daily triggers register one
// entry per pick plus a midnight entry that redraws them.
func (s *Service) AddTrigger(name string, t Trigger, job Job) error {
	s.RemovePrefix(name + "/")
	switch t.Kind {
	case KindCron:
		return s.AddCron(name, t.Cron, job)
	case KindInterval:
		return s.AddInterval(name, t.Every, job)
	case KindRandomDaily:
		s.Remove(name)
		if err := s.addDailyPicks(name, t.Times, job); err != nil {
			return err
		}
		if t.reroll == nil {
			return nil
		}
		return s.AddCron(name+"/reroll", "0 0 * * *", func(context.Context) {
			times := t.reroll()
			if err := s.addDailyPicks(name, times, job); err != nil {
				s.log.Error("reroll random schedule failed", logx.String("name", name), logx.Err(err))
				return
			}
			s.log.Info("random schedule redrawn", logx.String("name", name),
				logx.String("at", Trigger{Kind: KindRandomDaily, Times: times}.String()))
		})
	default:
		return fmt.Errorf("scheduler: unknown trigger kind %d", t.Kind)
	}
}

func (s *Service) addDailyPicks(name string, times []time.Duration, job Job) error {
	for _, e := range s.Entries() {
		if strings.HasPrefix(e.Name, name+"/at-") {
			s.Remove(e.Name)
		}
	}
	for i, d := range times {
		m := int(d / time.Minute)
		spec := fmt.Sprintf("%d %d * * *", m%60, (m/60)%24)
		if err := s.AddCron(fmt.Sprintf("%s/at-%d", name, i), spec, job); err != nil {
			return err
		}
	}
	return nil
}

// RemovePrefix removes every schedule whose name starts with prefix.
func (s *Service) RemovePrefix(prefix string) int {
	n := 0
	for _, e := range s.Entries() {
		if strings.HasPrefix(e.Name, prefix) && s.Remove(e.Name) {
			n++
		}
	}
	return n
}
