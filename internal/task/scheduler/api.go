package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "shoutbot/pkg/logx"
)

var ErrNameRequired = errors.New("scheduler: name required")

// AddCron registers a five-field cron trigger. A schedule with the same
// name is replaced.
func (s *Service) AddCron(name, spec string, job Job) error {
	spec = strings.TrimSpace(spec)
	if _, err := StandardParser.Parse(spec); err != nil {
		return fmt.Errorf("scheduler: invalid cron %q: %w", spec, err)
	}
	return s.upsert(name, spec, job)
}

// AddInterval fires every d, first after d plus a small random spread.
func (s *Service) AddInterval(name string, every time.Duration, job Job) error {
	if every <= 0 {
		return fmt.Errorf("scheduler: interval must be > 0, got %s", every)
	}
	return s.upsert(name, "@every "+every.String(), job)
}

// AddDaily fires once a day at HH:MM in the scheduler timezone.
func (s *Service) AddDaily(name, atHHMM string, job Job) error {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * *", m, h), job)
}

func (s *Service) upsert(name, spec string, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNameRequired
	}
	if job == nil {
		return errors.New("scheduler: job required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeScheduleLocked(name)
	s.removeOnce(name)

	s.defs = append(s.defs, scheduleDef{name: name, spec: spec, job: job})
	if s.c == nil {
		// registered on Start
		return nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		s.defs = s.defs[:len(s.defs)-1]
		return err
	}
	fields := []logx.Field{logx.String("name", name), logx.String("spec", spec)}
	if d.spread > 0 {
		fields = append(fields, logx.Duration("spread", d.spread))
	}
	if next := s.c.Entry(d.entryID).Next; !next.IsZero() {
		fields = append(fields, logx.Time("next", next))
	}
	s.log.Debug("schedule registered", fields...)
	return nil
}

// AddOnce runs job once at at. A past time fires immediately after Start.
func (s *Service) AddOnce(name string, at time.Time, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNameRequired
	}
	if at.IsZero() || job == nil {
		return errors.New("scheduler: time and job required")
	}

	s.mu.Lock()
	s.removeScheduleLocked(name)
	running := s.c != nil
	s.mu.Unlock()

	s.tmu.Lock()
	defer s.tmu.Unlock()
	prev := s.once[name]
	ver := uint64(1)
	if prev != nil {
		if prev.timer != nil {
			prev.timer.Stop()
		}
		ver = prev.ver + 1
	}
	o := &onceDef{at: at, job: job, ver: ver}
	s.once[name] = o
	if running {
		s.armLocked(name, o)
	}
	s.log.Debug("one-shot registered", logx.String("name", name), logx.Time("at", at))
	return nil
}

// Remove unschedules name. It reports whether anything was registered.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()
	removed = s.removeOnce(name) || removed
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Entries lists registered schedules sorted by name.
func (s *Service) Entries() []ScheduleInfo {
	s.mu.Lock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := ScheduleInfo{Name: d.name, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	s.mu.Unlock()

	s.tmu.Lock()
	for name, o := range s.once {
		out = append(out, ScheduleInfo{Name: name, Spec: "@once", Next: o.at, Once: true})
	}
	s.tmu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) removeScheduleLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) removeOnce(name string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	o, ok := s.once[name]
	if !ok {
		return false
	}
	if o.timer != nil {
		o.timer.Stop()
	}
	delete(s.once, name)
	return true
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	fn, ctx := d.job, s.runCtx
	job := cron.FuncJob(func() { fn(ctx) })
	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		if dur, err := time.ParseDuration(every); err == nil && dur > 0 {
			sched, jitter := intervalWithSpread(dur, time.Now().In(s.loc), d.name)
			d.spread = jitter
			d.entryID = s.c.Schedule(sched, s.wrap(job))
			return nil
		}
	}
	sched, err := StandardParser.Parse(d.spec)
	if err != nil {
		return err
	}
	d.entryID = s.c.Schedule(sched, s.wrap(job))
	return nil
}

// wrap applies the cron chain; Schedule (unlike AddJob) bypasses it.
func (s *Service) wrap(j cron.Job) cron.Job {
	return cron.NewChain(cron.Recover(cronLogger{log: s.log})).Then(j)
}

// armOnceTimers starts timers for one-shots registered before Start.
func (s *Service) armOnceTimers() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for name, o := range s.once {
		s.armLocked(name, o)
	}
}

func (s *Service) armLocked(name string, o *onceDef) {
	ver := o.ver
	delay := max(time.Until(o.at), 0)
	o.timer = time.AfterFunc(delay, func() {
		s.tmu.Lock()
		cur := s.once[name]
		if cur == nil || cur.ver != ver {
			s.tmu.Unlock()
			return
		}
		delete(s.once, name)
		s.tmu.Unlock()

		s.mu.Lock()
		ctx := s.runCtx
		s.mu.Unlock()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("one-shot panicked", logx.String("name", name), logx.Any("panic", r))
			}
		}()
		cur.job(ctx)
	})
}

// NextRuns returns the next n fire times of a five-field cron spec.
func NextRuns(spec string, from time.Time, n int) ([]time.Time, error) {
	sched, err := StandardParser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

func parseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	hs, ms, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
