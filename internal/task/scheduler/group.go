package scheduler

import "time"

// Group namespaces a plugin's schedules so one configure cycle can drop
// everything the previous cycle registered.
type Group struct {
	s  *Service
	ns string
}

func (s *Service) Group(ns string) *Group { return &Group{s: s, ns: ns + ":"} }

func (g *Group) key(name string) string { return g.ns + name }

func (g *Group) Add(name string, t Trigger, job Job) error {
	return g.s.AddTrigger(g.key(name), t, job)
}

func (g *Group) Once(name string, at time.Time, job Job) error {
	return g.s.AddOnce(g.key(name), at, job)
}

// RemoveAll drops every schedule in the group and returns how many.
func (g *Group) RemoveAll() int { return g.s.RemovePrefix(g.ns) }

// Entries lists the group's schedules.
func (g *Group) Entries() []ScheduleInfo {
	var out []ScheduleInfo
	for _, e := range g.s.Entries() {
		if len(e.Name) > len(g.ns) && e.Name[:len(g.ns)] == g.ns {
			out = append(out, e)
		}
	}
	return out
}
