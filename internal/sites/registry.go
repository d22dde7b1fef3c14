// Package sites holds the tracker site registry shared by plugins.
package sites

import (
	"errors"
	"net/url"
	"sort"
	"strings"
	"sync"

	"shoutbot/internal/config"
	"shoutbot/internal/eventbus"
)

var ErrUnknownSite = errors.New("sites: unknown site")

// Site is one tracker site with the credentials used to talk to it.
type Site struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	Cookie   string `json:"cookie,omitempty"`
	UA       string `json:"ua,omitempty"`
	Proxy    bool   `json:"proxy,omitempty"`
	Public   bool   `json:"public,omitempty"`
	Priority int    `json:"pri,omitempty"`
}

// BaseURL returns scheme://host of the site URL with no trailing slash.
func (s Site) BaseURL() string {
	u, err := url.Parse(strings.TrimSpace(s.URL))
	if err != nil || u.Host == "" {
		return strings.TrimRight(strings.TrimSpace(s.URL), "/")
	}
	return u.Scheme + "://" + u.Host
}

// Usable reports whether the site carries everything a logged-in request needs.
func (s Site) Usable() bool {
	return strings.TrimSpace(s.URL) != "" &&
		strings.TrimSpace(s.Cookie) != "" &&
		strings.TrimSpace(s.UA) != ""
}

func FromConfig(c config.SiteConfig) Site {
	return Site{
		ID:       c.ID,
		Name:     strings.TrimSpace(c.Name),
		URL:      strings.TrimSpace(c.URL),
		Cookie:   strings.TrimSpace(c.Cookie),
		UA:       strings.TrimSpace(c.UA),
		Proxy:    c.Proxy,
		Public:   c.Public,
		Priority: c.Priority,
	}
}

// Registry is a concurrency-safe site list. Changes are announced on the
// event bus with the site id as event data.
type Registry struct {
	bus eventbus.Bus

	mu    sync.RWMutex
	sites map[int]Site
}

func NewRegistry(bus eventbus.Bus) *Registry {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Registry{bus: bus, sites: map[int]Site{}}
}

// Upsert adds or replaces a site.
func (r *Registry) Upsert(s Site) {
	r.mu.Lock()
	_, existed := r.sites[s.ID]
	r.sites[s.ID] = s
	r.mu.Unlock()

	typ := eventbus.SiteAdded
	if existed {
		typ = eventbus.SiteUpdated
	}
	r.bus.Publish(eventbus.Event{Type: typ, Data: s.ID})
}

// Delete removes a site. Deleting an unknown id is a no-op.
func (r *Registry) Delete(id int) {
	r.mu.Lock()
	_, ok := r.sites[id]
	delete(r.sites, id)
	r.mu.Unlock()
	if ok {
		r.bus.Publish(eventbus.Event{Type: eventbus.SiteDeleted, Data: id})
	}
}

// Sync replaces the registry content with cfg, publishing one event per
// added, changed or removed site.
func (r *Registry) Sync(cfg []config.SiteConfig) {
	next := make(map[int]Site, len(cfg))
	for _, c := range cfg {
		next[c.ID] = FromConfig(c)
	}

	r.mu.RLock()
	var removed []int
	for id := range r.sites {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	var changed []Site
	for id, s := range next {
		if old, ok := r.sites[id]; !ok || old != s {
			changed = append(changed, s)
		}
	}
	r.mu.RUnlock()

	sort.Ints(removed)
	for _, id := range removed {
		r.Delete(id)
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].ID < changed[j].ID })
	for _, s := range changed {
		r.Upsert(s)
	}
}

func (r *Registry) Get(id int) (Site, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sites[id]
	return s, ok
}

// ByName finds a site by its display name.
func (r *Registry) ByName(name string) (Site, bool) {
	name = strings.TrimSpace(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sites {
		if s.Name == name {
			return s, true
		}
	}
	return Site{}, false
}

// List returns private (non-public) sites ordered by priority, then id.
func (r *Registry) List() []Site {
	r.mu.RLock()
	out := make([]Site, 0, len(r.sites))
	for _, s := range r.sites {
		if !s.Public {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// IDs returns the ids of List in the same order.
func (r *Registry) IDs() []int {
	list := r.List()
	ids := make([]int, len(list))
	for i, s := range list {
		ids[i] = s.ID
	}
	return ids
}

// Resolve maps selected ids to sites, keeping the selection order and
// skipping ids that no longer exist.
func (r *Registry) Resolve(ids []int) []Site {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Site, 0, len(ids))
	for _, id := range FilterIDs(ids, r.idsLocked()) {
		out = append(out, r.sites[id])
	}
	return out
}

func (r *Registry) idsLocked() []int {
	ids := make([]int, 0, len(r.sites))
	for id := range r.sites {
		ids = append(ids, id)
	}
	return ids
}

// FilterIDs keeps the selected ids that exist in known, preserving the
// selection order and dropping duplicates. It is idempotent.
func FilterIDs(selected, known []int) []int {
	set := make(map[int]struct{}, len(known))
	for _, id := range known {
		set[id] = struct{}{}
	}
	seen := make(map[int]struct{}, len(selected))
	out := make([]int, 0, len(selected))
	for _, id := range selected {
		if _, ok := set[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// RemoveID returns ids without id. The input is not modified.
func RemoveID(ids []int, id int) []int {
	out := make([]int, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
