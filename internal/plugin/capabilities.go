package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"shoutbot/internal/notifier"
	"shoutbot/internal/storage"
)

// Capability names a port a plugin may use. A plugin declares what it
// needs; the config "allow" list can narrow that further.
type Capability string

const (
	CapSchedule  Capability = "schedule"
	CapNotify    Capability = "notify"
	CapStore     Capability = "store"
	CapHTTP      Capability = "http"
	CapManualRun Capability = "manual_run"
)

var ErrCapabilityDenied = errors.New("capability denied")

type CapabilitySet []Capability

func (s CapabilitySet) Has(c Capability) bool { return slices.Contains(s, c) }

func (s CapabilitySet) Strings() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = string(c)
	}
	return out
}

func deny(c Capability) error {
	return fmt.Errorf("%w: %s", ErrCapabilityDenied, c)
}

// Grants is the effective capability set of one running plugin. It is
// shared by the wrapped ports so an allow-list reload takes effect
// without restarting the plugin.
type Grants struct {
	mu       sync.RWMutex
	declared CapabilitySet
	set      map[Capability]struct{}
}

func newGrants(declared CapabilitySet, allow []string) *Grants {
	g := &Grants{declared: append(CapabilitySet(nil), declared...)}
	g.Update(allow)
	return g
}

// Update recomputes the effective set. An empty allow list grants
// everything declared.
func (g *Grants) Update(allow []string) {
	m := make(map[Capability]struct{}, len(g.declared))
	for _, c := range g.declared {
		if len(allow) == 0 || slices.Contains(allow, string(c)) {
			m[c] = struct{}{}
		}
	}
	g.mu.Lock()
	g.set = m
	g.mu.Unlock()
}

// Allows reports whether c is granted. A nil Grants allows everything,
// which keeps plugins usable in tests without a manager.
func (g *Grants) Allows(c Capability) bool {
	if g == nil {
		return true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.set[c]
	return ok
}

func (g *Grants) Effective() CapabilitySet {
	if g == nil {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(CapabilitySet, 0, len(g.set))
	for _, c := range g.declared {
		if _, ok := g.set[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// --- Wrapped ports ---

// Notifier is the notification port handed to plugins.
type Notifier interface {
	Notify(ctx context.Context, n notifier.Notification) error
}

type capNotifier struct {
	inner Notifier
	caps  *Grants
}

func (n *capNotifier) Notify(ctx context.Context, nn notifier.Notification) error {
	if n == nil || n.inner == nil {
		return errors.New("notifier not available")
	}
	if !n.caps.Allows(CapNotify) {
		return deny(CapNotify)
	}
	return n.inner.Notify(ctx, nn)
}

type capStore struct {
	inner storage.Store
	caps  *Grants
}

func (st *capStore) check() error {
	if st == nil || st.inner == nil {
		return storage.ErrDisabled
	}
	if !st.caps.Allows(CapStore) {
		return deny(CapStore)
	}
	return nil
}

func (st *capStore) GetDoc(ctx context.Context, key string) (json.RawMessage, error) {
	if err := st.check(); err != nil {
		return nil, err
	}
	return st.inner.GetDoc(ctx, key)
}

func (st *capStore) PutDoc(ctx context.Context, key string, doc json.RawMessage) error {
	if err := st.check(); err != nil {
		return err
	}
	return st.inner.PutDoc(ctx, key, doc)
}

func (st *capStore) AppendRun(ctx context.Context, r storage.RunRecord) error {
	if err := st.check(); err != nil {
		return err
	}
	return st.inner.AppendRun(ctx, r)
}

func (st *capStore) ListRuns(ctx context.Context, plugin string, limit int) ([]storage.RunRecord, error) {
	if err := st.check(); err != nil {
		return nil, err
	}
	return st.inner.ListRuns(ctx, plugin, limit)
}

func (st *capStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if err := st.check(); err != nil {
		return err
	}
	return st.inner.PutDedup(ctx, key, until)
}

func (st *capStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if err := st.check(); err != nil {
		return time.Time{}, false, err
	}
	return st.inner.GetDedup(ctx, key)
}

// Close is a no-op; the store belongs to the app.
func (st *capStore) Close() error { return nil }
