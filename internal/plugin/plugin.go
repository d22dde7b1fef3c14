// Package plugin hosts site plugins: the lifecycle interface, the
// capability-gated ports they receive, a PluginBase helper and the
// manager that reconciles them against config.
package plugin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"shoutbot/internal/dispatch"
	"shoutbot/internal/eventbus"
	"shoutbot/internal/nexus"
	"shoutbot/internal/sites"
	"shoutbot/internal/storage"
	"shoutbot/internal/task/scheduler"
	logx "shoutbot/pkg/logx"
)

// Plugin is one hosted unit of work.
//
// Configure is called before the first Start and again whenever the
// plugin's config document changes while it runs. Stop must remove the
// plugin's schedules and wait, bounded by ctx, for an active run.
type Plugin interface {
	Name() string
	Capabilities() CapabilitySet
	Configure(ctx context.Context, raw json.RawMessage) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Initializer is called once, before the first Configure, with ports
// wrapped by the plugin's capability grants.
type Initializer interface {
	Init(ctx context.Context, deps Deps) error
}

// Runner is implemented by plugins that can be triggered by hand.
type Runner interface {
	RunNow(ctx context.Context) error
}

// ConfigValidator is an optional hook to validate plugin config before applying it.
type ConfigValidator interface {
	ValidateConfig(ctx context.Context, raw json.RawMessage) error
}

// RouteRegistrar mounts plugin HTTP handlers under the API server.
type RouteRegistrar interface {
	Handle(plugin, method, path string, h http.Handler)
	Drop(plugin string)
}

// Deps are the shared services handed to plugins.
type Deps struct {
	Log       logx.Logger
	Scheduler *scheduler.Service
	Resolver  *scheduler.Resolver
	Notifier  Notifier
	Store     storage.Store
	Bus       eventbus.Bus
	Sites     *sites.Registry
	Nexus     *nexus.Client
	Routes    RouteRegistrar
	Observer  dispatch.Observer

	// StopTimeout bounds how long Stop waits for an active run.
	StopTimeout time.Duration

	// Grants is set by the manager; nil allows everything.
	Grants *Grants
}

// Status is a point-in-time view of one registered plugin.
type Status struct {
	Name        string    `json:"name"`
	Enabled     bool      `json:"enabled"`
	Running     bool      `json:"running"`
	Quarantined bool      `json:"quarantined,omitempty"`
	Err         string    `json:"err,omitempty"`
	Since       time.Time `json:"since,omitempty"`
	Caps        []string  `json:"caps,omitempty"`
}

// DecodePluginConfig decodes per-plugin raw json into a typed config struct.
func DecodePluginConfig[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
