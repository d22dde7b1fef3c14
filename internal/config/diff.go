package config

import (
	"reflect"
	"sort"
	"strings"

	logx "shoutbot/pkg/logx"
)

// SummarizeConfigChange returns the changed section names, log fields safe
// to print (no tokens, cookies or passwords), and the names of plugins whose
// enable flag or config changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.forward_enabled", newCfg.Logging.Forward.Enabled),
		)
	}

	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) ||
		strings.TrimSpace(oldCfg.Scheduler.StopTimeout) != strings.TrimSpace(newCfg.Scheduler.StopTimeout) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.proxy_set", strings.TrimSpace(newCfg.HTTP.Proxy) != ""),
			logx.String("http.timeout", newCfg.HTTP.Timeout),
			logx.Int("http.retry_max", newCfg.HTTP.RetryMax),
		)
	}

	if oldCfg.API.Enabled != newCfg.API.Enabled ||
		strings.TrimSpace(oldCfg.API.Addr) != strings.TrimSpace(newCfg.API.Addr) ||
		oldCfg.API.Pprof != newCfg.API.Pprof ||
		oldCfg.API.Token != newCfg.API.Token {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Bool("api.token_set", newCfg.API.Token != ""),
			logx.Bool("api.pprof", newCfg.API.Pprof),
		)
	}

	if oldCfg.Telegram.Enabled != newCfg.Telegram.Enabled ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout ||
		!reflect.DeepEqual(oldCfg.Telegram.Owners, newCfg.Telegram.Owners) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
			logx.Int("telegram.owners", len(newCfg.Telegram.Owners)),
		)
	}

	defN := DefaultNotifier()
	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if oldN == nil {
		oldN = &defN
	}
	if newN == nil {
		newN = &defN
	}
	if !reflect.DeepEqual(*oldN, *newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Strings("notifier.sinks", sinkTypes(newN.Sinks)),
		)
	}

	var oDriver, nDriver string
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
	}
	if oDriver != nDriver || !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", nDriver))
	}

	if added, removed, edited := diffSites(oldCfg.Sites, newCfg.Sites); added+removed+edited > 0 {
		changed = append(changed, "sites")
		attrs = append(attrs,
			logx.Int("sites.added", added),
			logx.Int("sites.removed", removed),
			logx.Int("sites.edited", edited),
		)
	}

	pluginChanged := diffPlugins(oldCfg.Plugins, newCfg.Plugins)
	if len(pluginChanged) > 0 {
		changed = append(changed, "plugins")
		attrs = append(attrs,
			logx.Int("plugins.changed_count", len(pluginChanged)),
			logx.Int("plugins.enabled_count", countEnabled(newCfg.Plugins)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, pluginChanged
}

func sinkTypes(sinks []SinkConfig) []string {
	out := make([]string, 0, len(sinks))
	for _, s := range sinks {
		out = append(out, strings.ToLower(strings.TrimSpace(s.Type)))
	}
	return out
}

func diffSites(oldS, newS []SiteConfig) (added, removed, edited int) {
	om := make(map[int]SiteConfig, len(oldS))
	for _, s := range oldS {
		om[s.ID] = s
	}
	seen := make(map[int]struct{}, len(newS))
	for _, s := range newS {
		seen[s.ID] = struct{}{}
		o, ok := om[s.ID]
		switch {
		case !ok:
			added++
		case o != s:
			edited++
		}
	}
	for id := range om {
		if _, ok := seen[id]; !ok {
			removed++
		}
	}
	return added, removed, edited
}

func countEnabled(m map[string]PluginConfigRaw) int {
	n := 0
	for _, v := range m {
		if v.Enabled {
			n++
		}
	}
	return n
}

func diffPlugins(oldM, newM map[string]PluginConfigRaw) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o := oldM[name]
		n := newM[name]
		if o.Enabled != n.Enabled ||
			!reflect.DeepEqual(o.Allow, n.Allow) ||
			HashJSON(o.Config) != HashJSON(n.Config) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
