package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var knownDrivers = map[string]bool{
	"": true, "none": true, "file": true, "sqlite": true, "postgres": true, "redis": true,
}

var knownSinks = map[string]bool{
	"log": true, "telegram": true, "redis": true, "amqp": true,
}

// Validate checks cross-field rules the JSON decoder cannot express.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if _, err := ParseDurationField("scheduler.stop_timeout", cfg.Scheduler.StopTimeout); err != nil {
		errs = append(errs, err)
	}

	for _, d := range []struct{ path, raw string }{
		{"http.timeout", cfg.HTTP.Timeout},
		{"http.connect_timeout", cfg.HTTP.ConnectTimeout},
		{"http.retry_base", cfg.HTTP.RetryBase},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if p := strings.TrimSpace(cfg.HTTP.Proxy); p != "" {
		if _, err := url.Parse(p); err != nil {
			errs = append(errs, fmt.Errorf("http.proxy: %w", err))
		}
	}
	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			errs = append(errs, errors.New("telegram.token: required when telegram.enabled"))
		}
		if len(cfg.Telegram.Owners) == 0 {
			errs = append(errs, errors.New("telegram.owners: at least one owner id required"))
		}
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if cfg.HTTP.RetryMax < 0 {
		errs = append(errs, errors.New("http.retry_max: must be >= 0"))
	}

	if cfg.Storage != nil {
		drv := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
		if !knownDrivers[drv] {
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
		}
		if drv == "postgres" && strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn: required for postgres"))
		}
	}

	if cfg.Notifier != nil {
		for i, s := range cfg.Notifier.Sinks {
			typ := strings.ToLower(strings.TrimSpace(s.Type))
			if !knownSinks[typ] {
				errs = append(errs, fmt.Errorf("notifier.sinks[%d].type: unknown sink %q", i, s.Type))
				continue
			}
			switch typ {
			case "telegram":
				if s.Token == "" || s.ChatID == 0 {
					errs = append(errs, fmt.Errorf("notifier.sinks[%d]: telegram needs token and chat_id", i))
				}
			case "amqp":
				if s.URL == "" {
					errs = append(errs, fmt.Errorf("notifier.sinks[%d]: amqp needs url", i))
				}
			}
		}
	}

	ids := make(map[int]struct{}, len(cfg.Sites))
	names := make(map[string]struct{}, len(cfg.Sites))
	for i, s := range cfg.Sites {
		if _, dup := ids[s.ID]; dup {
			errs = append(errs, fmt.Errorf("sites[%d]: duplicate id %d", i, s.ID))
		}
		ids[s.ID] = struct{}{}
		name := strings.TrimSpace(s.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("sites[%d]: name is required", i))
		} else if _, dup := names[name]; dup {
			errs = append(errs, fmt.Errorf("sites[%d]: duplicate name %q", i, name))
		}
		names[name] = struct{}{}
		if u, err := url.Parse(strings.TrimSpace(s.URL)); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("sites[%d]: invalid url %q", i, s.URL))
		}
	}

	return errors.Join(errs...)
}
