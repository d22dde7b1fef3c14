package app

import (
	"strings"
	"time"

	"shoutbot/internal/config"
	"shoutbot/internal/httpapi"
	"shoutbot/internal/httpx"
	"shoutbot/internal/notifier"
	"shoutbot/internal/storage"
	"shoutbot/internal/task/scheduler"
	"shoutbot/internal/transport/telegram"
	logx "shoutbot/pkg/logx"
)

const defaultStopTimeout = 30 * time.Second

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Forward: logx.ForwardConfig{
			Enabled:    cfg.Logging.Forward.Enabled,
			MinLevel:   cfg.Logging.Forward.MinLevel,
			RatePerSec: cfg.Logging.Forward.RatePerSec,
		},
	}
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

func mapStopTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("scheduler.stop_timeout", cfg.Scheduler.StopTimeout, defaultStopTimeout)
}

// mapHTTP builds the tracker client options. retry_max counts retries after
// the first attempt; zero keeps the default of three.
func mapHTTP(cfg *config.Config, log logx.Logger) (httpx.Options, error) {
	h := cfg.HTTP
	timeout, err := config.ParseDurationOrDefault("http.timeout", h.Timeout, 10*time.Second)
	if err != nil {
		return httpx.Options{}, err
	}
	connect, err := config.ParseDurationOrDefault("http.connect_timeout", h.ConnectTimeout, 3*time.Second)
	if err != nil {
		return httpx.Options{}, err
	}
	pol := httpx.DefaultPolicy()
	if h.RetryMax > 0 {
		pol.Retries = h.RetryMax
	}
	if pol.Base, err = config.ParseDurationOrDefault("http.retry_base", h.RetryBase, pol.Base); err != nil {
		return httpx.Options{}, err
	}
	return httpx.Options{
		Proxy:              strings.TrimSpace(h.Proxy),
		Timeout:            timeout,
		ConnectTimeout:     connect,
		InsecureSkipVerify: h.InsecureSkipVerify,
		Policy:             pol,
		Log:                log,
	}, nil
}

// mapNotifier falls back to config.DefaultNotifier when the section is
// omitted.
func mapNotifier(cfg *config.Config) (notifier.Config, []config.SinkConfig, error) {
	nc := config.DefaultNotifier()
	if cfg.Notifier != nil {
		nc = *cfg.Notifier
	}
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, nil, err
	}
	retryMax, err := config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, nil, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notifier.Config{}, nil, err
	}
	sinks := nc.Sinks
	if len(sinks) == 0 {
		sinks = []config.SinkConfig{{Type: "log"}}
	}
	return notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMax,
		DedupWindow:     dedup,
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    cfg.Storage != nil,
	}, sinks, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         sc.DSN,
		Addr:        sc.Addr,
		Password:    sc.Password,
		DB:          sc.DB,
		Prefix:      sc.Prefix,
		BusyTimeout: busy,
		HistorySize: sc.HistorySize,
	}, nil
}

func mapAPI(cfg *config.Config) httpapi.Config {
	addr := strings.TrimSpace(cfg.API.Addr)
	if addr == "" {
		addr = httpapi.DefaultAddr
	}
	return httpapi.Config{
		Enabled:      cfg.API.Enabled,
		Addr:         addr,
		Token:        cfg.API.Token,
		Pprof:        cfg.API.Pprof,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: strings.TrimSpace(cfg.Telegram.Token), PollTimeout: poll}, nil
}

// validateMapped runs every mapping so a reload that would fail to apply
// is rejected before commit.
func validateMapped(cfg *config.Config) error {
	if _, err := mapStopTimeout(cfg); err != nil {
		return err
	}
	if _, err := mapHTTP(cfg, logx.Nop()); err != nil {
		return err
	}
	if _, _, err := mapNotifier(cfg); err != nil {
		return err
	}
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	_, err := mapTelegram(cfg)
	return err
}
