package groupchat

import (
	"fmt"
	"time"

	"shoutbot/internal/pluginkit"
)

const defaultInterval = 2 * time.Second

// Config is the plugin's flat config document. The same shape is
// persisted to storage with the runtime changes applied.
type Config struct {
	// Enabled gates the periodic trigger; a one-off run fires regardless.
	Enabled  *bool             `json:"enabled,omitempty"`
	Notify   bool              `json:"notify"`
	Cron     string            `json:"cron"`
	OnlyOnce bool              `json:"onlyonce"`
	Interval pluginkit.Seconds `json:"interval_cnt"`
	// ChatSites are registry site ids, in dispatch order.
	ChatSites     []int  `json:"chat_sites"`
	SitesMessages string `json:"sites_messages"`
}

// stored is the persisted document. Source is the hash of the config it
// was derived from; a different hash means the operator edited the file
// and the stored copy is stale.
type stored struct {
	Config
	Source uint64 `json:"source"`
}

func (c Config) interval() time.Duration {
	if c.Interval == 0 {
		return defaultInterval
	}
	return c.Interval.Duration()
}

func (c Config) validate() error {
	if c.Interval < 0 {
		return fmt.Errorf("interval_cnt must not be negative")
	}
	for _, id := range c.ChatSites {
		if id <= 0 {
			return fmt.Errorf("chat_sites: invalid site id %d", id)
		}
	}
	return nil
}
