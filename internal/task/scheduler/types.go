package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means time.Local
}

// Job is what a trigger runs. ctx ends when the service stops.
type Job func(ctx context.Context)

type scheduleDef struct {
	name    string
	spec    string // cron spec or "@every <d>"
	job     Job
	entryID cron.EntryID
	spread  time.Duration // first-run jitter for interval schedules
}

type onceDef struct {
	at    time.Time
	job   Job
	ver   uint64
	timer *time.Timer
}

// ScheduleInfo describes one registered trigger.
type ScheduleInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next,omitempty"`
	Prev time.Time `json:"prev,omitempty"`
	Once bool      `json:"once,omitempty"`
}
