// Package pluginkit holds what the dispatch plugins share on top of
// plugin.PluginBase: the job wiring, trigger registration per configure
// cycle and the bounded teardown.
package pluginkit

import (
	"context"
	"sync"
	"time"

	"shoutbot/internal/dispatch"
	"shoutbot/internal/plugin"
	"shoutbot/internal/task/scheduler"
	logx "shoutbot/pkg/logx"
)

// OnlyOnceDelay is how long after configure a one-off run fires.
const OnlyOnceDelay = 3 * time.Second

// DispatchBase extends plugin.PluginBase with a dispatch.Job.
//
// Embedders call InitDispatch from Init, Arm from Configure and
// StopDispatch from Stop. RunNow makes them plugin.Runner.
type DispatchBase struct {
	plugin.PluginBase

	Job *dispatch.Job

	mu     sync.RWMutex
	window *scheduler.Window
}

// InitDispatch initializes the embedded base and builds the job. load
// returns the plan without a window; the window of the armed trigger is
// applied here.
func (b *DispatchBase) InitDispatch(deps plugin.Deps, name, title string, load func(ctx context.Context) (dispatch.Plan, error)) {
	b.InitBase(deps, name)
	opts := dispatch.Options{
		Name:     name,
		Title:    title,
		Store:    deps.Store,
		Bus:      deps.Bus,
		Observer: deps.Observer,
		Log:      b.Log,
		Now:      clockIn(deps.Scheduler),
		Load: func(ctx context.Context) (dispatch.Plan, error) {
			p, err := load(ctx)
			if err != nil {
				return p, err
			}
			p.Window = b.Window()
			return p, nil
		},
	}
	if deps.Nexus != nil {
		opts.Sender = deps.Nexus
	}
	if deps.Notifier != nil {
		opts.Notifier = deps.Notifier
	}
	b.Job = dispatch.NewJob(opts)
}

// clockIn reads the wall clock in the zone triggers fire in, so windows
// are checked against the same hours the schedule was written for.
func clockIn(sched *scheduler.Service) func() time.Time {
	if sched == nil {
		return time.Now
	}
	return func() time.Time { return time.Now().In(sched.Location()) }
}

// Arm replaces the triggers of the previous configure cycle. With periodic
// false only the one-off run (if any) is registered.
func (b *DispatchBase) Arm(schedule string, periodic, onlyOnce bool) error {
	g, err := b.Reschedule()
	if err != nil {
		return err
	}
	var window *scheduler.Window
	if periodic {
		t := b.Resolve(schedule)
		window = t.Window
		if err := g.Add("dispatch", t, b.Job.Trigger); err != nil {
			return err
		}
		b.Log.Info("dispatch scheduled", logx.String("trigger", t.String()))
	}
	b.mu.Lock()
	b.window = window
	b.mu.Unlock()

	if onlyOnce {
		if err := g.Once("onlyonce", time.Now().Add(OnlyOnceDelay), b.Job.Trigger); err != nil {
			return err
		}
		b.Log.Info("one-off run scheduled", logx.Duration("in", OnlyOnceDelay))
	}
	return nil
}

// Window is the execution window of the armed trigger, if any.
func (b *DispatchBase) Window() *scheduler.Window {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.window
}

// RunNow runs the job synchronously through the same guard the scheduler uses.
func (b *DispatchBase) RunNow(ctx context.Context) error {
	_, err := b.Job.Run(ctx)
	return err
}

// StopDispatch removes the triggers, then waits for an active run, bounded
// by the plugin stop timeout and ctx.
func (b *DispatchBase) StopDispatch(ctx context.Context) error {
	b.Unschedule()
	if b.Job != nil {
		wctx, cancel := context.WithTimeout(ctx, b.StopTimeout())
		err := b.Job.WaitIdle(wctx)
		cancel()
		if err != nil {
			b.Log.Warn("active run still going at stop deadline", logx.Err(err))
		}
	}
	return b.StopBase(ctx)
}
