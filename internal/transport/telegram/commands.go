package telegram

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"shoutbot/internal/plugin"
	"shoutbot/internal/task/scheduler"
	logx "shoutbot/pkg/logx"
)

var (
	ErrNotOwner       = errors.New("telegram: sender is not an owner")
	ErrUnknownCommand = errors.New("telegram: unknown command")
)

const defaultCommandTimeout = 15 * time.Second

// Ops is what the operator commands act on.
type Ops interface {
	Snapshot() []plugin.Status
	CanRun(name string) error
	Run(ctx context.Context, name string) error
}

type Request struct {
	ChatID   int64
	ThreadID int
	FromID   int64
	Command  string
	Args     []string
}

type Command struct {
	Name        string
	Usage       string
	Description string
	Handle      HandlerFunc
}

// Router parses command messages and dispatches them through the owner,
// timeout, logging and recovery middleware.
type Router struct {
	log logx.Logger
	ops Ops
	// Schedules lists registered triggers for /schedules.
	Schedules func() []scheduler.ScheduleInfo
	// Go runs long work (manual runs) off the polling goroutine.
	Go func(name string, fn func(ctx context.Context))

	resolver *scheduler.Resolver
	now      func() time.Time

	mu     sync.RWMutex
	owners []int64
	cmds   map[string]Command
}

func NewRouter(log logx.Logger, ops Ops, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		log:      log.With(logx.String("comp", "telegram.commands")),
		ops:      ops,
		resolver: scheduler.NewResolver(logx.Nop(), nil),
		now:      time.Now,
		owners:   append([]int64(nil), owners...),
		cmds:     map[string]Command{},
	}
	r.register(Command{Name: "help", Description: "list commands", Handle: r.help})
	r.register(Command{Name: "status", Description: "plugin states", Handle: r.status})
	r.register(Command{Name: "run", Usage: "<plugin>", Description: "start a plugin run now", Handle: r.run})
	r.register(Command{Name: "schedules", Description: "registered triggers", Handle: r.schedules})
	r.register(Command{Name: "next", Usage: "<schedule>", Description: "resolve a schedule string", Handle: r.next})
	return r
}

func (r *Router) register(c Command) {
	r.cmds[c.Name] = c
}

// SetOwners replaces the owner list; used on config reload.
func (r *Router) SetOwners(ids []int64) {
	r.mu.Lock()
	r.owners = append([]int64(nil), ids...)
	r.mu.Unlock()
}

func (r *Router) ownersSnapshot() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owners
}

// Commands lists the registered commands sorted by name.
func (r *Router) Commands() []Command {
	out := make([]Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Parse splits "/cmd@bot a b" into its command and args. ok is false for
// text that is not a command.
func Parse(text string) (cmd string, args []string, ok bool) {
	f := strings.Fields(strings.TrimSpace(text))
	if len(f) == 0 || !strings.HasPrefix(f[0], "/") {
		return "", nil, false
	}
	cmd = strings.ToLower(strings.TrimPrefix(f[0], "/"))
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return cmd, f[1:], cmd != ""
}

// Dispatch runs the command named by req and returns the reply text.
func (r *Router) Dispatch(ctx context.Context, req *Request) (string, error) {
	c, ok := r.cmds[req.Command]
	if !ok {
		return "", fmt.Errorf("%w: /%s", ErrUnknownCommand, req.Command)
	}
	h := Chain(c.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWOwnerOnly(r.ownersSnapshot),
		MWTimeout(defaultCommandTimeout),
	)
	return h(ctx, req)
}

func (r *Router) help(context.Context, *Request) (string, error) {
	var b strings.Builder
	for _, c := range r.Commands() {
		fmt.Fprintf(&b, "/%s", c.Name)
		if c.Usage != "" {
			fmt.Fprintf(&b, " %s", c.Usage)
		}
		fmt.Fprintf(&b, " - %s\n", c.Description)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (r *Router) status(context.Context, *Request) (string, error) {
	list := r.ops.Snapshot()
	if len(list) == 0 {
		return "no plugins registered", nil
	}
	var b strings.Builder
	for _, st := range list {
		state := "stopped"
		switch {
		case st.Quarantined:
			state = "quarantined: " + st.Err
		case st.Running:
			state = "running since " + st.Since.Format("01-02 15:04")
		case !st.Enabled:
			state = "disabled"
		}
		fmt.Fprintf(&b, "%s: %s\n", st.Name, state)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (r *Router) run(_ context.Context, req *Request) (string, error) {
	if len(req.Args) != 1 {
		return "usage: /run <plugin>", nil
	}
	name := req.Args[0]
	if err := r.ops.CanRun(name); err != nil {
		return "", err
	}
	start := func(ctx context.Context) {
		if err := r.ops.Run(ctx, name); err != nil {
			r.log.Info("manual run ended", logx.String("plugin", name), logx.Err(err))
		}
	}
	if r.Go != nil {
		r.Go("run."+name, start)
	} else {
		go start(context.Background())
	}
	return fmt.Sprintf("%s: run started; the summary follows when it ends", name), nil
}

func (r *Router) schedules(context.Context, *Request) (string, error) {
	if r.Schedules == nil {
		return "scheduler unavailable", nil
	}
	list := r.Schedules()
	if len(list) == 0 {
		return "no triggers registered", nil
	}
	var b strings.Builder
	for _, e := range list {
		fmt.Fprintf(&b, "%s  %s", e.Name, e.Spec)
		if !e.Next.IsZero() {
			fmt.Fprintf(&b, "  next %s", e.Next.Format("01-02 15:04"))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (r *Router) next(_ context.Context, req *Request) (string, error) {
	if len(req.Args) == 0 {
		return "usage: /next <schedule>", nil
	}
	t := r.resolver.Resolve(strings.Join(req.Args, " "))
	var b strings.Builder
	b.WriteString(t.String())
	for _, at := range t.Next(r.now(), 5) {
		fmt.Fprintf(&b, "\n%s", at.Format("2006-01-02 15:04"))
	}
	return b.String(), nil
}
