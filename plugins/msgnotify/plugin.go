// Package msgnotify exposes webhook endpoints that forward external
// messages to the notifier.
package msgnotify

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"shoutbot/internal/notifier"
	"shoutbot/internal/plugin"
	logx "shoutbot/pkg/logx"
)

const Name = "msgnotify"

type Config struct {
	// APIKey must match the apikey query parameter or X-API-Key header.
	APIKey string `json:"apikey"`
	Notify bool   `json:"notify"`
	// MsgType sets the priority of forwarded notifications: a message type
	// name from msgTypes or a number 0-10. Unknown names forward as Manual.
	MsgType string `json:"msgtype,omitempty"`
}

var msgTypes = map[string]int{
	"manual":      0,
	"download":    3,
	"organize":    3,
	"subscribe":   3,
	"mediaserver": 3,
	"plugin":      5,
	"sitemessage": 5,
	"other":       5,
}

// priority maps a msgtype to a notifier priority.
func priority(msgType string) (int, bool) {
	t := strings.ToLower(strings.TrimSpace(msgType))
	if t == "" {
		return 0, true
	}
	if n, err := strconv.Atoi(t); err == nil {
		return min(max(n, 0), 10), true
	}
	n, ok := msgTypes[t]
	return n, ok
}

type request struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type Plugin struct {
	plugin.PluginBase

	mu  sync.RWMutex
	cfg Config
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Capabilities() plugin.CapabilitySet {
	return plugin.CapabilitySet{plugin.CapHTTP, plugin.CapNotify}
}

func (p *Plugin) Init(_ context.Context, deps plugin.Deps) error {
	p.InitBase(deps, Name)
	return nil
}

func (p *Plugin) ValidateConfig(_ context.Context, raw json.RawMessage) error {
	c, err := plugin.DecodePluginConfig[Config](raw)
	if err != nil {
		return err
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("apikey required")
	}
	return nil
}

func (p *Plugin) Configure(ctx context.Context, raw json.RawMessage) error {
	if err := p.ValidateConfig(ctx, raw); err != nil {
		return err
	}
	c, _ := plugin.DecodePluginConfig[Config](raw)
	if _, ok := priority(c.MsgType); !ok {
		p.Log.Warn("unknown msgtype; forwarding as manual", logx.String("msgtype", c.MsgType))
	}
	p.mu.Lock()
	p.cfg = c
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)
	if err := p.Handle(http.MethodPost, "send_json", http.HandlerFunc(p.sendJSON)); err != nil {
		return err
	}
	return p.Handle(http.MethodGet, "send_form", http.HandlerFunc(p.sendForm))
}

func (p *Plugin) Stop(ctx context.Context) error {
	p.DropRoutes()
	return p.StopBase(ctx)
}

func (p *Plugin) authorized(r *http.Request) bool {
	p.mu.RLock()
	want := p.cfg.APIKey
	p.mu.RUnlock()
	got := r.URL.Query().Get("apikey")
	if got == "" {
		got = r.Header.Get("X-API-Key")
	}
	return want != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (p *Plugin) sendJSON(w http.ResponseWriter, r *http.Request) {
	if !p.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, response{Success: false, Message: "invalid api key"})
		return
	}
	var req request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Success: false, Message: "invalid json body"})
		return
	}
	p.forward(r.Context(), w, req)
}

func (p *Plugin) sendForm(w http.ResponseWriter, r *http.Request) {
	if !p.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, response{Success: false, Message: "invalid api key"})
		return
	}
	q := r.URL.Query()
	p.forward(r.Context(), w, request{Title: q.Get("title"), Text: q.Get("text")})
}

func (p *Plugin) forward(ctx context.Context, w http.ResponseWriter, req request) {
	p.Log.Info("message received", logx.String("title", req.Title), logx.Int("text_len", len(req.Text)))
	p.mu.RLock()
	notify, msgType := p.cfg.Notify, p.cfg.MsgType
	p.mu.RUnlock()
	if notify {
		pri, _ := priority(msgType)
		err := p.Notify(ctx, notifier.Notification{Title: req.Title, Text: req.Text, Priority: pri})
		if err != nil {
			p.Log.Warn("forward message failed", logx.Err(err))
			writeJSON(w, http.StatusServiceUnavailable, response{Success: false, Message: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, response{Success: true, Message: "sent"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
