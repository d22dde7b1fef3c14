package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

func fastPolicy(retries int) Policy {
	p := DefaultPolicy()
	p.Retries = retries
	p.Base = time.Millisecond
	p.MaxDelay = 5 * time.Millisecond
	return p
}

func TestPolicyRetryable(t *testing.T) {
	t.Parallel()
	p := DefaultPolicy()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"transport", errors.New("connection reset by peer"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"503", &StatusError{Code: 503}, true},
		{"403", &StatusError{Code: 403}, true},
		{"400", &StatusError{Code: 400}, false},
		{"401", &StatusError{Code: 401}, false},
	}
	for _, tt := range tests {
		if got := p.Retryable(tt.err); got != tt.want {
			t.Errorf("%s: Retryable = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestDoRetriesTransientStatus(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if got := r.URL.Query().Get("shbox_text"); got != "hello 世界" {
			t.Errorf("shbox_text = %q", got)
		}
		if r.Header.Get("Cookie") != "uid=1" || r.Header.Get("User-Agent") != "agent" {
			t.Errorf("headers = %v", r.Header)
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c, err := New(Options{Policy: fastPolicy(3)})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.Do(context.Background(), Request{
		URL:     srv.URL + "/shoutbox.php",
		Query:   url.Values{"shbox_text": {"hello 世界"}},
		Headers: map[string]string{"Cookie": "uid=1", "User-Agent": "agent"},
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Attempts != 3 || string(resp.Body) != "ok" {
		t.Fatalf("resp = %+v (%q)", resp, resp.Body)
	}
}

func TestDoGivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := New(Options{Policy: fastPolicy(2)})
	resp, err := c.Do(context.Background(), Request{URL: srv.URL})
	if !errors.Is(err, ErrStatus) {
		t.Fatalf("err = %v, want status error", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadGateway {
		t.Fatalf("err = %#v", err)
	}
	if hits.Load() != 3 || resp == nil || resp.Attempts != 3 {
		t.Fatalf("hits = %d resp = %+v", hits.Load(), resp)
	}
}

func TestDoDoesNotRetryClientError(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, _ := New(Options{Policy: fastPolicy(3)})
	if _, err := c.Do(context.Background(), Request{URL: srv.URL}); err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", hits.Load())
	}
}

func TestDoPostsForm(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("action") != "moveordel" || r.PostForm.Get("messages[]") != "42" {
			t.Errorf("form = %v", r.PostForm)
		}
	}))
	defer srv.Close()

	c, _ := New(Options{})
	_, err := c.Do(context.Background(), Request{
		Method: http.MethodPost,
		URL:    srv.URL + "/messages.php",
		Form:   url.Values{"action": {"moveordel"}, "messages[]": {"42"}},
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
}

func TestDoPerRequestTimeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, _ := New(Options{})
	start := time.Now()
	_, err := c.Do(context.Background(), Request{URL: srv.URL, Timeout: 50 * time.Millisecond})
	if err == nil {
		t.Fatal("expected timeout")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not honored: %s", time.Since(start))
	}
}
