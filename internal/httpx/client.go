package httpx

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "shoutbot/pkg/logx"
)

const maxBodyBytes = 4 << 20

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	Proxy              string
	Timeout            time.Duration
	ConnectTimeout     time.Duration
	InsecureSkipVerify bool
	Policy             Policy
	Log                logx.Logger
}

// Request is one logical request; retries reuse it.
type Request struct {
	Method  string
	URL     string
	Query   url.Values
	Form    url.Values
	Headers map[string]string
	// UseProxy routes through Options.Proxy when one is configured.
	UseProxy bool
	// Timeout overrides the client timeout for each attempt.
	Timeout time.Duration
}

type Response struct {
	Status   int
	Body     []byte
	Attempts int
}

// Doer is what callers depend on; tests substitute their own.
type Doer interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

type Client struct {
	direct  *http.Client
	proxied *http.Client
	timeout time.Duration
	policy  Policy
	log     logx.Logger
}

func New(opts Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 3 * time.Second
	}

	c := &Client{
		direct:  &http.Client{Transport: newTransport(opts, nil)},
		timeout: opts.Timeout,
		policy:  opts.Policy,
		log:     opts.Log.With(logx.String("comp", "httpx")),
	}
	c.proxied = c.direct
	if p := strings.TrimSpace(opts.Proxy); p != "" {
		pu, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("httpx: invalid proxy %q: %w", p, err)
		}
		c.proxied = &http.Client{Transport: newTransport(opts, http.ProxyURL(pu))}
	}
	return c, nil
}

func newTransport(opts Options, proxy func(*http.Request) (*url.URL, error)) *http.Transport {
	d := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:               proxy,
		DialContext:         d.DialContext,
		TLSHandshakeTimeout: opts.ConnectTimeout * 2,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify}, //nolint:gosec // opt-in per config
	}
}

// Do sends req, retrying per the client policy. A non-2xx final status is
// returned as *StatusError together with the last response.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("httpx: invalid url %q: %w", req.URL, err)
	}
	if len(req.Query) > 0 {
		q := target.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		target.RawQuery = q.Encode()
	}

	hc := c.direct
	if req.UseProxy {
		hc = c.proxied
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	var last *Response
	attempts, err := Retry(ctx, c.policy, func(ctx context.Context) error {
		resp, err := c.once(ctx, hc, method, target.String(), req, timeout)
		if resp != nil {
			last = resp
		}
		return err
	}, func(err error, wait time.Duration) {
		c.log.Debug("request failed; retrying",
			logx.String("method", method),
			logx.String("host", target.Host),
			logx.Duration("wait", wait),
			logx.Err(err),
		)
	})
	if last != nil {
		last.Attempts = attempts
	}
	if err != nil {
		return last, err
	}
	return last, nil
}

func (c *Client) once(ctx context.Context, hc *http.Client, method, target string, req Request, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader = http.NoBody
	if req.Form != nil {
		body = strings.NewReader(req.Form.Encode())
	}
	hr, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if req.Form != nil {
		hr.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, v := range req.Headers {
		if v != "" {
			hr.Header.Set(k, v)
		}
	}

	resp, err := hc.Do(hr)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return nil, fmt.Errorf("%s %s: timeout after %s: %w", method, hostOf(target), timeout, err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	out := &Response{Status: resp.StatusCode, Body: b}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, &StatusError{Code: resp.StatusCode, URL: hostOf(target)}
	}
	return out, nil
}

// hostOf keeps query strings (which carry message text) out of errors.
func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "?"
	}
	return u.Scheme + "://" + u.Host + u.Path
}
