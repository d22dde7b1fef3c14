// Package httpx is the outbound HTTP client used for tracker requests.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// StatusError reports a response whose status code is not 2xx.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// ErrStatus matches any *StatusError with errors.Is.
var ErrStatus = errors.New("httpx: unexpected status")

func (e *StatusError) Is(target error) bool { return target == ErrStatus }

// Policy controls retries. The zero value disables retries.
type Policy struct {
	// Retries is the number of extra attempts after the first.
	Retries int
	// Base is the delay before the first retry; later delays double.
	Base     time.Duration
	MaxDelay time.Duration
	// Statuses lists response codes worth retrying.
	Statuses []int
}

// DefaultPolicy retries three times starting at one second, on the codes
// trackers return while overloaded or behind a flaky CDN.
func DefaultPolicy() Policy {
	return Policy{
		Retries:  3,
		Base:     time.Second,
		MaxDelay: 10 * time.Second,
		Statuses: []int{403, 404, 500, 502, 503, 504},
	}
}

func (p Policy) retryableStatus(code int) bool {
	for _, c := range p.Statuses {
		if c == code {
			return true
		}
	}
	return false
}

// Retryable reports whether err should trigger another attempt: transport
// failures and timeouts do, listed status codes do, cancellation does not.
func (p Policy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return p.retryableStatus(se.Code)
	}
	return true
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Base
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = time.Second
	}
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.1
	eb.MaxInterval = p.MaxDelay
	if eb.MaxInterval < eb.InitialInterval {
		eb.MaxInterval = eb.InitialInterval
	}
	eb.MaxElapsedTime = 0
	eb.Reset()

	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

// Retry runs op until it succeeds, fails with a non-retryable error, or
// the policy is exhausted. It returns the number of attempts made.
// notify, when set, is called before each wait.
func Retry(ctx context.Context, p Policy, op func(ctx context.Context) error, notify func(err error, wait time.Duration)) (int, error) {
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := op(ctx)
		if err != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx), notify)
	return attempts, err
}
