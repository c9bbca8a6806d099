package places

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"
)

const apiKeyHeader = "X-Goog-Api-Key"

// retryTransport authenticates requests and retries transient failures
// (429, 5xx, timeouts) with exponential backoff plus jitter. The last
// response is returned unchanged when retries run out, so callers see the
// provider's error body.
type retryTransport struct {
	base       http.RoundTripper
	apiKey     string
	maxRetries int
	baseDelay  time.Duration
	maxJitter  time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

func newRetryTransport(base http.RoundTripper, apiKey string, maxRetries int) *retryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &retryTransport{
		base:       base,
		apiKey:     apiKey,
		maxRetries: maxRetries,
		baseDelay:  200 * time.Millisecond,
		maxJitter:  150 * time.Millisecond,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil && req.GetBody == nil {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		body = b
	}

	var (
		resp *http.Response
		err  error
	)
	for attempt := 0; ; attempt++ {
		r := req.Clone(req.Context())
		r.Header.Set(apiKeyHeader, t.apiKey)
		if body != nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
		} else if req.GetBody != nil {
			if r.Body, err = req.GetBody(); err != nil {
				return nil, err
			}
		}

		resp, err = t.base.RoundTrip(r)
		if !retryable(resp, err) || attempt >= t.maxRetries {
			return resp, err
		}

		if resp != nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}

		delay := time.Duration(1<<attempt) * t.baseDelay
		if t.maxJitter > 0 {
			delay += time.Duration(rand.Int63n(int64(t.maxJitter)))
		}
		if serr := t.sleep(req.Context(), delay); serr != nil {
			return nil, serr
		}
	}
}

func retryable(resp *http.Response, err error) bool {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		var netErr net.Error
		return errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
}
