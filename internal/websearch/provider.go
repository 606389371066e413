package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Provider names.
const (
	Bing   = "bing"
	Google = "google"
	Tavily = "tavily"
)

// maxResponseBytes caps provider response bodies.
const maxResponseBytes = 4 << 20

// ErrStatus is returned for non-2xx provider responses.
var ErrStatus = errors.New("unexpected provider status")

// Result is one web hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Provider searches the web.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)
}

// Options are shared by every HTTP provider.
type Options struct {
	// Timeout bounds each request. Zero means 8s.
	Timeout time.Duration
	// RatePerSecond limits requests per provider. Zero disables limiting.
	RatePerSecond float64
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

type transport struct {
	client  *http.Client
	limiter *rate.Limiter
	timeout time.Duration
}

func newTransport(o Options) *transport {
	t := &transport{client: o.Client, timeout: o.Timeout}
	if t.client == nil {
		t.client = &http.Client{}
	}
	if t.timeout <= 0 {
		t.timeout = 8 * time.Second
	}
	if o.RatePerSecond > 0 {
		burst := int(o.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(o.RatePerSecond), burst)
	}
	return t
}

// do sends req built by build and decodes a JSON body into out.
func (t *transport) do(ctx context.Context, build func(context.Context) (*http.Request, error), out any) error {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := build(ctx)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func jsonBody(v any) (io.Reader, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(raw), nil
}

func truncate(rs []Result, n int) []Result {
	if n > 0 && len(rs) > n {
		return rs[:n]
	}
	return rs
}
