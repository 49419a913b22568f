// Package upstream is the single path by which the gateway talks to origin
// services. Every request goes through a per-host concurrency cap, a bounded
// retry loop and a per-host circuit breaker.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ggoodman/sportstream-go/frame"
	"golang.org/x/sync/semaphore"
)

const maxBodyBytes = 8 << 20

// Request describes one upstream call. Body is replayed on every attempt.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Config parameterizes a Fetcher.
type Config struct {
	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
	MaxPerHost  int
	Breaker     BreakerConfig
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:     5 * time.Second,
		MaxRetries:  2,
		BaseBackoff: 100 * time.Millisecond,
		MaxPerHost:  32,
		Breaker:     DefaultBreakerConfig(),
	}
}

// HostStats describes one upstream host.
type HostStats struct {
	Host     string       `json:"host"`
	Breaker  BreakerState `json:"breaker"`
	Requests uint64       `json:"requests"`
	Failures uint64       `json:"failures"`
}

type host struct {
	name     string
	sem      *semaphore.Weighted
	breaker  *Breaker
	requests uint64
	failures uint64
}

// Fetcher is safe for concurrent use.
type Fetcher struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
	now    func() time.Time
	jitter func() float64

	mu    sync.Mutex
	hosts map[string]*host
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.log = l
		}
	}
}

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(c *http.Client) Option { return func(f *Fetcher) { f.client = c } }

// WithClock overrides the time source used by breakers.
func WithClock(now func() time.Time) Option { return func(f *Fetcher) { f.now = now } }

// WithJitter overrides the jitter source; it must return values in [0, 1).
func WithJitter(fn func() float64) Option { return func(f *Fetcher) { f.jitter = fn } }

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxPerHost <= 0 {
		cfg.MaxPerHost = def.MaxPerHost
	}
	return cfg
}

// Budget is the longest Do can run when every attempt times out: one
// Timeout per attempt plus the largest jittered backoff between them.
// Callers bounding a whole fetch should allow at least this much.
func (cfg Config) Budget() time.Duration {
	cfg = cfg.withDefaults()
	d := cfg.Timeout * time.Duration(cfg.MaxRetries+1)
	for n := 0; n < cfg.MaxRetries; n++ {
		d += (cfg.BaseBackoff << n) * 5 / 4
	}
	return d
}

// New creates a Fetcher. Zero fields in cfg take their defaults.
func New(cfg Config, opts ...Option) *Fetcher {
	cfg = cfg.withDefaults()
	f := &Fetcher{
		cfg:    cfg,
		client: &http.Client{},
		log:    slog.Default(),
		now:    time.Now,
		jitter: rand.Float64,
		hosts:  make(map[string]*host),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fetcher) host(name string) *host {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[name]
	if !ok {
		h = &host{
			name:    name,
			sem:     semaphore.NewWeighted(int64(f.cfg.MaxPerHost)),
			breaker: NewBreaker(f.cfg.Breaker, f.now),
		}
		f.hosts[name] = h
	}
	return h
}

// Do performs req, retrying network errors and 5xx responses. A response
// with any status below 500 is returned without error.
func (f *Fetcher) Do(ctx context.Context, req Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return nil, frame.Wrap(frame.CodeInternal, fmt.Errorf("invalid upstream url %q: %v", req.URL, err), "invalid upstream url")
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	h := f.host(u.Host)

	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := f.backoff(ctx, attempt-1); err != nil {
				return nil, err
			}
		}

		ok, probe := h.breaker.Allow()
		if !ok {
			f.log.DebugContext(ctx, "upstream.breaker.reject", slog.String("host", h.name))
			if lastErr != nil {
				return nil, &frame.Error{Code: frame.CodeUpstreamUnavailable, Message: "circuit open for " + h.name, Err: lastErr}
			}
			return nil, frame.Errorf(frame.CodeUpstreamUnavailable, "circuit open for %s", h.name)
		}

		res, retryable, err := f.attempt(ctx, h, req)
		if err == nil {
			h.breaker.Record(true)
			return res, nil
		}
		if errors.Is(err, frame.ErrOverloaded) {
			h.breaker.Cancel(probe)
			return nil, err
		}
		if ctx.Err() != nil {
			// The caller gave up; that says nothing about the host.
			h.breaker.Cancel(probe)
			return nil, frame.FromContext(ctx.Err())
		}
		f.mu.Lock()
		h.failures++
		f.mu.Unlock()
		if h.breaker.Record(false) {
			f.log.WarnContext(ctx, "upstream.breaker.open", slog.String("host", h.name), slog.String("err", err.Error()))
		}
		lastErr = err
		if !retryable {
			break
		}
		f.log.DebugContext(ctx, "upstream.retry", slog.String("host", h.name), slog.Int("attempt", attempt+1), slog.String("err", err.Error()))
	}
	return nil, &frame.Error{Code: frame.CodeUpstreamUnavailable, Message: "upstream retries exhausted", Err: lastErr}
}

func (f *Fetcher) attempt(ctx context.Context, h *host, req Request) (*Response, bool, error) {
	wait, cancelWait := context.WithTimeout(ctx, f.cfg.Timeout)
	err := h.sem.Acquire(wait, 1)
	cancelWait()
	if err != nil {
		return nil, false, frame.Errorf(frame.CodeOverloaded, "upstream concurrency cap reached for %s", h.name)
	}
	defer h.sem.Release(1)

	f.mu.Lock()
	h.requests++
	f.mu.Unlock()

	actx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(actx, req.Method, req.URL, body)
	if err != nil {
		return nil, false, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}

	resp, err := f.client.Do(hreq)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, true, fmt.Errorf("read upstream body: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: b}, false, nil
}

// backoff sleeps base*2^n scaled by a ±25% jitter, or returns Timeout if ctx
// ends first.
func (f *Fetcher) backoff(ctx context.Context, n int) error {
	d := f.cfg.BaseBackoff << n
	d = time.Duration(float64(d) * (0.75 + 0.5*f.jitter()))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return frame.FromContext(ctx.Err())
	case <-t.C:
		return nil
	}
}

// GetJSON fetches url and decodes a 2xx JSON body into out. A 404 maps to
// NotFound.
func (f *Fetcher) GetJSON(ctx context.Context, url string, out any) (int, error) {
	res, err := f.Do(ctx, Request{Method: http.MethodGet, URL: url, Header: http.Header{"Accept": {"application/json"}}})
	if err != nil {
		return 0, err
	}
	return res.StatusCode, decodeJSON(res, out)
}

// PostJSON posts in as JSON and decodes a 2xx JSON body into out.
func (f *Fetcher) PostJSON(ctx context.Context, url string, in, out any) (int, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("encode request: %w", err)
	}
	res, err := f.Do(ctx, Request{
		Method: http.MethodPost,
		URL:    url,
		Header: http.Header{"Content-Type": {"application/json"}, "Accept": {"application/json"}},
		Body:   b,
	})
	if err != nil {
		return 0, err
	}
	return res.StatusCode, decodeJSON(res, out)
}

func decodeJSON(res *Response, out any) error {
	switch {
	case res.StatusCode == http.StatusNotFound:
		return frame.Errorf(frame.CodeNotFound, "upstream resource not found")
	case res.StatusCode < 200 || res.StatusCode > 299:
		return frame.Errorf(frame.CodeInternal, "upstream status %d", res.StatusCode)
	}
	if out == nil || len(res.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Body, out); err != nil {
		return frame.Wrap(frame.CodeInternal, err, "invalid upstream json")
	}
	return nil
}

// Stats reports per-host state.
func (f *Fetcher) Stats() []HostStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]HostStats, 0, len(f.hosts))
	for _, h := range f.hosts {
		out = append(out, HostStats{Host: h.name, Breaker: h.breaker.State(), Requests: h.requests, Failures: h.failures})
	}
	return out
}

// BreakerState reports the breaker state for hostname.
func (f *Fetcher) BreakerState(hostname string) BreakerState {
	return f.host(hostname).breaker.State()
}
