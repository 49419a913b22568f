// Package query serves cacheable reads. A read is identified by its
// fingerprint, matched against a route table carrying a TTL class and a tier
// gate, and resolved through the origin cache so concurrent identical reads
// share a single upstream fetch.
package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/ggoodman/sportstream-go/auth"
	"github.com/ggoodman/sportstream-go/cache"
	"github.com/ggoodman/sportstream-go/frame"
)

// Request is one read.
type Request struct {
	Method string
	Path   string
	Query  url.Values
}

// FromPayload converts a query frame payload.
func FromPayload(p frame.QueryPayload) Request {
	q := make(url.Values, len(p.Query))
	for k, v := range p.Query {
		q.Set(k, v)
	}
	return Request{Method: p.Method, Path: p.Path, Query: q}
}

// Fingerprint hashes the method, the cleaned path and the query string with
// keys and values sorted, so equivalent reads share a cache entry.
func Fingerprint(method, path string, q url.Values) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{'\n'})
	h.Write([]byte(cleanPath(path)))
	h.Write([]byte{'\n'})
	for _, k := range slices.Sorted(maps.Keys(q)) {
		vs := slices.Clone(q[k])
		slices.Sort(vs)
		for _, v := range vs {
			h.Write([]byte(url.QueryEscape(k)))
			h.Write([]byte{'='})
			h.Write([]byte(url.QueryEscape(v)))
			h.Write([]byte{'&'})
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	p = "/" + strings.Trim(p, "/")
	return strings.ToLower(p)
}

// Params holds the path wildcards and query string of a matched read.
type Params struct {
	Path  map[string]string
	Query url.Values
}

// Get returns the named path wildcard.
func (p Params) Get(name string) string { return p.Path[name] }

// ResolveFunc produces the JSON-encodable result for a read.
type ResolveFunc func(ctx context.Context, p Params) (any, error)

// Route is one entry of the read table.
type Route struct {
	Pattern string
	// TTL is the cache lifetime; zero serves every read fresh.
	TTL     time.Duration
	MinTier auth.Tier
	Resolve ResolveFunc

	segments []string
}

// Result is a resolved read.
type Result struct {
	cache.Value
	Route *Route
}

// MaxAge is the remaining freshness of r at now.
func (r Result) MaxAge(now time.Time) time.Duration {
	if r.ExpiresAt.IsZero() {
		return 0
	}
	return max(r.ExpiresAt.Sub(now), 0)
}

// Service is safe for concurrent use once routes are registered.
type Service struct {
	cache  *cache.Cache
	log    *slog.Logger
	routes []*Route
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// NewService creates an empty route table backed by c.
func NewService(c *cache.Cache, opts ...Option) *Service {
	s := &Service{cache: c, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle registers a GET route. Pattern segments of the form {name} are
// wildcards.
func (s *Service) Handle(pattern string, ttl time.Duration, minTier auth.Tier, fn ResolveFunc) {
	s.routes = append(s.routes, &Route{
		Pattern:  pattern,
		TTL:      ttl,
		MinTier:  minTier,
		Resolve:  fn,
		segments: split(pattern),
	})
}

// Routes lists the registered routes.
func (s *Service) Routes() []*Route { return slices.Clone(s.routes) }

func split(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func (s *Service) match(path string) (*Route, map[string]string) {
	segs := split(path)
	for _, r := range s.routes {
		if len(r.segments) != len(segs) {
			continue
		}
		vars := map[string]string{}
		ok := true
		for i, seg := range r.segments {
			if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
				v, err := url.PathUnescape(segs[i])
				if err != nil || v == "" {
					ok = false
					break
				}
				vars[seg[1:len(seg)-1]] = strings.ToLower(v)
				continue
			}
			if !strings.EqualFold(seg, segs[i]) {
				ok = false
				break
			}
		}
		if ok {
			return r, vars
		}
	}
	return nil, nil
}

// Lookup returns the route serving path, or NotFound.
func (s *Service) Lookup(path string) (*Route, error) {
	r, _ := s.match(path)
	if r == nil {
		return nil, frame.Errorf(frame.CodeNotFound, "no resource at %s", path)
	}
	return r, nil
}

// Query resolves req for a caller holding tier.
func (s *Service) Query(ctx context.Context, tier auth.Tier, req Request) (Result, error) {
	return s.resolve(ctx, tier, req, false)
}

func (s *Service) resolve(ctx context.Context, tier auth.Tier, req Request, refresh bool) (Result, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if !strings.EqualFold(req.Method, http.MethodGet) {
		return Result{}, frame.Errorf(frame.CodeInvalidFrame, "method %s is not allowed for queries", req.Method)
	}
	r, vars := s.match(req.Path)
	if r == nil {
		return Result{}, frame.Errorf(frame.CodeNotFound, "no resource at %s", req.Path)
	}
	if !tier.AtLeast(r.MinTier) {
		if tier == auth.TierAnonymous {
			return Result{}, frame.Errorf(frame.CodeAuthFailed, "%s requires authentication", req.Path)
		}
		return Result{}, frame.Errorf(frame.CodeTierDenied, "%s requires tier %s", req.Path, r.MinTier)
	}

	params := Params{Path: vars, Query: req.Query}
	fetch := func(ctx context.Context) (cache.Value, error) {
		v, err := r.Resolve(ctx, params)
		if err != nil {
			return cache.Value{}, err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return cache.Value{}, frame.Internal(err)
		}
		return cache.Value{Body: b, ContentType: "application/json"}, nil
	}

	if r.TTL <= 0 {
		v, err := fetch(ctx)
		if err != nil {
			return Result{}, err
		}
		v.ETag = cache.ETag(v.Body)
		return Result{Value: v, Route: r}, nil
	}

	fp := Fingerprint(req.Method, req.Path, req.Query)
	lookup := s.cache.LookupOrFetch
	if refresh {
		lookup = s.cache.Refresh
	}
	v, err := lookup(ctx, fp, r.TTL, fetch)
	if err != nil {
		if fe, ok := frame.As(err); ok && fe.Code == frame.CodeInternal {
			s.log.ErrorContext(ctx, "query.resolve.fail", slog.String("path", req.Path), slog.String("ref", fe.Ref), slog.String("err", err.Error()))
		}
		return Result{}, err
	}
	return Result{Value: v, Route: r}, nil
}

// Refresh resolves req again with full privileges, bypassing any cached
// entry. The entry is replaced only when the resolve succeeds.
func (s *Service) Refresh(ctx context.Context, req Request) (Result, error) {
	return s.resolve(ctx, auth.TierEnterprise, req, true)
}
