package sportsdata

import (
	"context"
	"log/slog"
	"time"

	"github.com/ggoodman/sportstream-go/query"
)

// Refresher periodically re-resolves a fixed set of reads so the cache stays
// warm. When it runs is the caller's concern; it only needs an interval.
type Refresher struct {
	svc      *query.Service
	paths    []string
	interval time.Duration
	log      *slog.Logger
}

// DefaultRefreshPaths are the team lists of every league.
func DefaultRefreshPaths() []string {
	out := make([]string, 0, len(Sports))
	for _, s := range Sports {
		out = append(out, "/api/"+string(s)+"/teams")
	}
	return out
}

// NewRefresher creates a Refresher. A nil paths list refreshes
// DefaultRefreshPaths; a non-positive interval means five minutes.
func NewRefresher(svc *query.Service, interval time.Duration, paths []string, log *slog.Logger) *Refresher {
	if paths == nil {
		paths = DefaultRefreshPaths()
	}
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Refresher{svc: svc, paths: paths, interval: interval, log: log}
}

// RefreshOnce refreshes every path and reports how many succeeded.
func (r *Refresher) RefreshOnce(ctx context.Context) (ok, failed int) {
	for _, p := range r.paths {
		if _, err := r.svc.Refresh(ctx, query.Request{Path: p}); err != nil {
			failed++
			r.log.WarnContext(ctx, "refresher.path.fail", slog.String("path", p), slog.String("err", err.Error()))
			continue
		}
		ok++
	}
	return ok, failed
}

// Run refreshes immediately and then every interval until ctx is done.
func (r *Refresher) Run(ctx context.Context) error {
	start := time.Now()
	ok, failed := r.RefreshOnce(ctx)
	r.log.InfoContext(ctx, "refresher.run", slog.Int("ok", ok), slog.Int("failed", failed), slog.Duration("dur", time.Since(start)))
	return runTicker(ctx, r.interval, func(ctx context.Context) {
		start := time.Now()
		ok, failed := r.RefreshOnce(ctx)
		r.log.DebugContext(ctx, "refresher.run", slog.Int("ok", ok), slog.Int("failed", failed), slog.Duration("dur", time.Since(start)))
	})
}
