package main

import (
	"context"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"
)

type drainer interface {
	Drain(ctx context.Context) error
}

// shutdown stops accepting connections, then drains open sessions while the
// server waits for in-flight requests. Both share ctx as their deadline.
func shutdown(ctx context.Context, srv *http.Server, d drainer, log *slog.Logger) {
	// Shutdown hooks run once the listeners are closed.
	closed := make(chan struct{})
	srv.RegisterOnShutdown(func() { close(closed) })

	var g errgroup.Group
	g.Go(func() error {
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("gateway.shutdown.forced", slog.String("err", err.Error()))
			_ = srv.Close()
		}
		return nil
	})

	select {
	case <-closed:
	case <-ctx.Done():
	}
	if err := d.Drain(ctx); err != nil {
		log.Warn("gateway.drain.incomplete", slog.String("err", err.Error()))
	}
	_ = g.Wait()
}
