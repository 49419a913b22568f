// Command gateway serves the real-time client gateway: WebSocket and SSE
// streaming plus cached HTTP reads.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ggoodman/sportstream-go/auth"
	"github.com/ggoodman/sportstream-go/cache"
	"github.com/ggoodman/sportstream-go/channels"
	"github.com/ggoodman/sportstream-go/fanout/redisbus"
	"github.com/ggoodman/sportstream-go/gateway"
	"github.com/ggoodman/sportstream-go/internal/config"
	"github.com/ggoodman/sportstream-go/internal/engine"
	"github.com/ggoodman/sportstream-go/internal/logging"
	"github.com/ggoodman/sportstream-go/query"
	"github.com/ggoodman/sportstream-go/sessions"
	"github.com/ggoodman/sportstream-go/sportsdata"
	"github.com/ggoodman/sportstream-go/storage"
	"github.com/ggoodman/sportstream-go/storage/memory"
	redisstore "github.com/ggoodman/sportstream-go/storage/redis"
	"github.com/ggoodman/sportstream-go/upstream"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const contactStoreSize = 10000

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("gateway.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
	log.Info("gateway.stopped")
}

// verifier assembles the credential chain from configuration: API keys, then
// JWTs, then the remote verifier.
func verifier(ctx context.Context, cfg config.Config, f *upstream.Fetcher) (auth.Verifier, error) {
	var vs []auth.Verifier
	if cfg.APIKeys != "" {
		keys, err := auth.ParseAPIKeys(cfg.APIKeys)
		if err != nil {
			return nil, err
		}
		vs = append(vs, auth.NewAPIKeys(keys))
	}
	switch {
	case cfg.OIDCIssuer != "" && cfg.OIDCJWKSURL != "":
		v, err := auth.SecurityConfig{
			Issuer:    cfg.OIDCIssuer,
			Audiences: []string{cfg.OIDCAudience},
			JWKSURL:   cfg.OIDCJWKSURL,
		}.NewManualJWTVerifier(ctx)
		if err != nil {
			return nil, fmt.Errorf("jwt verifier: %w", err)
		}
		vs = append(vs, v)
	case cfg.OIDCIssuer != "":
		v, err := auth.NewJWTFromDiscovery(ctx, cfg.OIDCIssuer, cfg.OIDCAudience)
		if err != nil {
			return nil, fmt.Errorf("jwt verifier: %w", err)
		}
		vs = append(vs, v)
	}
	if cfg.AuthVerifierURL != "" {
		vs = append(vs, auth.NewRemoteVerifier(cfg.AuthVerifierURL, f))
	}
	if len(vs) == 0 {
		return auth.Deny, nil
	}
	return auth.Chain(vs...), nil
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	upCfg := upstream.Config{
		Timeout:    cfg.UpstreamTimeout(),
		MaxRetries: cfg.UpstreamMaxRetries,
		MaxPerHost: cfg.UpstreamMaxPerHost,
		Breaker: upstream.BreakerConfig{
			FailureThreshold: cfg.BreakerFailureThreshold,
			Window:           cfg.BreakerWindow(),
			Cooldown:         cfg.BreakerCooldown(),
		},
	}
	fetcher := upstream.New(upCfg, upstream.WithLogger(log))
	// A fetch may use every retry; queries get a second on top to answer.
	fetchBudget := upCfg.Budget()

	v, err := verifier(ctx, cfg, fetcher)
	if err != nil {
		return err
	}

	reg := channels.New(channels.Config{
		MaxChannels:      cfg.MaxChannels,
		DefaultRetention: cfg.RetentionSize,
	}, channels.WithLogger(log))
	mgr := sessions.NewManager(sessions.Config{
		MaxSessions:    cfg.MaxSessions,
		MaxPerIdentity: cfg.MaxSessionsPerIdentity,
		OutboxSize:     cfg.OutboundQueueSize,
		IdleTimeout:    cfg.IdleTimeout(),
	}, v, sessions.WithLogger(log), sessions.WithCloseHook(engine.ScrubOnClose(reg, log)))

	c, err := cache.New(cfg.CacheMaxEntries, cache.WithLogger(log), cache.WithFetchTimeout(fetchBudget))
	if err != nil {
		return err
	}
	qs := query.NewService(c, query.WithLogger(log))

	docs, err := sportsdata.NewStaticDocuments(cfg.StaticDataDir,
		sportsdata.WithStaticLogger(log),
		sportsdata.WithOnChange(func(name string) {
			log.Info("static.document.reload", slog.String("name", name))
		}),
	)
	if err != nil {
		return err
	}

	mock := sportsdata.NewMockProvider()
	var provider sportsdata.Provider = mock
	if cfg.SportsUpstreamURL != "" {
		p, err := sportsdata.NewHTTPProvider(cfg.SportsUpstreamURL, fetcher)
		if err != nil {
			return err
		}
		provider = p
	}
	pressure := sportsdata.NewPressureSimulator(sportsdata.WithLogger(log))
	games := sportsdata.NewGameSimulator(mock, sportsdata.WithLogger(log))
	sportsdata.RegisterRoutes(qs, sportsdata.Sources{
		Provider:  provider,
		Documents: docs,
		Pressure:  pressure,
		TeamsTTL:  cfg.CacheDefaultTTL(),
	})

	engOpts := []engine.EngineOption{
		engine.WithLogger(log),
		engine.WithMaxSubscriptions(cfg.MaxSubscriptionsPerSession),
		engine.WithQueryTimeout(fetchBudget+time.Second),
	}
	hOpts := []gateway.Option{
		gateway.WithLogger(log),
		gateway.WithCache(c),
		gateway.WithFetcher(fetcher),
		gateway.WithStatusDocument(func() (json.RawMessage, error) { return docs.Get("status") }),
	}

	var (
		store storage.Storage
		mem   *memory.Storage
	)
	if cfg.RedisAddr != "" {
		// Pub/Sub holds its connection, so the bus gets a client of its own.
		rs, err := redisstore.New(redisstore.Config{Client: redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})})
		if err != nil {
			return err
		}
		defer rs.Close()
		bus, err := redisbus.New(redisbus.Config{Client: redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), Logger: log})
		if err != nil {
			return err
		}
		defer bus.Close()
		store = rs
		engOpts = append(engOpts, engine.WithBus(bus))
		hOpts = append(hOpts, gateway.WithPinger("redis", rs), gateway.WithPinger("fanout", bus))
	} else {
		mem, err = memory.New(contactStoreSize)
		if err != nil {
			return err
		}
		defer mem.Close()
		store = mem
	}
	hOpts = append(hOpts, gateway.WithStorage(store))

	eng := engine.NewEngine(mgr, reg, qs, engOpts...)
	h := gateway.New(gateway.Config{
		AllowedOrigins: cfg.Origins(),
		FallbackOrigin: cfg.Fallback(),
		Version:        cfg.AppVersion,
		AdminToken:     cfg.AdminToken,
		HelloTimeout:   cfg.HelloTimeout(),
		SSEHeartbeat:   cfg.SSEHeartbeat(),
	}, eng, hOpts...)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	bg, bgCtx := errgroup.WithContext(context.Background())
	bgCtx, cancelBg := context.WithCancel(bgCtx)
	defer cancelBg()
	bg.Go(func() error { return mgr.Run(bgCtx) })
	bg.Go(func() error { return reg.Run(bgCtx) })
	bg.Go(func() error { return c.Run(bgCtx) })
	bg.Go(func() error { return docs.Watch(bgCtx) })
	bg.Go(func() error { return eng.Run(bgCtx) })
	bg.Go(func() error { return sportsdata.Producers(bgCtx, eng, pressure, games) })
	bg.Go(func() error { return sportsdata.NewRefresher(qs, cfg.CacheDefaultTTL()/2, nil, log).Run(bgCtx) })
	if mem != nil {
		bg.Go(func() error { return mem.Run(bgCtx, time.Minute) })
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("gateway.listen", slog.String("addr", srv.Addr), slog.String("version", cfg.AppVersion))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		cancelBg()
		_ = bg.Wait()
		return fmt.Errorf("serve: %w", err)
	case <-bgCtx.Done():
		_ = srv.Close()
		return fmt.Errorf("background task: %w", bg.Wait())
	case <-ctx.Done():
	}

	log.Info("gateway.drain.start", slog.Duration("deadline", cfg.DrainDeadline()))
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainDeadline())
	defer cancel()
	shutdown(drainCtx, srv, h, log)
	cancelBg()
	if err := bg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
