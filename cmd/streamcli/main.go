// Command streamcli subscribes to gateway channels and prints every event.
//
//	streamcli -url ws://localhost:8080/ws -token sk_demo -channel pressure.g1 -channel game.nfl.g1
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/ggoodman/sportstream-go/frame"
	"github.com/ggoodman/sportstream-go/internal/logging"
	"github.com/ggoodman/sportstream-go/sdk"
)

type channelList []string

func (c *channelList) String() string { return strings.Join(*c, ",") }

func (c *channelList) Set(v string) error {
	for _, name := range strings.Split(v, ",") {
		if name = strings.TrimSpace(name); name != "" {
			*c = append(*c, name)
		}
	}
	return nil
}

func main() {
	var (
		channels channelList
		url      = flag.String("url", "ws://localhost:8080/ws", "gateway WebSocket URL")
		token    = flag.String("token", os.Getenv("STREAM_TOKEN"), "bearer token (default $STREAM_TOKEN)")
		query    = flag.String("query", "", "run one query for this path before streaming")
		level    = flag.String("log-level", "warn", "log level")
	)
	flag.Var(&channels, "channel", "channel to subscribe to (repeatable)")
	flag.Parse()

	log, err := logging.New(os.Stderr, *level, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "streamcli: %v\n", err)
		os.Exit(2)
	}
	if len(channels) == 0 && *query == "" {
		fmt.Fprintln(os.Stderr, "streamcli: at least one -channel or -query is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, log, *url, *token, *query, channels); err != nil {
		fmt.Fprintf(os.Stderr, "streamcli: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer, log *slog.Logger, url, token, query string, channels []string) error {
	c := sdk.New(sdk.Config{URL: url, Token: token}, sdk.WithLogger(log))
	defer c.Close()
	c.OnStateChange(func(from, to sdk.State) {
		log.Info("streamcli.state", slog.String("state", to.String()))
	})

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := c.Connect(connectCtx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	id, tier := c.Session()
	fmt.Fprintf(out, "%s session=%s tier=%s\n", color.GreenString("connected"), id, tier)

	if query != "" {
		qctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		res, err := c.Query(qctx, query, nil)
		cancel()
		if err != nil {
			return fmt.Errorf("query %s: %w", query, err)
		}
		fmt.Fprintf(out, "%s %s\n", color.CyanString(query), res.Data)
		if len(channels) == 0 {
			return nil
		}
	}

	for _, name := range channels {
		if err := c.Subscribe(name); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c.Events():
			if !ok {
				return c.Err()
			}
			printEvent(out, ev)
		}
	}
}

func printEvent(out io.Writer, ev *frame.Frame) {
	if ev.Type == frame.TypeError {
		fmt.Fprintf(out, "%s %s\n", color.RedString("error"), ev.Payload)
		return
	}
	fmt.Fprintf(out, "%s #%d %s\n", color.CyanString(ev.Channel), ev.Seq, ev.Payload)
}
