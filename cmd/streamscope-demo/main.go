// Command streamscope-demo simulates a page using the reactive library,
// runs a content agent over it and relays the capture to a running
// streamscope daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labring/streamscope/pkg/agent"
	"github.com/labring/streamscope/pkg/hook"
	"github.com/labring/streamscope/pkg/page"
	"github.com/labring/streamscope/pkg/relay"
	"github.com/labring/streamscope/pkg/rx"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"
)

func main() {
	server := flag.String("server", "ws://localhost:9757", "daemon base URL")
	token := flag.String("token", os.Getenv("TOKEN"), "daemon API token (env TOKEN)")
	tab := flag.Int("tab", 1, "tab id to report as")
	pageURL := flag.String("url", "https://demo.shop/cart", "simulated page URL")
	interval := flag.Duration("interval", 500*time.Millisecond, "delay between simulated events")
	flag.Parse()

	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	}

	relayURL, err := relayEndpoint(*server, *tab, *token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "streamscope-demo: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, relayURL, *tab, *pageURL, *interval); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("demo exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func relayEndpoint(base string, tab int, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", base, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid server URL %q: scheme must be ws or wss", base)
	}
	u.Path = "/ws/relay"
	q := u.Query()
	q.Set("tabId", fmt.Sprint(tab))
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func run(ctx context.Context, relayURL string, tab int, pageURL string, interval time.Duration) error {
	win := page.NewWindow(pageURL)
	observable := rx.NewClass("Observable")
	win.SetGlobal("rxjs", page.Namespace{"Observable": observable})

	uplink := relay.NewWSUplink(relay.WSUplinkConfig{URL: relayURL})
	a := agent.New(win, agent.Options{TabID: tab, Uplink: uplink, InstallHook: true})

	tracker := hook.NewTracker(win, hook.TrackerOptions{Name: "Demo Shop"})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return uplink.Run(gctx) })
	g.Go(func() error {
		a.Start(gctx)
		tracker.Start()
		defer tracker.Stop()
		return simulate(gctx, observable, tracker, interval)
	})
	return g.Wait()
}

// simulate drives two kinds of streams: a short quote stream per tick on
// the page's own observable class, picked up once interception is in
// place, and a long-lived cart stream reported through the tracker.
func simulate(ctx context.Context, observable *rx.Class, tracker *hook.Tracker, interval time.Duration) error {
	cart := rx.NewSubject()
	tracker.Track(cart.Observable(), "Cart", map[string]any{"team": "checkout"}).SubscribeFunc(func(any) {})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			cart.Complete()
			return ctx.Err()
		case <-ticker.C:
			quote(observable, n)
			if n%3 == 0 {
				cart.Next(map[string]any{"items": n / 3})
			}
		}
	}
}

func quote(observable *rx.Class, n int) {
	observable.New(func(out *rx.Subscriber) func() {
		out.Next(n)
		if n%10 == 0 {
			out.Error(fmt.Errorf("quote %d rejected", n))
			return nil
		}
		out.Next(n + 1)
		out.Complete()
		return nil
	}).Map(func(v any) any { return v.(int) * 100 }).Subscribe(rx.Observer{
		Next:  func(any) {},
		Error: func(error) {},
	})
}
