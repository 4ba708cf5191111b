// ABOUTME: Fake upstream for local runs and E2E tests: token endpoints plus a location websocket
// ABOUTME: Usage: fake-feed [-addr localhost:9090] [-agents 5] [-interval 2s] [-access-ttl 5m]

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"
)

func main() {
	addr := flag.String("addr", "localhost:9090", "listen address")
	agents := flag.Int("agents", 5, "number of simulated agents")
	parked := flag.Int("parked", 1, "how many of them never move")
	interval := flag.Duration("interval", 2*time.Second, "time between location frames")
	accessTTL := flag.Duration("access-ttl", 5*time.Minute, "access token lifetime")
	phone := flag.String("phone", "+15550100", "accepted login phone number")
	password := flag.String("password", "fieldtrack", "accepted login password")
	seed := flag.Int64("seed", 1, "simulation seed")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	srv, err := newServer(serverConfig{
		Agents:    *agents,
		Parked:    *parked,
		Interval:  *interval,
		AccessTTL: *accessTTL,
		Phone:     *phone,
		Password:  *password,
		Seed:      *seed,
	}, logger)
	if err != nil {
		log.Fatal(err)
	}

	if err := run(*addr, srv, logger); err != nil {
		log.Fatal(err)
	}
}

func run(addr string, srv *server, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	httpServer := &http.Server{
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	fmt.Fprintf(os.Stderr, "fake feed on ws://%s/ws/agents/ (login %s / %s)\n", ln.Addr(), srv.cfg.Phone, srv.cfg.Password)
	fmt.Fprintf(os.Stderr, "  refresh_url: http://%s/api/token/refresh/\n", ln.Addr())
	fmt.Fprintf(os.Stderr, "  login_url:   http://%s/api/token/\n", ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}
