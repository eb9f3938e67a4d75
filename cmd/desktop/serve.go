package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/tripplanner/cmd/desktop/handlers"
	"github.com/kimhsiao/tripplanner/internal/logging"
	"github.com/kimhsiao/tripplanner/internal/remote"
	"github.com/kimhsiao/tripplanner/internal/sync/connectivity"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync service with its REST and WebSocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = c.cfg.HTTPAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http.addr)")
	return cmd
}

// serve runs the orchestrator, the connectivity prober, the WebSocket hub
// and the HTTP server until ctx is cancelled.
func (c *cli) serve(ctx context.Context, addr string) error {
	backend, err := remote.Open(c.cfg.Remote)
	if err != nil {
		return err
	}

	var (
		source connectivity.Source
		prober *connectivity.Prober
	)
	if c.cfg.Connectivity.AssumeOnline {
		source = connectivity.NewManual(true)
	} else {
		prober = connectivity.NewProber(backend, c.cfg.Connectivity.ProbeInterval, c.cfg.Remote.Timeout, false)
		prober.Probe(ctx)
		source = prober
	}

	a, err := c.openApp(ctx, source, backend)
	if err != nil {
		backend.Close()
		return err
	}
	defer a.Close()

	hub := NewWSHub()
	detach := hub.Attach(a.orch)
	defer detach()

	srv := &http.Server{
		Addr:              addr,
		Handler:           handlers.NewRouter(a.orch, HandleWebSocket(hub)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	if prober != nil {
		prober.Start(gctx)
		defer prober.Stop()
	}
	g.Go(func() error {
		logging.Info("Sync service listening", map[string]interface{}{
			"addr":    addr,
			"durable": a.store.Durable(),
			"driver":  c.cfg.Remote.Driver,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logging.Info("Sync service stopped")
	return err
}
