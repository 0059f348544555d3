package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pixperk/deisync/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an in-memory ring server",
	Long: `Serves the ring API and the live stream:

  GET  /rings      current cycle as a snapshot
  POST /rings      place a ring (409 when the slot is taken)
  POST /images     attach a photo to an accepted ring
  GET  /ws-rings   snapshot followed by every accepted ring

State lives in memory only and is lost on exit.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	srv := server.New(cfg.Capacity, logger.Named("server"))
	httpSrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Server.Listen), zap.Int("capacity", cfg.Capacity))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// streams are hijacked, so close them before waiting on handlers
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	logger.Info("server stopped", zap.Int("rings", len(srv.Rings())), zap.Int("cycle", srv.Cycle()), zap.Int("photos", len(srv.Photos())))
	return err
}
