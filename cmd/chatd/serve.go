package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/chatengine"
	tracing "github.com/aixgo-dev/chatengine/internal/observability"
	"github.com/aixgo-dev/chatengine/pkg/config"
	"github.com/aixgo-dev/chatengine/pkg/observability"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log.Printf("Starting chatd %s", chatengine.Version)

	if err := tracing.Init(cfg.Tracing); err != nil {
		log.Printf("Warning: Failed to initialize tracing: %v", err)
	}
	observability.InitMetrics()

	engine, err := chatengine.New(ctx, cfg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           engine.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	obsServer := observability.NewServer(cfg.Server.ObservabilityAddr, engine.Health())

	jobs := cron.New()
	if _, err := jobs.AddFunc(cfg.Maintenance.Schedule, engine.Maintain); err != nil {
		_ = engine.Close(context.Background())
		return fmt.Errorf("invalid maintenance schedule %q: %w", cfg.Maintenance.Schedule, err)
	}
	jobs.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Chat server listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("chat server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Printf("Observability server listening on %s", cfg.Server.ObservabilityAddr)
		if err := obsServer.Start(); err != nil {
			return fmt.Errorf("observability server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		<-jobs.Stop().Done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Chat server shutdown error: %v", err)
		}
		if err := engine.Close(shutdownCtx); err != nil {
			log.Printf("Engine shutdown error: %v", err)
		}
		if err := obsServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Observability server shutdown error: %v", err)
		}
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Printf("Warning: Failed to shutdown tracing: %v", err)
		}
		return nil
	})

	err = g.Wait()
	log.Println("chatd stopped")
	return err
}
