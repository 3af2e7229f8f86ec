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

	"geoquery/api"
	"geoquery/logger"
	"geoquery/metrics"
	"geoquery/query"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long:  `Serve location writes, one-shot searches and live query streams over HTTP.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.L()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	m, err := metrics.New(nil)
	if err != nil {
		return err
	}
	engine, err := query.NewEngine(query.Options{
		Store:      st,
		Decomposer: cfg.Decomposer(),
		Retry:      cfg.RetryPolicy(),
		Logger:     log,
		Metrics:    m,
		InboxSize:  cfg.Query.InboxSize,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.NewServer(api.Options{
			Store:        st,
			Engine:       engine,
			Decomposer:   cfg.Decomposer(),
			Metrics:      m,
			Logger:       log,
			StreamBuffer: cfg.Server.StreamBuffer,
		}).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server_started", "addr", cfg.Server.Addr, "store", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Streams end once their queries are cancelled.
		engine.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Info("server_stopping")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
