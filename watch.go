package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"geoquery/logger"
	"geoquery/models"
	"geoquery/query"
)

var (
	watchLat    float64
	watchLng    float64
	watchRadius float64
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a live radius query",
	Long:  `Run a live query against the configured store and print its events as JSON lines until interrupted.`,
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().Float64Var(&watchLat, "lat", 0, "Centre latitude")
	watchCmd.Flags().Float64Var(&watchLng, "lng", 0, "Centre longitude")
	watchCmd.Flags().Float64VarP(&watchRadius, "radius", "r", 1, "Radius in km")
	rootCmd.AddCommand(watchCmd)
}

type watchLine struct {
	Event string        `json:"event"`
	Data  *models.Event `json:"data,omitempty"`
	Error string        `json:"error,omitempty"`
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	engine, err := query.NewEngine(query.Options{
		Store:      st,
		Decomposer: cfg.Decomposer(),
		Retry:      cfg.RetryPolicy(),
		InboxSize:  cfg.Query.InboxSize,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	q, err := engine.Create(models.Criteria{
		Center:   models.Location{Latitude: watchLat, Longitude: watchLng},
		RadiusKm: watchRadius,
	})
	if err != nil {
		return err
	}
	logger.L().Info("watching", "query", q.ID(), "ranges", len(q.Ranges()))

	lines := make(chan watchLine, 256)
	push := func(l watchLine) {
		select {
		case lines <- l:
		case <-q.Done():
		}
	}
	for _, t := range []models.EventType{models.KeyEntered, models.KeyMoved, models.KeyExited} {
		name := t.String()
		q.On(t, func(ev models.Event) { push(watchLine{Event: name, Data: &ev}) })
	}
	q.OnReady(func() { push(watchLine{Event: "ready"}) })
	q.OnError(func(err error) { push(watchLine{Event: "error", Error: err.Error()}) })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		q.Cancel()
		return nil
	})
	g.Go(func() error {
		enc := json.NewEncoder(cmd.OutOrStdout())
		for {
			select {
			case <-q.Done():
				return nil
			case line := <-lines:
				if err := enc.Encode(line); err != nil {
					return err
				}
			}
		}
	})
	return g.Wait()
}
