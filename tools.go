package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"geoquery/config"
	"geoquery/models"
	"geoquery/query"
	"geoquery/store/pgstore"
)

var (
	toolLat     float64
	toolLng     float64
	toolRadius  float64
	toolLimit   int
	toolPayload string
)

var rangesCmd = &cobra.Command{
	Use:   "ranges",
	Short: "Print the geohash ranges covering a circle",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ranges, err := cfg.Decomposer().Ranges(toolLat, toolLng, toolRadius)
		if err != nil {
			return err
		}
		for _, r := range ranges {
			fmt.Fprintln(cmd.OutOrStdout(), r)
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "List the keys inside a circle, nearest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		engine, err := query.NewEngine(query.Options{Store: st, Decomposer: cfg.Decomposer()})
		if err != nil {
			return err
		}
		results, err := engine.Search(ctx, models.Criteria{
			Center:   models.Location{Latitude: toolLat, Longitude: toolLng},
			RadiusKm: toolRadius,
		}, toolLimit)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, r := range results {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:   "put KEY",
	Short: "Store the location of a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		var payload json.RawMessage
		if toolPayload != "" {
			payload = json.RawMessage(toolPayload)
		}
		return st.Set(ctx, args[0], models.Location{Latitude: toolLat, Longitude: toolLng}, payload)
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm KEY",
	Short: "Remove a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		return st.Remove(ctx, args[0])
	},
}

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or revert the PostgreSQL schema",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Store.Backend != config.BackendPostgres {
			return fmt.Errorf("migrate needs the %s backend, configured %s", config.BackendPostgres, cfg.Store.Backend)
		}
		dsn := cfg.DB.DSN()
		if err := pgstore.WaitForDB(context.Background(), dsn, cfg.DB.MigrateAttempts, cfg.DB.MigrateWait); err != nil {
			return err
		}
		if len(args) == 1 && args[0] == "down" {
			return pgstore.MigrateDown(dsn)
		}
		return pgstore.MigrateUp(dsn)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{rangesCmd, searchCmd, putCmd} {
		cmd.Flags().Float64Var(&toolLat, "lat", 0, "Latitude")
		cmd.Flags().Float64Var(&toolLng, "lng", 0, "Longitude")
	}
	for _, cmd := range []*cobra.Command{rangesCmd, searchCmd} {
		cmd.Flags().Float64VarP(&toolRadius, "radius", "r", 1, "Radius in km")
	}
	searchCmd.Flags().IntVarP(&toolLimit, "limit", "n", 0, "Maximum results (0 for all)")
	putCmd.Flags().StringVar(&toolPayload, "payload", "", "JSON payload stored with the location")

	rootCmd.AddCommand(rangesCmd, searchCmd, putCmd, rmCmd, migrateCmd)
}
