package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"geoquery/config"
	"geoquery/logger"
	"geoquery/store"
	"geoquery/store/memstore"
	"geoquery/store/pgstore"
	"geoquery/store/redisstore"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "geoquery",
	Short: "Live geohash radius queries over a sorted key-value store",
	Long: `geoquery indexes keys by location and keeps radius queries live: it
decomposes a circle into geohash ranges, watches them on the store and
reports keys entering, moving within and leaving the circle.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default ./config.yaml)")
}

// loadConfig reads configuration and sets up logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

// openStore connects to the configured backend.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		return redisstore.Connect(ctx, redisstore.Options{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Prefix:    cfg.Redis.Prefix,
			Precision: cfg.Store.Precision,
		})
	case config.BackendPostgres:
		return pgstore.Open(ctx, pgstore.Options{
			DSN:       cfg.DB.DSN(),
			Precision: cfg.Store.Precision,
		})
	default:
		logger.L().Warn("using in-memory store; data is lost on exit")
		return memstore.New(cfg.Store.Precision), nil
	}
}

func main() {
	_ = godotenv.Load(".env")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
