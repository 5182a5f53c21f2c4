package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alfredjeanlab/dealroom/internal/config"
	"github.com/alfredjeanlab/dealroom/internal/logging"
	"github.com/alfredjeanlab/dealroom/internal/metrics"
	"github.com/alfredjeanlab/dealroom/internal/ui"
)

var (
	configPath  string
	envFile     string
	jsonOutput  bool
	noColor     bool
	metricsAddr string

	cfg        *config.Config
	logger     *zap.Logger
	meters     *metrics.Metrics
	metricsSrv *http.Server
)

func defaultConfigPath() string {
	if s := os.Getenv("DEALROOM_CONFIG"); s != "" {
		return s
	}
	return "dealroom.toml"
}

var rootCmd = &cobra.Command{
	Use:           "dealctl <command>",
	Short:         "Terminal client for marketplace chat rooms, deliveries and escrow",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", envFile, err)
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err = logging.New(cfg.LogLevel, cfg.LogJSON)
		if err != nil {
			return err
		}
		if noColor || !ui.ShouldUseColor() {
			ui.ForceNoColor()
		}
		if metricsAddr != "" {
			startMetrics(metricsAddr)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if metricsSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(ctx)
		}
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// startMetrics serves the prometheus registry on addr.
func startMetrics(addr string) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	meters = metrics.New(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to the TOML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	rootCmd.AddCommand(feesCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(feedCmd)
	rootCmd.AddCommand(payCmd)
	rootCmd.AddCommand(deliverCmd)
	rootCmd.AddCommand(eventsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
