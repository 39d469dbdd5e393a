package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/liqradar/internal/application"
	applog "github.com/sawpanic/liqradar/internal/log"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the radar until interrupted",
	Long: `Connect to the feed, run the detection loop and dispatch alerts until
SIGINT or SIGTERM. The monitoring server serves /health, /status and
/metrics on http.addr when enabled.`,
	RunE: runRadar,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRadar(cmd *cobra.Command, args []string) error {
	cfg, groups, err := loadConfig()
	if err != nil {
		return err
	}
	closer, err := applog.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := application.New(ctx, cfg, groups, version)
	if err != nil {
		return err
	}
	defer app.Close()

	log.Info().Str("version", version).Msg("Starting liquidation radar")
	return app.Run(ctx)
}
