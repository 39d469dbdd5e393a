package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/liqradar/internal/config"
)

const (
	appName = "liqradar"
	version = "v1.0.0"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:     appName,
	Short:   "Liquidation storm and whale cluster radar",
	Version: version,
	Long: `liqradar consumes a live liquidation and trade feed, detects liquidation
storms and whale trade clusters per symbol, fuses them into a composite
radar score and emits rate-limited alerts.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug|info|warn|error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// loadConfig resolves the config file, env overrides and flags, then
// loads the symbol groups it points to.
func loadConfig() (*config.Config, *config.Groups, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	groups, err := config.LoadGroups(cfg.GroupsFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, groups, nil
}
