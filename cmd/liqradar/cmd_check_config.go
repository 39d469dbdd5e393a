package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sawpanic/liqradar/internal/config"
	"github.com/sawpanic/liqradar/internal/domain"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration and print resolved symbol groups",
	RunE:  runCheckConfig,
}

var checkGroup string

func init() {
	rootCmd.AddCommand(checkConfigCmd)

	checkConfigCmd.Flags().StringVar(&checkGroup, "group", "", "Only show this symbol group")
}

func runCheckConfig(cmd *cobra.Command, args []string) error {
	cfg, groups, err := loadConfig()
	if err != nil {
		return err
	}

	shown := groups.All()
	if checkGroup != "" {
		group, err := groups.Lookup(checkGroup)
		if err != nil {
			return err
		}
		shown = []config.SymbolGroupConfig{group}
	}

	out := cmd.OutOrStdout()
	source := configPath
	if source == "" {
		source = "(defaults)"
	}
	fmt.Fprintf(out, "Config OK: %s\n", source)
	fmt.Fprintf(out, "Feed: %s  Sinks: %s  Cooldowns: %s  Universe: %s\n\n",
		cfg.Stream.URL, strings.Join(cfg.Sinks.Enabled, ","), cfg.Dispatch.CooldownBackend, cfg.Universe.Source)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tLIQ_MIN_USD\tLIQ_MIN_COUNT\tWHALE_MIN_USD\tWHALE_MIN_COUNT\tSTORM_CD\tCLUSTER_CD\tRADAR_CD\tSYMBOLS")
	for _, g := range shown {
		fmt.Fprintf(w, "%s\t%.0f\t%d\t%.0f\t%d\t%ds\t%ds\t%ds\t%s\n",
			g.Name, g.LiqMinUSD, g.LiqMinCount, g.WhaleMinUSD, g.WhaleMinCount,
			g.CooldownFor(domain.AlertStorm), g.CooldownFor(domain.AlertCluster), g.CooldownFor(domain.AlertRadar),
			strings.Join(g.Symbols, ","))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tGROUP")
	for _, symbol := range cfg.Universe.Symbols {
		name := groups.Resolve(symbol).Name
		if checkGroup != "" && name != shown[0].Name {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\n", symbol, name)
	}
	return w.Flush()
}
