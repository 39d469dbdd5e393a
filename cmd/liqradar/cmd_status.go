package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	httpapi "github.com/sawpanic/liqradar/internal/interfaces/http"
	"github.com/sawpanic/liqradar/internal/ops"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running radar",
	Long: `Fetch /status from a running instance and render degradation level,
circuit breakers and alert counters.

Examples:
  liqradar status
  liqradar status --addr 127.0.0.1:9108 --json
  liqradar status --snapshot ./artifacts/ops
  liqradar status --recent BTCUSDT --limit 10`,
	RunE: runStatus,
}

var (
	statusAddr     string
	statusJSON     bool
	statusSnapshot string
	statusTimeout  time.Duration
	statusRecent   string
	statusLimit    int
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusAddr, "addr", "127.0.0.1:9108", "Monitoring server address")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw status as JSON")
	statusCmd.Flags().StringVar(&statusSnapshot, "snapshot", "", "Also write a CSV snapshot into this directory")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 5*time.Second, "Request timeout")
	statusCmd.Flags().StringVar(&statusRecent, "recent", "", "List journaled alerts for this symbol instead")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "Number of journaled alerts to list")
}

func getJSON(ctx context.Context, addr, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("radar at %s is unreachable: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func fetchStatus(ctx context.Context, addr string) (httpapi.StatusResponse, error) {
	var status httpapi.StatusResponse
	err := getJSON(ctx, addr, "/status", &status)
	return status, err
}

func fetchRecent(ctx context.Context, addr, symbol string, limit int) (httpapi.RecentAlertsResponse, error) {
	var recent httpapi.RecentAlertsResponse
	q := url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(limit)}}
	err := getJSON(ctx, addr, "/alerts/recent?"+q.Encode(), &recent)
	return recent, err
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
	defer cancel()

	if statusRecent != "" {
		return runRecent(ctx, cmd.OutOrStdout())
	}

	status, err := fetchStatus(ctx, statusAddr)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	snapshot := ops.StatusSnapshot{
		Status:      status.Status,
		At:          status.Timestamp,
		Version:     status.Version,
		Degradation: status.Degradation,
		Circuits:    status.Circuits,
		Unhealthy:   status.Unhealthy,
		Metrics:     status.Metrics,
	}
	renderer := ops.NewStatusRenderer(out, statusSnapshot)
	if statusJSON || !isTerminal(out) {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			return err
		}
	} else {
		renderer.RenderConsole(snapshot)
	}

	if statusSnapshot != "" {
		path, err := renderer.WriteSnapshot(snapshot)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\nSnapshot written to: %s\n", path)
	}
	return nil
}

func runRecent(ctx context.Context, out io.Writer) error {
	recent, err := fetchRecent(ctx, statusAddr, statusRecent, statusLimit)
	if err != nil {
		return err
	}
	if statusJSON || !isTerminal(out) {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(recent)
	}

	if len(recent.Alerts) == 0 {
		fmt.Fprintf(out, "No journaled alerts for %s\n", recent.Symbol)
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EMITTED_AT\tKIND\tGROUP\tID")
	for _, a := range recent.Alerts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.EmittedAt.Format(time.RFC3339), a.Kind, a.Group, a.ID)
	}
	return w.Flush()
}
