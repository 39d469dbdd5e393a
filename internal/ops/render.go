package ops

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sawpanic/liqradar/internal/net/circuit"
)

// StatusSnapshot is what the status command renders: the body of /status
// minus process details.
type StatusSnapshot struct {
	Status      string
	At          time.Time
	Version     string
	Degradation *DegradeStats
	Circuits    map[string]circuit.Stats
	Unhealthy   []string
	Metrics     map[string]float64
}

// StatusRenderer renders status to a console writer and CSV snapshots.
type StatusRenderer struct {
	out       io.Writer
	outputDir string
}

// NewStatusRenderer writes tables to out and snapshots under outputDir.
func NewStatusRenderer(out io.Writer, outputDir string) *StatusRenderer {
	return &StatusRenderer{out: out, outputDir: outputDir}
}

// RenderConsole renders status in compact tables.
func (r *StatusRenderer) RenderConsole(s StatusSnapshot) {
	fmt.Fprintln(r.out, "=== Liquidation Radar Status ===")
	fmt.Fprintf(r.out, "Timestamp: %s  Version: %s  Health: %s\n\n", s.At.Format("2006-01-02 15:04:05"), s.Version, s.Status)

	r.renderDegradation(s.Degradation)
	fmt.Fprintln(r.out)
	r.renderCircuits(s.Circuits)
	for _, u := range s.Unhealthy {
		fmt.Fprintf(r.out, "  unhealthy: %s\n", u)
	}
	fmt.Fprintln(r.out)
	r.renderAlerts(s.Metrics)
}

func (r *StatusRenderer) renderDegradation(d *DegradeStats) {
	if d == nil {
		fmt.Fprintln(r.out, "DEGRADATION: not reported")
		return
	}
	fmt.Fprintln(r.out, "DEGRADATION")
	fmt.Fprintln(r.out, "┌─────────────────────┬────────────┬────────────┐")
	fmt.Fprintln(r.out, "│ Metric              │ Value      │ Status     │")
	fmt.Fprintln(r.out, "├─────────────────────┼────────────┼────────────┤")
	level := d.Level.String()
	if d.Forced {
		level += "*"
	}
	fmt.Fprintf(r.out, "│ %-19s │ %-10s │ %-10s │\n", "Level", level, levelStatus(d.Level))
	fmt.Fprintf(r.out, "│ %-19s │ %9.1f%% │ %-10s │\n", "Error rate", d.ErrorRate*100, rateStatus(d.ErrorRate))
	fmt.Fprintf(r.out, "│ %-19s │ %10d │ %-10s │\n", "Samples", d.Samples, "")
	fmt.Fprintf(r.out, "│ %-19s │ %10d │ %-10s │\n", "Errors", d.Errors, "")
	fmt.Fprintln(r.out, "└─────────────────────┴────────────┴────────────┘")
}

func (r *StatusRenderer) renderCircuits(circuits map[string]circuit.Stats) {
	if len(circuits) == 0 {
		fmt.Fprintln(r.out, "CIRCUITS: none registered")
		return
	}
	fmt.Fprintln(r.out, "CIRCUITS")
	fmt.Fprintln(r.out, "┌─────────────────────┬───────────┬──────────┬──────────┬──────────┐")
	fmt.Fprintln(r.out, "│ Dependency          │ State     │ Requests │ Failures │ Rejected │")
	fmt.Fprintln(r.out, "├─────────────────────┼───────────┼──────────┼──────────┼──────────┤")
	for _, name := range sortedKeys(circuits) {
		c := circuits[name]
		fmt.Fprintf(r.out, "│ %-19s │ %-9s │ %8d │ %8d │ %8d │\n",
			truncate(name, 19), c.State.String(), c.TotalRequests, c.TotalFailures, c.TotalRejected)
	}
	fmt.Fprintln(r.out, "└─────────────────────┴───────────┴──────────┴──────────┴──────────┘")
}

const alertsMetric = "liqradar_alerts_total"

func (r *StatusRenderer) renderAlerts(metrics map[string]float64) {
	var rows []string
	for _, name := range sortedKeys(metrics) {
		if strings.HasPrefix(name, alertsMetric+"{") {
			rows = append(rows, name)
		}
	}
	if len(rows) == 0 {
		fmt.Fprintln(r.out, "ALERTS: no dispatch metrics")
		return
	}
	fmt.Fprintln(r.out, "ALERTS")
	fmt.Fprintln(r.out, "┌───────────────────────────────────────────────────┬──────────┐")
	fmt.Fprintln(r.out, "│ Kind / result                                     │ Count    │")
	fmt.Fprintln(r.out, "├───────────────────────────────────────────────────┼──────────┤")
	for _, name := range rows {
		label := strings.TrimSuffix(strings.TrimPrefix(name, alertsMetric+"{"), "}")
		fmt.Fprintf(r.out, "│ %-49s │ %8.0f │\n", truncate(label, 49), metrics[name])
	}
	fmt.Fprintln(r.out, "└───────────────────────────────────────────────────┴──────────┘")
}

// WriteSnapshot writes a timestamped CSV and refreshes status_snapshot.csv.
// It returns the path of the timestamped file.
func (r *StatusRenderer) WriteSnapshot(s StatusSnapshot) (string, error) {
	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	filename := fmt.Sprintf("status_snapshot_%s.csv", s.At.Format("20060102_150405"))
	path := filepath.Join(r.outputDir, filename)
	if err := writeCSV(path, snapshotRecords(s)); err != nil {
		return "", err
	}
	if err := writeCSV(filepath.Join(r.outputDir, "status_snapshot.csv"), snapshotRecords(s)); err != nil {
		return "", err
	}
	return path, nil
}

func snapshotRecords(s StatusSnapshot) [][]string {
	ts := s.At.Format(time.RFC3339)
	records := [][]string{{"timestamp", "category", "name", "value", "status"}}
	records = append(records, []string{ts, "health", "status", s.Status, ""})

	if d := s.Degradation; d != nil {
		records = append(records,
			[]string{ts, "degradation", "level", d.Level.String(), levelStatus(d.Level)},
			[]string{ts, "degradation", "error_rate", strconv.FormatFloat(d.ErrorRate, 'f', 4, 64), rateStatus(d.ErrorRate)},
			[]string{ts, "degradation", "forced", strconv.FormatBool(d.Forced), ""},
		)
	}
	for _, name := range sortedKeys(s.Circuits) {
		c := s.Circuits[name]
		records = append(records, []string{ts, "circuit", name, c.State.String(), circuitStatus(c.State)})
	}
	for _, u := range s.Unhealthy {
		records = append(records, []string{ts, "unhealthy", u, "", "CRITICAL"})
	}
	for _, name := range sortedKeys(s.Metrics) {
		records = append(records, []string{ts, "metric", name, strconv.FormatFloat(s.Metrics[name], 'f', -1, 64), ""})
	}
	return records
}

func writeCSV(path string, records [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.WriteAll(records); err != nil {
		return fmt.Errorf("failed to write snapshot %s: %w", path, err)
	}
	return nil
}

func levelStatus(l Level) string {
	switch l {
	case LevelFull:
		return "OK"
	case LevelDegraded:
		return "WARN"
	default:
		return "CRITICAL"
	}
}

func rateStatus(rate float64) string {
	if rate >= DefaultDegradeConfig().MinimalRate {
		return "CRITICAL"
	} else if rate >= DefaultDegradeConfig().DegradedRate {
		return "WARN"
	}
	return "OK"
}

func circuitStatus(s circuit.State) string {
	switch s {
	case circuit.StateClosed:
		return "OK"
	case circuit.StateHalfOpen:
		return "WARN"
	default:
		return "CRITICAL"
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	if maxLen < 3 {
		return text[:maxLen]
	}
	return text[:maxLen-3] + "..."
}
