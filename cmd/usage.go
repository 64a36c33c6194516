package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stewardhq/steward/internal/audit"
	"github.com/stewardhq/steward/internal/config"
)

var (
	usageSince     string
	usageUntil     string
	usageJSON      bool
	usageBreakdown bool
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token usage",
	Long: `Show token usage recorded by the agent.

By default covers the last 7 days, one row per day. Use --breakdown for
per-model totals instead.

Examples:
  steward usage
  steward usage --since 2026-08-01 --until 2026-08-15
  steward usage --breakdown --json`,
	RunE: runUsage,
}

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.Flags().StringVar(&usageSince, "since", "", "Start date (YYYY-MM-DD)")
	usageCmd.Flags().StringVar(&usageUntil, "until", "", "End date (YYYY-MM-DD)")
	usageCmd.Flags().BoolVar(&usageJSON, "json", false, "Output JSON")
	usageCmd.Flags().BoolVar(&usageBreakdown, "breakdown", false, "Aggregate per model instead of per day")
}

func runUsage(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	since, until, err := usageDateRange()
	if err != nil {
		return err
	}

	entries, err := audit.ReadUsage(cfg.UsageDir, since, until)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Printf("No usage recorded between %s and %s.\n",
			since.Format("2006-01-02"), until.Format("2006-01-02"))
		return nil
	}

	if usageBreakdown {
		return printModelBreakdown(audit.AggregateByModel(entries))
	}
	return printDailyUsage(audit.AggregateDaily(entries))
}

func usageDateRange() (time.Time, time.Time, error) {
	since, until := audit.DefaultDateRange()
	if usageSince != "" {
		t, err := time.ParseInLocation("2006-01-02", usageSince, time.Local)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --since date %q: %w", usageSince, err)
		}
		since = t
	}
	if usageUntil != "" {
		t, err := time.ParseInLocation("2006-01-02", usageUntil, time.Local)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --until date %q: %w", usageUntil, err)
		}
		until = t.Add(24*time.Hour - time.Second)
	}
	if until.Before(since) {
		return time.Time{}, time.Time{}, fmt.Errorf("--until is before --since")
	}
	return since, until, nil
}

func printDailyUsage(days []audit.DailyUsage) error {
	if usageJSON {
		return printJSON(days)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tCALLS\tINPUT\tOUTPUT\tCACHE READ\tCACHE WRITE\tMODELS")

	var totalCalls, totalIn, totalOut, totalRead, totalWrite int
	for _, d := range days {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			d.Date, d.Calls,
			formatTokens(d.InputTokens), formatTokens(d.OutputTokens),
			formatTokens(d.CacheReadTokens), formatTokens(d.CacheCreationTokens),
			strings.Join(d.ModelsUsed, ", "))
		totalCalls += d.Calls
		totalIn += d.InputTokens
		totalOut += d.OutputTokens
		totalRead += d.CacheReadTokens
		totalWrite += d.CacheCreationTokens
	}
	fmt.Fprintf(w, "TOTAL\t%d\t%s\t%s\t%s\t%s\t\n",
		totalCalls,
		formatTokens(totalIn), formatTokens(totalOut),
		formatTokens(totalRead), formatTokens(totalWrite))
	return w.Flush()
}

func printModelBreakdown(models []audit.ModelBreakdown) error {
	if usageJSON {
		return printJSON(models)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tCALLS\tINPUT\tOUTPUT\tCACHE READ\tCACHE WRITE")
	for _, m := range models {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			m.Model, m.Calls,
			formatTokens(m.InputTokens), formatTokens(m.OutputTokens),
			formatTokens(m.CacheReadTokens), formatTokens(m.CacheCreationTokens))
	}
	return w.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatTokens renders a token count with a k/M suffix for readability.
func formatTokens(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 10_000:
		return fmt.Sprintf("%.0fk", float64(n)/1_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fk", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}
