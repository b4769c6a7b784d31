package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"jobweave/internal/app"
	"jobweave/internal/config"
	"jobweave/internal/task/ledger"
	"jobweave/internal/task/scheduler"
	logx "jobweave/pkg/logx"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config file and the job graph",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewConfigManager(cfgPath).Load()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d jobs)\n", cfgPath, len(cfg.Jobs))
		return nil
	},
}

var (
	statusLimit int
	statusJSON  bool
)

var statusCmd = &cobra.Command{
	Use:   "status <job>",
	Short: "Show the latest runs of a job from the ledger",
	Long: `Status reads the ledger directly, so it works while the daemon is down.
The memory ledger keeps nothing between processes; use the admin API for it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		led, cfg, err := openOffline(ctx)
		if err != nil {
			return err
		}
		defer led.Close()

		id := strings.TrimSpace(args[0])
		if !hasJob(cfg, id) {
			return errors.WithHintf(errors.Newf("job %q is not in %s", id, cfgPath), "run 'jobweave validate' to list problems")
		}
		runs, err := led.List(ctx, ledger.Query{JobID: id, Limit: statusLimit})
		if err != nil {
			return errors.Wrap(err, "list runs")
		}
		sums := make([]scheduler.RunSummary, 0, len(runs))
		for _, r := range runs {
			sums = append(sums, scheduler.Summarize(r))
		}
		if statusJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sums)
		}
		printRuns(cmd.OutOrStdout(), sums)
		return nil
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Resolve runs left behind by a crashed process",
	Long: `Recover marks runs that were running as failed (orphaned) and cancels
pending runs that never started. The daemon does this on every start; run it
by hand only while the daemon is stopped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		led, _, err := openOffline(ctx)
		if err != nil {
			return err
		}
		defer led.Close()

		rep, err := ledger.Recover(ctx, led, time.Now())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "orphaned:  %d\n", len(rep.Orphaned))
		fmt.Fprintf(out, "abandoned: %d\n", len(rep.Abandoned))
		fmt.Fprintf(out, "retries:   %d (still pending)\n", len(rep.Retries))
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 10, "number of runs to show")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON")
}

func openOffline(ctx context.Context) (ledger.Ledger, *config.Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, nil, err
	}
	log := logx.NewConsole(cfg.Logging.Level)
	led, err := app.OpenLedger(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return led, cfg, nil
}

func hasJob(cfg *config.Config, id string) bool {
	for _, j := range cfg.Jobs {
		if j.ID == id {
			return true
		}
	}
	return false
}

func printRuns(w io.Writer, runs []scheduler.RunSummary) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tTRIGGER\tSTATE\tATTEMPT\tSCHEDULED\tDURATION\tDETAIL")
	for _, r := range runs {
		detail := r.Error
		if detail == "" {
			detail = r.Reason
		}
		if r.Kind != "" {
			detail = strings.TrimSpace(string(r.Kind) + " " + detail)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.Trigger, r.State, r.Attempt,
			r.ScheduledAt.Local().Format(time.RFC3339),
			r.Duration.Round(time.Millisecond), oneLine(detail, 80))
	}
	_ = tw.Flush()
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
