package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stl311/stl311sync/internal/utils"
	"github.com/stl311/stl311sync/pkg/polling"
)

// syncCmd implements: stl311sync sync
// Flags:
//
//	--days int      Days back from today (default 1)
//	--status string Source status filter, "all" for none (default from config)
//	--force         Rewrite existing rows even when nothing changed
//	--json          Print the result as JSON
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch, normalize and reconcile recent service requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return fmt.Errorf("unknown command: '%s'. See 'stl311sync sync --help'", args[0])
		}
		days, _ := cmd.Flags().GetInt("days")
		status, _ := cmd.Flags().GetString("status")
		force, _ := cmd.Flags().GetBool("force")
		return runSync(cmd, func(a *app) *polling.SyncResult {
			return a.orch.Sync(cmd.Context(), polling.SyncRequest{DaysBack: days, Status: status, Force: force})
		})
	},
}

var syncYesterdayCmd = &cobra.Command{
	Use:   "yesterday",
	Short: "Sync yesterday's requests (what the daily job runs)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd, func(a *app) *polling.SyncResult {
			return a.orch.SyncYesterday(cmd.Context())
		})
	},
}

var syncRangeCmd = &cobra.Command{
	Use:   "range",
	Short: "Sync an explicit date range",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		startStr, _ := cmd.Flags().GetString("start")
		endStr, _ := cmd.Flags().GetString("end")
		start, err := time.Parse("2006-01-02", startStr)
		if err != nil {
			return fmt.Errorf("invalid --start: %w", err)
		}
		end, err := time.Parse("2006-01-02", endStr)
		if err != nil {
			return fmt.Errorf("invalid --end: %w", err)
		}
		return runSync(cmd, func(a *app) *polling.SyncResult {
			return a.orch.SyncRange(cmd.Context(), start, end)
		})
	},
}

var syncLastCmd = &cobra.Command{
	Use:   "last N",
	Short: "Sync the last N days",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("N must be a positive integer, got %q", args[0])
		}
		return runSync(cmd, func(a *app) *polling.SyncResult {
			return a.orch.SyncLastNDays(cmd.Context(), n)
		})
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.AddCommand(syncYesterdayCmd, syncRangeCmd, syncLastCmd)

	syncCmd.Flags().Int("days", 1, "Number of days back from today to sync")
	syncCmd.Flags().String("status", "", `Status filter sent to the source ("all" disables it)`)
	syncCmd.Flags().Bool("force", false, "Rewrite existing records even when no watched field changed")
	syncCmd.PersistentFlags().Bool("json", false, "Print the sync result as JSON")

	syncRangeCmd.Flags().String("start", "", "Start date (YYYY-MM-DD)")
	syncRangeCmd.Flags().String("end", "", "End date (YYYY-MM-DD)")
	syncRangeCmd.MarkFlagRequired("start")
	syncRangeCmd.MarkFlagRequired("end")
}

func runSync(cmd *cobra.Command, run func(*app) *polling.SyncResult) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	unlock, err := a.lockStore()
	if err != nil {
		return err
	}
	defer unlock()

	res := run(a)
	utils.Log.WithFields(resultFields(res)).Info("sync finished")
	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printSyncResult(res)
	}
	if res.Status == polling.StatusError {
		return fmt.Errorf("sync %s: %s", res.RunID, res.Message)
	}
	return nil
}

func resultFields(res *polling.SyncResult) logrus.Fields {
	return logrus.Fields{
		"run_id":   res.RunID,
		"trigger":  res.Trigger,
		"status":   res.Status,
		"attempts": res.Attempts,
		"window":   res.WindowStart.Format("2006-01-02") + ".." + res.WindowEnd.Format("2006-01-02"),
	}
}

func printSyncResult(res *polling.SyncResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "RUN\t%s\n", res.RunID)
	fmt.Fprintf(w, "STATUS\t%s\n", res.Status)
	fmt.Fprintf(w, "WINDOW\t%s .. %s\n", res.WindowStart.Format("2006-01-02"), res.WindowEnd.Format("2006-01-02"))
	fmt.Fprintf(w, "ATTEMPTS\t%d\n", res.Attempts)
	fmt.Fprintf(w, "PAGES\t%d\n", res.Pages)
	fmt.Fprintf(w, "FETCHED\t%d\n", res.Fetched)
	fmt.Fprintf(w, "VALIDATED\t%d\n", res.Validated)
	fmt.Fprintf(w, "DROPPED\t%d\n", res.Dropped)
	fmt.Fprintf(w, "INSERTED\t%d\n", res.Inserted)
	fmt.Fprintf(w, "UPDATED\t%d\n", res.Updated)
	fmt.Fprintf(w, "SKIPPED\t%d\n", res.Skipped)
	fmt.Fprintf(w, "DURATION\t%s\n", res.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "MESSAGE\t%s\n", res.Message)
	w.Flush()
}
