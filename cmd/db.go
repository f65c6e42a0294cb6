package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/stl311/stl311sync/internal/config"
	"github.com/stl311/stl311sync/internal/utils"
	"github.com/stl311/stl311sync/pkg/storage"
)

// dbCmd represents the db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Inspect the service request store",
}

// shellCmd represents the shell command
var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start an interactive sqlite3 shell on the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Store.Driver != config.DriverSQLite {
			return fmt.Errorf("db shell only supports the sqlite driver; use psql for %s", cfg.Store.Driver)
		}
		dbPath, err := utils.GetAbsDBPath(cfg.Store.Path)
		if err != nil {
			return err
		}

		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return fmt.Errorf("database file not found: %s", dbPath)
		}

		// Check if sqlite3 is in PATH
		sqlitePath, err := exec.LookPath("sqlite3")
		if err != nil {
			return fmt.Errorf("sqlite3 command not found in your PATH. Please install it to use the db shell")
		}

		// Print schema first
		fmt.Println("--> Database schema:")
		schemaCmd := exec.Command(sqlitePath, dbPath, ".schema")
		schemaCmd.Stdout = os.Stdout
		schemaCmd.Stderr = os.Stderr
		if err := schemaCmd.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: couldn't retrieve schema: %v\n", err)
		}
		fmt.Println("\n--> Starting interactive shell... (Ctrl+D to exit)")

		c := exec.Command(sqlitePath, dbPath)
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr

		return c.Run()
	},
}

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Prints request counts by source and status.",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openConfiguredStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.Stats(cmd.Context())
		if err != nil {
			return err
		}

		if stats.Total == 0 {
			fmt.Println("No data in the database to generate stats.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "SOURCE\tREQUESTS\t")
		for _, k := range sortedKeys(stats.BySource) {
			fmt.Fprintf(w, "%s\t%d\t\n", k, stats.BySource[k])
		}
		fmt.Fprintln(w, " \t \t")
		fmt.Fprintln(w, "STATUS\tREQUESTS\t")
		for _, k := range sortedKeys(stats.ByStatus) {
			fmt.Fprintf(w, "%s\t%d\t\n", k, stats.ByStatus[k])
		}
		fmt.Fprintln(w, " \t \t")
		fmt.Fprintf(w, "TOTAL\t%d\t\n", stats.Total)
		fmt.Fprintf(w, "STATUS UPDATES\t%d\t\n", stats.StatusUpdates)
		if stats.LastUpdated != nil {
			fmt.Fprintf(w, "LAST UPDATED\t%s\t\n", stats.LastUpdated.Local().Format(time.RFC3339))
		}

		w.Flush()

		return nil
	},
}

var updatesCmd = &cobra.Command{
	Use:   "updates",
	Short: "Prints the status history of one request, or the most recent updates.",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetInt64("id")
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := openConfiguredStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		var ups []storage.StatusUpdate
		if id != 0 {
			ups, err = store.ListStatusUpdates(cmd.Context(), id)
		} else {
			ups, err = store.ListRecentUpdates(cmd.Context(), limit)
		}
		if err != nil {
			return err
		}
		if len(ups) == 0 {
			fmt.Println("No status updates found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tREQUEST\tOLD\tNEW\tACTOR\tVISIBLE\tMESSAGE")
		for _, u := range ups {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%t\t%s\n",
				u.CreatedAt.Local().Format("2006-01-02 15:04:05"), u.ExternalID, u.OldStatus, u.NewStatus, u.Actor, u.Visible, u.Message)
		}
		w.Flush()
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists stored requests, newest first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := storage.Filter{}
		f.Status, _ = cmd.Flags().GetString("status")
		f.Source, _ = cmd.Flags().GetString("source")
		f.Limit, _ = cmd.Flags().GetInt("limit")
		if since, _ := cmd.Flags().GetString("since"); since != "" {
			t, err := time.Parse("2006-01-02", since)
			if err != nil {
				return fmt.Errorf("invalid --since: %w", err)
			}
			f.Start = t
		}

		store, err := openConfiguredStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		rows, err := store.Query(cmd.Context(), f)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSOURCE\tSTATUS\tINITIATED\tADDRESS\tDESCRIPTION")
		for _, r := range rows {
			initiated := ""
			if r.InitiatedAt != nil {
				initiated = r.InitiatedAt.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", r.ExternalID, r.Source, r.Status, initiated, r.Address, r.Description)
		}
		w.Flush()
		return nil
	},
}

func openConfiguredStore(cmd *cobra.Command) (storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Store.Driver == config.DriverSQLite {
		path, err := utils.GetAbsDBPath(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("database file not found: %s", path)
		}
	}
	return openStore(cmd.Context(), cfg)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(shellCmd, statsCmd, updatesCmd, listCmd)

	updatesCmd.Flags().Int64("id", 0, "External request id (default: most recent updates across all requests)")
	updatesCmd.Flags().Int("limit", 50, "Number of recent updates to show")

	listCmd.Flags().String("status", "", "Filter by status (case-insensitive)")
	listCmd.Flags().String("source", "", "Filter by source: api or citizen")
	listCmd.Flags().String("since", "", "Only requests initiated on or after this date (YYYY-MM-DD)")
	listCmd.Flags().Int("limit", 50, "Maximum rows")
}
