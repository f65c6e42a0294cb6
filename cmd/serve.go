package cmd

import (
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stl311/stl311sync/internal/server"
	"github.com/stl311/stl311sync/internal/utils"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the ops HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		sched, err := a.newScheduler()
		if err != nil {
			return err
		}
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		noScheduler, _ := cmd.Flags().GetBool("no-scheduler")
		if !noScheduler {
			if err := sched.Start(cmd.Context()); err != nil {
				return err
			}
			defer sched.Stop()
		}

		srv := server.New(a.orch, sched, a.store, a.cfg.Server.Username, a.cfg.Server.Password)
		srv.Gatherer = a.registry
		srv.Log = utils.Log
		return srv.Start(cmd.Context(), a.cfg.Server.Listen)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", ":8080", "HTTP listen address")
	serveCmd.Flags().Bool("no-scheduler", false, "Serve the API without starting the scheduler")
	viper.BindPFlag("server.listen", serveCmd.Flags().Lookup("listen"))
}
