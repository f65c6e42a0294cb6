package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stl311/stl311sync/internal/utils"
)

var testConnectionCmd = &cobra.Command{
	Use:   "test-connection",
	Short: "Check that the 311 API (and GeoServer, if configured) answer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		src, err := newSourceClient(cmd, cfg)
		if err != nil {
			return err
		}

		failed := false
		st := src.TestConnection(cmd.Context())
		fmt.Printf("311 API:   %s (%s) %s\n", st.Status, st.Latency, st.Message)
		if st.Status != "success" {
			failed = true
		}

		pub, err := newPublisher(cfg)
		if err != nil {
			return err
		}
		if pub == nil {
			utils.Log.Info("Skipping GeoServer: geoserver.base_url not set in config.")
		} else {
			res, err := pub.TestConnection(cmd.Context())
			if err != nil {
				fmt.Printf("GeoServer: error %v\n", err)
				failed = true
			} else {
				fmt.Printf("GeoServer: %s %s\n", res.Status, res.Message)
			}
		}

		if failed {
			return fmt.Errorf("connection test failed")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(testConnectionCmd)
}
