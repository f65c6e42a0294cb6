package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stl311/stl311sync/pkg/publish"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish the service request layer to GeoServer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, layer, err := publisherFor(cmd)
		if err != nil {
			return err
		}
		res, err := pub.PublishLayer(cmd.Context(), layer)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", res.Status, res.Message)
		fmt.Printf("WMS: %s\nWFS: %s\n", res.WMSURL, res.WFSURL)
		return nil
	},
}

var publishInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the published layer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, layer, err := publisherFor(cmd)
		if err != nil {
			return err
		}
		info, err := pub.LayerInfo(cmd.Context(), layer)
		if err != nil {
			return err
		}
		fmt.Printf("Name:     %s\nType:     %s\nStyle:    %s\nResource: %s\nWMS:      %s\nWFS:      %s\n",
			info.Name, info.Type, info.DefaultStyle, info.Resource, info.WMSURL, info.WFSURL)
		return nil
	},
}

var publishStyleCmd = &cobra.Command{
	Use:   "style STYLE",
	Short: "Set the default style of the layer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, layer, err := publisherFor(cmd)
		if err != nil {
			return err
		}
		return pub.SetLayerStyle(cmd.Context(), layer, args[0])
	},
}

var publishDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove the layer from GeoServer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, layer, err := publisherFor(cmd)
		if err != nil {
			return err
		}
		if err := pub.DeleteLayer(cmd.Context(), layer); err != nil {
			return err
		}
		fmt.Printf("Deleted layer %s\n", layer)
		return nil
	},
}

func publisherFor(cmd *cobra.Command) (*publish.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	pub, err := newPublisher(cfg)
	if err != nil {
		return nil, "", err
	}
	if pub == nil {
		return nil, "", fmt.Errorf("geoserver.base_url is not configured")
	}
	layer, _ := cmd.Flags().GetString("layer")
	if layer == "" {
		layer = cfg.Sync.LayerName
	}
	return pub, layer, nil
}

func init() {
	rootCmd.AddCommand(publishCmd)
	publishCmd.AddCommand(publishInfoCmd, publishStyleCmd, publishDeleteCmd)
	publishCmd.PersistentFlags().String("layer", "", "Layer name (default sync.layer_name)")
}
