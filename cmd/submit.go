package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stl311/stl311sync/pkg/idgen"
	"github.com/stl311/stl311sync/pkg/storage"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Record a citizen-submitted service request",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		description, _ := cmd.Flags().GetString("description")
		if strings.TrimSpace(description) == "" {
			return fmt.Errorf("--description is required")
		}
		x, _ := cmd.Flags().GetFloat64("x")
		y, _ := cmd.Flags().GetFloat64("y")
		loc, err := cfg.BBox.Validate(x, y)
		if err != nil {
			return fmt.Errorf("location: %w", err)
		}

		req := &storage.StoredRequest{Description: strings.TrimSpace(description), Location: loc, Status: "New"}
		req.Category, _ = cmd.Flags().GetString("category")
		req.Priority, _ = cmd.Flags().GetString("priority")
		req.Address, _ = cmd.Flags().GetString("address")
		req.CitizenName, _ = cmd.Flags().GetString("name")
		req.CitizenEmail, _ = cmd.Flags().GetString("email")
		req.CitizenPhone, _ = cmd.Flags().GetString("phone")
		req.City = cfg.City

		gen, err := idgen.New(cfg.IDGen.Node)
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.InsertCitizenRequest(cmd.Context(), req, gen, cfg.IDGen.MaxAttempts); err != nil {
			return err
		}
		fmt.Printf("Submitted request %d\n", req.ExternalID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().String("description", "", "What is wrong (required)")
	submitCmd.Flags().String("category", "", "Request category")
	submitCmd.Flags().String("priority", "normal", "Priority: low, normal, high")
	submitCmd.Flags().String("address", "", "Street address")
	submitCmd.Flags().Float64("x", 0, "X coordinate (EPSG:3857)")
	submitCmd.Flags().Float64("y", 0, "Y coordinate (EPSG:3857)")
	submitCmd.Flags().String("name", "", "Citizen name")
	submitCmd.Flags().String("email", "", "Citizen email")
	submitCmd.Flags().String("phone", "", "Citizen phone")
}
