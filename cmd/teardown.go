package cmd

import (
	"context"
	"fmt"

	"droplift/internal/logging"
	"droplift/internal/orchestrator"
	"droplift/internal/provisioning"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	teardownInstanceID string
	teardownRegion     string
)

// teardownCmd represents the teardown command
var teardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "Delete an instance",
	Long:  `Delete an existing instance. An instance the provider no longer knows counts as deleted.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg := loadConfig()
		p := newProvisioner(ctx, cfg)

		region := teardownRegion
		if region == "" {
			region = provisioning.GetInstanceDefaults(cfg.Provisioner).Region
		}

		handle := instanceHandle(p, teardownInstanceID, region, nil)
		if err := orchestrator.Teardown(ctx, p, handle, orchestrator.OptionsFromConfig(cfg.Provisioning)); err != nil {
			fatal("Teardown failed", err)
		}

		logging.Logger().Info("Instance deleted", zap.String("instance_id", handle.ID))
		fmt.Printf("%s\t%s\n", handle.ID, handle.State())
	},
}

func init() {
	rootCmd.AddCommand(teardownCmd)

	teardownCmd.Flags().StringVar(&teardownInstanceID, "id", "", "Instance ID (required)")
	teardownCmd.Flags().StringVar(&teardownRegion, "region", "", "Region or zone of the instance (GCP, Yandex Cloud)")
	if err := teardownCmd.MarkFlagRequired("id"); err != nil {
		panic(fmt.Sprintf("failed to mark flag as required: %v", err))
	}
}
