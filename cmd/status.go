package cmd

import (
	"context"
	"fmt"

	"droplift/internal/logging"
	"droplift/internal/provisioning"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	statusInstanceID string
	statusRegion     string
	statusAttrs      map[string]string
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the status of an instance",
	Long:  `Fetch the provider status of an existing instance once and print its state and address.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg := loadConfig()
		p := newProvisioner(ctx, cfg)

		region := statusRegion
		if region == "" {
			region = provisioning.GetInstanceDefaults(cfg.Provisioner).Region
		}

		outcome := p.FetchStatus(ctx, instanceHandle(p, statusInstanceID, region, statusAttrs))
		if outcome.Status == provisioning.PollError {
			fatal("Could not get status", outcome.Err)
		}

		logging.Logger().Debug("Status fetched",
			zap.String("instance_id", statusInstanceID),
			zap.String("provider_state", outcome.ProviderState))
		fmt.Printf("%s\t%s\t%s\n", statusInstanceID, outcome.Status, outcome.Address)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusInstanceID, "id", "", "Instance ID (required)")
	statusCmd.Flags().StringVar(&statusRegion, "region", "", "Region or zone of the instance (GCP, Yandex Cloud)")
	statusCmd.Flags().StringToStringVar(&statusAttrs, "attr", nil, "Provider attributes, e.g. public_ip_name=vm-ip (Azure)")
	if err := statusCmd.MarkFlagRequired("id"); err != nil {
		panic(fmt.Sprintf("failed to mark flag as required: %v", err))
	}
}
