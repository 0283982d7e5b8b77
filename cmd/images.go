package cmd

import (
	"context"
	"fmt"

	"droplift/internal/orchestrator"
	"droplift/internal/provisioning"

	"github.com/spf13/cobra"
)

var imagesRegion string

// imagesCmd represents the images command
var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "List the images available in a region",
	Long:  `List images of the configured provider. Without --region the provider's default region is used.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg := loadConfig()
		p := newProvisioner(ctx, cfg)

		region := imagesRegion
		if region == "" {
			region = provisioning.GetInstanceDefaults(cfg.Provisioner).Region
		}

		caps, err := orchestrator.Discover(ctx, p, region, orchestrator.OptionsFromConfig(cfg.Provisioning))
		if err != nil {
			fatal("Failed to list images", err)
		}
		for _, img := range caps.Images {
			fmt.Println(img.String())
		}
	},
}

func init() {
	rootCmd.AddCommand(imagesCmd)

	imagesCmd.Flags().StringVar(&imagesRegion, "region", "", "Region (or zone) to list images for")
}
