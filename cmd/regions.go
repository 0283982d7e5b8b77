package cmd

import (
	"context"
	"fmt"

	"droplift/internal/orchestrator"

	"github.com/spf13/cobra"
)

// regionsCmd represents the regions command
var regionsCmd = &cobra.Command{
	Use:   "regions",
	Short: "List the regions of the configured provider",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg := loadConfig()
		p := newProvisioner(ctx, cfg)

		caps, err := orchestrator.Discover(ctx, p, "", orchestrator.OptionsFromConfig(cfg.Provisioning))
		if err != nil {
			fatal("Failed to list regions", err)
		}
		for _, r := range caps.Regions {
			fmt.Printf("%s\t%s\n", r.Slug, r.Name)
		}
	},
}

func init() {
	rootCmd.AddCommand(regionsCmd)
}
