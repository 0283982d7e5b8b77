package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"droplift/internal/driver"
	"droplift/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	provisionTeardown bool
	provisionWaitSSH  bool
	provisionReport   string
)

// provisionCmd represents the provision command
var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create an instance and print its address",
	Long: `Run the provisioning script: list regions and images, register the SSH key
where the provider needs it, create the instance, wait for its address and print
it. With --teardown the instance is deleted again afterwards.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if cmd.Flags().Changed("teardown") {
			cfg.Provisioning.Teardown = provisionTeardown
		}
		if cmd.Flags().Changed("wait-ssh") {
			cfg.Provisioning.WaitSSH = provisionWaitSSH
		}
		if provisionReport != "" {
			cfg.Output.ReportPath = provisionReport
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p := newProvisioner(ctx, cfg)
		rep, err := driver.New(cfg, p, os.Stdout).Run(ctx)
		if err != nil {
			fatal("Provisioning failed", err)
		}

		logging.Logger().Info("Run finished",
			zap.String("run_id", rep.RunID),
			zap.String("instance_id", rep.InstanceID),
			zap.String("address", rep.Address),
			zap.String("state", rep.State))
	},
}

func init() {
	rootCmd.AddCommand(provisionCmd)

	provisionCmd.Flags().BoolVar(&provisionTeardown, "teardown", false, "Delete the instance after it became ready")
	provisionCmd.Flags().BoolVar(&provisionWaitSSH, "wait-ssh", false, "Wait for SSH and run the check command on the instance")
	provisionCmd.Flags().StringVarP(&provisionReport, "report", "r", "", "Write a run report (.json or .yaml)")
}
