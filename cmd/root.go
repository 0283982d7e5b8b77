package cmd

import (
	"context"
	"errors"
	"os"

	"droplift/internal/config"
	"droplift/internal/logging"
	"droplift/internal/orchestrator"
	"droplift/internal/provisioning"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "droplift",
	Short: "Provision a cloud VM and wait for its address",
	Long: `droplift creates a single virtual machine on DigitalOcean, Azure, Hetzner,
AWS, GCP or Yandex Cloud, waits until it has a public address and prints it.
Settings come from droplift.yaml (or --config / CONFIG_PATH) and the environment.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default droplift.yaml or $CONFIG_PATH)")
}

// loadConfig loads the configuration or exits. A missing token ends here.
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal("Failed to load configuration", err)
	}
	logging.Logger().Debug("Configuration loaded",
		zap.String("provisioner_type", string(cfg.Provisioner.Type)),
		zap.Duration("poll_interval", cfg.Provisioning.PollInterval),
		zap.Duration("poll_timeout", cfg.Provisioning.PollTimeout),
		zap.Int("max_attempts", cfg.Provisioning.MaxAttempts))
	return cfg
}

func newProvisioner(ctx context.Context, cfg *config.Config) provisioning.Provisioner {
	p, err := provisioning.NewProvisioner(ctx, cfg)
	if err != nil {
		fatal("Failed to create provisioner", err)
	}
	return p
}

// fatal logs err with its stage and kind and exits.
func fatal(msg string, err error) {
	fields := []zap.Field{zap.Error(err)}

	var perr *orchestrator.ProvisioningError
	if errors.As(err, &perr) {
		fields = append(fields,
			zap.String("stage", string(perr.Stage)),
			zap.Stringer("kind", perr.Kind))
		if perr.Handle != nil {
			fields = append(fields,
				zap.String("instance_id", perr.Handle.ID),
				zap.Stringer("state", perr.Handle.State()))
		}
	} else {
		fields = append(fields, zap.Stringer("kind", provisioning.KindOf(err)))
	}
	logging.Logger().Fatal(msg, fields...)
}

// instanceHandle rebuilds a handle for an instance created by an earlier run.
func instanceHandle(p provisioning.Provisioner, id, region string, attrs map[string]string) *provisioning.InstanceHandle {
	h := provisioning.NewHandle(p.Name(), id, id, region)
	if len(attrs) > 0 {
		h.Attributes = attrs
	}
	return h
}
