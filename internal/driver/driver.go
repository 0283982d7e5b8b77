// Package driver runs the fixed provisioning script: discover, register the
// key, provision, report the address, optionally probe and tear down.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"droplift/internal/config"
	"droplift/internal/control"
	"droplift/internal/logging"
	"droplift/internal/metrics"
	"droplift/internal/orchestrator"
	"droplift/internal/provisioning"
	"droplift/internal/report"
	sshkeys "droplift/internal/ssh"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ProbeFunc checks a ready instance; control.Probe in production.
type ProbeFunc func(ctx context.Context, cfg control.Config, command string) (string, error)

// Driver sequences one run. It makes no retry decisions of its own.
type Driver struct {
	cfg         *config.Config
	provisioner provisioning.Provisioner
	printer     *Printer
	recorder    *metrics.Recorder
	probe       ProbeFunc
}

// New creates a driver writing user facing output to out.
func New(cfg *config.Config, p provisioning.Provisioner, out io.Writer) *Driver {
	return &Driver{
		cfg:         cfg,
		provisioner: p,
		printer:     NewPrinter(out),
		recorder:    metrics.NewRecorder(),
		probe:       control.Probe,
	}
}

// WithProbe replaces the SSH probe.
func (d *Driver) WithProbe(probe ProbeFunc) *Driver {
	d.probe = probe
	return d
}

// Run executes the script. The report is returned even when the run fails;
// it is also written to the configured report path.
func (d *Driver) Run(ctx context.Context) (*report.Report, error) {
	opts := orchestrator.OptionsFromConfig(d.cfg.Provisioning)
	opts.Recorder = d.recorder

	rep := &report.Report{
		RunID:     uuid.NewString(),
		Provider:  d.provisioner.Name(),
		StartedAt: time.Now().UTC(),
	}
	log := logging.Logger().With(zap.String("run_id", rep.RunID), zap.String("provider", rep.Provider))

	err := d.run(ctx, log, opts, rep)
	if err != nil {
		rep.SetError(err)
	}
	rep.FinishedAt = time.Now().UTC()

	if saveErr := d.save(rep); saveErr != nil {
		log.Error("failed to write run artifacts", zap.Error(saveErr))
		err = errors.Join(err, saveErr)
	}
	return rep, err
}

func (d *Driver) run(ctx context.Context, log *zap.Logger, opts orchestrator.Options, rep *report.Report) error {
	publicKey, err := d.publicKey()
	if err != nil {
		return err
	}

	name := d.cfg.Instance.Name
	if name == "" {
		name = "droplift-" + uuid.NewString()[:8]
	}
	req := provisioning.NewRequest(d.cfg, name, publicKey)
	rep.Name = req.Name
	rep.Region = req.Region

	if d.cfg.Provisioning.Discover {
		caps, err := orchestrator.Discover(ctx, d.provisioner, req.Region, opts)
		if err != nil {
			log.Warn("capability discovery failed", zap.Error(err))
		} else {
			d.printer.Capabilities(caps)
		}
	}

	defaults := provisioning.GetInstanceDefaults(d.cfg.Provisioner)
	if publicKey != "" && defaults.KeyName != "" {
		keyID, err := orchestrator.RegisterKey(ctx, d.provisioner, defaults.KeyName, publicKey, opts)
		if err != nil {
			return err
		}
		if keyID != provisioning.InlineKey {
			req.KeyIDs = append(req.KeyIDs, keyID)
		}
	}

	start := time.Now()
	handle, err := orchestrator.Provision(ctx, d.provisioner, req, opts)
	if err != nil {
		return err
	}
	rep.SetHandle(handle)
	rep.ReadyAfter = time.Since(start).Round(time.Second).String()
	d.printer.Ready(handle)

	if d.cfg.Provisioning.WaitSSH {
		rep.SSHCheck = d.checkSSH(ctx, log, handle, req.Username)
	}

	if d.cfg.Provisioning.Teardown {
		if err := orchestrator.Teardown(ctx, d.provisioner, handle, opts); err != nil {
			return err
		}
		rep.SetHandle(handle)
		d.printer.Deleted(handle)
	}
	return nil
}

// publicKey returns the configured key, falling back to the one derived from
// the private key. No key at all is allowed; providers that need one reject
// the request themselves.
func (d *Driver) publicKey() (string, error) {
	creds := d.cfg.Credentials
	key, err := sshkeys.LoadPublicKey(creds.PublicKey, creds.PublicKeyPath)
	switch {
	case err == nil:
		return key, nil
	case !errors.Is(err, sshkeys.ErrNoPublicKey):
		return "", fmt.Errorf("%w: %v", provisioning.ErrInvalidRequest, err)
	case d.cfg.Provisioning.PrivateKeyPath != "":
		key, err := sshkeys.PublicKeyFromPrivate(d.cfg.Provisioning.PrivateKeyPath)
		if err != nil {
			return "", fmt.Errorf("%w: %v", provisioning.ErrInvalidRequest, err)
		}
		return key, nil
	default:
		return "", nil
	}
}

// checkSSH is informational: a failure is reported but leaves the handle alone.
func (d *Driver) checkSSH(ctx context.Context, log *zap.Logger, handle *provisioning.InstanceHandle, username string) string {
	p := d.cfg.Provisioning
	out, err := d.probe(ctx, control.Config{
		Host:           handle.Address(),
		User:           username,
		PrivateKeyPath: p.PrivateKeyPath,
		Timeout:        p.SSHTimeout,
		SSHTimeout:     30 * time.Second,
		InstanceName:   handle.Name,
	}, p.CheckCommand)
	if err != nil {
		log.Warn("ssh check failed", zap.String("instance_id", handle.ID), zap.Error(err))
		return "failed: " + logging.Truncate(err.Error())
	}
	d.printer.SSH(out)
	return "ok: " + logging.Truncate(out)
}

func (d *Driver) save(rep *report.Report) error {
	var errs []error
	if path := d.cfg.Output.ReportPath; path != "" {
		errs = append(errs, report.Save(path, rep))
	}
	if path := d.cfg.Output.MetricsPath; path != "" {
		errs = append(errs, d.recorder.WriteTextfile(path))
	}
	return errors.Join(errs...)
}
