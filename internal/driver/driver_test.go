package driver_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"droplift/internal/config"
	"droplift/internal/control"
	"droplift/internal/driver"
	"droplift/internal/orchestrator"
	"droplift/internal/provisioning"
	"droplift/internal/report"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const testPublicKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIOMqqnkVzrm0SdG6UOoqKLsabgH5C9okWi0dh2l9GKJl droplift@test"

// recordingProvisioner answers every call successfully and records the calls.
type recordingProvisioner struct {
	mu        sync.Mutex
	calls     []string
	requests  []provisioning.ProvisionRequest
	deleteErr error
	polls     int
}

func (p *recordingProvisioner) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *recordingProvisioner) Name() string { return "digitalocean" }

func (p *recordingProvisioner) ListRegions(context.Context) ([]provisioning.Region, error) {
	p.record("ListRegions")
	return []provisioning.Region{{Name: "New York 1", Slug: "nyc1"}}, nil
}

func (p *recordingProvisioner) ListImages(context.Context, string) ([]provisioning.ImageReference, error) {
	p.record("ListImages")
	return []provisioning.ImageReference{{ID: "ubuntu-22-04-x64"}}, nil
}

func (p *recordingProvisioner) RegisterKey(_ context.Context, name, _ string) (provisioning.KeyID, error) {
	p.record("RegisterKey")
	return provisioning.KeyID("fp:" + name), nil
}

func (p *recordingProvisioner) Create(_ context.Context, req provisioning.ProvisionRequest) (*provisioning.InstanceHandle, error) {
	p.record("Create")
	p.requests = append(p.requests, req)
	return provisioning.NewHandle("digitalocean", "42", req.Name, req.Region), nil
}

func (p *recordingProvisioner) FetchStatus(context.Context, *provisioning.InstanceHandle) provisioning.PollOutcome {
	p.record("FetchStatus")
	p.polls++
	if p.polls == 1 {
		return provisioning.NotReady("new", "")
	}
	return provisioning.Ready("active", "10.0.0.5")
}

func (p *recordingProvisioner) Delete(context.Context, *provisioning.InstanceHandle) error {
	p.record("Delete")
	return p.deleteErr
}

var _ = Describe("Driver", func() {
	var (
		ctx  context.Context
		cfg  *config.Config
		prov *recordingProvisioner
		out  *bytes.Buffer
		dir  string
	)

	BeforeEach(func() {
		ctx = context.Background()
		dir = GinkgoT().TempDir()
		prov = &recordingProvisioner{}
		out = &bytes.Buffer{}

		cfg = config.Default()
		cfg.Credentials = config.Credentials{Token: "token", PublicKey: testPublicKey}
		cfg.Provisioner.DigitalOcean = &config.DigitalOceanConfig{
			KeyName:       "My SSH Public Key",
			DefaultRegion: "nyc1",
			DefaultImage:  "ubuntu-22-04-x64",
			DefaultSize:   "s-1vcpu-1gb",
		}
		cfg.Instance.Name = "droplift-test"
		cfg.Provisioning.PollInterval = 10 * time.Millisecond
		cfg.Provisioning.BackoffBase = time.Millisecond
		cfg.Provisioning.BackoffCap = 5 * time.Millisecond
		cfg.Provisioning.Teardown = true
		cfg.Output.ReportPath = filepath.Join(dir, "report.json")
		cfg.Output.MetricsPath = filepath.Join(dir, "droplift.prom")
	})

	It("runs the whole script and prints the address", func() {
		rep, err := driver.New(cfg, prov, out).Run(ctx)
		Expect(err).NotTo(HaveOccurred())

		Expect(prov.calls).To(HaveLen(7))
		Expect(prov.calls[:2]).To(ConsistOf("ListRegions", "ListImages"))
		Expect(prov.calls[2:]).To(Equal([]string{"RegisterKey", "Create", "FetchStatus", "FetchStatus", "Delete"}))

		Expect(prov.requests).To(HaveLen(1))
		req := prov.requests[0]
		Expect(req.Name).To(Equal("droplift-test"))
		Expect(req.Region).To(Equal("nyc1"))
		Expect(req.KeyIDs).To(Equal([]provisioning.KeyID{"fp:My SSH Public Key"}))
		Expect(req.PublicKey).To(Equal(testPublicKey))

		Expect(out.String()).To(Equal("10.0.0.5\n"))
		Expect(rep.Address).To(Equal("10.0.0.5"))
		Expect(rep.State).To(Equal("deleted"))
		Expect(rep.Error).To(BeNil())

		saved, err := report.Load(cfg.Output.ReportPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(saved.InstanceID).To(Equal("42"))

		metrics, err := os.ReadFile(cfg.Output.MetricsPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(metrics)).To(ContainSubstring("droplift_orchestrator_provision_total"))
	})

	It("skips discovery and teardown when disabled", func() {
		cfg.Provisioning.Discover = false
		cfg.Provisioning.Teardown = false

		rep, err := driver.New(cfg, prov, out).Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(prov.calls).NotTo(ContainElement("ListRegions"))
		Expect(prov.calls).NotTo(ContainElement("Delete"))
		Expect(rep.State).To(Equal("ready"))
	})

	It("generates a name when none is configured", func() {
		cfg.Instance.Name = ""

		_, err := driver.New(cfg, prov, out).Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(prov.requests[0].Name).To(HavePrefix("droplift-"))
	})

	It("counts a 404 on teardown as success", func() {
		prov.deleteErr = &provisioning.APIError{
			Provider: "digitalocean", Op: "delete", StatusCode: http.StatusNotFound,
			Class: provisioning.Fatal, NotFound: true, RateRemaining: -1,
		}

		rep, err := driver.New(cfg, prov, out).Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(rep.State).To(Equal("deleted"))
	})

	It("reports a fatal teardown failure with its stage", func() {
		prov.deleteErr = &provisioning.APIError{
			Provider: "digitalocean", Op: "delete", StatusCode: http.StatusForbidden,
			Class: provisioning.Fatal, RateRemaining: -1,
		}

		rep, err := driver.New(cfg, prov, out).Run(ctx)
		var perr *orchestrator.ProvisioningError
		Expect(errors.As(err, &perr)).To(BeTrue())
		Expect(perr.Stage).To(Equal(orchestrator.StageDelete))
		Expect(rep.Error.Stage).To(Equal("Delete"))
		Expect(rep.Address).To(Equal("10.0.0.5"))
	})

	It("rejects an unparsable public key before any call", func() {
		cfg.Credentials.PublicKey = "not a key"

		rep, err := driver.New(cfg, prov, out).Run(ctx)
		Expect(err).To(MatchError(provisioning.ErrInvalidRequest))
		Expect(prov.calls).To(BeEmpty())
		Expect(rep.Error.Kind).To(Equal("InvalidRequest"))
	})

	It("runs the ssh check without failing the run", func() {
		cfg.Provisioning.WaitSSH = true
		var probed control.Config
		d := driver.New(cfg, prov, out).WithProbe(func(_ context.Context, c control.Config, command string) (string, error) {
			probed = c
			return "", errors.New("connection refused")
		})

		rep, err := d.Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(probed.Host).To(Equal("10.0.0.5"))
		Expect(probed.User).To(Equal("droplift"))
		Expect(rep.SSHCheck).To(HavePrefix("failed:"))
		Expect(rep.State).To(Equal("deleted"))
	})
})
