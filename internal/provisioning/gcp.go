package provisioning

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"droplift/internal/config"

	"golang.org/x/oauth2"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const providerGCP = string(config.ProviderGCP)

// GCPProvisioner implements Provisioner for Compute Engine. Handles carry the
// instance name as ID and the zone as Region.
type GCPProvisioner struct {
	service   *compute.Service
	projectID string
	cfg       config.GCPConfig
}

// NewGCPProvisioner creates a Compute Engine adapter from an OAuth2 access token.
func NewGCPProvisioner(ctx context.Context, token, projectID string, cfg config.GCPConfig) (*GCPProvisioner, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: gcp access token", config.ErrConfigurationMissing)
	}
	if projectID == "" {
		return nil, fmt.Errorf("%w: gcp project id (credentials.account_id) is required", ErrInvalidRequest)
	}

	base := context.WithValue(ctx, oauth2.HTTPClient, NewHTTPClient(providerGCP))
	opts := []option.ClientOption{
		option.WithHTTPClient(oauth2.NewClient(base, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	service, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute service: %w", err)
	}

	return &GCPProvisioner{
		service:   service,
		projectID: projectID,
		cfg:       cfg,
	}, nil
}

func (p *GCPProvisioner) Name() string {
	return providerGCP
}

// ListRegions lists zones that are up. Instances live in zones, so the zone
// is the slug and its region the display name.
func (p *GCPProvisioner) ListRegions(ctx context.Context) ([]Region, error) {
	zones, err := p.service.Zones.List(p.projectID).Context(ctx).Do()
	if err != nil {
		return nil, gcpError("list regions", err)
	}

	regions := make([]Region, 0, len(zones.Items))
	for _, z := range zones.Items {
		if z.Status != "UP" {
			continue
		}
		regions = append(regions, Region{Name: path.Base(z.Region), Slug: z.Name})
	}
	return regions, nil
}

// ListImages lists non-deprecated images of the configured image project.
// Images are global; the zone only satisfies the contract.
func (p *GCPProvisioner) ListImages(ctx context.Context, region string) ([]ImageReference, error) {
	if err := requireRegion(region); err != nil {
		return nil, err
	}

	list, err := p.service.Images.List(p.cfg.ImageProject).MaxResults(100).Context(ctx).Do()
	if err != nil {
		return nil, gcpError("list images", err)
	}

	images := make([]ImageReference, 0, len(list.Items))
	for _, img := range list.Items {
		if img.Deprecated != nil && img.Deprecated.State != "" && img.Deprecated.State != "ACTIVE" {
			continue
		}
		images = append(images, ImageReference{
			ID:      fmt.Sprintf("projects/%s/global/images/%s", p.cfg.ImageProject, img.Name),
			Version: img.Family,
		})
	}
	return images, nil
}

// RegisterKey is a no-op: the key goes into the instance's ssh-keys metadata.
func (p *GCPProvisioner) RegisterKey(_ context.Context, _, _ string) (KeyID, error) {
	return InlineKey, nil
}

// Create inserts the instance and returns once the insert operation is accepted.
func (p *GCPProvisioner) Create(ctx context.Context, req ProvisionRequest) (*InstanceHandle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	userData, err := UserData(req.Name, req.Username, req.PublicKey)
	if err != nil {
		return nil, err
	}

	size := req.Size
	if size == "" {
		size = p.cfg.DefaultSize
	}
	network := req.Extra["network"]
	if network == "" {
		network = "global/networks/default"
	}

	var metadata []*compute.MetadataItems
	if userData != "" {
		metadata = append(metadata, &compute.MetadataItems{Key: "user-data", Value: googleapi.String(userData)})
		sshKeys := fmt.Sprintf("%s:%s", req.Username, strings.TrimSpace(req.PublicKey))
		metadata = append(metadata, &compute.MetadataItems{Key: "ssh-keys", Value: googleapi.String(sshKeys)})
	}

	instance := &compute.Instance{
		Name:        req.Name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", req.Region, size),
		Labels:      map[string]string{"managed-by": "droplift"},
		Disks: []*compute.AttachedDisk{{
			AutoDelete: true,
			Boot:       true,
			Type:       "PERSISTENT",
			InitializeParams: &compute.AttachedDiskInitializeParams{
				SourceImage: req.Image.ID,
			},
		}},
		NetworkInterfaces: []*compute.NetworkInterface{{
			Network: network,
			AccessConfigs: []*compute.AccessConfig{{
				Type: "ONE_TO_ONE_NAT",
				Name: "External NAT",
			}},
		}},
		Metadata: &compute.Metadata{Items: metadata},
	}

	op, err := p.service.Instances.Insert(p.projectID, req.Region, instance).Context(ctx).Do()
	if err != nil {
		return nil, gcpError("create", err)
	}
	if op.Error != nil && len(op.Error.Errors) > 0 {
		first := op.Error.Errors[0]
		out := newCodeError(providerGCP, "create", first.Code, Fatal, false, errors.New(first.Message))
		out.Message = first.Message
		return nil, out
	}

	return NewHandle(providerGCP, req.Name, req.Name, req.Region), nil
}

// FetchStatus reads the instance once.
func (p *GCPProvisioner) FetchStatus(ctx context.Context, handle *InstanceHandle) PollOutcome {
	if err := handle.CheckActive(); err != nil {
		return PollFailed(err)
	}

	instance, err := p.service.Instances.Get(p.projectID, handle.Region, handle.ID).Context(ctx).Do()
	if err != nil {
		return PollFailed(gcpError("status", err))
	}

	ip := ""
	if len(instance.NetworkInterfaces) > 0 && len(instance.NetworkInterfaces[0].AccessConfigs) > 0 {
		ip = instance.NetworkInterfaces[0].AccessConfigs[0].NatIP
	}
	switch instance.Status {
	case "RUNNING":
		if ip != "" {
			return Ready(instance.Status, ip)
		}
		return NotReady(instance.Status, "")
	case "STOPPING", "STOPPED", "SUSPENDING", "SUSPENDED", "TERMINATED":
		return PollFailed(fmt.Errorf("%w: instance %s is %s", ErrInstanceFailed, handle.ID, instance.Status))
	default:
		return NotReady(instance.Status, ip)
	}
}

// Delete removes the instance.
func (p *GCPProvisioner) Delete(ctx context.Context, handle *InstanceHandle) error {
	if err := handle.CheckActive(); err != nil {
		return err
	}
	if _, err := p.service.Instances.Delete(p.projectID, handle.Region, handle.ID).Context(ctx).Do(); err != nil {
		return gcpError("delete", err)
	}
	return nil
}

// gcpError maps a googleapi.Error. Compute Engine reports quota throttling as
// 403 with a rateLimitExceeded reason.
func gcpError(op string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return fmt.Errorf("gcp %s: %w", op, err)
	}

	out := newHTTPError(providerGCP, op, gerr.Code, nil, gerr.Header, err)
	out.Message = gerr.Message
	if len(gerr.Errors) > 0 {
		out.Code = gerr.Errors[0].Reason
	}
	switch out.Code {
	case "rateLimitExceeded", "userRateLimitExceeded":
		out.Class = RetryableRateLimited
	case "notFound":
		out.NotFound = true
	}
	return out
}
