package provisioning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"droplift/internal/config"
	"droplift/internal/logging"
	"droplift/internal/ssh"

	"github.com/digitalocean/godo"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const providerDigitalOcean = string(config.ProviderDigitalOcean)

// DOProvisioner implements Provisioner for DigitalOcean droplets.
type DOProvisioner struct {
	client *godo.Client
}

// NewDOProvisioner creates a DigitalOcean adapter. baseURL may be empty for the public API.
func NewDOProvisioner(token, baseURL string) (*DOProvisioner, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: digitalocean token", config.ErrConfigurationMissing)
	}

	// oauth2 adds the bearer header on top of the shared non-retrying transport.
	base := NewHTTPClient(providerDigitalOcean)
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))

	var opts []godo.ClientOpt
	if baseURL != "" {
		opts = append(opts, godo.SetBaseURL(strings.TrimSuffix(baseURL, "/")+"/"))
	}
	client, err := godo.New(httpClient, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create digitalocean client: %w", err)
	}

	return &DOProvisioner{client: client}, nil
}

func (p *DOProvisioner) Name() string {
	return providerDigitalOcean
}

// ListRegions returns regions currently accepting new droplets.
func (p *DOProvisioner) ListRegions(ctx context.Context) ([]Region, error) {
	regions, resp, err := p.client.Regions.List(ctx, &godo.ListOptions{PerPage: 200})
	if err != nil {
		return nil, p.apiError("list regions", resp, err)
	}
	p.logRate("list regions", resp)

	out := make([]Region, 0, len(regions))
	for _, r := range regions {
		if !r.Available {
			continue
		}
		out = append(out, Region{Name: r.Name, Slug: r.Slug})
	}
	return out, nil
}

// ListImages returns distribution images available in region.
func (p *DOProvisioner) ListImages(ctx context.Context, region string) ([]ImageReference, error) {
	if err := requireRegion(region); err != nil {
		return nil, err
	}

	images, resp, err := p.client.Images.ListDistribution(ctx, &godo.ListOptions{PerPage: 200})
	if err != nil {
		return nil, p.apiError("list images", resp, err)
	}
	p.logRate("list images", resp)

	out := make([]ImageReference, 0, len(images))
	for _, img := range images {
		if len(img.Regions) > 0 && !slices.Contains(img.Regions, region) {
			continue
		}
		id := img.Slug
		if id == "" {
			id = strconv.Itoa(img.ID)
		}
		out = append(out, ImageReference{ID: id, Version: strings.TrimSpace(img.Distribution + " " + img.Name)})
	}
	return out, nil
}

// RegisterKey uploads the public key. A key that is already registered is
// reused through its fingerprint.
func (p *DOProvisioner) RegisterKey(ctx context.Context, name, publicKey string) (KeyID, error) {
	if strings.TrimSpace(publicKey) == "" {
		return InlineKey, fmt.Errorf("%w: public key is required", ErrInvalidRequest)
	}
	fingerprint, err := ssh.Fingerprint(publicKey)
	if err != nil {
		return InlineKey, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	key, resp, err := p.client.Keys.Create(ctx, &godo.KeyCreateRequest{Name: name, PublicKey: publicKey})
	if err != nil {
		if resp != nil && resp.Response != nil && resp.StatusCode == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(errorMessage(err)), "already in use") {
			logging.Logger().Info("ssh key already registered, reusing it",
				zap.String("provider", providerDigitalOcean),
				zap.String("fingerprint", fingerprint))
			return KeyID(fingerprint), nil
		}
		return InlineKey, p.apiError("register key", resp, err)
	}
	p.logRate("register key", resp)

	if key.Fingerprint != "" {
		return KeyID(key.Fingerprint), nil
	}
	return KeyID(strconv.Itoa(key.ID)), nil
}

// Create submits a droplet create request. The droplet is not ready yet.
func (p *DOProvisioner) Create(ctx context.Context, req ProvisionRequest) (*InstanceHandle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	userData, err := UserData(req.Name, req.Username, req.PublicKey)
	if err != nil {
		return nil, err
	}

	createRequest := &godo.DropletCreateRequest{
		Name:     req.Name,
		Region:   req.Region,
		Size:     req.Size,
		UserData: userData,
		Tags:     []string{"droplift"},
		VPCUUID:  req.Extra["vpc_uuid"],
	}
	if id, err := strconv.Atoi(req.Image.ID); err == nil {
		createRequest.Image = godo.DropletCreateImage{ID: id}
	} else {
		createRequest.Image = godo.DropletCreateImage{Slug: req.Image.ID}
	}
	for _, keyID := range req.KeyIDs {
		if id, err := strconv.Atoi(string(keyID)); err == nil {
			createRequest.SSHKeys = append(createRequest.SSHKeys, godo.DropletCreateSSHKey{ID: id})
		} else if keyID != InlineKey {
			createRequest.SSHKeys = append(createRequest.SSHKeys, godo.DropletCreateSSHKey{Fingerprint: string(keyID)})
		}
	}
	if tags := req.Extra["tags"]; tags != "" {
		for _, tag := range strings.Split(tags, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				createRequest.Tags = append(createRequest.Tags, tag)
			}
		}
	}

	droplet, resp, err := p.client.Droplets.Create(ctx, createRequest)
	if err != nil {
		return nil, p.apiError("create", resp, err)
	}
	p.logRate("create", resp)
	if droplet == nil || droplet.ID == 0 {
		return nil, unexpectedResponse(providerDigitalOcean, "create", errors.New("droplet id missing"))
	}

	return NewHandle(providerDigitalOcean, strconv.Itoa(droplet.ID), req.Name, req.Region), nil
}

// FetchStatus reports the droplet state. The public IPv4 is returned as soon
// as DigitalOcean assigns it.
func (p *DOProvisioner) FetchStatus(ctx context.Context, handle *InstanceHandle) PollOutcome {
	if err := handle.CheckActive(); err != nil {
		return PollFailed(err)
	}
	id, err := dropletID(handle)
	if err != nil {
		return PollFailed(err)
	}

	droplet, resp, err := p.client.Droplets.Get(ctx, id)
	if err != nil {
		return PollFailed(p.apiError("status", resp, err))
	}
	p.logRate("status", resp)

	ip, _ := droplet.PublicIPv4()
	switch droplet.Status {
	case "active":
		if ip != "" {
			return Ready(droplet.Status, ip)
		}
		return NotReady(droplet.Status, "")
	case "archive", "off":
		return PollFailed(fmt.Errorf("%w: droplet %d is %s", ErrInstanceFailed, id, droplet.Status))
	default:
		return NotReady(droplet.Status, ip)
	}
}

// Delete destroys the droplet.
func (p *DOProvisioner) Delete(ctx context.Context, handle *InstanceHandle) error {
	if err := handle.CheckActive(); err != nil {
		return err
	}
	id, err := dropletID(handle)
	if err != nil {
		return err
	}

	resp, err := p.client.Droplets.Delete(ctx, id)
	if err != nil {
		return p.apiError("delete", resp, err)
	}
	p.logRate("delete", resp)
	return nil
}

func dropletID(handle *InstanceHandle) (int, error) {
	id, err := strconv.Atoi(handle.ID)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid droplet id %q", ErrInvalidRequest, handle.ID)
	}
	return id, nil
}

// apiError turns a godo failure into an APIError. Without a response the
// failure happened below HTTP and is returned as a plain (transient) error.
func (p *DOProvisioner) apiError(op string, resp *godo.Response, err error) error {
	if resp == nil || resp.Response == nil {
		return fmt.Errorf("digitalocean %s: %w", op, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return unexpectedResponse(providerDigitalOcean, op, err)
	}

	apiErr := newHTTPError(providerDigitalOcean, op, resp.StatusCode, nil, resp.Header, err)
	if msg := errorMessage(err); msg != "" {
		apiErr.Message = msg
	}
	if resp.Header.Get("RateLimit-Remaining") != "" {
		apiErr.RateRemaining = resp.Rate.Remaining
		apiErr.RateReset = resp.Rate.Reset.Time
	}
	return apiErr
}

func (p *DOProvisioner) logRate(op string, resp *godo.Response) {
	if resp == nil || resp.Response == nil || resp.Header.Get("RateLimit-Remaining") == "" {
		return
	}
	logging.Logger().Debug("digitalocean rate limit",
		zap.String("op", op),
		zap.Int("ratelimit_remaining", resp.Rate.Remaining),
		zap.Int("ratelimit_limit", resp.Rate.Limit))
}

func errorMessage(err error) string {
	var errResp *godo.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Message
	}
	return ""
}
