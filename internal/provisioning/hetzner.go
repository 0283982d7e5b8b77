package provisioning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"droplift/internal/config"
	"droplift/internal/logging"
	"droplift/internal/ssh"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"go.uber.org/zap"
)

const providerHetzner = string(config.ProviderHetzner)

// HetznerProvisioner implements Provisioner for Hetzner Cloud servers.
type HetznerProvisioner struct {
	client *hcloud.Client
	cfg    config.HetznerConfig
}

// NewHetznerProvisioner creates a Hetzner Cloud adapter. The hcloud client's
// own retries are switched off.
func NewHetznerProvisioner(token string, cfg config.HetznerConfig) (*HetznerProvisioner, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: hetzner token", config.ErrConfigurationMissing)
	}

	opts := []hcloud.ClientOption{
		hcloud.WithToken(token),
		hcloud.WithApplication("droplift", "1.0"),
		hcloud.WithHTTPClient(NewHTTPClient(providerHetzner)),
		hcloud.WithRetryOpts(hcloud.RetryOpts{MaxRetries: 0}),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, hcloud.WithEndpoint(strings.TrimSuffix(cfg.Endpoint, "/")))
	}

	return &HetznerProvisioner{client: hcloud.NewClient(opts...), cfg: cfg}, nil
}

func (p *HetznerProvisioner) Name() string {
	return providerHetzner
}

func (p *HetznerProvisioner) ListRegions(ctx context.Context) ([]Region, error) {
	locations, err := p.client.Location.All(ctx)
	if err != nil {
		return nil, p.apiError("list regions", nil, err)
	}

	regions := make([]Region, 0, len(locations))
	for _, loc := range locations {
		regions = append(regions, Region{Name: loc.Description, Slug: loc.Name})
	}
	return regions, nil
}

// ListImages lists available x86 system images. Hetzner images are not
// bound to a location but the region is still required for a uniform contract.
func (p *HetznerProvisioner) ListImages(ctx context.Context, region string) ([]ImageReference, error) {
	if err := requireRegion(region); err != nil {
		return nil, err
	}

	images, err := p.client.Image.AllWithOpts(ctx, hcloud.ImageListOpts{
		Type:         []hcloud.ImageType{hcloud.ImageTypeSystem},
		Status:       []hcloud.ImageStatus{hcloud.ImageStatusAvailable},
		Architecture: []hcloud.Architecture{hcloud.ArchitectureX86},
	})
	if err != nil {
		return nil, p.apiError("list images", nil, err)
	}

	out := make([]ImageReference, 0, len(images))
	for _, img := range images {
		id := img.Name
		if id == "" {
			id = strconv.FormatInt(img.ID, 10)
		}
		out = append(out, ImageReference{ID: id, Version: img.Description})
	}
	return out, nil
}

// RegisterKey uploads the public key. When Hetzner already knows the key it
// is looked up by fingerprint instead.
func (p *HetznerProvisioner) RegisterKey(ctx context.Context, name, publicKey string) (KeyID, error) {
	if strings.TrimSpace(publicKey) == "" {
		return InlineKey, fmt.Errorf("%w: public key is required", ErrInvalidRequest)
	}
	fingerprint, err := ssh.Fingerprint(publicKey)
	if err != nil {
		return InlineKey, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	key, resp, err := p.client.SSHKey.Create(ctx, hcloud.SSHKeyCreateOpts{
		Name:      name,
		PublicKey: strings.TrimSpace(publicKey),
		Labels:    map[string]string{"managed-by": "droplift"},
	})
	if err == nil {
		return KeyID(strconv.FormatInt(key.ID, 10)), nil
	}
	if !hcloud.IsError(err, hcloud.ErrorCodeUniquenessError) {
		return InlineKey, p.apiError("register key", resp, err)
	}

	existing, resp, err := p.client.SSHKey.GetByFingerprint(ctx, fingerprint)
	if err != nil {
		return InlineKey, p.apiError("register key", resp, err)
	}
	if existing == nil {
		return InlineKey, newCodeError(providerHetzner, "register key", string(hcloud.ErrorCodeUniquenessError), Fatal, false,
			fmt.Errorf("ssh key name %q is taken by a different key", name))
	}
	logging.Logger().Info("ssh key already registered, reusing it",
		zap.String("provider", providerHetzner),
		zap.String("fingerprint", fingerprint))
	return KeyID(strconv.FormatInt(existing.ID, 10)), nil
}

// Create submits a server create request.
func (p *HetznerProvisioner) Create(ctx context.Context, req ProvisionRequest) (*InstanceHandle, error) {
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
	opts := hcloud.ServerCreateOpts{
		Name:       req.Name,
		ServerType: &hcloud.ServerType{Name: size},
		Location:   &hcloud.Location{Name: req.Region},
		UserData:   userData,
		Labels:     map[string]string{"managed-by": "droplift"},
	}
	if id, err := strconv.ParseInt(req.Image.ID, 10, 64); err == nil {
		opts.Image = &hcloud.Image{ID: id}
	} else {
		opts.Image = &hcloud.Image{Name: req.Image.ID}
	}
	for _, keyID := range req.KeyIDs {
		if keyID == InlineKey {
			continue
		}
		id, err := strconv.ParseInt(string(keyID), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: hetzner ssh key ids are numeric, got %q", ErrInvalidRequest, keyID)
		}
		opts.SSHKeys = append(opts.SSHKeys, &hcloud.SSHKey{ID: id})
	}

	result, resp, err := p.client.Server.Create(ctx, opts)
	if err != nil {
		return nil, p.apiError("create", resp, err)
	}
	if result.Server == nil || result.Server.ID == 0 {
		return nil, unexpectedResponse(providerHetzner, "create", errors.New("server id missing"))
	}

	return NewHandle(providerHetzner, strconv.FormatInt(result.Server.ID, 10), req.Name, req.Region), nil
}

// FetchStatus reads the server once.
func (p *HetznerProvisioner) FetchStatus(ctx context.Context, handle *InstanceHandle) PollOutcome {
	if err := handle.CheckActive(); err != nil {
		return PollFailed(err)
	}
	id, err := serverID(handle)
	if err != nil {
		return PollFailed(err)
	}

	server, resp, err := p.client.Server.GetByID(ctx, id)
	if err != nil {
		return PollFailed(p.apiError("status", resp, err))
	}
	if server == nil {
		apiErr := newHTTPError(providerHetzner, "status", http.StatusNotFound, nil, nil, fmt.Errorf("server %d not found", id))
		apiErr.Code = string(hcloud.ErrorCodeNotFound)
		return PollFailed(apiErr)
	}

	ip := ""
	if v4 := server.PublicNet.IPv4.IP; v4 != nil && !v4.IsUnspecified() {
		ip = v4.String()
	}
	state := string(server.Status)
	switch server.Status {
	case hcloud.ServerStatusRunning:
		if ip != "" {
			return Ready(state, ip)
		}
		return NotReady(state, "")
	case hcloud.ServerStatusDeleting:
		return PollFailed(fmt.Errorf("%w: server %d is %s", ErrInstanceFailed, id, state))
	default:
		return NotReady(state, ip)
	}
}

// Delete removes the server.
func (p *HetznerProvisioner) Delete(ctx context.Context, handle *InstanceHandle) error {
	if err := handle.CheckActive(); err != nil {
		return err
	}
	id, err := serverID(handle)
	if err != nil {
		return err
	}

	_, resp, err := p.client.Server.DeleteWithResult(ctx, &hcloud.Server{ID: id})
	if err != nil {
		return p.apiError("delete", resp, err)
	}
	return nil
}

func serverID(handle *InstanceHandle) (int64, error) {
	id, err := strconv.ParseInt(handle.ID, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid server id %q", ErrInvalidRequest, handle.ID)
	}
	return id, nil
}

// apiError converts an hcloud failure. hcloud reports a symbolic code next to
// the HTTP status; the code wins for rate limiting and not-found.
func (p *HetznerProvisioner) apiError(op string, resp *hcloud.Response, err error) error {
	var herr hcloud.Error
	isAPI := errors.As(err, &herr)

	if resp == nil || resp.Response == nil {
		if !isAPI {
			return fmt.Errorf("hetzner %s: %w", op, err)
		}
		class := Fatal
		if herr.Code == hcloud.ErrorCodeRateLimitExceeded {
			class = RetryableRateLimited
		}
		out := newCodeError(providerHetzner, op, string(herr.Code), class, herr.Code == hcloud.ErrorCodeNotFound, err)
		out.Message = herr.Message
		return out
	}

	out := newHTTPError(providerHetzner, op, resp.StatusCode, nil, resp.Header, err)
	if isAPI {
		out.Code = string(herr.Code)
		out.Message = herr.Message
		out.NotFound = out.NotFound || herr.Code == hcloud.ErrorCodeNotFound
		if herr.Code == hcloud.ErrorCodeRateLimitExceeded {
			out.Class = RetryableRateLimited
		}
	}
	if v := resp.Header.Get("RateLimit-Remaining"); v != "" {
		if n, convErr := strconv.Atoi(v); convErr == nil {
			out.RateRemaining = n
		}
	}
	return out
}
