package provisioning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"droplift/internal/config"
	"droplift/internal/logging"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"go.uber.org/zap"
)

const (
	providerAzure = string(config.ProviderAzure)

	armScope = "https://management.azure.com/.default"

	apiVersionLocations = "2019-06-01"
	apiVersionCompute   = "2019-03-01"
	apiVersionNetwork   = "2019-09-01"

	attrPublicIPName = "public_ip_name"
)

// staticToken hands the configured bearer token to the azcore bearer policy.
// The token is never refreshed; an expired token surfaces as a 401.
type staticToken struct {
	token string
}

func (s staticToken) GetToken(_ context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{Token: s.token, ExpiresOn: time.Now().Add(time.Hour)}, nil
}

// AzureProvisioner implements Provisioner for Azure virtual machines using
// raw Resource Manager REST calls through an azcore pipeline.
type AzureProvisioner struct {
	pipeline     runtime.Pipeline
	endpoint     string
	subscription string
	cfg          config.AzureConfig
}

// NewAzureProvisioner creates an Azure adapter for the given subscription.
func NewAzureProvisioner(token, subscription string, cfg config.AzureConfig) (*AzureProvisioner, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: azure token", config.ErrConfigurationMissing)
	}
	if subscription == "" {
		return nil, fmt.Errorf("%w: azure subscription id (credentials.account_id) is required", ErrInvalidRequest)
	}
	endpoint := strings.TrimSuffix(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = "https://management.azure.com"
	}
	insecure := strings.HasPrefix(endpoint, "http://")

	bearer := runtime.NewBearerTokenPolicy(staticToken{token: token}, []string{armScope},
		&policy.BearerTokenOptions{InsecureAllowCredentialWithHTTP: insecure})

	pl := runtime.NewPipeline("droplift", "v1.0.0",
		runtime.PipelineOptions{PerRetry: []policy.Policy{bearer}},
		&policy.ClientOptions{
			Transport:                       NewHTTPClient(providerAzure),
			Retry:                           policy.RetryOptions{MaxRetries: -1},
			Telemetry:                       policy.TelemetryOptions{ApplicationID: "droplift"},
			InsecureAllowCredentialWithHTTP: insecure,
		})

	return &AzureProvisioner{
		pipeline:     pl,
		endpoint:     endpoint,
		subscription: subscription,
		cfg:          cfg,
	}, nil
}

func (p *AzureProvisioner) Name() string {
	return providerAzure
}

type azureLocation struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// ListRegions lists the subscription's locations.
func (p *AzureProvisioner) ListRegions(ctx context.Context) ([]Region, error) {
	var body struct {
		Value []azureLocation `json:"value"`
	}
	path := fmt.Sprintf("/subscriptions/%s/locations", url.PathEscape(p.subscription))
	if err := p.call(ctx, "list regions", http.MethodGet, path, apiVersionLocations, nil, &body, http.StatusOK); err != nil {
		return nil, err
	}

	regions := make([]Region, 0, len(body.Value))
	for _, loc := range body.Value {
		regions = append(regions, Region{Name: loc.DisplayName, Slug: loc.Name})
	}
	return regions, nil
}

// ListImages lists the skus of the configured publisher and offer in region.
func (p *AzureProvisioner) ListImages(ctx context.Context, region string) ([]ImageReference, error) {
	if err := requireRegion(region); err != nil {
		return nil, err
	}
	def := ParseImageReference(p.cfg.DefaultImage)
	if def.Publisher == "" || def.Offer == "" {
		return nil, fmt.Errorf("%w: default_image must be publisher:offer:sku[:version] to list skus", ErrInvalidRequest)
	}

	var skus []struct {
		Name     string `json:"name"`
		Location string `json:"location"`
	}
	path := fmt.Sprintf("/subscriptions/%s/providers/Microsoft.Compute/locations/%s/publishers/%s/artifacttypes/vmimage/offers/%s/skus",
		url.PathEscape(p.subscription), url.PathEscape(region), url.PathEscape(def.Publisher), url.PathEscape(def.Offer))
	if err := p.call(ctx, "list images", http.MethodGet, path, apiVersionCompute, nil, &skus, http.StatusOK); err != nil {
		return nil, err
	}

	images := make([]ImageReference, 0, len(skus))
	for _, sku := range skus {
		images = append(images, ImageReference{Publisher: def.Publisher, Offer: def.Offer, ID: sku.Name, Version: "latest"})
	}
	return images, nil
}

// RegisterKey is not needed on Azure: the key goes into the VM's osProfile.
func (p *AzureProvisioner) RegisterKey(_ context.Context, _, _ string) (KeyID, error) {
	return InlineKey, nil
}

// Create submits a PUT for the virtual machine. Azure answers 200 or 201
// while provisioning continues in the background.
func (p *AzureProvisioner) Create(ctx context.Context, req ProvisionRequest) (*InstanceHandle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.PublicKey) == "" {
		return nil, fmt.Errorf("%w: azure requires a public key for password-less login", ErrInvalidRequest)
	}

	image := req.Image
	if image.Publisher == "" || image.Offer == "" {
		def := ParseImageReference(p.cfg.DefaultImage)
		image.Publisher, image.Offer = def.Publisher, def.Offer
	}
	if image.Version == "" {
		image.Version = "latest"
	}
	size := req.Size
	if size == "" {
		size = p.cfg.DefaultSize
	}
	admin := req.Username
	if admin == "" {
		admin = p.cfg.AdminUsername
	}

	body := map[string]interface{}{
		"location": req.Region,
		"tags":     map[string]string{"managed-by": "droplift"},
		"properties": map[string]interface{}{
			"hardwareProfile": map[string]string{"vmSize": size},
			"storageProfile": map[string]interface{}{
				"imageReference": map[string]string{
					"publisher": image.Publisher,
					"offer":     image.Offer,
					"sku":       image.ID,
					"version":   image.Version,
				},
				"osDisk": map[string]interface{}{
					"name":         req.Name + "-osdisk",
					"caching":      "ReadWrite",
					"createOption": "FromImage",
					"managedDisk":  map[string]string{"storageAccountType": "Standard_LRS"},
				},
			},
			"osProfile": map[string]interface{}{
				"computerName":  req.Name,
				"adminUsername": admin,
				"linuxConfiguration": map[string]interface{}{
					"disablePasswordAuthentication": true,
					"ssh": map[string]interface{}{
						"publicKeys": []map[string]string{{
							"path":    fmt.Sprintf("/home/%s/.ssh/authorized_keys", admin),
							"keyData": strings.TrimSpace(req.PublicKey),
						}},
					},
				},
			},
			"networkProfile": map[string]interface{}{
				"networkInterfaces": []map[string]interface{}{{
					"id":         p.nicID(req),
					"properties": map[string]bool{"primary": true},
				}},
			},
		},
	}

	var created struct {
		Name       string `json:"name"`
		Properties struct {
			ProvisioningState string `json:"provisioningState"`
		} `json:"properties"`
	}
	if err := p.call(ctx, "create", http.MethodPut, p.vmPath(req.Name), apiVersionCompute, body, &created,
		http.StatusOK, http.StatusCreated); err != nil {
		return nil, err
	}

	name := created.Name
	if name == "" {
		name = req.Name
	}
	handle := NewHandle(providerAzure, name, req.Name, req.Region)
	ipName := req.Extra[attrPublicIPName]
	if ipName == "" {
		ipName = p.cfg.PublicIPName
	}
	if ipName != "" {
		handle.Attributes = map[string]string{attrPublicIPName: ipName}
	}

	logging.Logger().Debug("azure vm accepted",
		zap.String("name", name),
		zap.String("provisioning_state", created.Properties.ProvisioningState))
	return handle, nil
}

type azurePublicIP struct {
	Name       string `json:"name"`
	Properties struct {
		IPAddress         string `json:"ipAddress"`
		ProvisioningState string `json:"provisioningState"`
	} `json:"properties"`
}

// FetchStatus reads the public IP resource. When its name is known it is
// fetched directly, otherwise the resource group's addresses are listed and
// the first assigned one is used.
func (p *AzureProvisioner) FetchStatus(ctx context.Context, handle *InstanceHandle) PollOutcome {
	if err := handle.CheckActive(); err != nil {
		return PollFailed(err)
	}

	var ip azurePublicIP
	if name := handle.Attributes[attrPublicIPName]; name != "" {
		path := fmt.Sprintf("%s/providers/Microsoft.Network/publicIPAddresses/%s", p.groupPath(), url.PathEscape(name))
		if err := p.call(ctx, "status", http.MethodGet, path, apiVersionNetwork, nil, &ip, http.StatusOK); err != nil {
			return PollFailed(err)
		}
	} else {
		var list struct {
			Value []azurePublicIP `json:"value"`
		}
		path := p.groupPath() + "/providers/Microsoft.Network/publicIPAddresses"
		if err := p.call(ctx, "status", http.MethodGet, path, apiVersionNetwork, nil, &list, http.StatusOK); err != nil {
			return PollFailed(err)
		}
		for _, candidate := range list.Value {
			if candidate.Properties.IPAddress != "" {
				ip = candidate
				break
			}
		}
	}

	state := ip.Properties.ProvisioningState
	switch {
	case state == "Failed":
		return PollFailed(fmt.Errorf("%w: public ip %s provisioning failed", ErrInstanceFailed, ip.Name))
	case ip.Properties.IPAddress != "" && state == "Succeeded":
		return Ready(state, ip.Properties.IPAddress)
	default:
		return NotReady(state, ip.Properties.IPAddress)
	}
}

// Delete removes the virtual machine.
func (p *AzureProvisioner) Delete(ctx context.Context, handle *InstanceHandle) error {
	if err := handle.CheckActive(); err != nil {
		return err
	}
	return p.call(ctx, "delete", http.MethodDelete, p.vmPath(handle.ID), apiVersionCompute, nil, nil,
		http.StatusOK, http.StatusAccepted, http.StatusNoContent)
}

func (p *AzureProvisioner) groupPath() string {
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s", url.PathEscape(p.subscription), url.PathEscape(p.cfg.ResourceGroup))
}

func (p *AzureProvisioner) vmPath(name string) string {
	return fmt.Sprintf("%s/providers/Microsoft.Compute/virtualMachines/%s", p.groupPath(), url.PathEscape(name))
}

func (p *AzureProvisioner) nicID(req ProvisionRequest) string {
	if id := req.Extra["nic_id"]; id != "" {
		return id
	}
	if p.cfg.NetworkInterface != "" {
		return p.cfg.NetworkInterface
	}
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Network/networkInterfaces/%s-nic",
		p.subscription, p.cfg.ResourceGroup, req.Name)
}

// call performs one ARM request and decodes the response into out when it is non-nil.
func (p *AzureProvisioner) call(ctx context.Context, op, method, path, apiVersion string, body, out interface{}, ok ...int) error {
	req, err := runtime.NewRequest(ctx, method, p.endpoint+path)
	if err != nil {
		return fmt.Errorf("failed to build azure %s request: %w", op, err)
	}
	q := req.Raw().URL.Query()
	q.Set("api-version", apiVersion)
	req.Raw().URL.RawQuery = q.Encode()
	req.Raw().Header.Set("Accept", "application/json")

	if body != nil {
		if err := runtime.MarshalAsJSON(req, body); err != nil {
			return fmt.Errorf("failed to encode azure %s request: %w", op, err)
		}
	}

	resp, err := p.pipeline.Do(req)
	if err != nil {
		return fmt.Errorf("azure %s: %w", op, err)
	}
	p.logRate(op, resp)

	if !runtime.HasStatusCode(resp, ok...) {
		return p.apiError(op, resp)
	}
	if out == nil {
		runtime.Drain(resp)
		return nil
	}
	payload, err := runtime.Payload(resp)
	if err != nil {
		return fmt.Errorf("azure %s: failed to read response: %w", op, err)
	}
	if Classify(resp.StatusCode, payload) != Success {
		return newHTTPError(providerAzure, op, resp.StatusCode, payload, resp.Header, nil)
	}
	if err := runtime.UnmarshalAsJSON(resp, out); err != nil {
		return unexpectedResponse(providerAzure, op, err)
	}
	return nil
}

func (p *AzureProvisioner) apiError(op string, resp *http.Response) error {
	payload, _ := runtime.Payload(resp)
	apiErr := newHTTPError(providerAzure, op, resp.StatusCode, payload, resp.Header, runtime.NewResponseError(resp))

	var respErr *azcore.ResponseError
	if errors.As(apiErr.Err, &respErr) {
		apiErr.Code = respErr.ErrorCode
		if respErr.ErrorCode == "ResourceNotFound" || respErr.ErrorCode == "NotFound" {
			apiErr.NotFound = true
		}
	}
	if remaining, ok := azureRateRemaining(resp.Header); ok {
		apiErr.RateRemaining = remaining
	}
	return apiErr
}

func (p *AzureProvisioner) logRate(op string, resp *http.Response) {
	if remaining, ok := azureRateRemaining(resp.Header); ok {
		logging.Logger().Debug("azure rate limit",
			zap.String("op", op),
			zap.Int("ratelimit_remaining", remaining))
	}
}

// azureRateRemaining reads the subscription read or write quota header.
func azureRateRemaining(h http.Header) (int, bool) {
	for _, name := range []string{"x-ms-ratelimit-remaining-subscription-reads", "x-ms-ratelimit-remaining-subscription-writes"} {
		if v := h.Get(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}
