package provisioning

import (
	"context"
	"fmt"

	"droplift/internal/config"
)

// NewProvisioner creates a provisioner based on config type (factory pattern).
// This implements the discriminated union dispatch.
func NewProvisioner(ctx context.Context, cfg *config.Config) (Provisioner, error) {
	creds := cfg.Credentials
	p := cfg.Provisioner

	switch p.Type {
	case config.ProviderDigitalOcean:
		if p.DigitalOcean == nil {
			return nil, fmt.Errorf("digitalocean config is nil")
		}
		return NewDOProvisioner(creds.Token, p.DigitalOcean.BaseURL)

	case config.ProviderAzure:
		if p.Azure == nil {
			return nil, fmt.Errorf("azure config is nil")
		}
		return NewAzureProvisioner(creds.Token, creds.AccountID, *p.Azure)

	case config.ProviderHetzner:
		if p.Hetzner == nil {
			return nil, fmt.Errorf("hetzner config is nil")
		}
		return NewHetznerProvisioner(creds.Token, *p.Hetzner)

	case config.ProviderAWS:
		if p.AWS == nil {
			return nil, fmt.Errorf("aws config is nil")
		}
		return NewAWSProvisioner(ctx, *p.AWS, creds.AccountID, creds.Token)

	case config.ProviderGCP:
		if p.GCP == nil {
			return nil, fmt.Errorf("gcp config is nil")
		}
		return NewGCPProvisioner(ctx, creds.Token, creds.AccountID, *p.GCP)

	case config.ProviderYandexCloud:
		if p.YandexCloud == nil {
			return nil, fmt.Errorf("yandex_cloud config is nil")
		}
		return NewYandexProvisioner(ctx, creds.Token, creds.AccountID, *p.YandexCloud)

	default:
		return nil, fmt.Errorf("unsupported provisioner type: %s", p.Type)
	}
}

// defaultUsername is the login user created on providers without their own default.
const defaultUsername = "droplift"

// InstanceDefaults contains default instance parameters extracted from config
type InstanceDefaults struct {
	Region   string
	Image    string
	Size     string
	KeyName  string
	Username string
}

// GetInstanceDefaults extracts instance defaults from provisioner config.
// KeyName is empty for providers that take the key inline.
func GetInstanceDefaults(cfg config.ProvisionerConfig) InstanceDefaults {
	switch cfg.Type {
	case config.ProviderDigitalOcean:
		if c := cfg.DigitalOcean; c != nil {
			return InstanceDefaults{Region: c.DefaultRegion, Image: c.DefaultImage, Size: c.DefaultSize, KeyName: c.KeyName, Username: defaultUsername}
		}
	case config.ProviderAzure:
		if c := cfg.Azure; c != nil {
			return InstanceDefaults{Region: c.DefaultLocation, Image: c.DefaultImage, Size: c.DefaultSize, Username: c.AdminUsername}
		}
	case config.ProviderHetzner:
		if c := cfg.Hetzner; c != nil {
			return InstanceDefaults{Region: c.DefaultLocation, Image: c.DefaultImage, Size: c.DefaultSize, KeyName: "droplift", Username: defaultUsername}
		}
	case config.ProviderAWS:
		if c := cfg.AWS; c != nil {
			return InstanceDefaults{Region: c.Region, Image: c.DefaultImage, Size: c.DefaultSize, KeyName: "droplift", Username: defaultUsername}
		}
	case config.ProviderGCP:
		if c := cfg.GCP; c != nil {
			return InstanceDefaults{Region: c.DefaultZone, Image: c.DefaultImage, Size: c.DefaultSize, Username: defaultUsername}
		}
	case config.ProviderYandexCloud:
		if c := cfg.YandexCloud; c != nil {
			return InstanceDefaults{Region: c.DefaultZone, Image: c.DefaultImage, Username: defaultUsername}
		}
	}
	return InstanceDefaults{}
}

// NewRequest builds the request for the configured instance. Fields left
// empty in the instance section fall back to the provider defaults.
func NewRequest(cfg *config.Config, name, publicKey string) ProvisionRequest {
	defaults := GetInstanceDefaults(cfg.Provisioner)
	inst := cfg.Instance

	if name == "" {
		name = inst.Name
	}
	req := ProvisionRequest{
		Name:      name,
		Region:    firstNonEmpty(inst.Region, defaults.Region),
		Image:     ParseImageReference(firstNonEmpty(inst.Image, defaults.Image)),
		Size:      firstNonEmpty(inst.Size, defaults.Size),
		PublicKey: publicKey,
		Username:  firstNonEmpty(inst.Username, defaults.Username),
		Extra:     map[string]string{},
	}
	for k, v := range inst.Extra {
		req.Extra[k] = v
	}
	return req
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
