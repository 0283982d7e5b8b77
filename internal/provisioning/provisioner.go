package provisioning

import (
	"context"
	"fmt"
	"strings"
)

// Region is a provider location an instance can be placed in.
type Region struct {
	Name string
	Slug string
}

// ImageReference identifies a boot image. Flat providers only set ID;
// hierarchical ones (Azure) also use Publisher and Offer, with ID holding the sku.
type ImageReference struct {
	ID        string
	Publisher string
	Offer     string
	Version   string
}

// String renders the reference the way it is written in configuration.
func (r ImageReference) String() string {
	if r.Publisher == "" && r.Offer == "" {
		return r.ID
	}
	version := r.Version
	if version == "" {
		version = "latest"
	}
	return strings.Join([]string{r.Publisher, r.Offer, r.ID, version}, ":")
}

// ParseImageReference accepts either a flat identifier or publisher:offer:sku[:version].
func ParseImageReference(s string) ImageReference {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 3:
		return ImageReference{Publisher: parts[0], Offer: parts[1], ID: parts[2]}
	case 4:
		return ImageReference{Publisher: parts[0], Offer: parts[1], ID: parts[2], Version: parts[3]}
	default:
		return ImageReference{ID: s}
	}
}

// KeyID is a provider reference to a registered SSH key.
type KeyID string

// InlineKey is returned by adapters that inject the public key into the
// instance directly instead of registering it first.
const InlineKey KeyID = ""

// ProvisionRequest describes one instance. It is built once and not changed
// after it is handed to the orchestrator.
type ProvisionRequest struct {
	Name      string
	Region    string
	Image     ImageReference
	Size      string
	PublicKey string
	Username  string
	KeyIDs    []KeyID
	Extra     map[string]string
}

// Validate checks the fields every provider needs before any network call.
func (r ProvisionRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(r.Region) == "" {
		missing = append(missing, "region")
	}
	if strings.TrimSpace(r.Image.ID) == "" {
		missing = append(missing, "image")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

// Provisioner is the uniform capability surface of a cloud provider.
// Every method is a single round trip; implementations never retry.
type Provisioner interface {
	Name() string
	ListRegions(ctx context.Context) ([]Region, error)
	ListImages(ctx context.Context, region string) ([]ImageReference, error)
	RegisterKey(ctx context.Context, name, publicKey string) (KeyID, error)
	Create(ctx context.Context, req ProvisionRequest) (*InstanceHandle, error)
	FetchStatus(ctx context.Context, handle *InstanceHandle) PollOutcome
	Delete(ctx context.Context, handle *InstanceHandle) error
}

// requireRegion guards ListImages for providers whose image catalogue is per region.
func requireRegion(region string) error {
	if strings.TrimSpace(region) == "" {
		return fmt.Errorf("%w: region is required to list images", ErrInvalidRequest)
	}
	return nil
}
