package provisioning

import (
	"context"
	"errors"
	"fmt"

	"droplift/internal/config"

	"github.com/yandex-cloud/go-genproto/yandex/cloud/compute/v1"
	"github.com/yandex-cloud/go-genproto/yandex/cloud/operation"
	ycsdk "github.com/yandex-cloud/go-sdk"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	providerYandex = string(config.ProviderYandexCloud)

	standardImagesFolder = "standard-images"
	gigabyte             = 1024 * 1024 * 1024
)

// The subset of the Yandex Cloud compute services the adapter calls.
type ycInstanceAPI interface {
	Create(ctx context.Context, in *compute.CreateInstanceRequest, opts ...grpc.CallOption) (*operation.Operation, error)
	Get(ctx context.Context, in *compute.GetInstanceRequest, opts ...grpc.CallOption) (*compute.Instance, error)
	Delete(ctx context.Context, in *compute.DeleteInstanceRequest, opts ...grpc.CallOption) (*operation.Operation, error)
}

type ycZoneAPI interface {
	List(ctx context.Context, in *compute.ListZonesRequest, opts ...grpc.CallOption) (*compute.ListZonesResponse, error)
}

type ycImageAPI interface {
	List(ctx context.Context, in *compute.ListImagesRequest, opts ...grpc.CallOption) (*compute.ListImagesResponse, error)
}

// YandexProvisioner implements Provisioner for Yandex Cloud compute instances.
type YandexProvisioner struct {
	instances ycInstanceAPI
	zones     ycZoneAPI
	images    ycImageAPI
	folderID  string
	cfg       config.YandexCloudConfig
}

// NewYandexProvisioner creates a Yandex Cloud adapter authenticated with an IAM token.
func NewYandexProvisioner(ctx context.Context, iamToken, folderID string, cfg config.YandexCloudConfig) (*YandexProvisioner, error) {
	if iamToken == "" {
		return nil, fmt.Errorf("%w: yandex cloud iam token", config.ErrConfigurationMissing)
	}
	if folderID == "" {
		return nil, fmt.Errorf("%w: yandex cloud folder id (credentials.account_id) is required", ErrInvalidRequest)
	}

	sdk, err := ycsdk.Build(ctx, ycsdk.Config{
		Credentials: ycsdk.NewIAMTokenCredentials(iamToken),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SDK: %w", err)
	}

	return &YandexProvisioner{
		instances: sdk.Compute().Instance(),
		zones:     sdk.Compute().Zone(),
		images:    sdk.Compute().Image(),
		folderID:  folderID,
		cfg:       cfg,
	}, nil
}

func (p *YandexProvisioner) Name() string {
	return providerYandex
}

// ListRegions lists availability zones that are up.
func (p *YandexProvisioner) ListRegions(ctx context.Context) ([]Region, error) {
	resp, err := p.zones.List(ctx, &compute.ListZonesRequest{PageSize: 100})
	if err != nil {
		return nil, grpcError("list regions", err)
	}

	regions := make([]Region, 0, len(resp.Zones))
	for _, zone := range resp.Zones {
		if zone.Status != compute.Zone_UP {
			continue
		}
		regions = append(regions, Region{Name: zone.RegionId, Slug: zone.Id})
	}
	return regions, nil
}

// ListImages lists public images from the standard-images folder.
// Images are shared by all zones of a region.
func (p *YandexProvisioner) ListImages(ctx context.Context, region string) ([]ImageReference, error) {
	if err := requireRegion(region); err != nil {
		return nil, err
	}

	resp, err := p.images.List(ctx, &compute.ListImagesRequest{
		FolderId: standardImagesFolder,
		PageSize: 100,
	})
	if err != nil {
		return nil, grpcError("list images", err)
	}

	images := make([]ImageReference, 0, len(resp.Images))
	for _, img := range resp.Images {
		images = append(images, ImageReference{ID: img.Id, Version: img.Family})
	}
	return images, nil
}

// RegisterKey is a no-op: the key is delivered through cloud-init metadata.
func (p *YandexProvisioner) RegisterKey(_ context.Context, _, _ string) (KeyID, error) {
	return InlineKey, nil
}

// Create starts the create operation and returns as soon as Yandex Cloud
// has assigned the instance id.
func (p *YandexProvisioner) Create(ctx context.Context, req ProvisionRequest) (*InstanceHandle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	subnetID := req.Extra["subnet_id"]
	if subnetID == "" {
		subnetID = p.cfg.SubnetID
	}
	if subnetID == "" {
		return nil, fmt.Errorf("%w: yandex cloud requires a subnet_id in zone %s", ErrInvalidRequest, req.Region)
	}

	userData, err := UserData(req.Name, req.Username, req.PublicKey)
	if err != nil {
		return nil, err
	}

	request := &compute.CreateInstanceRequest{
		FolderId:   p.folderID,
		Name:       req.Name,
		ZoneId:     req.Region,
		PlatformId: "standard-v3",
		Labels:     map[string]string{"managed-by": "droplift"},
		ResourcesSpec: &compute.ResourcesSpec{
			Cores:  int64(p.cfg.Cores),
			Memory: p.cfg.Memory * gigabyte,
		},
		BootDiskSpec: &compute.AttachedDiskSpec{
			AutoDelete: true,
			Disk: &compute.AttachedDiskSpec_DiskSpec_{
				DiskSpec: &compute.AttachedDiskSpec_DiskSpec{
					TypeId: "network-hdd",
					Size:   p.cfg.DiskSize * gigabyte,
					Source: &compute.AttachedDiskSpec_DiskSpec_ImageId{
						ImageId: req.Image.ID,
					},
				},
			},
		},
		NetworkInterfaceSpecs: []*compute.NetworkInterfaceSpec{{
			SubnetId: subnetID,
			PrimaryV4AddressSpec: &compute.PrimaryAddressSpec{
				OneToOneNatSpec: &compute.OneToOneNatSpec{
					IpVersion: compute.IpVersion_IPV4,
				},
			},
		}},
	}
	if userData != "" {
		request.Metadata = map[string]string{"user-data": userData}
	}

	op, err := p.instances.Create(ctx, request)
	if err != nil {
		return nil, grpcError("create", err)
	}

	var md compute.CreateInstanceMetadata
	if op.GetMetadata() == nil {
		return nil, unexpectedResponse(providerYandex, "create", errors.New("operation has no metadata"))
	}
	if err := op.GetMetadata().UnmarshalTo(&md); err != nil {
		return nil, unexpectedResponse(providerYandex, "create", err)
	}
	if md.InstanceId == "" {
		return nil, unexpectedResponse(providerYandex, "create", errors.New("instance id missing"))
	}

	return NewHandle(providerYandex, md.InstanceId, req.Name, req.Region), nil
}

// FetchStatus reads the instance once.
func (p *YandexProvisioner) FetchStatus(ctx context.Context, handle *InstanceHandle) PollOutcome {
	if err := handle.CheckActive(); err != nil {
		return PollFailed(err)
	}

	instance, err := p.instances.Get(ctx, &compute.GetInstanceRequest{InstanceId: handle.ID})
	if err != nil {
		return PollFailed(grpcError("status", err))
	}

	ip := ""
	if nics := instance.GetNetworkInterfaces(); len(nics) > 0 {
		ip = nics[0].GetPrimaryV4Address().GetOneToOneNat().GetAddress()
	}
	state := instance.Status.String()
	switch instance.Status {
	case compute.Instance_RUNNING:
		if ip != "" {
			return Ready(state, ip)
		}
		return NotReady(state, "")
	case compute.Instance_ERROR, compute.Instance_CRASHED, compute.Instance_DELETING:
		return PollFailed(fmt.Errorf("%w: instance %s is %s", ErrInstanceFailed, handle.ID, state))
	default:
		return NotReady(state, ip)
	}
}

// Delete starts the delete operation.
func (p *YandexProvisioner) Delete(ctx context.Context, handle *InstanceHandle) error {
	if err := handle.CheckActive(); err != nil {
		return err
	}
	if _, err := p.instances.Delete(ctx, &compute.DeleteInstanceRequest{InstanceId: handle.ID}); err != nil {
		return grpcError("delete", err)
	}
	return nil
}

// grpcError classifies a gRPC status. Errors without a status never reached
// the API and stay transient.
func grpcError(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("yandex cloud %s: %w", op, err)
	}

	class := Fatal
	switch st.Code() {
	case codes.ResourceExhausted:
		class = RetryableRateLimited
	case codes.Unavailable, codes.Aborted, codes.Internal, codes.DeadlineExceeded:
		class = RetryableTransient
	}
	out := newCodeError(providerYandex, op, st.Code().String(), class, st.Code() == codes.NotFound, err)
	out.Message = st.Message()
	return out
}
