package provisioning

import (
	"context"
	"errors"
	"testing"

	"droplift/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yandex-cloud/go-genproto/yandex/cloud/compute/v1"
	"github.com/yandex-cloud/go-genproto/yandex/cloud/operation"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
)

type fakeYcInstances struct {
	created   *compute.CreateInstanceRequest
	createErr error
	instances []*compute.Instance
	getErr    error
	gets      int
	deleted   []string
	deleteErr error
}

func (f *fakeYcInstances) Create(_ context.Context, in *compute.CreateInstanceRequest, _ ...grpc.CallOption) (*operation.Operation, error) {
	f.created = in
	if f.createErr != nil {
		return nil, f.createErr
	}
	md, err := anypb.New(&compute.CreateInstanceMetadata{InstanceId: "fhm42"})
	if err != nil {
		return nil, err
	}
	return &operation.Operation{Id: "op-1", Metadata: md}, nil
}

func (f *fakeYcInstances) Get(_ context.Context, _ *compute.GetInstanceRequest, _ ...grpc.CallOption) (*compute.Instance, error) {
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	i := f.gets - 1
	if i >= len(f.instances) {
		i = len(f.instances) - 1
	}
	return f.instances[i], nil
}

func (f *fakeYcInstances) Delete(_ context.Context, in *compute.DeleteInstanceRequest, _ ...grpc.CallOption) (*operation.Operation, error) {
	f.deleted = append(f.deleted, in.InstanceId)
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	return &operation.Operation{Id: "op-2"}, nil
}

type fakeYcZones struct{}

func (fakeYcZones) List(context.Context, *compute.ListZonesRequest, ...grpc.CallOption) (*compute.ListZonesResponse, error) {
	return &compute.ListZonesResponse{Zones: []*compute.Zone{
		{Id: "ru-central1-a", RegionId: "ru-central1", Status: compute.Zone_UP},
		{Id: "ru-central1-c", RegionId: "ru-central1", Status: compute.Zone_DOWN},
	}}, nil
}

type fakeYcImages struct{}

func (fakeYcImages) List(_ context.Context, in *compute.ListImagesRequest, _ ...grpc.CallOption) (*compute.ListImagesResponse, error) {
	if in.FolderId != standardImagesFolder {
		return nil, status.Error(codes.PermissionDenied, "wrong folder")
	}
	return &compute.ListImagesResponse{Images: []*compute.Image{
		{Id: "fd8abc", Family: "ubuntu-2404-lts"},
	}}, nil
}

func newTestYandex(instances *fakeYcInstances) *YandexProvisioner {
	return &YandexProvisioner{
		instances: instances,
		zones:     fakeYcZones{},
		images:    fakeYcImages{},
		folderID:  "b1gfolder",
		cfg:       config.YandexCloudConfig{SubnetID: "e9bsubnet", Cores: 2, Memory: 2, DiskSize: 20},
	}
}

func ycInstance(st compute.Instance_Status, ip string) *compute.Instance {
	inst := &compute.Instance{Id: "fhm42", Status: st}
	if ip != "" {
		inst.NetworkInterfaces = []*compute.NetworkInterface{{
			PrimaryV4Address: &compute.PrimaryAddress{
				Address:     "10.128.0.5",
				OneToOneNat: &compute.OneToOneNat{Address: ip},
			},
		}}
	}
	return inst
}

func TestNewYandexProvisionerRequiresToken(t *testing.T) {
	_, err := NewYandexProvisioner(context.Background(), "", "folder", config.YandexCloudConfig{})
	assert.Equal(t, KindConfigurationMissing, KindOf(err))
}

func TestYandexProvisioner_ListRegionsAndImages(t *testing.T) {
	p := newTestYandex(&fakeYcInstances{})

	regions, err := p.ListRegions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Region{{Name: "ru-central1", Slug: "ru-central1-a"}}, regions)

	_, err = p.ListImages(context.Background(), "")
	require.ErrorIs(t, err, ErrInvalidRequest)

	images, err := p.ListImages(context.Background(), "ru-central1-a")
	require.NoError(t, err)
	assert.Equal(t, []ImageReference{{ID: "fd8abc", Version: "ubuntu-2404-lts"}}, images)
}

func TestYandexProvisioner_Create(t *testing.T) {
	fake := &fakeYcInstances{}
	p := newTestYandex(fake)

	handle, err := p.Create(context.Background(), ProvisionRequest{
		Name:      "web-1",
		Region:    "ru-central1-a",
		Image:     ImageReference{ID: "fd8abc"},
		Username:  "droplift",
		PublicKey: "ssh-ed25519 AAAAC3Nza test",
	})
	require.NoError(t, err)
	assert.Equal(t, "fhm42", handle.ID)

	require.NotNil(t, fake.created)
	assert.Equal(t, "b1gfolder", fake.created.FolderId)
	assert.Equal(t, "ru-central1-a", fake.created.ZoneId)
	assert.Equal(t, int64(2*gigabyte), fake.created.ResourcesSpec.Memory)
	assert.Equal(t, "e9bsubnet", fake.created.NetworkInterfaceSpecs[0].SubnetId)
	assert.Contains(t, fake.created.Metadata["user-data"], "ssh-ed25519 AAAAC3Nza test")
}

func TestYandexProvisioner_CreateRequiresSubnet(t *testing.T) {
	fake := &fakeYcInstances{}
	p := newTestYandex(fake)
	p.cfg.SubnetID = ""

	_, err := p.Create(context.Background(), ProvisionRequest{Name: "web-1", Region: "ru-central1-a", Image: ImageReference{ID: "fd8abc"}})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Nil(t, fake.created)
}

func TestYandexProvisioner_FetchStatus(t *testing.T) {
	fake := &fakeYcInstances{instances: []*compute.Instance{
		ycInstance(compute.Instance_PROVISIONING, ""),
		ycInstance(compute.Instance_RUNNING, "10.0.0.5"),
		ycInstance(compute.Instance_CRASHED, ""),
	}}
	p := newTestYandex(fake)
	handle := NewHandle(providerYandex, "fhm42", "web-1", "ru-central1-a")

	first := p.FetchStatus(context.Background(), handle)
	assert.Equal(t, PollNotReady, first.Status)
	assert.Equal(t, "PROVISIONING", first.ProviderState)

	second := p.FetchStatus(context.Background(), handle)
	assert.Equal(t, PollReady, second.Status)
	assert.Equal(t, "10.0.0.5", second.Address)

	third := p.FetchStatus(context.Background(), handle)
	assert.ErrorIs(t, third.Err, ErrInstanceFailed)
}

func TestYandexProvisioner_GRPCErrors(t *testing.T) {
	tests := []struct {
		code         codes.Code
		wantClass    Classification
		wantNotFound bool
	}{
		{codes.ResourceExhausted, RetryableRateLimited, false},
		{codes.Unavailable, RetryableTransient, false},
		{codes.PermissionDenied, Fatal, false},
		{codes.NotFound, Fatal, true},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			p := newTestYandex(&fakeYcInstances{getErr: status.Error(tt.code, "yandex says no")})

			outcome := p.FetchStatus(context.Background(), NewHandle(providerYandex, "fhm42", "x", "ru-central1-a"))
			require.Equal(t, PollError, outcome.Status)

			var apiErr *APIError
			require.True(t, errors.As(outcome.Err, &apiErr))
			assert.Equal(t, tt.wantClass, apiErr.Class)
			assert.Equal(t, tt.wantNotFound, apiErr.NotFound)
			assert.Equal(t, "yandex says no", apiErr.Message)
		})
	}
}

func TestYandexProvisioner_DeleteNotFound(t *testing.T) {
	fake := &fakeYcInstances{deleteErr: status.Error(codes.NotFound, "instance not found")}
	p := newTestYandex(fake)

	err := p.Delete(context.Background(), NewHandle(providerYandex, "fhm42", "x", "ru-central1-a"))
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, []string{"fhm42"}, fake.deleted)
}
