package provisioning

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"droplift/internal/config"
	"droplift/internal/logging"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

const providerAWS = string(config.ProviderAWS)

// throttleCodes are the EC2 error codes meaning the caller should slow down.
var throttleCodes = map[string]bool{
	"RequestLimitExceeded":     true,
	"Throttling":               true,
	"ThrottlingException":      true,
	"TooManyRequestsException": true,
}

// AWSProvisioner implements Provisioner for EC2 instances.
type AWSProvisioner struct {
	client *ec2.Client
	cfg    config.AWSConfig
}

// NewAWSProvisioner creates an EC2 adapter. accessKey and secretKey map to
// credentials.account_id and credentials.token.
func NewAWSProvisioner(ctx context.Context, cfg config.AWSConfig, accessKey, secretKey string) (*AWSProvisioner, error) {
	if secretKey == "" {
		return nil, fmt.Errorf("%w: aws secret access key", config.ErrConfigurationMissing)
	}
	if accessKey == "" {
		return nil, fmt.Errorf("%w: aws access key id (credentials.account_id) is required", ErrInvalidRequest)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		// A buildable client lets the SDK apply AWS_CA_BUNDLE to its transport.
		awsconfig.WithHTTPClient(awshttp.NewBuildableClient().WithTimeout(defaultRequestTimeout)),
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &AWSProvisioner{client: client, cfg: cfg}, nil
}

func (p *AWSProvisioner) Name() string {
	return providerAWS
}

// inRegion points a single call at region instead of the configured default.
func inRegion(region string) func(*ec2.Options) {
	return func(o *ec2.Options) {
		if region != "" {
			o.Region = region
		}
	}
}

func (p *AWSProvisioner) ListRegions(ctx context.Context) ([]Region, error) {
	out, err := p.client.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return nil, p.apiError("list regions", err)
	}

	regions := make([]Region, 0, len(out.Regions))
	for _, r := range out.Regions {
		name := aws.ToString(r.RegionName)
		regions = append(regions, Region{Name: name, Slug: name})
	}
	return regions, nil
}

// ListImages lists available x86_64 machine images owned by the configured owner.
func (p *AWSProvisioner) ListImages(ctx context.Context, region string) ([]ImageReference, error) {
	if err := requireRegion(region); err != nil {
		return nil, err
	}

	out, err := p.client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{p.cfg.ImageOwner},
		Filters: []types.Filter{
			{Name: aws.String("state"), Values: []string{"available"}},
			{Name: aws.String("architecture"), Values: []string{"x86_64"}},
		},
		MaxResults: aws.Int32(100),
	}, inRegion(region))
	if err != nil {
		return nil, p.apiError("list images", err)
	}

	images := make([]ImageReference, 0, len(out.Images))
	for _, img := range out.Images {
		images = append(images, ImageReference{ID: aws.ToString(img.ImageId), Version: aws.ToString(img.Name)})
	}
	return images, nil
}

// RegisterKey imports the public key as an EC2 key pair named name.
func (p *AWSProvisioner) RegisterKey(ctx context.Context, name, publicKey string) (KeyID, error) {
	if strings.TrimSpace(publicKey) == "" || strings.TrimSpace(name) == "" {
		return InlineKey, fmt.Errorf("%w: key name and public key are required", ErrInvalidRequest)
	}

	_, err := p.client.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(name),
		PublicKeyMaterial: []byte(strings.TrimSpace(publicKey)),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidKeyPair.Duplicate" {
			logging.Logger().Info("ssh key already registered, reusing it",
				zap.String("provider", providerAWS),
				zap.String("key_name", name))
			return KeyID(name), nil
		}
		return InlineKey, p.apiError("register key", err)
	}
	return KeyID(name), nil
}

// Create launches one instance with RunInstances.
func (p *AWSProvisioner) Create(ctx context.Context, req ProvisionRequest) (*InstanceHandle, error) {
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
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(req.Image.ID),
		InstanceType: types.InstanceType(size),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags: []types.Tag{
				{Key: aws.String("Name"), Value: aws.String(req.Name)},
				{Key: aws.String("managed-by"), Value: aws.String("droplift")},
			},
		}},
	}
	if userData != "" {
		input.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(userData)))
	}
	for _, keyID := range req.KeyIDs {
		if keyID != InlineKey {
			input.KeyName = aws.String(string(keyID))
			break
		}
	}
	if subnet := req.Extra["subnet_id"]; subnet != "" {
		input.SubnetId = aws.String(subnet)
	}
	if sg := req.Extra["security_group_id"]; sg != "" {
		input.SecurityGroupIds = []string{sg}
	}

	out, err := p.client.RunInstances(ctx, input, inRegion(req.Region))
	if err != nil {
		return nil, p.apiError("create", err)
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return nil, unexpectedResponse(providerAWS, "create", errors.New("no instance returned from launch"))
	}

	return NewHandle(providerAWS, aws.ToString(out.Instances[0].InstanceId), req.Name, req.Region), nil
}

// FetchStatus describes the instance once.
func (p *AWSProvisioner) FetchStatus(ctx context.Context, handle *InstanceHandle) PollOutcome {
	if err := handle.CheckActive(); err != nil {
		return PollFailed(err)
	}

	out, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{handle.ID},
	}, inRegion(handle.Region))
	if err != nil {
		return PollFailed(p.apiError("status", err))
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return PollFailed(newCodeError(providerAWS, "status", "InvalidInstanceID.NotFound", Fatal, true,
			fmt.Errorf("instance %s not returned", handle.ID)))
	}

	inst := out.Reservations[0].Instances[0]
	state := ""
	if inst.State != nil {
		state = string(inst.State.Name)
	}
	ip := aws.ToString(inst.PublicIpAddress)

	switch types.InstanceStateName(state) {
	case types.InstanceStateNameRunning:
		if ip != "" {
			return Ready(state, ip)
		}
		return NotReady(state, "")
	case types.InstanceStateNameShuttingDown, types.InstanceStateNameTerminated,
		types.InstanceStateNameStopping, types.InstanceStateNameStopped:
		return PollFailed(fmt.Errorf("%w: instance %s is %s", ErrInstanceFailed, handle.ID, state))
	default:
		return NotReady(state, ip)
	}
}

// Delete terminates the instance.
func (p *AWSProvisioner) Delete(ctx context.Context, handle *InstanceHandle) error {
	if err := handle.CheckActive(); err != nil {
		return err
	}
	_, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{handle.ID},
	}, inRegion(handle.Region))
	if err != nil {
		return p.apiError("delete", err)
	}
	return nil
}

// apiError maps an EC2 failure onto an APIError. EC2 reports most client
// errors as 400 with a symbolic code, so the code decides not-found and
// throttling rather than the status.
func (p *AWSProvisioner) apiError(op string, err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("aws %s: %w", op, err)
	}
	code := apiErr.ErrorCode()
	notFound := strings.HasSuffix(code, ".NotFound")

	var respErr *awshttp.ResponseError
	if !errors.As(err, &respErr) {
		class := Fatal
		if throttleCodes[code] {
			class = RetryableRateLimited
		}
		out := newCodeError(providerAWS, op, code, class, notFound, err)
		out.Message = apiErr.ErrorMessage()
		return out
	}

	out := newHTTPError(providerAWS, op, respErr.HTTPStatusCode(), nil, respErr.Response.Header, err)
	out.Code = code
	out.Message = apiErr.ErrorMessage()
	out.NotFound = out.NotFound || notFound
	if throttleCodes[code] {
		out.Class = RetryableRateLimited
	}
	return out
}
