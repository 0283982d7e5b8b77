package orchestrator

import (
	"context"
	"errors"

	"droplift/internal/logging"
	"droplift/internal/provisioning"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"
)

// discoverWorkers is the number of listing calls in flight at once.
const discoverWorkers = 2

// Capabilities is what the provider offers to this account.
type Capabilities struct {
	Regions []provisioning.Region
	Images  []provisioning.ImageReference
}

// Discover lists regions and, when region is set, the images available there.
// Both calls run concurrently and are retried like any other stage.
func Discover(ctx context.Context, p provisioning.Provisioner, region string, opts Options) (*Capabilities, error) {
	r := newRunner(p, opts)
	caps := &Capabilities{}

	pool := pond.NewPool(discoverWorkers, pond.WithContext(ctx))
	defer pool.StopAndWait()

	waitRegions := pool.SubmitErr(func() error {
		return r.retry(ctx, StageDiscover, func(ctx context.Context) error {
			regions, err := r.p.ListRegions(ctx)
			if err != nil {
				return err
			}
			caps.Regions = regions
			return nil
		})
	}).Wait

	waitImages := func() error { return nil }
	if region != "" {
		waitImages = pool.SubmitErr(func() error {
			return r.retry(ctx, StageDiscover, func(ctx context.Context) error {
				images, err := r.p.ListImages(ctx, region)
				if err != nil {
					return err
				}
				caps.Images = images
				return nil
			})
		}).Wait
	}

	if err := errors.Join(waitRegions(), waitImages()); err != nil {
		return nil, newProvisioningError(StageDiscover, nil, err)
	}

	r.log.Info("discovered capabilities",
		zap.Int("regions", len(caps.Regions)),
		zap.String("region", region),
		zap.Int("images", len(caps.Images)),
		zap.Strings("sample_images", logging.TruncateSlice(imageIDs(caps.Images), 5)))
	return caps, nil
}

func imageIDs(images []provisioning.ImageReference) []string {
	ids := make([]string, 0, len(images))
	for _, img := range images {
		ids = append(ids, img.String())
	}
	return ids
}
