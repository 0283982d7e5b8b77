package orchestrator_test

import (
	"context"
	"sync"
	"time"

	"droplift/internal/provisioning"
)

// scriptedProvisioner replays canned results. The last entry of each script
// repeats once the script is used up.
type scriptedProvisioner struct {
	mu sync.Mutex

	createErrs  []error
	createID    string
	statuses    []provisioning.PollOutcome
	deleteErrs  []error
	registerErr []error
	regions     []provisioning.Region
	images      []provisioning.ImageReference
	listErrs    []error

	creates, polls, deletes, registers, listRegions, listImages int
	pollTimes                                                   []time.Time
}

func (f *scriptedProvisioner) Name() string { return "fake" }

func (f *scriptedProvisioner) ListRegions(context.Context) ([]provisioning.Region, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listRegions++
	if err := pick(f.listErrs, f.listRegions); err != nil {
		return nil, err
	}
	return f.regions, nil
}

func (f *scriptedProvisioner) ListImages(_ context.Context, region string) ([]provisioning.ImageReference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listImages++
	return f.images, nil
}

func (f *scriptedProvisioner) RegisterKey(_ context.Context, name, _ string) (provisioning.KeyID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers++
	if err := pick(f.registerErr, f.registers); err != nil {
		return "", err
	}
	return provisioning.KeyID("key-" + name), nil
}

func (f *scriptedProvisioner) Create(_ context.Context, req provisioning.ProvisionRequest) (*provisioning.InstanceHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if err := pick(f.createErrs, f.creates); err != nil {
		return nil, err
	}
	id := f.createID
	if id == "" {
		id = "42"
	}
	return provisioning.NewHandle("fake", id, req.Name, req.Region), nil
}

func (f *scriptedProvisioner) FetchStatus(_ context.Context, handle *provisioning.InstanceHandle) provisioning.PollOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := handle.CheckActive(); err != nil {
		return provisioning.PollFailed(err)
	}
	f.polls++
	f.pollTimes = append(f.pollTimes, time.Now())
	if len(f.statuses) == 0 {
		return provisioning.NotReady("new", "")
	}
	i := min(f.polls, len(f.statuses)) - 1
	return f.statuses[i]
}

func (f *scriptedProvisioner) Delete(_ context.Context, handle *provisioning.InstanceHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := handle.CheckActive(); err != nil {
		return err
	}
	f.deletes++
	return pick(f.deleteErrs, f.deletes)
}

func pick(errs []error, call int) error {
	if len(errs) == 0 {
		return nil
	}
	return errs[min(call, len(errs))-1]
}
