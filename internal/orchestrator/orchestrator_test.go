package orchestrator_test

import (
	"context"
	"errors"
	"net/http"
	"time"

	"droplift/internal/orchestrator"
	"droplift/internal/provisioning"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func apiError(status int, class provisioning.Classification) *provisioning.APIError {
	return &provisioning.APIError{
		Provider:      "fake",
		Op:            "test",
		StatusCode:    status,
		Class:         class,
		NotFound:      status == http.StatusNotFound,
		RateRemaining: -1,
	}
}

func validRequest() provisioning.ProvisionRequest {
	return provisioning.ProvisionRequest{
		Name:   "droplift-test",
		Region: "nyc1",
		Image:  provisioning.ImageReference{ID: "ubuntu-22-04-x64"},
		Size:   "s-1vcpu-1gb",
	}
}

func provisioningError(err error) *orchestrator.ProvisioningError {
	var perr *orchestrator.ProvisioningError
	ExpectWithOffset(1, errors.As(err, &perr)).To(BeTrue(), "expected *ProvisioningError, got %v", err)
	return perr
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx  context.Context
		fake *scriptedProvisioner
		opts orchestrator.Options
	)

	BeforeEach(func() {
		ctx = context.Background()
		fake = &scriptedProvisioner{}
		opts = orchestrator.Options{
			PollInterval: 20 * time.Millisecond,
			MaxAttempts:  3,
			BackoffBase:  time.Millisecond,
			BackoffCap:   5 * time.Millisecond,
			Jitter:       true,
		}
	})

	Describe("Provision", func() {
		DescribeTable("rejects incomplete requests without calling the provider",
			func(mutate func(*provisioning.ProvisionRequest)) {
				req := validRequest()
				mutate(&req)

				handle, err := orchestrator.Provision(ctx, fake, req, opts)
				Expect(handle).To(BeNil())

				perr := provisioningError(err)
				Expect(perr.Stage).To(Equal(orchestrator.StageCreate))
				Expect(perr.Kind).To(Equal(provisioning.KindInvalidRequest))
				Expect(fake.creates).To(BeZero())
				Expect(fake.polls).To(BeZero())
			},
			Entry("empty name", func(r *provisioning.ProvisionRequest) { r.Name = "" }),
			Entry("empty region", func(r *provisioning.ProvisionRequest) { r.Region = " " }),
			Entry("empty image", func(r *provisioning.ProvisionRequest) { r.Image = provisioning.ImageReference{} }),
		)

		It("returns a Ready handle after the provider reports an address", func() {
			fake.createID = "42"
			fake.statuses = []provisioning.PollOutcome{
				provisioning.NotReady("new", ""),
				provisioning.Ready("active", "10.0.0.5"),
			}

			handle, err := orchestrator.Provision(ctx, fake, validRequest(), opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(handle.ID).To(Equal("42"))
			Expect(handle.State()).To(Equal(provisioning.StateReady))
			Expect(handle.Address()).To(Equal("10.0.0.5"))
			Expect(fake.creates).To(Equal(1))
			Expect(fake.polls).To(Equal(2))
		})

		It("polls exactly three times and waits an interval between polls", func() {
			fake.statuses = []provisioning.PollOutcome{
				provisioning.NotReady("new", ""),
				provisioning.NotReady("new", ""),
				provisioning.Ready("active", "10.0.0.5"),
			}

			start := time.Now()
			handle, err := orchestrator.Provision(ctx, fake, validRequest(), opts)
			elapsed := time.Since(start)

			Expect(err).NotTo(HaveOccurred())
			Expect(handle.Address()).To(Equal("10.0.0.5"))
			Expect(fake.polls).To(Equal(3))
			Expect(elapsed).To(BeNumerically(">=", 2*opts.PollInterval))
			Expect(fake.pollTimes[1].Sub(fake.pollTimes[0])).To(BeNumerically(">=", opts.PollInterval))
		})

		It("treats an address on a not ready outcome as ready", func() {
			fake.statuses = []provisioning.PollOutcome{provisioning.NotReady("booting", "10.0.0.9")}

			handle, err := orchestrator.Provision(ctx, fake, validRequest(), opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(handle.Address()).To(Equal("10.0.0.9"))
			Expect(fake.polls).To(Equal(1))
		})

		It("keeps polling when Ready comes without an address", func() {
			fake.statuses = []provisioning.PollOutcome{
				provisioning.Ready("active", ""),
				provisioning.Ready("active", "10.0.0.5"),
			}

			handle, err := orchestrator.Provision(ctx, fake, validRequest(), opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(handle.Address()).To(Equal("10.0.0.5"))
			Expect(fake.polls).To(Equal(2))
		})

		It("times out within one interval of the deadline and keeps the handle", func() {
			opts.PollInterval = 50 * time.Millisecond
			opts.PollTimeout = 100 * time.Millisecond

			start := time.Now()
			handle, err := orchestrator.Provision(ctx, fake, validRequest(), opts)
			elapsed := time.Since(start)

			Expect(handle).To(BeNil())
			perr := provisioningError(err)
			Expect(perr.Stage).To(Equal(orchestrator.StagePoll))
			Expect(perr.Kind).To(Equal(provisioning.KindTimeout))
			Expect(err).To(MatchError(orchestrator.ErrPollTimeout))
			Expect(elapsed).To(BeNumerically(">=", opts.PollTimeout))
			Expect(elapsed).To(BeNumerically("<", opts.PollTimeout+opts.PollInterval))

			Expect(perr.Handle).NotTo(BeNil())
			Expect(perr.Handle.ID).To(Equal("42"))
			Expect(perr.Handle.State()).To(Equal(provisioning.StateProvisioning))
			Expect(fake.deletes).To(BeZero(), "a timed out instance is not deleted automatically")
		})

		It("retries a rate limited create and then succeeds", func() {
			fake.createErrs = []error{apiError(http.StatusTooManyRequests, provisioning.RetryableRateLimited), nil}
			fake.statuses = []provisioning.PollOutcome{provisioning.Ready("active", "10.0.0.5")}

			handle, err := orchestrator.Provision(ctx, fake, validRequest(), opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(handle.State()).To(Equal(provisioning.StateReady))
			Expect(fake.creates).To(Equal(2))
		})

		It("escalates to fatal when retries are exhausted", func() {
			fake.createErrs = []error{apiError(http.StatusServiceUnavailable, provisioning.RetryableTransient)}

			_, err := orchestrator.Provision(ctx, fake, validRequest(), opts)
			perr := provisioningError(err)
			Expect(perr.Stage).To(Equal(orchestrator.StageCreate))
			Expect(perr.Kind).To(Equal(provisioning.KindFatal))
			Expect(perr.Handle).To(BeNil())
			Expect(err).To(MatchError(orchestrator.ErrAttemptsExhausted))
			Expect(fake.creates).To(Equal(opts.MaxAttempts))
		})

		It("does not retry a fatal create", func() {
			fake.createErrs = []error{apiError(http.StatusUnauthorized, provisioning.Fatal)}

			_, err := orchestrator.Provision(ctx, fake, validRequest(), opts)
			perr := provisioningError(err)
			Expect(perr.Stage).To(Equal(orchestrator.StageCreate))
			Expect(perr.Kind).To(Equal(provisioning.KindFatal))
			Expect(fake.creates).To(Equal(1))
		})

		It("fails the poll stage on a not found status", func() {
			fake.statuses = []provisioning.PollOutcome{
				provisioning.PollFailed(apiError(http.StatusNotFound, provisioning.Fatal)),
			}

			_, err := orchestrator.Provision(ctx, fake, validRequest(), opts)
			perr := provisioningError(err)
			Expect(perr.Stage).To(Equal(orchestrator.StagePoll))
			Expect(perr.Kind).To(Equal(provisioning.KindFatal))
			Expect(fake.polls).To(Equal(1))
		})

		It("marks the handle failed when the provider reports a failed instance", func() {
			fake.statuses = []provisioning.PollOutcome{
				provisioning.PollFailed(provisioning.ErrInstanceFailed),
			}

			_, err := orchestrator.Provision(ctx, fake, validRequest(), opts)
			perr := provisioningError(err)
			Expect(perr.Stage).To(Equal(orchestrator.StagePoll))
			Expect(perr.Handle.State()).To(Equal(provisioning.StateFailed))
		})

		It("retries transient poll errors and resets the budget after a good status", func() {
			transient := provisioning.PollFailed(errors.New("connection reset by peer"))
			fake.statuses = []provisioning.PollOutcome{
				transient,
				transient,
				provisioning.NotReady("new", ""),
				transient,
				transient,
				provisioning.Ready("active", "10.0.0.5"),
			}

			handle, err := orchestrator.Provision(ctx, fake, validRequest(), opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(handle.Address()).To(Equal("10.0.0.5"))
			Expect(fake.polls).To(Equal(6))
		})

		It("stops when the caller's context ends", func() {
			cctx, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
			defer cancel()

			_, err := orchestrator.Provision(cctx, fake, validRequest(), opts)
			perr := provisioningError(err)
			Expect(perr.Stage).To(Equal(orchestrator.StagePoll))
			Expect(err).To(MatchError(context.DeadlineExceeded))
		})
	})

	Describe("Teardown", func() {
		var handle *provisioning.InstanceHandle

		BeforeEach(func() {
			handle = provisioning.NewHandle("fake", "42", "droplift-test", "nyc1")
			Expect(handle.MarkProvisioning()).To(Succeed())
			Expect(handle.MarkReady("10.0.0.5")).To(Succeed())
		})

		It("deletes the instance", func() {
			Expect(orchestrator.Teardown(ctx, fake, handle, opts)).To(Succeed())
			Expect(handle.State()).To(Equal(provisioning.StateDeleted))
			Expect(fake.deletes).To(Equal(1))
		})

		It("treats a 404 from the provider as success", func() {
			fake.deleteErrs = []error{apiError(http.StatusNotFound, provisioning.Fatal)}

			Expect(orchestrator.Teardown(ctx, fake, handle, opts)).To(Succeed())
			Expect(handle.State()).To(Equal(provisioning.StateDeleted))
			Expect(fake.deletes).To(Equal(1))
		})

		It("is a no-op for a deleted handle", func() {
			Expect(orchestrator.Teardown(ctx, fake, handle, opts)).To(Succeed())
			Expect(orchestrator.Teardown(ctx, fake, handle, opts)).To(Succeed())
			Expect(fake.deletes).To(Equal(1))
		})

		It("fails fast for a failed handle", func() {
			failed := provisioning.NewHandle("fake", "43", "x", "nyc1")
			Expect(failed.MarkFailed("boom")).To(Succeed())

			err := orchestrator.Teardown(ctx, fake, failed, opts)
			perr := provisioningError(err)
			Expect(perr.Stage).To(Equal(orchestrator.StageDelete))
			Expect(err).To(MatchError(provisioning.ErrTerminalHandle))
			Expect(fake.deletes).To(BeZero())
		})

		It("rejects a nil handle", func() {
			perr := provisioningError(orchestrator.Teardown(ctx, fake, nil, opts))
			Expect(perr.Kind).To(Equal(provisioning.KindInvalidRequest))
		})

		It("retries a bounded number of times and leaves the handle deleting", func() {
			fake.deleteErrs = []error{apiError(http.StatusInternalServerError, provisioning.RetryableTransient)}

			err := orchestrator.Teardown(ctx, fake, handle, opts)
			perr := provisioningError(err)
			Expect(perr.Stage).To(Equal(orchestrator.StageDelete))
			Expect(perr.Handle).To(BeIdenticalTo(handle))
			Expect(fake.deletes).To(Equal(opts.MaxAttempts))
			Expect(handle.State()).To(Equal(provisioning.StateDeleting))

			fake.deleteErrs = nil
			Expect(orchestrator.Teardown(ctx, fake, handle, opts)).To(Succeed())
			Expect(handle.State()).To(Equal(provisioning.StateDeleted))
		})
	})

	Describe("end to end", func() {
		It("provisions, then tears down a handle whose delete returns 404", func() {
			fake.createID = "42"
			fake.statuses = []provisioning.PollOutcome{
				provisioning.NotReady("new", ""),
				provisioning.Ready("active", "10.0.0.5"),
			}
			fake.deleteErrs = []error{apiError(http.StatusNotFound, provisioning.Fatal)}

			handle, err := orchestrator.Provision(ctx, fake, validRequest(), opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(handle.ID).To(Equal("42"))
			Expect(handle.Address()).To(Equal("10.0.0.5"))

			Expect(orchestrator.Teardown(ctx, fake, handle, opts)).To(Succeed())
			Expect(handle.State()).To(Equal(provisioning.StateDeleted))
		})
	})

	Describe("RegisterKey", func() {
		It("returns the provider key id", func() {
			id, err := orchestrator.RegisterKey(ctx, fake, "droplift", "ssh-ed25519 AAAA", opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal(provisioning.KeyID("key-droplift")))
		})

		It("reports the RegisterKey stage on failure", func() {
			fake.registerErr = []error{apiError(http.StatusUnprocessableEntity, provisioning.Fatal)}

			_, err := orchestrator.RegisterKey(ctx, fake, "droplift", "ssh-ed25519 AAAA", opts)
			perr := provisioningError(err)
			Expect(perr.Stage).To(Equal(orchestrator.StageRegisterKey))
			Expect(fake.registers).To(Equal(1))
		})
	})

	Describe("Discover", func() {
		BeforeEach(func() {
			fake.regions = []provisioning.Region{{Name: "New York 1", Slug: "nyc1"}}
			fake.images = []provisioning.ImageReference{{ID: "ubuntu-22-04-x64"}}
		})

		It("lists regions and images", func() {
			caps, err := orchestrator.Discover(ctx, fake, "nyc1", opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(caps.Regions).To(HaveLen(1))
			Expect(caps.Images).To(ConsistOf(provisioning.ImageReference{ID: "ubuntu-22-04-x64"}))
		})

		It("skips images without a region", func() {
			caps, err := orchestrator.Discover(ctx, fake, "", opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(caps.Images).To(BeEmpty())
			Expect(fake.listImages).To(BeZero())
		})

		It("retries a transient listing failure", func() {
			fake.listErrs = []error{errors.New("connection refused"), nil}

			caps, err := orchestrator.Discover(ctx, fake, "nyc1", opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(caps.Regions).To(HaveLen(1))
			Expect(fake.listRegions).To(Equal(2))
		})

		It("reports the Discover stage on a fatal failure", func() {
			fake.listErrs = []error{apiError(http.StatusForbidden, provisioning.Fatal)}

			_, err := orchestrator.Discover(ctx, fake, "nyc1", opts)
			perr := provisioningError(err)
			Expect(perr.Stage).To(Equal(orchestrator.StageDiscover))
		})
	})
})
