package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"droplift/internal/logging"
	"droplift/internal/provisioning"

	"go.uber.org/zap"
)

// runner carries one operation's adapter and options. It holds no state
// between operations.
type runner struct {
	p    provisioning.Provisioner
	opts Options
	log  *zap.Logger
}

func newRunner(p provisioning.Provisioner, opts Options) *runner {
	return &runner{
		p:    p,
		opts: opts.withDefaults(),
		log:  logging.Logger().With(zap.String("provider", p.Name())),
	}
}

// Provision creates the instance described by req and polls until it has an
// address. The returned handle is Ready. Failures are *ProvisioningError;
// after a successful Create the error carries the handle and the remote
// instance is left as it is.
func Provision(ctx context.Context, p provisioning.Provisioner, req provisioning.ProvisionRequest, opts Options) (*provisioning.InstanceHandle, error) {
	r := newRunner(p, opts)
	start := time.Now()

	handle, err := r.provision(ctx, req)
	r.opts.Recorder.ObserveProvision(p.Name(), time.Since(start), err)
	if err != nil {
		var perr *ProvisioningError
		if errors.As(err, &perr) {
			r.log.Error("provisioning failed",
				zap.String("stage", string(perr.Stage)),
				zap.Stringer("kind", perr.Kind),
				zap.String("name", req.Name),
				zap.String("error", logging.Truncate(perr.Cause.Error())))
		}
		return nil, err
	}

	r.log.Info("instance ready",
		zap.String("instance_id", handle.ID),
		zap.String("address", handle.Address()),
		zap.Duration("elapsed", time.Since(start)))
	return handle, nil
}

func (r *runner) provision(ctx context.Context, req provisioning.ProvisionRequest) (*provisioning.InstanceHandle, error) {
	if err := req.Validate(); err != nil {
		return nil, newProvisioningError(StageCreate, nil, err)
	}

	r.log.Info("creating instance",
		zap.String("name", req.Name),
		zap.String("region", req.Region),
		zap.String("image", req.Image.String()),
		zap.String("size", req.Size))

	var handle *provisioning.InstanceHandle
	err := r.retry(ctx, StageCreate, func(ctx context.Context) error {
		h, err := r.p.Create(ctx, req)
		if err != nil {
			return err
		}
		handle = h
		return nil
	})
	if err != nil {
		return nil, newProvisioningError(StageCreate, nil, err)
	}

	if err := handle.MarkProvisioning(); err != nil {
		return nil, newProvisioningError(StageCreate, handle, err)
	}
	r.log.Info("instance created, waiting for address", zap.String("instance_id", handle.ID))

	if err := r.poll(ctx, handle); err != nil {
		return nil, newProvisioningError(StagePoll, handle, err)
	}
	return handle, nil
}

// Teardown deletes the instance. A provider not-found counts as deleted.
// Deleted handles return nil without a call, Failed handles fail fast.
func Teardown(ctx context.Context, p provisioning.Provisioner, handle *provisioning.InstanceHandle, opts Options) error {
	if handle == nil {
		return newProvisioningError(StageDelete, nil, fmt.Errorf("%w: nil instance handle", provisioning.ErrInvalidRequest))
	}
	switch handle.State() {
	case provisioning.StateDeleted:
		return nil
	case provisioning.StateFailed:
		return newProvisioningError(StageDelete, handle, handle.CheckActive())
	}

	r := newRunner(p, opts)
	if err := handle.MarkDeleting(); err != nil {
		return newProvisioningError(StageDelete, handle, err)
	}
	r.log.Info("deleting instance", zap.String("instance_id", handle.ID))

	err := r.retry(ctx, StageDelete, func(ctx context.Context) error {
		err := r.p.Delete(ctx, handle)
		if provisioning.IsNotFound(err) {
			r.log.Info("instance already gone", zap.String("instance_id", handle.ID))
			return nil
		}
		return err
	})
	if err != nil {
		return newProvisioningError(StageDelete, handle, err)
	}

	if err := handle.MarkDeleted(); err != nil {
		return newProvisioningError(StageDelete, handle, err)
	}
	r.log.Info("instance deleted", zap.String("instance_id", handle.ID))
	return nil
}

// RegisterKey registers the public key under name with the same retry policy
// as the other stages. Providers that take keys inline return InlineKey.
func RegisterKey(ctx context.Context, p provisioning.Provisioner, name, publicKey string, opts Options) (provisioning.KeyID, error) {
	r := newRunner(p, opts)

	var id provisioning.KeyID
	err := r.retry(ctx, StageRegisterKey, func(ctx context.Context) error {
		k, err := r.p.RegisterKey(ctx, name, publicKey)
		if err != nil {
			return err
		}
		id = k
		return nil
	})
	if err != nil {
		return provisioning.InlineKey, newProvisioningError(StageRegisterKey, nil, err)
	}
	if id != provisioning.InlineKey {
		r.log.Info("ssh key registered", zap.String("key_name", name), zap.String("key_id", string(id)))
	}
	return id, nil
}

// retry calls fn until it succeeds, fails with a non retryable error, runs
// out of attempts or ctx ends.
func (r *runner) retry(ctx context.Context, stage Stage, fn func(context.Context) error) error {
	backoff := r.opts.newBackoff()

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		class := provisioning.ClassifyError(err)
		r.opts.Recorder.ObserveCall(r.p.Name(), stage, class)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errors.Join(err, ctx.Err())
		}
		if !class.Retryable() {
			return err
		}
		if attempt+1 >= r.opts.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempt+1, err)
		}

		delay := backoff.After(attempt, err)
		r.opts.Recorder.ObserveRetry(r.p.Name(), stage, delay)
		r.logRetry(stage, attempt+1, delay, class, err)

		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// poll checks the instance immediately and then every PollInterval. A
// non-empty address ends the loop whatever state the provider reports.
func (r *runner) poll(ctx context.Context, handle *provisioning.InstanceHandle) error {
	pollCtx := ctx
	if r.opts.PollTimeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, r.opts.PollTimeout)
		defer cancel()
	}

	timedOut := func() error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: instance %s not ready after %s", ErrPollTimeout, handle.ID, r.opts.PollTimeout)
	}

	backoff := r.opts.newBackoff()
	failures := 0

	for polls := 1; ; polls++ {
		outcome := r.p.FetchStatus(pollCtx, handle)
		r.opts.Recorder.ObservePoll(r.p.Name(), outcome.Status)

		var wait time.Duration
		switch {
		case outcome.Status != provisioning.PollError && outcome.Address != "":
			if err := handle.MarkReady(outcome.Address); err != nil {
				return err
			}
			r.log.Debug("instance has an address",
				zap.String("instance_id", handle.ID),
				zap.String("provider_state", outcome.ProviderState),
				zap.Int("polls", polls))
			return nil

		case outcome.Status == provisioning.PollError:
			if pollCtx.Err() != nil {
				return timedOut()
			}
			err := outcome.Err
			if errors.Is(err, provisioning.ErrInstanceFailed) {
				if markErr := handle.MarkFailed(err.Error()); markErr != nil {
					r.log.Warn("could not mark instance failed", zap.Error(markErr))
				}
				return err
			}
			class := provisioning.ClassifyError(err)
			r.opts.Recorder.ObserveCall(r.p.Name(), StagePoll, class)
			if !class.Retryable() {
				return err
			}
			failures++
			if failures >= r.opts.MaxAttempts {
				return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, failures, err)
			}
			wait = backoff.After(failures-1, err)
			r.opts.Recorder.ObserveRetry(r.p.Name(), StagePoll, wait)
			r.logRetry(StagePoll, failures, wait, class, err)

		default:
			r.opts.Recorder.ObserveCall(r.p.Name(), StagePoll, provisioning.Success)
			if failures > 0 {
				failures = 0
				backoff.Reset()
			}
			r.log.Debug("instance not ready",
				zap.String("instance_id", handle.ID),
				zap.String("provider_state", outcome.ProviderState),
				zap.Int("polls", polls))
			wait = r.opts.PollInterval
		}

		if err := sleep(pollCtx, wait); err != nil {
			return timedOut()
		}
	}
}

func (r *runner) logRetry(stage Stage, attempt int, delay time.Duration, class provisioning.Classification, err error) {
	r.log.Warn("retrying provider call",
		zap.String("stage", string(stage)),
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", r.opts.MaxAttempts),
		zap.Duration("backoff", delay),
		zap.Stringer("classification", class),
		zap.String("error", logging.Truncate(err.Error())))
}

// sleep waits for d or until ctx ends, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
