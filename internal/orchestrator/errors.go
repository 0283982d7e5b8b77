package orchestrator

import (
	"errors"
	"fmt"

	"droplift/internal/provisioning"
)

var (
	// ErrPollTimeout is the cause of a Poll stage failure when the instance
	// did not become ready before the poll timeout.
	ErrPollTimeout = errors.New("timed out waiting for instance")
	// ErrAttemptsExhausted wraps the last retryable error once a stage ran out of attempts.
	ErrAttemptsExhausted = errors.New("retry attempts exhausted")
)

// Stage names the orchestrator step a failure happened in.
type Stage string

const (
	StageRegisterKey Stage = "RegisterKey"
	StageCreate      Stage = "Create"
	StagePoll        Stage = "Poll"
	StageDelete      Stage = "Delete"
	StageDiscover    Stage = "Discover"
)

// ProvisioningError is every terminal failure returned by the orchestrator.
// Handle is set once the instance exists remotely, so the caller can still
// inspect or delete it.
type ProvisioningError struct {
	Stage  Stage
	Kind   provisioning.ErrorKind
	Handle *provisioning.InstanceHandle
	Cause  error
}

func newProvisioningError(stage Stage, handle *provisioning.InstanceHandle, cause error) *ProvisioningError {
	return &ProvisioningError{
		Stage:  stage,
		Kind:   kindOf(cause),
		Handle: handle,
		Cause:  cause,
	}
}

func (e *ProvisioningError) Error() string {
	if e.Handle != nil {
		return fmt.Sprintf("%s stage failed for instance %s (%s): %v", e.Stage, e.Handle.ID, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s stage failed (%s): %v", e.Stage, e.Kind, e.Cause)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Cause
}

// kindOf extends provisioning.KindOf with the orchestrator's own sentinels.
// A stage that ran out of attempts escalates to Fatal.
func kindOf(err error) provisioning.ErrorKind {
	switch {
	case errors.Is(err, ErrPollTimeout):
		return provisioning.KindTimeout
	case errors.Is(err, ErrAttemptsExhausted):
		return provisioning.KindFatal
	default:
		return provisioning.KindOf(err)
	}
}
