package provisioning

import "fmt"

// State is the local lifecycle state of an instance.
type State int

const (
	StateRequested State = iota
	StateProvisioning
	StateReady
	StateDeleting
	StateDeleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateProvisioning:
		return "provisioning"
	case StateReady:
		return "ready"
	case StateDeleting:
		return "deleting"
	case StateDeleted:
		return "deleted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further operation is accepted in this state.
func (s State) Terminal() bool {
	return s == StateDeleted || s == StateFailed
}

// allowed lists forward transitions. Self transitions for Provisioning and
// Deleting let the orchestrator re-enter a stage after a retry.
var allowed = map[State][]State{
	StateRequested:    {StateProvisioning, StateReady, StateDeleting, StateFailed},
	StateProvisioning: {StateProvisioning, StateReady, StateDeleting, StateFailed},
	StateReady:        {StateDeleting, StateFailed},
	StateDeleting:     {StateDeleting, StateDeleted, StateFailed},
}

// InstanceHandle tracks one remote instance. A handle is owned by a single
// workflow and is not safe for concurrent mutation.
type InstanceHandle struct {
	ID       string
	Name     string
	Region   string
	Provider string

	// Attributes holds provider specific values captured at create time.
	Attributes map[string]string

	state   State
	address string
	reason  string
}

// NewHandle returns a handle in the Requested state.
func NewHandle(provider, id, name, region string) *InstanceHandle {
	return &InstanceHandle{
		ID:       id,
		Name:     name,
		Region:   region,
		Provider: provider,
		state:    StateRequested,
	}
}

func (h *InstanceHandle) State() State {
	return h.state
}

// Address is set once the handle reached Ready.
func (h *InstanceHandle) Address() string {
	return h.address
}

// Reason is set once the handle reached Failed.
func (h *InstanceHandle) Reason() string {
	return h.reason
}

// CheckActive fails with ErrTerminalHandle for Deleted and Failed handles.
// Adapters call it before issuing any request.
func (h *InstanceHandle) CheckActive() error {
	if h == nil {
		return fmt.Errorf("%w: nil instance handle", ErrInvalidRequest)
	}
	if s := h.State(); s.Terminal() {
		return fmt.Errorf("%w: instance %s is %s", ErrTerminalHandle, h.ID, s)
	}
	return nil
}

func (h *InstanceHandle) MarkProvisioning() error {
	return h.transition(StateProvisioning)
}

func (h *InstanceHandle) MarkReady(address string) error {
	if address == "" {
		return fmt.Errorf("instance %s cannot be ready without an address", h.ID)
	}
	if err := h.transition(StateReady); err != nil {
		return err
	}
	h.address = address
	return nil
}

func (h *InstanceHandle) MarkDeleting() error {
	return h.transition(StateDeleting)
}

func (h *InstanceHandle) MarkDeleted() error {
	return h.transition(StateDeleted)
}

func (h *InstanceHandle) MarkFailed(reason string) error {
	if err := h.transition(StateFailed); err != nil {
		return err
	}
	h.reason = reason
	return nil
}

func (h *InstanceHandle) transition(to State) error {
	for _, next := range allowed[h.state] {
		if next == to {
			h.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid transition for instance %s: %s -> %s", h.ID, h.state, to)
}

func (h *InstanceHandle) String() string {
	if h.address != "" {
		return fmt.Sprintf("%s/%s (%s, %s)", h.Provider, h.ID, h.state, h.address)
	}
	return fmt.Sprintf("%s/%s (%s)", h.Provider, h.ID, h.state)
}

// PollStatus is the tag of a PollOutcome.
type PollStatus int

const (
	PollNotReady PollStatus = iota
	PollReady
	PollError
)

func (s PollStatus) String() string {
	switch s {
	case PollNotReady:
		return "not_ready"
	case PollReady:
		return "ready"
	default:
		return "error"
	}
}

// PollOutcome is the result of one status check. Address may be set on a
// NotReady outcome when the provider already exposes it.
type PollOutcome struct {
	Status        PollStatus
	Address       string
	ProviderState string
	Err           error
}

func NotReady(providerState, address string) PollOutcome {
	return PollOutcome{Status: PollNotReady, ProviderState: providerState, Address: address}
}

func Ready(providerState, address string) PollOutcome {
	return PollOutcome{Status: PollReady, ProviderState: providerState, Address: address}
}

func PollFailed(err error) PollOutcome {
	return PollOutcome{Status: PollError, Err: err}
}
