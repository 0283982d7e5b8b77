package orchestrator

import (
	"time"

	"droplift/internal/config"
	"droplift/internal/provisioning"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultMaxAttempts  = 5
	DefaultBackoffBase  = time.Second
	DefaultBackoffCap   = 60 * time.Second
)

// Options tune the retry and poll behaviour of the orchestrator.
type Options struct {
	PollInterval time.Duration
	// PollTimeout bounds the poll loop. Zero polls until the context ends.
	PollTimeout time.Duration
	// MaxAttempts bounds calls per stage, the first one included.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Jitter      bool

	Recorder Recorder
}

// DefaultOptions returns the orchestrator defaults.
func DefaultOptions() Options {
	return Options{
		PollInterval: DefaultPollInterval,
		MaxAttempts:  DefaultMaxAttempts,
		BackoffBase:  DefaultBackoffBase,
		BackoffCap:   DefaultBackoffCap,
		Jitter:       true,
	}
}

// OptionsFromConfig maps the provisioning section of the configuration.
func OptionsFromConfig(cfg config.ProvisioningConfig) Options {
	return Options{
		PollInterval: cfg.PollInterval,
		PollTimeout:  cfg.PollTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		BackoffBase:  cfg.BackoffBase,
		BackoffCap:   cfg.BackoffCap,
		Jitter:       cfg.Jitter,
	}
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	return o
}

func (o Options) newBackoff() *Backoff {
	return NewBackoff(o.BackoffBase, o.BackoffCap, o.Jitter)
}

// Recorder receives one event per adapter call, retry and poll. The metrics
// package provides the prometheus implementation.
type Recorder interface {
	ObserveCall(provider string, stage Stage, class provisioning.Classification)
	ObserveRetry(provider string, stage Stage, delay time.Duration)
	ObservePoll(provider string, status provisioning.PollStatus)
	ObserveProvision(provider string, elapsed time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) ObserveCall(string, Stage, provisioning.Classification) {}
func (nopRecorder) ObserveRetry(string, Stage, time.Duration)              {}
func (nopRecorder) ObservePoll(string, provisioning.PollStatus)            {}
func (nopRecorder) ObserveProvision(string, time.Duration, error)          {}
