// Package report writes the outcome of a run so the instance address
// survives the process.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"droplift/internal/orchestrator"
	"droplift/internal/provisioning"

	"gopkg.in/yaml.v3"
)

// Report is the durable record of one run.
type Report struct {
	RunID      string    `json:"run_id" yaml:"run_id"`
	Provider   string    `json:"provider" yaml:"provider"`
	InstanceID string    `json:"instance_id,omitempty" yaml:"instance_id,omitempty"`
	Name       string    `json:"name" yaml:"name"`
	Region     string    `json:"region" yaml:"region"`
	State      string    `json:"state" yaml:"state"`
	Address    string    `json:"address,omitempty" yaml:"address,omitempty"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`

	ReadyAfter string `json:"ready_after,omitempty" yaml:"ready_after,omitempty"`
	SSHCheck   string `json:"ssh_check,omitempty" yaml:"ssh_check,omitempty"`

	Error *Failure `json:"error,omitempty" yaml:"error,omitempty"`
}

// Failure describes why the run stopped.
type Failure struct {
	Stage   string `json:"stage,omitempty" yaml:"stage,omitempty"`
	Kind    string `json:"kind" yaml:"kind"`
	Message string `json:"message" yaml:"message"`
}

// SetHandle copies the handle's identity and lifecycle state.
func (r *Report) SetHandle(h *provisioning.InstanceHandle) {
	if h == nil {
		return
	}
	r.InstanceID = h.ID
	r.Name = h.Name
	r.Region = h.Region
	r.State = h.State().String()
	r.Address = h.Address()
}

// SetError records err. A ProvisioningError contributes its stage and, when
// present, its handle.
func (r *Report) SetError(err error) {
	if err == nil {
		return
	}
	f := &Failure{Kind: provisioning.KindOf(err).String(), Message: err.Error()}

	var perr *orchestrator.ProvisioningError
	if errors.As(err, &perr) {
		f.Stage = string(perr.Stage)
		f.Kind = perr.Kind.String()
		r.SetHandle(perr.Handle)
	}
	r.Error = f
}

// Save writes the report to path as YAML for .yaml/.yml and JSON otherwise.
func Save(path string, r *Report) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(r)
	default:
		data, err = json.MarshalIndent(r, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// Load reads a report written by Save.
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}

	r := &Report{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, r)
	default:
		err = json.Unmarshal(data, r)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse report: %w", err)
	}
	return r, nil
}
