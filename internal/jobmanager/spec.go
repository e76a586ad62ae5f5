package jobmanager

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JobSpec is what an operator submits.
type JobSpec struct {
	ID         string  `json:"id,omitempty"`
	Command    Command `json:"command"`
	MaxRetries *int    `json:"max_retries,omitempty"`
	TimeoutMs  int64   `json:"timeout_ms,omitempty"`
}

// ParseJobSpec decodes a JSON job definition. The command may be an argv
// array or a shell-like string.
func ParseJobSpec(data []byte) (JobSpec, error) {
	var spec JobSpec
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&spec); err != nil {
		return JobSpec{}, fmt.Errorf("%w: invalid JSON for job: %v", ErrInvalidJob, err)
	}
	if dec.More() {
		return JobSpec{}, fmt.Errorf("%w: trailing data after job JSON", ErrInvalidJob)
	}
	if len(spec.Command) == 0 {
		return JobSpec{}, ErrEmptyCommand
	}
	if spec.MaxRetries != nil && *spec.MaxRetries < 0 {
		return JobSpec{}, fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidJob)
	}
	return spec, nil
}

// SpecFromString builds a spec from a shell-like command line.
func SpecFromString(id, command string) (JobSpec, error) {
	argv := SplitCommand(command)
	if len(argv) == 0 {
		return JobSpec{}, ErrEmptyCommand
	}
	return JobSpec{ID: id, Command: argv}, nil
}
