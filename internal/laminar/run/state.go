package run

import (
	"github.com/pkg/errors"
)

// RunState is the lifecycle state, and once terminal the result, of a Run.
type RunState int

const (
	Unknown RunState = iota
	Pending
	Running
	Aborted
	Failed
	Success
)

var runStateNames = map[RunState]string{
	Unknown: "unknown",
	Pending: "pending",
	Running: "running",
	Aborted: "aborted",
	Failed:  "failed",
	Success: "success",
}

// String returns the name passed to scripts in $RESULT and $LAST_RESULT.
func (s RunState) String() string {
	if name, ok := runStateNames[s]; ok {
		return name
	}
	return runStateNames[Unknown]
}

// IsTerminal returns true for Aborted, Failed and Success.
func (s RunState) IsTerminal() bool {
	return s == Aborted || s == Failed || s == Success
}

// isFailure returns true if the state can no longer be upgraded to Success.
func (s RunState) isFailure() bool {
	return s == Aborted || s == Failed
}

func ParseRunState(s string) (RunState, error) {
	for state, name := range runStateNames {
		if name == s {
			return state, nil
		}
	}
	return Unknown, errors.Errorf("unknown run state %q", s)
}
