package pipeline

import (
	"errors"
	"fmt"
)

// ErrPollTimeout is the cause recorded when a matching job exceeds its
// wall-clock budget measured from submission.
var ErrPollTimeout = errors.New("matching job timed out")

// StageError wraps a client error with the stage it occurred in, so the
// operator-facing failure always names the stage and the underlying cause.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
