package workflow

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies stage failures.
type ErrorKind string

const (
	KindMalformedOutput      ErrorKind = "malformed_output"
	KindModelUnavailable     ErrorKind = "model_unavailable"
	KindTimeout              ErrorKind = "timeout"
	KindQueryExecution       ErrorKind = "query_execution_error"
	KindDecompositionInvalid ErrorKind = "decomposition_invalid"
	KindTerminalFailure      ErrorKind = "terminal_failure"
	KindSchemaUnavailable    ErrorKind = "schema_unavailable"
)

var (
	ErrMalformedOutput      = errors.New("malformed model output")
	ErrModelUnavailable     = errors.New("model unavailable")
	ErrTimeout              = errors.New("call timed out")
	ErrQueryExecution       = errors.New("query execution failed")
	ErrDecompositionInvalid = errors.New("decomposition references unknown tables")
	ErrTerminalFailure      = errors.New("terminal failure")
	ErrSchemaUnavailable    = errors.New("schema catalog unavailable")

	ErrThreadBusy       = errors.New("a run is already in progress for this thread")
	ErrThreadNotFound   = errors.New("thread has no checkpoints")
	ErrNothingToResume  = errors.New("latest checkpoint is already complete")
	ErrInvalidStep      = errors.New("no checkpoint at the requested step")
	ErrUnknownStage     = errors.New("unknown stage")
	ErrFieldOwnership   = errors.New("stage wrote a field it does not own")
	ErrMissingQuestion  = errors.New("question is required")
	ErrMissingThreadID  = errors.New("thread ID is required")
	ErrCheckpointFailed = errors.New("failed to save checkpoint")
	ErrNoMemoryStore    = errors.New("thread memory store is not configured")
	ErrNoContextLibrary = errors.New("context library is not configured")
	ErrNoSchemaContext  = errors.New("no schema context to save")
)

var kindSentinels = map[ErrorKind]error{
	KindMalformedOutput:      ErrMalformedOutput,
	KindModelUnavailable:     ErrModelUnavailable,
	KindTimeout:              ErrTimeout,
	KindQueryExecution:       ErrQueryExecution,
	KindDecompositionInvalid: ErrDecompositionInvalid,
	KindTerminalFailure:      ErrTerminalFailure,
	KindSchemaUnavailable:    ErrSchemaUnavailable,
}

// StageError is a classified failure raised by a stage.
type StageError struct {
	Kind     ErrorKind
	Stage    Stage
	Attempts int
	Err      error
}

func (e *StageError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s: %s after %d attempts: %v", e.Stage, e.Kind, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *StageError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func newStageError(stage Stage, kind ErrorKind, attempts int, err error) *StageError {
	return &StageError{Kind: kind, Stage: stage, Attempts: attempts, Err: err}
}

// KindOf returns the kind of a classified error, or terminal failure for anything else.
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTerminalFailure
}

// failureFrom converts an escalated stage error into the payload handed to the synthesizer.
func failureFrom(stage Stage, err error) *FailurePayload {
	return &FailurePayload{Stage: stage, Kind: KindOf(err), Reason: err.Error()}
}
