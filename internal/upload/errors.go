package upload

import (
	"errors"
	"fmt"
)

var (
	ErrAuthRequired      = errors.New("authentication required")
	ErrMalformedResponse = errors.New("malformed response from control endpoint")
	ErrTransferNetwork   = errors.New("network error during upload")
	ErrTransferAborted   = errors.New("upload aborted")
	ErrTaskNotFound      = errors.New("task not found")
	ErrNotRetryable      = errors.New("task is not in error state")
	ErrNoSource          = errors.New("file has no content source")
)

// ValidationError is a local, per-file rejection.
type ValidationError struct {
	Name   string
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// RemoteError is a failed control call. Message is the server-supplied
// reason when present, otherwise the generic reason for the step. StatusCode
// is zero when no answer arrived; Err then holds the transport cause.
type RemoteError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *RemoteError) Error() string { return e.Message }
func (e *RemoteError) Unwrap() error { return e.Err }

// TransferStatusError is a non-2xx answer from the upload target.
type TransferStatusError struct {
	StatusCode int
}

func (e *TransferStatusError) Error() string {
	return fmt.Sprintf("upload failed with status %d", e.StatusCode)
}

// Step names one stage of the upload protocol.
type Step string

const (
	StepRequestTarget Step = "request_target"
	StepTransfer      Step = "transfer"
	StepConfirm       Step = "confirm"
)

// StepError tags a failure with the protocol step it came from. Its message is
// the underlying reason unchanged so it can be shown to the user as is.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string { return e.Err.Error() }
func (e *StepError) Unwrap() error { return e.Err }
