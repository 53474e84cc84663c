package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrRunNotFound      = errors.New("run not found")
	ErrRunAlreadyExists = errors.New("run already exists")
	ErrRevisionConflict = errors.New("revision conflict")
	// ErrStoreUnavailable marks a transient store failure; callers retry with backoff.
	ErrStoreUnavailable = errors.New("document store unavailable")

	ErrInvalidTransition  = errors.New("invalid run transition")
	ErrUnknownStage       = errors.New("unknown stage")
	ErrBaselineIncomplete = errors.New("baseline run is missing upstream stage outputs")
	ErrInvalidRegistry    = errors.New("invalid stage registry")
	ErrEmptyRegistryInput = errors.New("empty registry definition")
	ErrDispatcherNotSet   = errors.New("dispatcher not set")
)

// StageFailure describes why a stage attempt did not produce an output.
type StageFailure struct {
	StageID   string
	Kind      FailureKind
	Retryable bool
	Message   string
	Cause     error
}

func (e *StageFailure) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stage %s: %s failure: %s: %v", e.StageID, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("stage %s: %s failure: %s", e.StageID, e.Kind, e.Message)
}

func (e *StageFailure) Unwrap() error {
	return e.Cause
}

// AsStageFailure extracts a StageFailure from err's chain.
func AsStageFailure(err error) (*StageFailure, bool) {
	var sf *StageFailure
	if errors.As(err, &sf) {
		return sf, true
	}
	return nil, false
}

// IsTransient reports whether err is worth retrying against the store.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// Unavailable wraps a driver error so that IsTransient recognises it.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}
