package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("resource not found")
	ErrAlreadyFinalized = errors.New("execution already finalized")
	ErrStopped          = errors.New("stopped by request")
	ErrClosed           = errors.New("store closed")
	ErrInvalidConfig    = errors.New("invalid configuration")
)

// ConflictError rejects a start request while a non-terminal execution
// exists for the same simulation.
type ConflictError struct {
	SimulationID uuid.UUID
	ExecutionID  uuid.UUID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("simulation %s already has active execution %s", e.SimulationID, e.ExecutionID)
}

// ProvisioningError is a stage-fatal pod creation or readiness failure.
// Code and Message are surfaced on the owning stage's execution record.
type ProvisioningError struct {
	Instance string
	Code     string
	Message  string
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("instance %s: %s (%s)", e.Instance, e.Message, e.Code)
}

// TimeoutError marks a repeat whose instances did not all reach Running
// within the stage's execution time budget. Stage-fatal.
type TimeoutError struct {
	Stage  string
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("stage %s: instances not running within %s", e.Stage, e.Budget)
}

// ReconciliationError wraps a history-store finalize failure after the
// coordinator exhausted its retries. A dangling non-terminal execution is
// worse than a delayed write, so this is escalated, never swallowed.
type ReconciliationError struct {
	ExecutionID uuid.UUID
	Attempts    int
	Err         error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("execution %s: finalize failed after %d attempts: %v", e.ExecutionID, e.Attempts, e.Err)
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}

func IsConflict(err error) bool {
	var conflictErr *ConflictError
	return errors.As(err, &conflictErr)
}

func IsProvisioning(err error) bool {
	var provErr *ProvisioningError
	return errors.As(err, &provErr)
}

func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsStopped(err error) bool {
	return errors.Is(err, ErrStopped)
}
