package deployment

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig reports configuration problems detected before any
	// deployment is attempted.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrInvalidPlan reports a plan whose dependencies can not be satisfied
	// in the given order.
	ErrInvalidPlan = errors.New("invalid deployment plan")
	// ErrDeployment reports a network or transaction failure during a step.
	ErrDeployment = errors.New("deployment failed")
	// ErrUnresolvedDependency reports a constructor argument that was not
	// available when its step started.
	ErrUnresolvedDependency = errors.New("unresolved constructor argument")
	// ErrInvalidReceipt reports a deployer result that can not be recorded,
	// such as a zero or repeated address.
	ErrInvalidReceipt = errors.New("invalid deployment receipt")
)

// StepError is returned when a step of the plan fails. Step is 1-based.
type StepError struct {
	Step     int
	Contract string
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Step, e.Contract, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
