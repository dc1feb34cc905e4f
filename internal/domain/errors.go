package domain

import "errors"

var (
	// ErrInvalidInput marks malformed or under-specified requirements or budget.
	ErrInvalidInput = errors.New("invalid input")
	// ErrBudgetExceeded marks a hard-cap breach at the admission gate.
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrProvider marks a failure of an external collaborator.
	ErrProvider = errors.New("provider error")
	// ErrContractViolation marks a task whose declared inputs cannot be
	// satisfied by any dependency output or external seed.
	ErrContractViolation = errors.New("contract violation")
)
